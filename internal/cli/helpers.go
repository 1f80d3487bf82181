package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"

	"github.com/headline-goat/labgoat/internal/config"
	"github.com/headline-goat/labgoat/internal/events"
	"github.com/headline-goat/labgoat/internal/experiment"
	"github.com/headline-goat/labgoat/internal/logging"
	"github.com/headline-goat/labgoat/internal/metrics"
	"github.com/headline-goat/labgoat/internal/service"
	"github.com/headline-goat/labgoat/internal/store"
)

// app is the wired process: config, logger, store and service.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	store    store.Store
	metrics  *metrics.Metrics
	recorder *events.Recorder
	bus      *events.Bus
	nats     *events.NATSPublisher
	svc      *service.Service
}

// publisher fans out to every configured event sink.
func (a *app) publisher() events.Publisher {
	out := events.Multi{a.recorder}
	if a.bus != nil {
		out = append(out, a.bus)
	}
	if a.nats != nil {
		out = append(out, a.nats)
	}
	return out
}

// open wires the process. live additionally sets up the in-process bus and,
// when configured, the NATS publisher; one-shot commands skip both.
func (o *options) open(live bool) (*app, error) {
	cfg, err := config.Load(o.v)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}

	st, err := store.OpenStore(store.Config{
		Driver: cfg.Store.Driver,
		Path:   cfg.Store.Path,
		Retry: store.RetryConfig{
			Timeout:     cfg.Store.Timeout,
			MaxAttempts: cfg.Store.MaxAttempts,
			BaseDelay:   cfg.Store.RetryBaseDelay,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Sync()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		metrics:  metrics.New(),
		recorder: events.NewRecorder(cfg.Events.History),
	}
	if live {
		a.bus = events.NewBus(a.metrics)
		if cfg.Events.NATSURL != "" {
			a.nats, err = events.DialNATS(cfg.Events.NATSURL, cfg.Events.Subject, logger)
			if err != nil {
				a.Close()
				return nil, err
			}
		}
	}
	a.svc = service.New(service.Options{
		Store:     st,
		Publisher: a.publisher(),
		Metrics:   a.metrics,
		Logger:    logger,
		Defaults: experiment.StatisticalSettings{
			ConfidenceLevel:         cfg.Stats.ConfidenceLevel,
			Power:                   cfg.Stats.Power,
			MinimumDetectableEffect: cfg.Stats.MinimumDetectableEffect,
		},
		DailyTraffic: cfg.Stats.DailyTraffic,
	})
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.nats != nil {
		errs = append(errs, a.nats.Close())
	}
	errs = append(errs, a.store.Close())
	a.logger.Sync()
	return errors.Join(errs...)
}

// withService opens the app, executes the function, and handles cleanup.
func (o *options) withService(ctx context.Context, fn func(context.Context, *app) error) error {
	a, err := o.open(false)
	if err != nil {
		return err
	}
	defer a.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, a)
}

func interactive() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", rate*100)
}

func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
}
