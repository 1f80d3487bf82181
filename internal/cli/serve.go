package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/headline-goat/labgoat/internal/autopilot"
	"github.com/headline-goat/labgoat/internal/events"
	"github.com/headline-goat/labgoat/internal/experiment"
	"github.com/headline-goat/labgoat/internal/monitor"
	"github.com/headline-goat/labgoat/internal/server"
)

func newServeCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and monitoring loop",
		Long: `Start the labgoat HTTP server.

The server provides:
  - REST API for experiments, participants and conversions
  - Autopilot endpoints for opportunities and hypotheses
  - /labgoat.js tracking script for pages under test
  - Health check, recent events and Prometheus metrics

The monitoring loop runs alongside the server unless monitor.enabled is false.

Example:
  labgoat serve --addr :8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), o)
		},
	}

	cmd.Flags().String("addr", "", "address to listen on (default :8080)")
	o.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func runServe(parent context.Context, o *options) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := o.open(true)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg
	logger := a.logger

	feed, unsubscribe := a.bus.Subscribe(64)
	defer unsubscribe()
	go logSignals(feed, logger)

	publisher := a.publisher()
	if cfg.Monitor.Enabled {
		m := monitor.New(monitor.Config{
			Interval:              cfg.Monitor.Interval,
			MinVisitors:           cfg.Monitor.MinVisitors,
			UnderperformThreshold: cfg.Monitor.UnderperformThreshold,
			LeaseTTL:              cfg.Monitor.LeaseTTL,
		}, a.svc, a.store, publisher, a.metrics, logger)
		if err := m.Start(ctx); err != nil {
			return err
		}
		defer m.Stop()
	}

	defaults := experiment.StatisticalSettings{
		ConfidenceLevel:         cfg.Stats.ConfidenceLevel,
		Power:                   cfg.Stats.Power,
		MinimumDetectableEffect: cfg.Stats.MinimumDetectableEffect,
	}
	srv := server.New(server.Options{
		Addr:         cfg.Server.Addr,
		Token:        cfg.Server.APIToken,
		PublicURL:    cfg.Server.PublicURL,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Service:      a.svc,
		Analyzer:     autopilot.NewAnalyzer(autopilot.DefaultBenchmarks(), logger),
		Generator:    autopilot.NewGenerator(nil, publisher, logger),
		Builder: autopilot.NewBuilder(autopilot.BuilderConfig{
			MinTrafficPerVariation: cfg.Builder.MinTrafficPerVariation,
			MaxTreatments:          cfg.Builder.MaxTreatments,
			Defaults:               defaults,
		}),
		Recorder: a.recorder,
		Metrics:  a.metrics,
		Logger:   logger,
	})

	if cfg.Server.APIToken == "" {
		logger.Warn("server.api_token is empty; mutating endpoints are unauthenticated")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// logSignals writes monitoring signals to the server log as they happen.
func logSignals(feed <-chan events.Event, logger *zap.Logger) {
	for ev := range feed {
		switch ev.Type {
		case events.TypeEarlyWinnerCandidate, events.TypeUnderperformingVariant, events.TypeMonitoringError:
			logger.Info("monitor signal",
				zap.String("type", string(ev.Type)),
				zap.String("experiment_id", ev.ExperimentID),
				zap.String("variant_id", ev.VariantID),
				zap.String("message", ev.Message))
		}
	}
}
