// Package monitor periodically re-analyzes running experiments and raises
// early-winner and underperforming-variant signals. It never changes an
// experiment's status; acting on a signal is left to an operator.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/headline-goat/labgoat/internal/events"
	"github.com/headline-goat/labgoat/internal/experiment"
	"github.com/headline-goat/labgoat/internal/metrics"
	"github.com/headline-goat/labgoat/internal/stats"
)

const LeaseName = "monitor"

// Source supplies running experiments with live metrics.
type Source interface {
	RunningIDs(ctx context.Context) ([]string, error)
	Get(ctx context.Context, id string) (*experiment.Experiment, error)
}

// Leaser grants the monitoring lease. Only the holder runs a cycle, so
// several server processes sharing a store do not emit duplicate signals.
type Leaser interface {
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
}

type Config struct {
	Interval time.Duration

	// MinVisitors is required on both the control and the treatment
	// before a comparison can raise a signal.
	MinVisitors int64

	// UnderperformThreshold is the relative drop below control, as a
	// fraction, at which a significant loser is flagged.
	UnderperformThreshold float64

	LeaseTTL time.Duration
	Holder   string
}

func DefaultConfig() Config {
	return Config{
		Interval:              time.Minute,
		MinVisitors:           100,
		UnderperformThreshold: 0.1,
		LeaseTTL:              2 * time.Minute,
	}
}

// Report summarizes a single monitoring cycle.
type Report struct {
	Leader  bool
	Checked int
	Signals []events.Event
	Errors  int
}

type Monitor struct {
	cfg       Config
	source    Source
	leaser    Leaser
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	flagged map[string]bool
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func New(cfg Config, source Source, leaser Leaser, publisher events.Publisher, m *metrics.Metrics, logger *zap.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MinVisitors <= 0 {
		cfg.MinVisitors = def.MinVisitors
	}
	if cfg.UnderperformThreshold <= 0 {
		cfg.UnderperformThreshold = def.UnderperformThreshold
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * cfg.Interval
	}
	if cfg.Holder == "" {
		cfg.Holder = uuid.NewString()
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:       cfg,
		source:    source,
		leaser:    leaser,
		publisher: publisher,
		metrics:   m,
		logger:    logger.Named("monitor"),
		now:       time.Now,
		flagged:   make(map[string]bool),
	}
}

// Start runs a cycle every interval until Stop is called or ctx ends.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor is already running")
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info("monitor starting",
		zap.Duration("interval", m.cfg.Interval),
		zap.String("holder", m.cfg.Holder))

	go m.loop(ctx)
	return nil
}

// Stop ends the loop and waits for an in-flight cycle to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	<-done
	m.logger.Info("monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil {
				m.logger.Warn("monitoring cycle failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single cycle. An error is returned only when the
// cycle could not begin; failures on one experiment are reported as
// monitoring_error events and the cycle moves on.
func (m *Monitor) RunOnce(ctx context.Context) (*Report, error) {
	report := &Report{}

	if m.leaser != nil {
		ok, err := m.leaser.AcquireLease(ctx, LeaseName, m.cfg.Holder, m.cfg.LeaseTTL)
		if err != nil {
			m.metrics.MonitorError()
			return report, fmt.Errorf("failed to acquire monitor lease: %w", err)
		}
		if !ok {
			m.logger.Debug("monitor lease held elsewhere, skipping cycle")
			return report, nil
		}
	}
	report.Leader = true

	ids, err := m.source.RunningIDs(ctx)
	if err != nil {
		m.metrics.MonitorError()
		return report, fmt.Errorf("failed to list running experiments: %w", err)
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		signals, err := m.check(ctx, id)
		report.Checked++
		if err != nil {
			report.Errors++
			m.fail(ctx, id, err)
			continue
		}
		report.Signals = append(report.Signals, signals...)
	}

	m.metrics.MonitorCycle(len(ids))
	m.logger.Debug("monitoring cycle complete",
		zap.Int("running", len(ids)),
		zap.Int("signals", len(report.Signals)),
		zap.Int("errors", report.Errors))
	return report, nil
}

func (m *Monitor) check(ctx context.Context, id string) (signals []events.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic analyzing experiment: %v", r)
		}
	}()

	e, err := m.source.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != experiment.StatusRunning {
		return nil, nil
	}

	control, ok := e.Control()
	if !ok {
		return nil, fmt.Errorf("experiment %s has no control variant", id)
	}

	res := stats.Analyze(e, m.now())
	if len(res.Goals) == 0 {
		return nil, nil
	}

	for _, c := range res.Goals[0].Comparisons {
		v, ok := e.Variant(c.VariantID)
		if !ok {
			continue
		}
		enough := control.Metrics.Visitors >= m.cfg.MinVisitors && v.Metrics.Visitors >= m.cfg.MinVisitors

		winner := enough && c.Significant && c.VariantRate > c.ControlRate
		loser := enough && c.Significant && c.Lift <= -m.cfg.UnderperformThreshold

		if ev, ok := m.flag(e, c, events.TypeEarlyWinnerCandidate, winner); ok {
			signals = append(signals, ev)
		}
		if ev, ok := m.flag(e, c, events.TypeUnderperformingVariant, loser); ok {
			signals = append(signals, ev)
		}
	}

	for _, ev := range signals {
		m.metrics.Signal(string(ev.Type))
		m.publish(ctx, ev)
	}
	return signals, nil
}

// flag returns a new signal event when the condition holds and was not
// already flagged. A condition that stops holding is cleared so it can be
// raised again later.
func (m *Monitor) flag(e *experiment.Experiment, c experiment.Comparison, typ events.Type, holds bool) (events.Event, bool) {
	key := e.ID + "|" + c.VariantID + "|" + string(typ)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !holds {
		delete(m.flagged, key)
		return events.Event{}, false
	}
	if m.flagged[key] {
		return events.Event{}, false
	}
	m.flagged[key] = true

	var msg string
	if typ == events.TypeEarlyWinnerCandidate {
		msg = fmt.Sprintf("variant %s leads control by %.1f%% at %.1f%% confidence", c.VariantID, c.Lift*100, c.Confidence)
	} else {
		msg = fmt.Sprintf("variant %s trails control by %.1f%% at %.1f%% confidence", c.VariantID, -c.Lift*100, c.Confidence)
	}
	ev := events.New(typ, e.ID, msg).
		With("lift", c.Lift).
		With("confidence", c.Confidence).
		With("controlRate", c.ControlRate).
		With("variantRate", c.VariantRate)
	ev.VariantID = c.VariantID
	ev.Timestamp = m.now()
	return ev, true
}

func (m *Monitor) fail(ctx context.Context, id string, err error) {
	m.metrics.MonitorError()
	m.logger.Warn("failed to analyze experiment", zap.String("experiment_id", id), zap.Error(err))
	m.publish(ctx, events.New(events.TypeMonitoringError, id, err.Error()))
}

func (m *Monitor) publish(ctx context.Context, ev events.Event) {
	if err := m.publisher.Publish(ctx, ev); err != nil {
		m.logger.Warn("failed to publish event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}
