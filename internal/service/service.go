// Package service is the experimentation engine's application layer. A
// single Service is built at startup and shared by the REST server, the
// CLI and the monitoring loop.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/headline-goat/labgoat/internal/events"
	"github.com/headline-goat/labgoat/internal/experiment"
	"github.com/headline-goat/labgoat/internal/metrics"
	"github.com/headline-goat/labgoat/internal/stats"
	"github.com/headline-goat/labgoat/internal/store"
)

type Options struct {
	Store     store.Store
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Logger    *zap.Logger

	// Defaults fills statistical settings a definition leaves at zero.
	Defaults experiment.StatisticalSettings

	// DailyTraffic is assumed by SampleSize when the caller gives none.
	DailyTraffic int64

	Now func() time.Time
}

type Service struct {
	store     store.Store
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	defaults  experiment.StatisticalSettings
	daily     int64
	now       func() time.Time

	// startMu serializes starts within this process; the store's deploy
	// lease, held under holder, serializes them across processes.
	startMu sync.Mutex
	holder  string
}

func New(opts Options) *Service {
	s := &Service{
		store:     opts.Store,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		defaults:  opts.Defaults,
		daily:     opts.DailyTraffic,
		now:       opts.Now,
		holder:    uuid.NewString(),
	}
	if s.publisher == nil {
		s.publisher = events.Nop{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.defaults.ConfidenceLevel == 0 {
		s.defaults.ConfidenceLevel = 95
	}
	if s.defaults.Power == 0 {
		s.defaults.Power = 80
	}
	if s.defaults.MinimumDetectableEffect == 0 {
		s.defaults.MinimumDetectableEffect = 0.1
	}
	if s.daily == 0 {
		s.daily = 1000
	}
	return s
}

// ApplyDefaults returns a copy of e with missing ids, type, settings, goal
// types and weights, and traffic split filled in. The input is untouched.
func (s *Service) ApplyDefaults(e *experiment.Experiment) *experiment.Experiment {
	c := e.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Type == "" {
		c.Type = experiment.TypeAB
		if len(c.Variants) > 2 {
			c.Type = experiment.TypeMultivariate
		}
	}

	if c.Settings.ConfidenceLevel == 0 {
		c.Settings.ConfidenceLevel = s.defaults.ConfidenceLevel
	}
	if c.Settings.Power == 0 {
		c.Settings.Power = s.defaults.Power
	}
	if c.Settings.MinimumDetectableEffect == 0 {
		c.Settings.MinimumDetectableEffect = s.defaults.MinimumDetectableEffect
	}

	totalAlloc := 0.0
	for i := range c.Variants {
		v := &c.Variants[i]
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		if v.Name == "" {
			v.Name = v.ID
		}
		v.Metrics = experiment.PerformanceMetrics{}
		totalAlloc += v.TrafficAllocation
	}
	if totalAlloc == 0 && len(c.Variants) > 0 {
		experiment.EvenSplit(c.Variants)
	}

	defaultGoal(&c.PrimaryGoal)
	for i := range c.SecondaryGoals {
		defaultGoal(&c.SecondaryGoals[i])
	}
	weights := 0.0
	for _, g := range c.Goals() {
		weights += g.Weight
	}
	if weights == 0 {
		w := 1 / float64(1+len(c.SecondaryGoals))
		c.PrimaryGoal.Weight = w
		for i := range c.SecondaryGoals {
			c.SecondaryGoals[i].Weight = w
		}
	}
	return c
}

func defaultGoal(g *experiment.Goal) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Name == "" {
		g.Name = g.ID
	}
	if g.Type == "" {
		g.Type = experiment.GoalConversion
	}
}

// ValidationReport is the result of a standalone validation run.
type ValidationReport struct {
	Valid  bool                   `json:"valid"`
	Errors []experiment.Violation `json:"errors"`
}

// Validate applies defaults to a copy of e and reports every violation.
func (s *Service) Validate(e *experiment.Experiment) ValidationReport {
	vs := experiment.Validate(s.ApplyDefaults(e))
	if vs == nil {
		vs = []experiment.Violation{}
	}
	return ValidationReport{Valid: len(vs) == 0, Errors: vs}
}

func (s *Service) Create(ctx context.Context, e *experiment.Experiment) (*experiment.Experiment, error) {
	c := s.ApplyDefaults(e)
	if vs := experiment.Validate(c); len(vs) > 0 {
		return nil, experiment.NewValidationError(vs)
	}

	now := s.now()
	c.Status = experiment.StatusDraft
	c.WinnerID = ""
	c.FinalResult = nil
	c.StartedAt, c.PausedAt, c.CompletedAt = nil, nil, nil
	c.CreatedAt = now
	c.UpdatedAt = now

	if err := s.store.CreateExperiment(ctx, c); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, experiment.NewValidationError([]experiment.Violation{{
				Field: "id", Code: "duplicate_id", Message: "an experiment with this id already exists",
			}})
		}
		return nil, err
	}

	s.logger.Info("experiment created", zap.String("experiment_id", c.ID), zap.String("name", c.Name))
	s.publish(ctx, events.New(events.TypeExperimentCreated, c.ID, c.Name))
	return c, nil
}

// Get returns the experiment with live metrics, or the frozen metrics of a
// completed experiment.
func (s *Service) Get(ctx context.Context, id string) (*experiment.Experiment, error) {
	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.hydrate(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) List(ctx context.Context, status experiment.Status) ([]*experiment.Experiment, error) {
	if status != "" && !status.Valid() {
		return nil, experiment.NewValidationError([]experiment.Violation{{
			Field: "status", Code: "invalid_type", Message: "unknown status " + string(status),
		}})
	}
	list, err := s.store.ListExperiments(ctx, store.ListFilter{Status: status})
	if err != nil {
		return nil, err
	}
	for _, e := range list {
		if err := s.hydrate(ctx, e); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// RunningIDs lists running experiments without loading their metrics, so a
// caller can analyze each one independently.
func (s *Service) RunningIDs(ctx context.Context) ([]string, error) {
	list, err := s.store.ListExperiments(ctx, store.ListFilter{Status: experiment.StatusRunning})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list))
	for _, e := range list {
		ids = append(ids, e.ID)
	}
	return ids, nil
}

// Patch carries the fields a draft update may replace. Nil fields are kept.
type Patch struct {
	Name           *string                         `json:"name"`
	Description    *string                         `json:"description"`
	Type           *experiment.Type                `json:"type"`
	Variants       *[]experiment.Variant           `json:"variants"`
	PrimaryGoal    *experiment.Goal                `json:"primaryGoal"`
	SecondaryGoals *[]experiment.Goal              `json:"secondaryGoals"`
	Settings       *experiment.StatisticalSettings `json:"settings"`
	Targeting      *experiment.Targeting           `json:"targeting"`
	Metadata       *experiment.Metadata            `json:"metadata"`
}

func (p Patch) apply(e *experiment.Experiment) {
	if p.Name != nil {
		e.Name = *p.Name
	}
	if p.Description != nil {
		e.Description = *p.Description
	}
	if p.Type != nil {
		e.Type = *p.Type
	}
	if p.Variants != nil {
		e.Variants = *p.Variants
	}
	if p.PrimaryGoal != nil {
		e.PrimaryGoal = *p.PrimaryGoal
	}
	if p.SecondaryGoals != nil {
		e.SecondaryGoals = *p.SecondaryGoals
	}
	if p.Settings != nil {
		e.Settings = *p.Settings
	}
	if p.Targeting != nil {
		e.Targeting = *p.Targeting
	}
	if p.Metadata != nil {
		e.Metadata = *p.Metadata
	}
}

// Update applies a partial update to a draft experiment.
func (s *Service) Update(ctx context.Context, id string, patch Patch) (*experiment.Experiment, error) {
	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != experiment.StatusDraft {
		return nil, draftOnly(current)
	}

	next := current.Clone()
	patch.apply(next)
	next.ID = current.ID
	next = s.ApplyDefaults(next)
	if vs := experiment.Validate(next); len(vs) > 0 {
		return nil, experiment.NewValidationError(vs)
	}
	next.Status = experiment.StatusDraft
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = s.now()

	if err := s.store.UpdateDraft(ctx, next); err != nil {
		if errors.Is(err, store.ErrStatusMismatch) {
			return nil, draftOnly(current)
		}
		return nil, s.mapStoreErr(err, id)
	}
	return next, nil
}

func draftOnly(e *experiment.Experiment) error {
	return &experiment.Error{
		Kind:    experiment.KindLifecycle,
		Message: "experiment '" + e.ID + "' is " + string(e.Status) + "; only drafts can be edited",
	}
}

type HealthReport struct {
	Status string `json:"status"`
	Store  string `json:"store"`
	Error  string `json:"error,omitempty"`
}

func (s *Service) Health(ctx context.Context) HealthReport {
	if err := s.store.Ping(ctx); err != nil {
		return HealthReport{Status: "degraded", Store: "unavailable", Error: err.Error()}
	}
	return HealthReport{Status: "ok", Store: "ok"}
}

// SampleSize plans a test, filling unset inputs from configured defaults.
func (s *Service) SampleSize(in stats.SampleSizeInput) (stats.SampleSizeResult, error) {
	if in.ConfidenceLevel == 0 {
		in.ConfidenceLevel = s.defaults.ConfidenceLevel
	}
	if in.Power == 0 {
		in.Power = s.defaults.Power
	}
	if in.DailyTraffic == 0 {
		in.DailyTraffic = s.daily
	}
	return stats.SampleSize(in)
}

func (s *Service) load(ctx context.Context, id string) (*experiment.Experiment, error) {
	e, err := s.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, s.mapStoreErr(err, id)
	}
	return e, nil
}

// hydrate replaces variant metrics with aggregates from the logs. Completed
// experiments keep the metrics frozen at completion.
func (s *Service) hydrate(ctx context.Context, e *experiment.Experiment) error {
	if e.Status == experiment.StatusCompleted {
		return nil
	}
	agg, err := s.store.VariantMetrics(ctx, e.ID)
	if err != nil {
		return err
	}

	for i := range e.Variants {
		v := &e.Variants[i]
		pm := agg[v.ID]
		if pm.Goals == nil {
			pm.Goals = make(map[string]experiment.GoalMetrics)
		}
		pm.Conversions = pm.Goals[e.PrimaryGoal.ID].Conversions
		pm.Revenue = 0
		for _, g := range e.Goals() {
			if !g.Binary() {
				pm.Revenue += pm.Goals[g.ID].Revenue
			}
		}
		if pm.Visitors > 0 {
			pm.ConversionRate = float64(pm.Conversions) / float64(pm.Visitors)
		}
		v.Metrics = pm
	}
	return nil
}

func (s *Service) mapStoreErr(err error, id string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return experiment.NewNotFoundError("experiment", id)
	case errors.Is(err, store.ErrStatusMismatch):
		return &experiment.Error{Kind: experiment.KindLifecycle, Message: "experiment '" + id + "' changed status concurrently", Err: err}
	}
	return err
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("type", string(e.Type)),
			zap.String("experiment_id", e.ExperimentID),
			zap.Error(err))
	}
}
