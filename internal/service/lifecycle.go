package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/headline-goat/labgoat/internal/events"
	"github.com/headline-goat/labgoat/internal/experiment"
	"github.com/headline-goat/labgoat/internal/stats"
	"github.com/headline-goat/labgoat/internal/store"
)

// Start moves a draft or paused experiment to running. A draft must pass the
// validator, and neither may overlap a running experiment's page element.
func (s *Service) Start(ctx context.Context, id string) (*experiment.Experiment, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	release, err := s.lockDeploys(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	from := e.Status
	if !experiment.CanTransition(from, experiment.StatusRunning) {
		return nil, experiment.NewLifecycleError(id, from, experiment.StatusRunning)
	}
	if from == experiment.StatusDraft {
		if vs := experiment.Validate(e); len(vs) > 0 {
			return nil, experiment.NewValidationError(vs)
		}
	}
	if err := s.checkConflicts(ctx, e); err != nil {
		return nil, err
	}

	now := s.now()
	started, err := s.store.CompareAndSwapStatus(ctx, id, from, experiment.StatusRunning, func(x *experiment.Experiment) {
		if x.StartedAt == nil {
			x.StartedAt = &now
		}
		x.PausedAt = nil
	})
	if err != nil {
		return nil, s.transitionErr(err, id, from, experiment.StatusRunning)
	}

	s.transitioned(ctx, started, from)
	if from == experiment.StatusDraft {
		s.publish(ctx, events.New(events.TypeTestDeployed, id, started.Name).
			With("page", started.Targeting.Page).
			With("element", started.Targeting.Element))
	}
	return started, s.hydrate(ctx, started)
}

const (
	deployLease     = "deploy"
	deployLeaseTTL  = 10 * time.Second
	deployLeasePoll = 20 * time.Millisecond
)

// lockDeploys waits for the store-wide deploy lease so that the conflict
// check and the status swap run alone across every process sharing the
// store. A crashed holder's lease expires after deployLeaseTTL.
func (s *Service) lockDeploys(ctx context.Context) (func(), error) {
	for {
		ok, err := s.store.AcquireLease(ctx, deployLease, s.holder, deployLeaseTTL)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				if err := s.store.ReleaseLease(context.WithoutCancel(ctx), deployLease, s.holder); err != nil {
					s.logger.Warn("failed to release deploy lease", zap.Error(err))
				}
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, &experiment.Error{
				Kind:    experiment.KindDependencyUnavailable,
				Message: "timed out waiting for another process to finish starting an experiment",
				Err:     ctx.Err(),
			}
		case <-time.After(deployLeasePoll):
		}
	}
}

// checkConflicts rejects e when a running experiment targets the same page
// element.
func (s *Service) checkConflicts(ctx context.Context, e *experiment.Experiment) error {
	running, err := s.store.ListExperiments(ctx, store.ListFilter{Status: experiment.StatusRunning})
	if err != nil {
		return err
	}
	var colliding []string
	for _, other := range running {
		if other.ID == e.ID {
			continue
		}
		if experiment.Overlaps(e, other) {
			colliding = append(colliding, other.ID)
		}
	}
	if len(colliding) > 0 {
		s.logger.Info("deployment conflict",
			zap.String("experiment_id", e.ID),
			zap.Strings("conflicting", colliding))
		return experiment.NewDeploymentConflictError(e.ID, colliding)
	}
	return nil
}

func (s *Service) Pause(ctx context.Context, id string) (*experiment.Experiment, error) {
	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !experiment.CanTransition(e.Status, experiment.StatusPaused) {
		return nil, experiment.NewLifecycleError(id, e.Status, experiment.StatusPaused)
	}

	now := s.now()
	paused, err := s.store.CompareAndSwapStatus(ctx, id, e.Status, experiment.StatusPaused, func(x *experiment.Experiment) {
		x.PausedAt = &now
	})
	if err != nil {
		return nil, s.transitionErr(err, id, e.Status, experiment.StatusPaused)
	}

	s.transitioned(ctx, paused, e.Status)
	return paused, s.hydrate(ctx, paused)
}

// Stop completes a running or paused experiment. Variant metrics are frozen
// and a final analysis is stored with the experiment. winnerID is optional;
// when empty the statistically declared winner, if any, is recorded.
func (s *Service) Stop(ctx context.Context, id, winnerID string) (*experiment.Experiment, error) {
	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	from := e.Status
	if !experiment.CanTransition(from, experiment.StatusCompleted) {
		return nil, experiment.NewLifecycleError(id, from, experiment.StatusCompleted)
	}
	if winnerID != "" {
		if _, ok := e.Variant(winnerID); !ok {
			return nil, experiment.NewValidationError([]experiment.Violation{{
				Field: "winnerId", Code: "unknown_variant", Message: "variant '" + winnerID + "' is not part of this experiment",
			}})
		}
	}

	if err := s.hydrate(ctx, e); err != nil {
		return nil, err
	}
	now := s.now()
	final := stats.Analyze(e, now)
	s.metrics.Analysis()

	winner := winnerID
	if winner == "" {
		winner = final.WinnerID
	}
	frozen := e.Variants

	completed, err := s.store.CompareAndSwapStatus(ctx, id, from, experiment.StatusCompleted, func(x *experiment.Experiment) {
		x.Variants = frozen
		x.FinalResult = final
		x.WinnerID = winner
		x.CompletedAt = &now
	})
	if err != nil {
		return nil, s.transitionErr(err, id, from, experiment.StatusCompleted)
	}

	s.transitioned(ctx, completed, from)
	s.publish(ctx, events.New(events.TypeAnalysisCompleted, id, final.Recommendation).
		With("winnerId", winner).
		With("final", true))
	return completed, nil
}

func (s *Service) transitionErr(err error, id string, from, to experiment.Status) error {
	if errors.Is(err, store.ErrStatusMismatch) {
		return &experiment.Error{
			Kind:    experiment.KindLifecycle,
			Message: "experiment '" + id + "' is no longer " + string(from) + "; cannot move to " + string(to),
			Err:     err,
		}
	}
	return s.mapStoreErr(err, id)
}

func (s *Service) transitioned(ctx context.Context, e *experiment.Experiment, from experiment.Status) {
	s.metrics.Transition(string(e.Status))
	s.logger.Info("experiment status changed",
		zap.String("experiment_id", e.ID),
		zap.String("from", string(from)),
		zap.String("to", string(e.Status)))
	s.publish(ctx, events.New(events.TypeExperimentStatusChanged, e.ID, string(from)+" -> "+string(e.Status)).
		With("from", string(from)).
		With("to", string(e.Status)))
}
