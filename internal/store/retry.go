package store

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sethvargo/go-retry"

	"github.com/headline-goat/labgoat/internal/experiment"
)

// RetryConfig bounds every store call made through WithRetry.
type RetryConfig struct {
	// Timeout applies to each attempt. Zero means no per-attempt deadline.
	Timeout time.Duration

	// MaxAttempts includes the first attempt. Default: 3
	MaxAttempts int

	// BaseDelay is the first backoff; it doubles per retry. Default: 50ms
	BaseDelay time.Duration

	// MaxDelay caps a single backoff. Default: 1s
	MaxDelay time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts < 1 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = def.MaxDelay
		if c.MaxDelay < c.BaseDelay {
			c.MaxDelay = c.BaseDelay
		}
	}
	return c
}

// WithRetry wraps next so that transient failures are retried with bounded
// exponential backoff. Once attempts are exhausted the error is reported as
// experiment.ErrDependencyUnavailable; other errors pass through untouched.
func WithRetry(next Store, cfg RetryConfig) Store {
	return &retryStore{next: next, cfg: cfg.withDefaults()}
}

type retryStore struct {
	next Store
	cfg  RetryConfig
}

func (r *retryStore) backoff() retry.Backoff {
	b := retry.NewExponential(r.cfg.BaseDelay)
	b = retry.WithCappedDuration(r.cfg.MaxDelay, b)
	b = retry.WithJitterPercent(20, b)
	return retry.WithMaxRetries(uint64(r.cfg.MaxAttempts-1), b)
}

func call[T any](ctx context.Context, r *retryStore, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		attemptCtx := ctx
		if r.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
			defer cancel()
		}

		v, err := fn(attemptCtx)
		if err != nil {
			if transient(ctx, err) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = v
		return nil
	})
	if err != nil && transient(ctx, err) {
		var zero T
		return zero, &experiment.Error{
			Kind:    experiment.KindDependencyUnavailable,
			Message: "store unavailable during " + op,
			Err:     err,
		}
	}
	return out, err
}

func exec(ctx context.Context, r *retryStore, op string, fn func(ctx context.Context) error) error {
	_, err := call(ctx, r, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// transient reports whether err is worth another attempt. A deadline that
// belongs to the caller's own context is not.
func transient(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, badger.ErrConflict):
		return true
	}
	return isBusy(err)
}

func (r *retryStore) CreateExperiment(ctx context.Context, e *experiment.Experiment) error {
	return exec(ctx, r, "create experiment", func(ctx context.Context) error {
		return r.next.CreateExperiment(ctx, e)
	})
}

func (r *retryStore) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	return call(ctx, r, "get experiment", func(ctx context.Context) (*experiment.Experiment, error) {
		return r.next.GetExperiment(ctx, id)
	})
}

func (r *retryStore) ListExperiments(ctx context.Context, filter ListFilter) ([]*experiment.Experiment, error) {
	return call(ctx, r, "list experiments", func(ctx context.Context) ([]*experiment.Experiment, error) {
		return r.next.ListExperiments(ctx, filter)
	})
}

func (r *retryStore) UpdateDraft(ctx context.Context, e *experiment.Experiment) error {
	return exec(ctx, r, "update experiment", func(ctx context.Context) error {
		return r.next.UpdateDraft(ctx, e)
	})
}

func (r *retryStore) CompareAndSwapStatus(ctx context.Context, id string, from, to experiment.Status, apply func(*experiment.Experiment)) (*experiment.Experiment, error) {
	return call(ctx, r, "update status", func(ctx context.Context) (*experiment.Experiment, error) {
		return r.next.CompareAndSwapStatus(ctx, id, from, to, apply)
	})
}

type assignment struct {
	p       *experiment.Participant
	created bool
}

func (r *retryStore) AssignParticipant(ctx context.Context, p *experiment.Participant) (*experiment.Participant, bool, error) {
	a, err := call(ctx, r, "assign participant", func(ctx context.Context) (assignment, error) {
		stored, created, err := r.next.AssignParticipant(ctx, p)
		return assignment{p: stored, created: created}, err
	})
	return a.p, a.created, err
}

func (r *retryStore) GetParticipant(ctx context.Context, experimentID, participantID string) (*experiment.Participant, error) {
	return call(ctx, r, "get participant", func(ctx context.Context) (*experiment.Participant, error) {
		return r.next.GetParticipant(ctx, experimentID, participantID)
	})
}

func (r *retryStore) AppendConversion(ctx context.Context, ev *experiment.ConversionEvent, binary bool) (bool, error) {
	return call(ctx, r, "record conversion", func(ctx context.Context) (bool, error) {
		return r.next.AppendConversion(ctx, ev, binary)
	})
}

func (r *retryStore) ListConversions(ctx context.Context, experimentID string) ([]*experiment.ConversionEvent, error) {
	return call(ctx, r, "list conversions", func(ctx context.Context) ([]*experiment.ConversionEvent, error) {
		return r.next.ListConversions(ctx, experimentID)
	})
}

func (r *retryStore) VariantMetrics(ctx context.Context, experimentID string) (map[string]experiment.PerformanceMetrics, error) {
	return call(ctx, r, "aggregate metrics", func(ctx context.Context) (map[string]experiment.PerformanceMetrics, error) {
		return r.next.VariantMetrics(ctx, experimentID)
	})
}

func (r *retryStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	return call(ctx, r, "acquire lease", func(ctx context.Context) (bool, error) {
		return r.next.AcquireLease(ctx, name, holder, ttl)
	})
}

func (r *retryStore) ReleaseLease(ctx context.Context, name, holder string) error {
	return exec(ctx, r, "release lease", func(ctx context.Context) error {
		return r.next.ReleaseLease(ctx, name, holder)
	})
}

func (r *retryStore) Ping(ctx context.Context) error {
	return exec(ctx, r, "ping", r.next.Ping)
}

func (r *retryStore) Close() error {
	return r.next.Close()
}
