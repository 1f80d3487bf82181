package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/headline-goat/labgoat/internal/experiment"
	"github.com/headline-goat/labgoat/internal/store"
)

// flakyStore fails GetExperiment with err for the first failures calls.
type flakyStore struct {
	store.Store
	failures int
	err      error
	calls    int
}

func (f *flakyStore) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &experiment.Experiment{ID: id}, nil
}

func fastRetry() store.RetryConfig {
	return store.RetryConfig{Timeout: time.Second, MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestWithRetry_RecoversFromTransientFailure(t *testing.T) {
	f := &flakyStore{failures: 2, err: context.DeadlineExceeded}
	s := store.WithRetry(f, fastRetry())

	got, err := s.GetExperiment(context.Background(), "exp-1")
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if got.ID != "exp-1" {
		t.Errorf("got ID %s, want exp-1", got.ID)
	}
	if f.calls != 3 {
		t.Errorf("got %d calls, want 3", f.calls)
	}
}

func TestWithRetry_ExhaustedIsDependencyUnavailable(t *testing.T) {
	f := &flakyStore{failures: 10, err: errors.New("database is locked")}
	s := store.WithRetry(f, fastRetry())

	_, err := s.GetExperiment(context.Background(), "exp-1")
	if !errors.Is(err, experiment.ErrDependencyUnavailable) {
		t.Fatalf("got %v, want ErrDependencyUnavailable", err)
	}
	if f.calls != 3 {
		t.Errorf("got %d calls, want 3", f.calls)
	}
}

func TestWithRetry_PermanentErrorNotRetried(t *testing.T) {
	f := &flakyStore{failures: 10, err: store.ErrNotFound}
	s := store.WithRetry(f, fastRetry())

	_, err := s.GetExperiment(context.Background(), "exp-1")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if f.calls != 1 {
		t.Errorf("got %d calls, want 1", f.calls)
	}
}
