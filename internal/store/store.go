package store

import (
	"context"
	"errors"
	"time"

	"github.com/headline-goat/labgoat/internal/experiment"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrStatusMismatch = errors.New("status mismatch")
)

// ListFilter narrows ListExperiments. A zero Status lists everything.
type ListFilter struct {
	Status experiment.Status
}

// Store defines the persistence contract for experiments and their logs.
type Store interface {
	// Experiment operations
	CreateExperiment(ctx context.Context, e *experiment.Experiment) error
	GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error)
	ListExperiments(ctx context.Context, filter ListFilter) ([]*experiment.Experiment, error)
	// UpdateDraft replaces the stored definition while the experiment is a draft.
	UpdateDraft(ctx context.Context, e *experiment.Experiment) error
	// CompareAndSwapStatus moves an experiment from one status to another
	// only if it is still in from. apply runs on the loaded experiment before
	// it is written and may be called more than once.
	CompareAndSwapStatus(ctx context.Context, id string, from, to experiment.Status, apply func(*experiment.Experiment)) (*experiment.Experiment, error)

	// Participant operations. The first stored assignment wins; created is
	// false when an earlier assignment was returned instead.
	AssignParticipant(ctx context.Context, p *experiment.Participant) (stored *experiment.Participant, created bool, err error)
	GetParticipant(ctx context.Context, experimentID, participantID string) (*experiment.Participant, error)

	// Conversion operations. Binary conversions are deduplicated per
	// participant and goal; recorded is false for a duplicate.
	AppendConversion(ctx context.Context, ev *experiment.ConversionEvent, binary bool) (recorded bool, err error)
	ListConversions(ctx context.Context, experimentID string) ([]*experiment.ConversionEvent, error)
	VariantMetrics(ctx context.Context, experimentID string) (map[string]experiment.PerformanceMetrics, error)

	// AcquireLease grants or renews a named lease for holder.
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	// ReleaseLease drops holder's lease early. Releasing a lease held by
	// someone else is a no-op.
	ReleaseLease(ctx context.Context, name, holder string) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// dedupKey identifies a conversion within its experiment. Both forms are
// scoped to the participant, so a client-supplied event id reused by another
// participant never collides.
func dedupKey(ev *experiment.ConversionEvent, binary bool) string {
	if binary {
		return "p:" + ev.ParticipantID + "|g:" + ev.GoalID
	}
	return "p:" + ev.ParticipantID + "|e:" + ev.ID
}

// addConversion folds one conversion row into a variant's metrics.
func addConversion(m map[string]experiment.PerformanceMetrics, variantID, goalID string, count int64, revenue float64) {
	pm := m[variantID]
	if pm.Goals == nil {
		pm.Goals = make(map[string]experiment.GoalMetrics)
	}
	gm := pm.Goals[goalID]
	gm.Conversions += count
	gm.Revenue += revenue
	pm.Goals[goalID] = gm
	m[variantID] = pm
}
