// Package events carries lifecycle and monitoring notifications out of the
// engine. Publishing is best effort: a failed publish never fails the
// operation that produced the event.
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/headline-goat/labgoat/internal/metrics"
)

type Type string

const (
	TypeExperimentCreated       Type = "experiment_created"
	TypeExperimentStatusChanged Type = "experiment_status_changed"
	TypeTestDeployed            Type = "test_deployed"
	TypeAnalysisCompleted       Type = "analysis_completed"
	TypeHypothesisGenerated     Type = "hypothesis_generated"
	TypeEarlyWinnerCandidate    Type = "early_winner_candidate"
	TypeUnderperformingVariant  Type = "underperforming_variant"
	TypeMonitoringError         Type = "monitoring_error"
)

type Event struct {
	ID           string         `json:"id"`
	Type         Type           `json:"type"`
	ExperimentID string         `json:"experimentId,omitempty"`
	VariantID    string         `json:"variantId,omitempty"`
	Message      string         `json:"message,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// New returns an event stamped with a fresh id and the current time.
func New(t Type, experimentID, message string) Event {
	return Event{
		ID:           uuid.NewString(),
		Type:         t,
		ExperimentID: experimentID,
		Message:      message,
		Timestamp:    time.Now().UTC(),
	}
}

// With returns a copy of e with key set in Data.
func (e Event) With(key string, value any) Event {
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Bus delivers events to in-process subscribers. Slow subscribers lose
// events rather than block the publisher; every lost delivery is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Int64
	metrics *metrics.Metrics
}

// NewBus returns an empty bus. m may be nil.
func NewBus(m *metrics.Metrics) *Bus {
	return &Bus{subs: make(map[int]chan Event), metrics: m}
}

// Dropped reports how many deliveries were lost to full subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribe returns a channel of future events and a function that
// unsubscribes and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *Bus) Publish(_ context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
			b.metrics.EventDropped()
		}
	}
	return nil
}

// Recorder keeps the most recent events in a fixed-size ring.
type Recorder struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = 200
	}
	return &Recorder{buf: make([]Event, size)}
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	return nil
}

// Recent returns up to limit events, newest first. A limit of zero or less
// returns everything retained.
func (r *Recorder) Recent(limit int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
