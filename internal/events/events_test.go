package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/headline-goat/labgoat/internal/events"
	"github.com/headline-goat/labgoat/internal/metrics"
)

func TestRecorder_RecentNewestFirst(t *testing.T) {
	r := events.NewRecorder(3)
	ctx := context.Background()
	for _, msg := range []string{"a", "b", "c", "d"} {
		require.NoError(t, r.Publish(ctx, events.New(events.TypeExperimentCreated, "exp", msg)))
	}

	got := r.Recent(0)
	require.Len(t, got, 3)
	assert.Equal(t, "d", got[0].Message)
	assert.Equal(t, "b", got[2].Message)

	got = r.Recent(2)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[1].Message)
}

func TestRecorder_Empty(t *testing.T) {
	assert.Empty(t, events.NewRecorder(5).Recent(10))
}

func TestBus_DeliversToSubscribers(t *testing.T) {
	bus := events.NewBus(nil)
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	require.NoError(t, bus.Publish(context.Background(), events.New(events.TypeTestDeployed, "exp-1", "")))

	e := <-ch
	assert.Equal(t, events.TypeTestDeployed, e.Type)
	assert.Equal(t, "exp-1", e.ExperimentID)
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	m := metrics.New()
	bus := events.NewBus(m)
	_, cancel := bus.Subscribe(1)
	defer cancel()

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(context.Background(), events.New(events.TypeAnalysisCompleted, "exp", "")))
	}
	assert.Equal(t, int64(9), bus.Dropped())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "labgoat_events_dropped_total 9")
}

func TestBus_CancelClosesChannel(t *testing.T) {
	bus := events.NewBus(nil)
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	require.NoError(t, bus.Publish(context.Background(), events.New(events.TypeAnalysisCompleted, "exp", "")))
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, events.Event) error { return errors.New("down") }

func TestMulti_PublishesToAllAndJoinsErrors(t *testing.T) {
	rec := events.NewRecorder(10)
	m := events.Multi{failingPublisher{}, rec, nil}

	err := m.Publish(context.Background(), events.New(events.TypeMonitoringError, "exp", "boom"))
	assert.Error(t, err)
	assert.Len(t, rec.Recent(0), 1)
}

func TestEvent_WithCopiesData(t *testing.T) {
	base := events.New(events.TypeEarlyWinnerCandidate, "exp", "").With("confidence", 97.0)
	derived := base.With("variant", "v1")

	assert.Len(t, base.Data, 1)
	assert.Len(t, derived.Data, 2)
}

type mockConn struct {
	mu        sync.Mutex
	published map[string][]byte
	closed    bool
}

func (m *mockConn) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nats.ErrConnectionClosed
	}
	if m.published == nil {
		m.published = make(map[string][]byte)
	}
	m.published[subject] = data
	return nil
}

func (m *mockConn) Flush() error { return nil }

func (m *mockConn) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func TestNATSPublisher_SubjectPerType(t *testing.T) {
	conn := &mockConn{}
	p := events.NewNATSPublisher(conn, "labgoat.events", zaptest.NewLogger(t))

	e := events.New(events.TypeTestDeployed, "exp-1", "deployed")
	require.NoError(t, p.Publish(context.Background(), e))

	data, ok := conn.published["labgoat.events.test_deployed"]
	require.True(t, ok, "expected publish on per-type subject")

	var decoded events.Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "exp-1", decoded.ExperimentID)
}

func TestNATSPublisher_ClosedConnection(t *testing.T) {
	conn := &mockConn{}
	p := events.NewNATSPublisher(conn, "labgoat.events", zaptest.NewLogger(t))
	require.NoError(t, p.Close())

	err := p.Publish(context.Background(), events.New(events.TypeTestDeployed, "exp-1", ""))
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
}
