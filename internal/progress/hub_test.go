package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageJobDone))
	hub.Emit(sampleEvent(StageJobError))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageCommand))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWhenFull asserts Emit never blocks callers.
func TestHubEmitNonBlockingWhenFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{events: make(chan Event), logger: zap.NewNop()}
	start := time.Now()
	hub.Emit(sampleEvent(StageJobDone))
	hub.Emit(sampleEvent(StageJobDone))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(1), hub.dropped.Load(), "second drop waits for the next log window")
}

// TestHubFlushOnClose ensures Close drains buffered events and closes sinks.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)

	hub.Emit(sampleEvent(StageRunStart))
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()), "Close is repeatable")

	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.Closed())

	hub.Emit(sampleEvent(StageRunDone))
	require.Len(t, sink.Batches(), 1, "events after close are ignored")
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	hub.Emit(Event{Stage: StageJobDone})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestHubSinkErrorsDoNotStopDelivery(t *testing.T) {
	t.Parallel()

	failing := &stubSink{err: errors.New("down")}
	healthy := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, failing, healthy)
	hub.Emit(sampleEvent(StageJobDone))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, healthy.Batches(), 1)
}

func TestNilHubIsSafe(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(sampleEvent(StageJobDone))
	require.NoError(t, hub.Close(context.Background()))
	Discard{}.Emit(sampleEvent(StageJobDone))
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, sampleEvent(StageCommand).Validate())
	require.NoError(t, sampleEvent(StageRunStart).Validate())

	bad := []Event{
		{},
		{RunID: uuid.New()},
		{RunID: uuid.New(), TS: time.Now(), Stage: "NOPE"},
		{RunID: uuid.New(), TS: time.Now(), Stage: StageCommand, Host: "h"},
		{RunID: uuid.New(), TS: time.Now(), Stage: StageJobDone},
		{RunID: uuid.New(), TS: time.Now(), Stage: StageRunDone},
		func() Event { e := sampleEvent(StageJobDone); e.Dur = -1; return e }(),
	}
	for _, evt := range bad {
		require.Error(t, evt.Validate(), "%+v", evt)
	}
	require.True(t, sampleEvent(StageJobError).IsOutcome())
	require.False(t, sampleEvent(StageRunDone).IsOutcome())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
	err     error
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func sampleEvent(stage Stage) Event {
	return Event{
		RunID:  uuid.MustParse("0190c5f1-0000-7000-8000-000000000001"),
		TS:     time.Unix(1700000000, 0).UTC(),
		Stage:  stage,
		Kind:   "crawl",
		Hosts:  2,
		Action: "crawl",
		Host:   "ubuntu@10.0.0.1",
		Rank:   17,
		Domain: "example.com",
		OK:     stage != StageJobError,
	}
}
