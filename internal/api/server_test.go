package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/tranco-dispatch/internal/queue"
	"github.com/JakeFAU/tranco-dispatch/internal/store"
)

type fakeCounter struct {
	counts map[queue.State]int
	err    error
}

func (f fakeCounter) Counts() (map[queue.State]int, error) {
	return f.counts, f.err
}

type fakeLedger struct {
	store.OutcomeRepository
	outcomes []store.Outcome
	err      error
	gotRun   uuid.UUID
	gotLimit int
}

func (f *fakeLedger) ListOutcomes(_ context.Context, runID uuid.UUID, limit int) ([]store.Outcome, error) {
	f.gotRun, f.gotLimit = runID, limit
	return f.outcomes, f.err
}

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(nil, nil, zap.NewNop()), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestQueueCounts(t *testing.T) {
	t.Parallel()

	s := NewServer(fakeCounter{counts: map[queue.State]int{
		queue.StateTodo: 4, queue.StateUnderway: 1, queue.StateDone: 10, queue.StateError: 2,
	}}, nil, nil)
	rec := serve(t, s, "/v1/queue")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"states":{"todo":4,"underway":1,"done":10,"error":2},"total":17}`, rec.Body.String())

	rec = serve(t, NewServer(fakeCounter{err: errors.New("gone")}, nil, nil), "/v1/queue")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = serve(t, NewServer(nil, nil, nil), "/v1/queue")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestQueueCountsFromDirQueue(t *testing.T) {
	t.Parallel()

	q := queue.New(t.TempDir(), zap.NewNop())
	require.NoError(t, q.Init())
	job := queue.NewJob(1, "example.com")
	_, err := q.Seed(context.Background(), strings.NewReader("1,example.com\n2,example.org\n"), 0)
	require.NoError(t, err)
	require.NoError(t, q.MarkDone(job))

	rec := serve(t, NewServer(q, nil, nil), "/v1/queue")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		States map[string]int `json:"states"`
		Total  int            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.States["todo"])
	assert.Equal(t, 1, body.States["done"])
	assert.Equal(t, 2, body.Total)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, nil)
	_ = serve(t, s, "/healthz")
	rec := serve(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestListOutcomes(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	ledger := &fakeLedger{outcomes: []store.Outcome{{
		RunID:      runID,
		Host:       "ubuntu@10.0.0.1",
		Action:     "crawl",
		Rank:       17,
		Domain:     "example.com",
		OK:         true,
		Duration:   1500 * time.Millisecond,
		RecordedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}}}
	s := NewServer(nil, ledger, nil)

	rec := serve(t, s, "/v1/runs/"+runID.String()+"/outcomes?limit=5000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, runID, ledger.gotRun)
	assert.Equal(t, maxOutcomeLimit, ledger.gotLimit)
	assert.JSONEq(t, `{"outcomes":[{"host":"ubuntu@10.0.0.1","action":"crawl","rank":17,"domain":"example.com",
		"ok":true,"duration_ms":1500,"recorded_at":"2024-03-01T12:00:00Z"}]}`, rec.Body.String())
}

func TestListOutcomesErrors(t *testing.T) {
	t.Parallel()

	id := uuid.NewString()
	cases := []struct {
		name   string
		ledger store.OutcomeRepository
		path   string
		want   int
	}{
		{"no ledger", nil, "/v1/runs/" + id + "/outcomes", http.StatusServiceUnavailable},
		{"bad id", &fakeLedger{}, "/v1/runs/nope/outcomes", http.StatusBadRequest},
		{"bad limit", &fakeLedger{}, "/v1/runs/" + id + "/outcomes?limit=-1", http.StatusBadRequest},
		{"repo error", &fakeLedger{err: errors.New("down")}, "/v1/runs/" + id + "/outcomes", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(t, NewServer(nil, tc.ledger, nil), tc.path)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewServer(nil, nil, nil).Serve(ctx, "127.0.0.1:0")
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}

func TestServeReportsListenError(t *testing.T) {
	t.Parallel()

	err := NewServer(nil, nil, nil).Serve(context.Background(), "256.0.0.1:bad")
	require.Error(t, err)
}
