package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/tranco-dispatch/internal/remote"
	"github.com/JakeFAU/tranco-dispatch/internal/work"
)

func hosts(addrs ...string) []remote.Host {
	out := make([]remote.Host, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, remote.Host{Addr: a, Port: 22, User: "ubuntu"})
	}
	return out
}

// trackingRunner records per-host concurrency and can fail chosen hosts.
type trackingRunner struct {
	mu       sync.Mutex
	inflight map[string]int
	maxSeen  map[string]int
	calls    map[string]int
	fail     map[string]bool
	delay    time.Duration
}

func newTrackingRunner() *trackingRunner {
	return &trackingRunner{
		inflight: map[string]int{},
		maxSeen:  map[string]int{},
		calls:    map[string]int{},
		fail:     map[string]bool{},
	}
}

func (r *trackingRunner) Run(_ context.Context, host remote.Host, _ work.Item, _ time.Duration) bool {
	key := host.Addr
	r.mu.Lock()
	r.inflight[key]++
	r.calls[key]++
	if r.inflight[key] > r.maxSeen[key] {
		r.maxSeen[key] = r.inflight[key]
	}
	fail := r.fail[key]
	r.mu.Unlock()

	time.Sleep(r.delay)

	r.mu.Lock()
	r.inflight[key]--
	r.mu.Unlock()
	return !fail
}

func collect(ch <-chan work.Response) []work.Response {
	var out []work.Response
	for resp := range ch {
		out = append(out, resp)
	}
	return out
}

func crawlItems(n int) []work.Item {
	items := make([]work.Item, n)
	for i := range items {
		items[i] = work.Item{Action: work.ActionCrawl, Description: "crawl"}
	}
	return items
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	runner := newTrackingRunner()
	tests := []struct {
		name   string
		cfg    Config
		runner work.Runner
	}{
		{name: "no runner", cfg: Config{Hosts: hosts("a"), Timeout: time.Second}},
		{name: "no hosts", cfg: Config{Timeout: time.Second}, runner: runner},
		{name: "worker mismatch", cfg: Config{Hosts: hosts("a", "b"), Workers: 3, Timeout: time.Second}, runner: runner},
		{name: "duplicate host", cfg: Config{Hosts: hosts("a", "a"), Timeout: time.Second}, runner: runner},
		{name: "zero timeout", cfg: Config{Hosts: hosts("a")}, runner: runner},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.cfg, tt.runner, zap.NewNop())
			require.ErrorIs(t, err, ErrConfig)
		})
	}

	p, err := New(Config{Hosts: hosts("a", "b"), Workers: 2, Timeout: time.Second}, runner, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Size())
	assert.Equal(t, hosts("a", "b"), p.Hosts())
	p.Close()
}

func TestRunOnEachReachesEveryHostOnce(t *testing.T) {
	t.Parallel()

	runner := newTrackingRunner()
	runner.fail["b"] = true
	p, err := New(Config{Hosts: hosts("a", "b", "c"), Timeout: time.Second}, runner, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(p.Close)

	item := work.Item{Action: work.ActionTestConnection, Description: "Testing connection"}
	responses := collect(p.RunOnEach(context.Background(), item))

	require.Len(t, responses, 3)
	seen := map[string]bool{}
	for _, resp := range responses {
		seen[resp.Host.Addr] = resp.OK
		assert.Equal(t, item, resp.Item)
		assert.Equal(t, p.Hosts()[resp.Worker], resp.Host, "worker index maps to its host")
	}
	assert.Equal(t, map[string]bool{"a": true, "b": false, "c": true}, seen)
}

func TestRunAllIsSerialPerHost(t *testing.T) {
	t.Parallel()

	runner := newTrackingRunner()
	runner.delay = 2 * time.Millisecond
	p, err := New(Config{Hosts: hosts("a", "b", "c"), Timeout: time.Second}, runner, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(p.Close)

	responses := collect(p.RunAll(context.Background(), crawlItems(30)))

	require.Len(t, responses, 30)
	runner.mu.Lock()
	defer runner.mu.Unlock()
	total := 0
	for host, peak := range runner.maxSeen {
		assert.LessOrEqual(t, peak, 1, "host %s ran commands concurrently", host)
		total += runner.calls[host]
	}
	assert.Equal(t, 30, total)
}

func TestRunAllFiveItemsThreeHosts(t *testing.T) {
	t.Parallel()

	runner := newTrackingRunner()
	p, err := New(Config{Hosts: hosts("a", "b", "c"), Timeout: time.Second}, runner, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(p.Close)

	responses := collect(p.RunAll(context.Background(), crawlItems(5)))

	require.Len(t, responses, 5)
	valid := map[string]bool{"a": true, "b": true, "c": true}
	for _, resp := range responses {
		assert.True(t, valid[resp.Host.Addr])
		assert.True(t, resp.OK)
	}
}

func TestRunAllEmpty(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Hosts: hosts("a"), Timeout: time.Second}, newTrackingRunner(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(p.Close)

	assert.Empty(t, collect(p.RunAll(context.Background(), nil)))
}

func TestRunAllStopsHandingOutAfterCancel(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	var started atomic.Int32
	var cancelledInside atomic.Int32
	runner := work.RunnerFunc(func(ctx context.Context, _ remote.Host, _ work.Item, _ time.Duration) bool {
		started.Add(1)
		<-gate
		if ctx.Err() != nil {
			cancelledInside.Add(1)
		}
		return true
	})
	p, err := New(Config{Hosts: hosts("a", "b", "c"), Timeout: time.Second}, runner, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(p.Close)

	ctx, cancel := context.WithCancel(context.Background())
	out := p.RunAll(ctx, crawlItems(10))
	require.Eventually(t, func() bool { return started.Load() == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	responses := collect(out)
	assert.Len(t, responses, 3)
	assert.Zero(t, cancelledInside.Load(), "in-flight items must not see the caller's cancellation")
	for _, resp := range responses {
		assert.True(t, resp.OK)
	}
}

func TestRunAllWithCancelledContextDispatchesNothing(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	runner := work.RunnerFunc(func(context.Context, remote.Host, work.Item, time.Duration) bool {
		calls.Add(1)
		return true
	})
	p, err := New(Config{Hosts: hosts("a", "b", "c"), Timeout: time.Second}, runner, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(p.Close)

	// warm the workers so they sit idle on the shared queue
	require.Len(t, collect(p.RunAll(context.Background(), crawlItems(3))), 3)
	calls.Store(0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for range 50 {
		assert.Empty(t, collect(p.RunAll(ctx, crawlItems(5))))
	}
	assert.Zero(t, calls.Load())
}

type recordingWaiter struct {
	mu    sync.Mutex
	hosts []string
}

func (w *recordingWaiter) Wait(_ context.Context, host string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hosts = append(w.hosts, host)
	return nil
}

func TestThrottleConsultedPerCommand(t *testing.T) {
	t.Parallel()

	waiter := &recordingWaiter{}
	p, err := New(Config{Hosts: hosts("a", "b"), Timeout: time.Second, Throttle: waiter}, newTrackingRunner(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(p.Close)

	collect(p.RunOnEach(context.Background(), work.Item{Action: work.ActionCheckClientCode}))

	waiter.mu.Lock()
	defer waiter.mu.Unlock()
	assert.ElementsMatch(t, []string{"a:22", "b:22"}, waiter.hosts)
}

func TestClosedPoolDispatchesNothing(t *testing.T) {
	t.Parallel()

	runner := newTrackingRunner()
	p, err := New(Config{Hosts: hosts("a", "b"), Timeout: time.Second}, runner, zap.NewNop())
	require.NoError(t, err)
	p.Close()

	done := make(chan []work.Response)
	go func() { done <- collect(p.RunOnEach(context.Background(), work.Item{Action: work.ActionTestConnection})) }()

	select {
	case responses := <-done:
		assert.Empty(t, responses)
	case <-time.After(time.Second):
		t.Fatal("RunOnEach on a closed pool did not return")
	}
}
