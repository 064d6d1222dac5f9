// Package pool runs work items on a fixed set of hosts with exactly one
// worker per host. The host a worker serves is fixed when the pool is built,
// so commands for one host never overlap.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tranco-dispatch/internal/remote"
	"github.com/JakeFAU/tranco-dispatch/internal/work"
)

// ErrConfig marks an invalid pool configuration.
var ErrConfig = errors.New("invalid pool config")

// Waiter delays a command start for a host. Implemented by throttle.Limiter.
type Waiter interface {
	Wait(ctx context.Context, host string) error
}

// Config describes the hosts and call limits of a pool.
type Config struct {
	Hosts []remote.Host
	// Timeout bounds every remote call.
	Timeout time.Duration
	// Workers must be 0 (one per host) or exactly len(Hosts).
	Workers  int
	Throttle Waiter
}

// Pool owns one worker slot per host.
type Pool struct {
	runner   work.Runner
	timeout  time.Duration
	throttle Waiter
	logger   *zap.Logger

	slots  []*slot
	shared chan task

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

type task struct {
	ctx   context.Context
	item  work.Item
	batch *batch
}

// batch collects the responses of one RunOnEach or RunAll call.
type batch struct {
	out     chan work.Response
	pending sync.WaitGroup
}

// New validates cfg and builds the slot table. Workers start on first use.
func New(cfg Config, runner work.Runner, logger *zap.Logger) (*Pool, error) {
	if runner == nil {
		return nil, fmt.Errorf("%w: runner is required", ErrConfig)
	}
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("%w: at least one host is required", ErrConfig)
	}
	if cfg.Workers != 0 && cfg.Workers != len(cfg.Hosts) {
		return nil, fmt.Errorf("%w: %d workers for %d hosts, each host needs exactly one worker",
			ErrConfig, cfg.Workers, len(cfg.Hosts))
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		runner:   runner,
		timeout:  cfg.Timeout,
		throttle: cfg.Throttle,
		logger:   logger.Named("pool"),
		shared:   make(chan task),
		stop:     make(chan struct{}),
	}
	seen := make(map[string]struct{}, len(cfg.Hosts))
	for i, h := range cfg.Hosts {
		if _, dup := seen[h.Address()]; dup {
			return nil, fmt.Errorf("%w: host %s listed twice", ErrConfig, h.Address())
		}
		seen[h.Address()] = struct{}{}
		p.slots = append(p.slots, &slot{index: i, host: h, own: make(chan task)})
	}
	return p, nil
}

// Size is the number of workers, equal to the number of hosts.
func (p *Pool) Size() int {
	return len(p.slots)
}

// Hosts returns the hosts in slot order.
func (p *Pool) Hosts() []remote.Host {
	hosts := make([]remote.Host, len(p.slots))
	for i, s := range p.slots {
		hosts[i] = s.host
	}
	return hosts
}

// RunOnEach runs item once on every host. The returned channel yields one
// response per host in completion order and is then closed.
func (p *Pool) RunOnEach(ctx context.Context, item work.Item) <-chan work.Response {
	if p.stopped() {
		return closedResponses()
	}
	p.start()
	b := newBatch(len(p.slots))
	b.pending.Add(len(p.slots))
	go func() {
		for _, s := range p.slots {
			select {
			case s.own <- task{ctx: ctx, item: item, batch: b}:
			case <-p.stop:
				b.pending.Done()
			}
		}
	}()
	go b.closeWhenDone()
	return b.out
}

// RunAll hands each item to whichever worker is idle. The returned channel
// yields one response per dispatched item and is then closed. Once ctx ends
// no further items are handed out; items already running finish normally.
func (p *Pool) RunAll(ctx context.Context, items []work.Item) <-chan work.Response {
	if p.stopped() {
		return closedResponses()
	}
	p.start()
	b := newBatch(len(items))
	b.pending.Add(len(items))
	go func() {
		for i, item := range items {
			// select picks randomly among ready cases, so an idle worker
			// could still win after ctx ends
			if ctx.Err() == nil {
				select {
				case p.shared <- task{ctx: ctx, item: item, batch: b}:
					continue
				case <-ctx.Done():
				case <-p.stop:
				}
			}
			// release every item that was never handed out
			for range items[i:] {
				b.pending.Done()
			}
			return
		}
	}()
	go b.closeWhenDone()
	return b.out
}

// Close stops the workers once their current items finish.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
}

func (p *Pool) start() {
	p.startOnce.Do(func() {
		for _, s := range p.slots {
			p.wg.Add(1)
			go p.work(s)
		}
		p.logger.Debug("workers started", zap.Int("workers", len(p.slots)))
	})
}

func (p *Pool) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

func closedResponses() <-chan work.Response {
	out := make(chan work.Response)
	close(out)
	return out
}

func newBatch(size int) *batch {
	return &batch{out: make(chan work.Response, size)}
}

func (b *batch) closeWhenDone() {
	b.pending.Wait()
	close(b.out)
}
