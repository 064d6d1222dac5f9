package pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tranco-dispatch/internal/metrics"
	"github.com/JakeFAU/tranco-dispatch/internal/remote"
	"github.com/JakeFAU/tranco-dispatch/internal/work"
)

// slot binds a worker to its host for the life of the pool.
type slot struct {
	index int
	host  remote.Host
	// own carries items pinned to this host by RunOnEach.
	own chan task
}

// work is the worker loop for s. It serves the slot's own channel and the
// shared channel, one item at a time, until the pool stops.
func (p *Pool) work(s *slot) {
	defer p.wg.Done()
	for {
		var t task
		select {
		case <-p.stop:
			return
		case t = <-s.own:
		case t = <-p.shared:
		}
		t.batch.out <- p.execute(s, t)
		t.batch.pending.Done()
	}
}

// execute runs one item. The caller's cancellation is dropped here: an item
// that reached a worker runs to completion under the per-call timeout.
func (p *Pool) execute(s *slot, t task) work.Response {
	ctx := context.WithoutCancel(t.ctx)
	log := p.logger.With(
		zap.Int("worker", s.index),
		zap.String("host", s.host.String()),
		zap.String("action", t.item.Action.String()),
	)

	if p.throttle != nil {
		if err := p.throttle.Wait(ctx, s.host.Address()); err != nil {
			log.Warn("throttle wait failed", zap.Error(err))
		}
	}

	metrics.IncActiveWorkers()
	start := time.Now()
	log.Debug("starting", zap.String("description", t.item.Description))
	ok := p.runner.Run(ctx, s.host, t.item, p.timeout)
	elapsed := time.Since(start)
	metrics.DecActiveWorkers()
	metrics.ObserveCommand(t.item.Action.String(), ok, elapsed)

	return work.Response{
		Host:     s.host,
		Worker:   s.index,
		OK:       ok,
		Item:     t.item,
		Duration: elapsed,
	}
}
