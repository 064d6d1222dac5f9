package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tranco-dispatch/internal/remote"
	"github.com/JakeFAU/tranco-dispatch/internal/work"
)

// Executor runs one shell command on a host. Implemented by remote.Executor.
type Executor interface {
	Run(ctx context.Context, host remote.Host, command string, timeout time.Duration) bool
}

// Runner turns work items into remote commands. Crawl jobs are moved to
// underway immediately before their command starts.
type Runner struct {
	exec     Executor
	commands Commands
	queue    Queue
	logger   *zap.Logger
}

var _ work.Runner = (*Runner)(nil)

// NewRunner builds a Runner. q may be nil when only setup items are run.
func NewRunner(exec Executor, commands Commands, q Queue, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{exec: exec, commands: commands, queue: q, logger: logger.Named("runner")}
}

// Run implements work.Runner.
func (r *Runner) Run(ctx context.Context, host remote.Host, item work.Item, timeout time.Duration) bool {
	log := r.logger.With(zap.String("host", host.String()), zap.String("action", item.Action.String()))
	cmd, err := r.commands.Render(host, item)
	if err != nil {
		log.Error("cannot build command", zap.String("description", item.Description), zap.Error(err))
		return false
	}
	if job := item.Args.Job; item.Action == work.ActionCrawl && job != nil {
		if r.queue == nil {
			log.Error("crawl item without a queue", zap.String("job", job.Name()))
			return false
		}
		if err := r.queue.MarkUnderway(job); err != nil {
			log.Error("cannot mark job underway", zap.String("job", job.Name()), zap.Error(err))
			return false
		}
		log.Info("crawling", zap.String("url", job.URL()), zap.Int("rank", job.Rank))
	}
	return r.exec.Run(ctx, host, cmd, timeout)
}
