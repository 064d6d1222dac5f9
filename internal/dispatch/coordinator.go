// Package dispatch drives setup and crawl runs across the worker hosts.
// A Coordinator builds a fresh pool for every run, feeds it work items and
// moves crawl jobs through the queue as responses arrive.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/tranco-dispatch/internal/clock/system"
	idgen "github.com/JakeFAU/tranco-dispatch/internal/id/uuid"
	"github.com/JakeFAU/tranco-dispatch/internal/pool"
	"github.com/JakeFAU/tranco-dispatch/internal/progress"
	"github.com/JakeFAU/tranco-dispatch/internal/queue"
	"github.com/JakeFAU/tranco-dispatch/internal/remote"
	"github.com/JakeFAU/tranco-dispatch/internal/work"
)

var (
	// ErrDispatchFailed is returned when at least one command failed.
	ErrDispatchFailed = errors.New("dispatch failed")
	// ErrIncomplete is returned when the run stopped before every item was handed out.
	ErrIncomplete = errors.New("dispatch incomplete")
)

// Run kinds recorded on progress events.
const (
	KindSetup = "setup"
	KindCrawl = "crawl"
)

// Queue is the part of queue.DirQueue the coordinator needs.
type Queue interface {
	List(state queue.State) ([]*queue.Job, error)
	MarkUnderway(job *queue.Job) error
	MarkDone(job *queue.Job) error
	MarkError(job *queue.Job) error
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewRunID() (uuid.UUID, error)
}

// Config holds everything a run needs besides its collaborators.
type Config struct {
	Hosts   []remote.Host
	Timeout time.Duration
	// Workers must be 0 or len(Hosts).
	Workers        int
	Throttle       pool.Waiter
	ClientCodePath string
	Quiet          bool
	Crawl          work.CrawlParams
}

// Deps are the coordinator's collaborators. Runner is required; the rest
// default to no-op or system implementations.
type Deps struct {
	Runner  work.Runner
	Queue   Queue
	Emitter progress.Emitter
	IDs     IDGenerator
	Clock   work.Clock
	Logger  *zap.Logger
}

// CrawlOptions select which jobs a crawl run takes.
type CrawlOptions struct {
	// Limit caps the number of jobs, lowest rank first. 0 means all.
	Limit int
	// Summarize reports what would run without touching hosts or the queue.
	Summarize bool
	// Recover re-dispatches jobs left in underway by an interrupted run.
	Recover bool
}

// Summary describes a finished (or summarized) crawl run.
type Summary struct {
	RunID        uuid.UUID `json:"run_id"`
	Hosts        int       `json:"hosts"`
	Selected     int       `json:"selected"`
	Done         int       `json:"done"`
	Failed       int       `json:"failed"`
	Undispatched int       `json:"undispatched"`
	Summarized   bool      `json:"summarized"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Coordinator runs setup sequences and crawl batches.
type Coordinator struct {
	cfg     Config
	runner  work.Runner
	queue   Queue
	emitter progress.Emitter
	ids     IDGenerator
	clock   work.Clock
	logger  *zap.Logger
}

// New validates cfg against a throwaway pool and returns a Coordinator.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if err := checkCommandTable(); err != nil {
		return nil, err
	}
	if deps.Runner == nil {
		return nil, fmt.Errorf("%w: runner is required", pool.ErrConfig)
	}
	c := &Coordinator{
		cfg:     cfg,
		runner:  deps.Runner,
		queue:   deps.Queue,
		emitter: deps.Emitter,
		ids:     deps.IDs,
		clock:   deps.Clock,
		logger:  deps.Logger,
	}
	if c.emitter == nil {
		c.emitter = progress.Discard{}
	}
	if c.ids == nil {
		c.ids = idgen.New()
	}
	if c.clock == nil {
		c.clock = system.New()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("dispatch")

	p, err := c.newPool()
	if err != nil {
		return nil, err
	}
	p.Close()
	return c, nil
}

func (c *Coordinator) newPool() (*pool.Pool, error) {
	p, err := pool.New(pool.Config{
		Hosts:    c.cfg.Hosts,
		Timeout:  c.cfg.Timeout,
		Workers:  c.cfg.Workers,
		Throttle: c.cfg.Throttle,
	}, c.runner, c.logger)
	if err != nil {
		return nil, fmt.Errorf("build pool: %w", err)
	}
	return p, nil
}

// Setup runs each action on every host, in order, and stops at the first
// action that failed anywhere.
func (c *Coordinator) Setup(ctx context.Context, actions []work.Action) error {
	for _, a := range actions {
		if !a.IsSetup() {
			return fmt.Errorf("%q is not a setup action", a)
		}
	}
	ordered := orderSetup(actions)
	if len(ordered) == 0 {
		c.logger.Info("no setup actions selected")
		return nil
	}

	runID, err := c.ids.NewRunID()
	if err != nil {
		return err
	}
	log := c.logger.With(zap.String("run_id", runID.String()))
	c.emitRun(progress.StageRunStart, runID, KindSetup, true)

	p, err := c.newPool()
	if err != nil {
		return err
	}
	defer p.Close()

	for _, a := range ordered {
		if err := ctx.Err(); err != nil {
			c.emitRun(progress.StageRunDone, runID, KindSetup, false)
			return fmt.Errorf("%w: stopped before %s: %w", ErrIncomplete, a, err)
		}
		item := work.Item{
			Action:      a,
			Description: a.String(),
			Args:        work.Args{ClientCodePath: c.cfg.ClientCodePath, Quiet: c.cfg.Quiet},
		}
		log.Info("running setup action", zap.String("action", a.String()), zap.Int("hosts", p.Size()))

		failed := 0
		for resp := range p.RunOnEach(ctx, item) {
			c.emitter.Emit(progress.Event{
				RunID:  runID,
				TS:     c.clock.Now(),
				Stage:  progress.StageCommand,
				Action: a.String(),
				Host:   resp.Host.String(),
				OK:     resp.OK,
				Dur:    resp.Duration,
			})
			if !resp.OK {
				failed++
				log.Error("setup action failed",
					zap.String("host", resp.Host.String()),
					zap.String("description", resp.Item.Description),
				)
			}
		}
		if failed > 0 {
			c.emitRun(progress.StageRunDone, runID, KindSetup, false)
			return fmt.Errorf("%w: %s failed on %d of %d hosts", ErrDispatchFailed, a, failed, p.Size())
		}
	}
	c.emitRun(progress.StageRunDone, runID, KindSetup, true)
	log.Info("setup complete", zap.Int("actions", len(ordered)))
	return nil
}

// orderSetup keeps the declared sequence regardless of selection order and
// drops duplicates.
func orderSetup(selected []work.Action) []work.Action {
	want := make(map[work.Action]bool, len(selected))
	for _, a := range selected {
		want[a] = true
	}
	var out []work.Action
	for _, a := range work.SetupActions() {
		if want[a] {
			out = append(out, a)
		}
	}
	return out
}

// Crawl dispatches pending jobs across the pool. Each job ends in done or
// error depending on its command's result.
func (c *Coordinator) Crawl(ctx context.Context, opts CrawlOptions) (Summary, error) {
	sum := Summary{Hosts: len(c.cfg.Hosts), StartedAt: c.clock.Now()}
	if c.queue == nil {
		return sum, fmt.Errorf("crawl requires a queue")
	}
	jobs, err := c.selectJobs(opts)
	if err != nil {
		return sum, err
	}
	sum.Selected = len(jobs)

	if opts.Summarize {
		sum.Summarized = true
		sum.FinishedAt = c.clock.Now()
		c.logger.Info(fmt.Sprintf("would crawl %d domains with %d hosts", len(jobs), len(c.cfg.Hosts)))
		for _, job := range jobs {
			c.logger.Debug("would crawl", zap.String("job", job.Name()), zap.String("url", job.URL()))
		}
		return sum, nil
	}
	if len(jobs) == 0 {
		sum.FinishedAt = c.clock.Now()
		c.logger.Info("nothing to crawl")
		return sum, nil
	}

	runID, err := c.ids.NewRunID()
	if err != nil {
		return sum, err
	}
	sum.RunID = runID
	log := c.logger.With(zap.String("run_id", runID.String()))

	p, err := c.newPool()
	if err != nil {
		return sum, err
	}
	defer p.Close()

	items := make([]work.Item, len(jobs))
	for i, job := range jobs {
		items[i] = work.Item{
			Action:      work.ActionCrawl,
			Description: job.URL(),
			Args: work.Args{
				ClientCodePath: c.cfg.ClientCodePath,
				Quiet:          c.cfg.Quiet,
				Job:            job,
				Crawl:          c.cfg.Crawl,
			},
		}
	}
	log.Info("starting crawl", zap.Int("jobs", len(items)), zap.Int("hosts", p.Size()))
	c.emitRun(progress.StageRunStart, runID, KindCrawl, true)

	for resp := range p.RunAll(ctx, items) {
		c.finishJob(log, runID, resp, &sum)
	}
	sum.Undispatched = len(items) - sum.Done - sum.Failed
	sum.FinishedAt = c.clock.Now()

	ok := sum.Failed == 0 && sum.Undispatched == 0
	c.emitRun(progress.StageRunDone, runID, KindCrawl, ok)
	log.Info("crawl finished",
		zap.Int("done", sum.Done),
		zap.Int("failed", sum.Failed),
		zap.Int("undispatched", sum.Undispatched),
		zap.Duration("elapsed", sum.FinishedAt.Sub(sum.StartedAt)),
	)

	var errs []error
	if sum.Failed > 0 {
		errs = append(errs, fmt.Errorf("%w: %d of %d jobs failed", ErrDispatchFailed, sum.Failed, len(items)))
	}
	if sum.Undispatched > 0 {
		errs = append(errs, fmt.Errorf("%w: %d jobs left in todo", ErrIncomplete, sum.Undispatched))
	}
	return sum, errors.Join(errs...)
}

func (c *Coordinator) selectJobs(opts CrawlOptions) ([]*queue.Job, error) {
	state := queue.StateTodo
	if opts.Recover {
		state = queue.StateUnderway
	}
	jobs, err := c.queue.List(state)
	if err != nil {
		if !errors.Is(err, queue.ErrMalformedJob) {
			return nil, fmt.Errorf("list %s jobs: %w", state, err)
		}
		c.logger.Warn("skipping malformed queue entries", zap.String("state", string(state)), zap.Error(err))
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Rank != jobs[j].Rank {
			return jobs[i].Rank < jobs[j].Rank
		}
		return jobs[i].Domain < jobs[j].Domain
	})
	if opts.Limit > 0 && len(jobs) > opts.Limit {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

func (c *Coordinator) finishJob(log *zap.Logger, runID uuid.UUID, resp work.Response, sum *Summary) {
	job := resp.Item.Args.Job
	log = log.With(zap.String("host", resp.Host.String()), zap.String("job", job.Name()))

	stage := progress.StageJobDone
	var note string
	if resp.OK {
		if err := c.queue.MarkDone(job); err != nil {
			log.Error("cannot mark job done", zap.Error(err))
			resp.OK = false
			note = "crawled but not recorded as done"
		}
	} else {
		log.Error("crawl failed", zap.String("url", job.URL()))
		if err := c.queue.MarkError(job); err != nil {
			log.Error("cannot mark job as error", zap.Error(err))
			note = "not recorded as error"
		}
	}
	if resp.OK {
		sum.Done++
	} else {
		stage = progress.StageJobError
		sum.Failed++
	}
	c.emitter.Emit(progress.Event{
		RunID:  runID,
		TS:     c.clock.Now(),
		Stage:  stage,
		Action: work.ActionCrawl.String(),
		Host:   resp.Host.String(),
		Rank:   job.Rank,
		Domain: job.Domain,
		OK:     resp.OK,
		Dur:    resp.Duration,
		Note:   note,
	})
}

func (c *Coordinator) emitRun(stage progress.Stage, runID uuid.UUID, kind string, ok bool) {
	c.emitter.Emit(progress.Event{
		RunID: runID,
		TS:    c.clock.Now(),
		Stage: stage,
		Kind:  kind,
		Hosts: len(c.cfg.Hosts),
		OK:    ok,
	})
}
