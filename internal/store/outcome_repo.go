package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RunStatus mirrors the dispatch_runs status column.
type RunStatus string

// Run statuses.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// Run is one setup or crawl invocation.
type Run struct {
	ID         uuid.UUID
	Kind       string
	Hosts      int
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     RunStatus
}

// Outcome is the result of one command on one host. Rank and Domain are
// zero for setup commands.
type Outcome struct {
	RunID      uuid.UUID
	Host       string
	Action     string
	Rank       int
	Domain     string
	OK         bool
	Duration   time.Duration
	RecordedAt time.Time
	Note       string
}

// OutcomeRepository persists runs and their command outcomes.
type OutcomeRepository interface {
	// StartRun inserts the run row; repeating it for the same id is a no-op.
	StartRun(ctx context.Context, run Run) error
	// FinishRun stamps the run's end time and final status.
	FinishRun(ctx context.Context, id uuid.UUID, finishedAt time.Time, status RunStatus) error
	// RecordOutcomes appends outcomes in one transaction where supported.
	RecordOutcomes(ctx context.Context, outcomes []Outcome) error
	// ListOutcomes returns up to limit outcomes of a run, oldest first.
	ListOutcomes(ctx context.Context, runID uuid.UUID, limit int) ([]Outcome, error)
}
