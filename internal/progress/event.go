package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	// StageRunStart opens a setup or crawl run.
	StageRunStart Stage = "RUN_START"
	// StageCommand is one setup action's result on one host.
	StageCommand Stage = "COMMAND"
	// StageJobDone and StageJobError record a crawl job reaching a terminal state.
	StageJobDone  Stage = "JOB_DONE"
	StageJobError Stage = "JOB_ERROR"
	// StageRunDone closes a run; OK reports whether every command succeeded.
	StageRunDone Stage = "RUN_DONE"
)

// Event captures one dispatch milestone.
type Event struct {
	RunID uuid.UUID
	TS    time.Time
	Stage Stage
	// Kind is "setup" or "crawl" on run events.
	Kind string
	// Hosts is the pool size on run events.
	Hosts  int
	Action string
	Host   string
	Rank   int
	Domain string
	OK     bool
	Dur    time.Duration
	Note   string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == uuid.Nil {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
		if e.Kind == "" {
			return errors.New("run events require kind")
		}
	case StageCommand:
		if e.Host == "" || e.Action == "" {
			return errors.New("command events require host and action")
		}
	case StageJobDone, StageJobError:
		if e.Domain == "" {
			return errors.New("job events require domain")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// IsOutcome reports whether the event records a single command result.
func (e Event) IsOutcome() bool {
	return e.Stage == StageCommand || e.Stage == StageJobDone || e.Stage == StageJobError
}
