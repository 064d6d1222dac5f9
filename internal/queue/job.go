// Package queue implements the on-disk job queue. Each job is a single file
// named {rank}_{domain}; the directory holding the file is the job's state,
// and every transition is one rename.
package queue

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedJob marks a queue entry whose name is not {rank}_{domain}.
var ErrMalformedJob = errors.New("malformed job name")

// State is the lifecycle stage of a job, equal to its directory name.
type State string

// Job states. Done and Error are terminal.
const (
	StateTodo     State = "todo"
	StateUnderway State = "underway"
	StateDone     State = "done"
	StateError    State = "error"
)

// States lists every state in lifecycle order.
var States = []State{StateTodo, StateUnderway, StateDone, StateError}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateTodo, StateUnderway, StateDone, StateError:
		return true
	}
	return false
}

// Job is one domain to crawl. The state field tracks the directory the
// backing file currently lives in; only the queue mutates it. name is the
// file name as found on disk, which may carry a zero-padded rank.
type Job struct {
	Rank   int
	Domain string
	name   string
	state  State
}

// NewJob returns a job in the todo state.
func NewJob(rank int, domain string) *Job {
	return &Job{Rank: rank, Domain: domain, name: strconv.Itoa(rank) + "_" + domain, state: StateTodo}
}

// Name is the backing file name.
func (j *Job) Name() string {
	if j.name != "" {
		return j.name
	}
	return strconv.Itoa(j.Rank) + "_" + j.Domain
}

// URL is the address handed to the crawl client.
func (j *Job) URL() string {
	return "https://" + j.Domain
}

// State reports the directory the job was last seen in.
func (j *Job) State() State {
	return j.state
}

func (j *Job) String() string {
	return fmt.Sprintf("%s (%s)", j.Name(), j.state)
}

// ParseName splits a queue file name into rank and domain.
func ParseName(name string) (int, string, error) {
	rankText, domain, ok := strings.Cut(name, "_")
	if !ok || rankText == "" || domain == "" {
		return 0, "", fmt.Errorf("%w: %q", ErrMalformedJob, name)
	}
	for _, r := range rankText {
		if r < '0' || r > '9' {
			return 0, "", fmt.Errorf("%w: %q", ErrMalformedJob, name)
		}
	}
	rank, err := strconv.Atoi(rankText)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %q: %v", ErrMalformedJob, name, err)
	}
	return rank, domain, nil
}
