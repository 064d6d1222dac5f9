// Package work defines the units of work the pool executes and the
// responses it produces.
package work

import (
	"fmt"
	"time"

	"github.com/JakeFAU/tranco-dispatch/internal/queue"
	"github.com/JakeFAU/tranco-dispatch/internal/remote"
)

// Action is the closed set of operations a worker can perform on its host.
type Action int

// Setup actions run in declaration order; ActionCrawl is the per-job action.
const (
	ActionTestConnection Action = iota + 1
	ActionKillChildProcesses
	ActionDeleteClientCode
	ActionInstallClientCode
	ActionCheckClientCode
	ActionSetupClientCode
	ActionCrawl
)

var actionNames = map[Action]string{
	ActionTestConnection:     "test-connection",
	ActionKillChildProcesses: "kill-child-processes",
	ActionDeleteClientCode:   "delete-client-code",
	ActionInstallClientCode:  "install-client-code",
	ActionCheckClientCode:    "check-client-code",
	ActionSetupClientCode:    "setup-client-code",
	ActionCrawl:              "crawl",
}

// SetupActions returns the setup actions in the order they must run.
func SetupActions() []Action {
	return []Action{
		ActionTestConnection,
		ActionKillChildProcesses,
		ActionDeleteClientCode,
		ActionInstallClientCode,
		ActionCheckClientCode,
		ActionSetupClientCode,
	}
}

// Actions returns every action, setup actions first.
func Actions() []Action {
	return append(SetupActions(), ActionCrawl)
}

// String returns the flag-style name of the action.
func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Valid reports whether a is a declared action.
func (a Action) Valid() bool {
	_, ok := actionNames[a]
	return ok
}

// IsSetup reports whether a belongs to the setup sequence.
func (a Action) IsSetup() bool {
	return a.Valid() && a != ActionCrawl
}

// ParseAction maps a flag-style name back to its action.
func ParseAction(name string) (Action, error) {
	for a, n := range actionNames {
		if n == name {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", name)
}

// CrawlParams are forwarded to the crawl client on the worker.
type CrawlParams struct {
	BinaryPath    string
	S3Bucket      string
	PageSeconds   int
	ClientTimeout int
}

// Args carries the inputs an action needs. Fields unused by an action are
// left zero.
type Args struct {
	ClientCodePath string
	Quiet          bool
	Job            *queue.Job
	Crawl          CrawlParams
}

// Item is one unit of work. Setup items are shared by every host of a batch
// and must not be mutated after construction.
type Item struct {
	Action      Action
	Description string
	Args        Args
}

// Response reports the outcome of one item on one host.
type Response struct {
	Host     remote.Host
	Worker   int
	OK       bool
	Item     Item
	Duration time.Duration
}
