package work

import (
	"context"
	"time"

	"github.com/JakeFAU/tranco-dispatch/internal/remote"
)

// Runner performs an item against a host and reports success. It must not
// block past timeout for remote calls.
type Runner interface {
	Run(ctx context.Context, host remote.Host, item Item, timeout time.Duration) bool
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, host remote.Host, item Item, timeout time.Duration) bool

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, host remote.Host, item Item, timeout time.Duration) bool {
	return f(ctx, host, item, timeout)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
