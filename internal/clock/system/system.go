// Package system provides the wall clock used to stamp dispatch events.
package system

import "time"

// Clock reads the process wall clock in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since reports the elapsed time from start.
func (Clock) Since(start time.Time) time.Duration {
	return time.Since(start)
}
