// Package progress carries dispatch events from the coordinator to optional
// consumers. A Hub buffers events without blocking the coordinator and hands
// them to sinks in batches from a single background goroutine.
package progress
