// Package memory records published notifications in process, for tests and
// dry runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("memory publisher closed")

// Message captures one publish call.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher keeps every message grouped by topic.
type Publisher struct {
	mu      sync.Mutex
	seq     int
	closed  bool
	byTopic map[string][]Message
	// FailWith, when set, is returned by every Publish call.
	FailWith error
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{byTopic: make(map[string][]Message)}
}

// Publish records the message and returns a sequential id.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", ErrClosed
	}
	if p.FailWith != nil {
		return "", p.FailWith
	}
	p.seq++
	id := fmt.Sprintf("%s-%d", topic, p.seq)
	p.byTopic[topic] = append(p.byTopic[topic], Message{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Messages returns a copy of what was published to topic.
func (p *Publisher) Messages(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.byTopic[topic]...)
}

// Close rejects further publishes.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
