package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/tranco-dispatch/internal/progress"
)

// Publisher pushes a payload to a topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// OutcomeMessage is the notification body for one finished crawl job.
type OutcomeMessage struct {
	RunID      string    `json:"run_id"`
	Host       string    `json:"host"`
	Rank       int       `json:"rank"`
	Domain     string    `json:"domain"`
	State      string    `json:"state"`
	DurationMs int64     `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

// PublishSink announces every crawl job that reached done or error.
type PublishSink struct {
	publisher Publisher
	topic     string
}

// NewPublishSink constructs a PublishSink.
func NewPublishSink(publisher Publisher, topic string) *PublishSink {
	return &PublishSink{publisher: publisher, topic: topic}
}

// Consume publishes one message per job event. The first failure aborts the
// rest of the batch.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	for _, evt := range batch {
		var state string
		switch evt.Stage {
		case progress.StageJobDone:
			state = "done"
		case progress.StageJobError:
			state = "error"
		default:
			continue
		}
		msg := OutcomeMessage{
			RunID:      evt.RunID.String(),
			Host:       evt.Host,
			Rank:       evt.Rank,
			Domain:     evt.Domain,
			State:      state,
			DurationMs: evt.Dur.Milliseconds(),
			FinishedAt: evt.TS,
		}
		if _, err := s.publisher.Publish(ctx, s.topic, msg); err != nil {
			return fmt.Errorf("publish outcome %d_%s: %w", evt.Rank, evt.Domain, err)
		}
	}
	return nil
}

// Close implements the Sink interface; the publisher is closed by its owner.
func (s *PublishSink) Close(context.Context) error {
	return nil
}

// Attributes exposes the routing fields as Pub/Sub attributes.
func (m OutcomeMessage) Attributes() map[string]string {
	return map[string]string{"run_id": m.RunID, "state": m.State}
}
