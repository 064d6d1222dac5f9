package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/tranco-dispatch/internal/progress"
	"github.com/JakeFAU/tranco-dispatch/internal/store"
)

// StoreSink writes runs and outcomes to a store.OutcomeRepository. Outcomes
// in a batch are written together; run rows are written around them so a
// batch holding a whole run lands in order.
type StoreSink struct {
	repo store.OutcomeRepository
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.OutcomeRepository) *StoreSink {
	return &StoreSink{repo: repo}
}

// Consume forwards the batch to the repository.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	var outcomes []store.Outcome
	for _, evt := range batch {
		switch {
		case evt.Stage == progress.StageRunStart:
			if err := s.repo.StartRun(ctx, store.Run{
				ID:        evt.RunID,
				Kind:      evt.Kind,
				Hosts:     evt.Hosts,
				StartedAt: evt.TS,
				Status:    store.RunRunning,
			}); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case evt.IsOutcome():
			outcomes = append(outcomes, toOutcome(evt))
		case evt.Stage == progress.StageRunDone:
			if err := s.writeOutcomes(ctx, &outcomes); err != nil {
				return err
			}
			status := store.RunFailed
			if evt.OK {
				status = store.RunSuccess
			}
			if err := s.repo.FinishRun(ctx, evt.RunID, evt.TS, status); err != nil {
				return fmt.Errorf("finish run: %w", err)
			}
		}
	}
	return s.writeOutcomes(ctx, &outcomes)
}

func (s *StoreSink) writeOutcomes(ctx context.Context, outcomes *[]store.Outcome) error {
	if len(*outcomes) == 0 {
		return nil
	}
	if err := s.repo.RecordOutcomes(ctx, *outcomes); err != nil {
		return fmt.Errorf("record outcomes: %w", err)
	}
	*outcomes = (*outcomes)[:0]
	return nil
}

// Close implements the Sink interface; the repository is closed by its owner.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

func toOutcome(evt progress.Event) store.Outcome {
	return store.Outcome{
		RunID:      evt.RunID,
		Host:       evt.Host,
		Action:     evt.Action,
		Rank:       evt.Rank,
		Domain:     evt.Domain,
		OK:         evt.OK,
		Duration:   evt.Dur,
		RecordedAt: evt.TS,
		Note:       evt.Note,
	}
}
