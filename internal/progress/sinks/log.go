package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/tranco-dispatch/internal/progress"
)

// LogSink writes every event as a debug log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID.String()),
			zap.String("stage", string(evt.Stage)),
			zap.Bool("ok", evt.OK),
		}
		if evt.Kind != "" {
			fields = append(fields, zap.String("kind", evt.Kind), zap.Int("hosts", evt.Hosts))
		}
		if evt.Host != "" {
			fields = append(fields, zap.String("host", evt.Host))
		}
		if evt.Action != "" {
			fields = append(fields, zap.String("action", evt.Action))
		}
		if evt.Domain != "" {
			fields = append(fields, zap.Int("rank", evt.Rank), zap.String("domain", evt.Domain))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
