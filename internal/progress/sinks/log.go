// Package sinks provides progress.Sink implementations.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/linksentry/linksentry/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where no push channel is configured.
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

// Name implements progress.Sink.
func (s *LogSink) Name() string { return "log" }

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.logger.Info("progress event",
			zap.String("task_id", evt.TaskUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("link_id", evt.LinkID),
			zap.Int64("processed", evt.Processed),
			zap.Int64("total", evt.Total),
			zap.Float64("percent", evt.Percent),
			zap.Int64("eta_seconds", evt.ETASeconds),
			zap.String("result", evt.Result),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}
