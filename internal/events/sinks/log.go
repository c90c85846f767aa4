// Package sinks holds events.Sink implementations.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagestore/internal/page"
)

// LogSink writes one structured log line per page event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []page.Event) error {
	for _, evt := range batch {
		s.logger.Info("page event",
			zap.String("event_id", evt.ID),
			zap.String("url", evt.URL),
			zap.Bool("created", evt.Created),
			zap.Int("links", evt.LinksCount),
			zap.Time("at", evt.At),
		)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
