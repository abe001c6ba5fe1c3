package events

import (
	"context"

	"go.uber.org/zap"
)

// Sink accepts domain events for the audit stream. The Postgres outbox is
// the production implementation; NopSink serves tests and memory-backed
// deployments.
type Sink interface {
	Enqueue(ctx context.Context, env *Envelope, topic string) error
}

// NopSink drops events, logging at debug level.
type NopSink struct {
	Logger *zap.Logger
}

// Enqueue implements Sink.
func (s NopSink) Enqueue(_ context.Context, env *Envelope, topic string) error {
	if s.Logger != nil {
		s.Logger.Debug("event dropped by nop sink",
			zap.String("type", string(env.Type)),
			zap.String("topic", topic))
	}
	return nil
}
