package domain

import (
	"context"
)

// AlertSink receives alerts emitted for Review and Block decisions.
// Implementations live at the edges (repository, event bus); the alert
// emitter retries failed publishes with bounded backoff, so sinks see
// at-least-once delivery and must tolerate duplicates.
type AlertSink interface {
	Publish(ctx context.Context, alert *Alert) error
}

// SinkFunc adapts a function to the AlertSink interface.
type SinkFunc func(ctx context.Context, alert *Alert) error

// Publish implements AlertSink.
func (f SinkFunc) Publish(ctx context.Context, alert *Alert) error {
	return f(ctx, alert)
}
