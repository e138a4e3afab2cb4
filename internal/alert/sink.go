package alert

import (
	"context"
	"errors"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MultiSink fans an alert out to several sinks. Publish fails when any
// sub-sink fails; the emitter then retries the whole fan-out, so each
// sub-sink must tolerate duplicate deliveries (at-least-once).
type MultiSink []domain.AlertSink

// Publish implements domain.AlertSink.
func (m MultiSink) Publish(ctx context.Context, alert *domain.Alert) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Publish(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
