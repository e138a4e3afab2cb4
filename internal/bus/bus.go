package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates a new event bus based on configuration.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// AlertSink adapts an EventBus into a domain.AlertSink that publishes
// alerts on the standard alert topic.
func AlertSink(b domain.EventBus) domain.AlertSink {
	return domain.SinkFunc(func(ctx context.Context, alert *domain.Alert) error {
		payload, err := json.Marshal(alert)
		if err != nil {
			return fmt.Errorf("failed to marshal alert: %w", err)
		}
		return b.Publish(ctx, domain.TopicAlert, payload)
	})
}
