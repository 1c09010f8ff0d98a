package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/fortress/core"
	"github.com/layer-3/fortress/ports"
)

// DefaultTopicPrefix is prepended to the device id to build a topic name
const DefaultTopicPrefix = "fortress.terminate."

// WatermillChannel implements the NotificationChannel interface using Watermill
type WatermillChannel struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	prefix     string
}

// NewWatermillChannel creates a new Watermill notification channel
func NewWatermillChannel(publisher message.Publisher, subscriber message.Subscriber, prefix string) *WatermillChannel {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &WatermillChannel{
		publisher:  publisher,
		subscriber: subscriber,
		prefix:     prefix,
	}
}

// Topic returns the topic termination events for deviceID are published on
func (w *WatermillChannel) Topic(deviceID string) string {
	return w.prefix + deviceID
}

// Publish publishes a termination event to the device's topic
func (w *WatermillChannel) Publish(ctx context.Context, deviceID string, event core.TerminationEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(event.ID, payload)
	msg.SetContext(ctx)

	if err := w.publisher.Publish(w.Topic(deviceID), msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", core.Transient(err))
	}

	return nil
}

// Subscribe starts delivering the device's events to handler in the
// background. It returns once the subscription is established; delivery stops
// when ctx is done.
func (w *WatermillChannel) Subscribe(ctx context.Context, deviceID string, handler ports.TerminationHandler) error {
	messages, err := w.subscriber.Subscribe(ctx, w.Topic(deviceID))
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", core.Transient(err))
	}

	go func() {
		for msg := range messages {
			var event core.TerminationEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				// a payload that never decodes would be redelivered forever
				slog.Error("Dropping malformed termination event", "uuid", msg.UUID, "error", err)
				msg.Ack()
				continue
			}

			if err := handler(ctx, event); err != nil {
				slog.Warn("Termination handler failed", "deviceID", deviceID, "eventID", event.ID, "error", err)
				msg.Nack()
				continue
			}
			msg.Ack()
		}
	}()

	return nil
}

var _ ports.NotificationChannel = (*WatermillChannel)(nil)
