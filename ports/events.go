package ports

import (
	"context"

	"github.com/layer-3/fortress/core"
)

// TerminationHandler reacts to one termination event. Returning an error asks
// for redelivery.
type TerminationHandler func(ctx context.Context, event core.TerminationEvent) error

// NotificationChannel carries termination events on per-device topics
type NotificationChannel interface {
	Publish(ctx context.Context, deviceID string, event core.TerminationEvent) error
	// Subscribe registers handler for deviceID and returns once events can be
	// received. Delivery continues in the background until ctx is done.
	Subscribe(ctx context.Context, deviceID string, handler TerminationHandler) error
}
