package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/layer-3/fortress/ports"
)

const (
	// DefaultRelayInterval is how often the outbox is polled without a kick.
	DefaultRelayInterval = 2 * time.Second
	// DefaultRelayBatch bounds the events published per pass.
	DefaultRelayBatch = 100
)

// TerminationRelay publishes termination events enqueued by rebinding. An
// event is marked delivered only after the channel accepted it, so delivery
// is at least once.
type TerminationRelay struct {
	outbox      ports.TerminationOutbox
	channel     ports.NotificationChannel
	interval    time.Duration
	batch       int
	callTimeout time.Duration
	kick        chan struct{}
	now         func() time.Time
}

// NewTerminationRelay creates a new relay
func NewTerminationRelay(outbox ports.TerminationOutbox, channel ports.NotificationChannel, interval, callTimeout time.Duration) *TerminationRelay {
	if interval <= 0 {
		interval = DefaultRelayInterval
	}
	return &TerminationRelay{
		outbox:      outbox,
		channel:     channel,
		interval:    interval,
		batch:       DefaultRelayBatch,
		callTimeout: callTimeout,
		kick:        make(chan struct{}, 1),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Kick asks for a relay pass without waiting for the next tick
func (r *TerminationRelay) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run relays pending events until ctx is done
func (r *TerminationRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RelayOnce(ctx); err != nil {
			slog.Error("Termination relay pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.kick:
		}
	}
}

// RelayOnce publishes one batch of pending events and returns how many were delivered
func (r *TerminationRelay) RelayOnce(ctx context.Context) (int, error) {
	listCtx, cancel := withTimeout(ctx, r.callTimeout)
	events, err := r.outbox.PendingTerminations(listCtx, r.batch)
	cancel()
	if err != nil {
		return 0, transient(err)
	}

	delivered := 0
	for _, event := range events {
		pubCtx, cancel := withTimeout(ctx, r.callTimeout)
		err := r.channel.Publish(pubCtx, event.DeviceID, event)
		cancel()
		if err != nil {
			// keep order; the rest goes out on the next pass
			return delivered, transient(err)
		}

		markCtx, cancel := withTimeout(ctx, r.callTimeout)
		err = r.outbox.MarkTerminationDelivered(markCtx, event.ID, r.now())
		cancel()
		if err != nil {
			return delivered, transient(err)
		}

		delivered++
		slog.Info("Termination delivered", "eventID", event.ID, "deviceID", event.DeviceID, "reason", event.Reason)
	}
	return delivered, nil
}
