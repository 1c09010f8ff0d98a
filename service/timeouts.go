package service

import (
	"context"
	"errors"
	"time"

	"github.com/layer-3/fortress/core"
)

const (
	// DefaultCallTimeout bounds every store, repository and channel call.
	DefaultCallTimeout = 3 * time.Second
	// DefaultChallengeTTL is how long an issued challenge is accepted.
	DefaultChallengeTTL = 5 * time.Minute
	// DefaultNonceTTL is how long a burned handshake id is remembered.
	DefaultNonceTTL = 24 * time.Hour
	// DefaultMaxDevices is the per-identity device quota, primary included.
	DefaultMaxDevices = 3
)

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultCallTimeout
	}
	return context.WithTimeout(ctx, d)
}

// transient tags deadline and cancellation errors so callers treat them as retryable.
func transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return core.Transient(err)
	}
	return err
}
