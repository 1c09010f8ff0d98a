package ports

import (
	"context"
	"time"

	"github.com/layer-3/fortress/core"
)

// ChallengeStore holds at most one live challenge per session
type ChallengeStore interface {
	// PutChallenge stores c under c.SessionID, replacing any previous challenge
	PutChallenge(ctx context.Context, c core.Challenge, ttl time.Duration) error
	// ConsumeChallenge deletes the session's challenge and returns true only if
	// it is live and equal to value. The compare and delete happen atomically.
	ConsumeChallenge(ctx context.Context, sessionID, value string) (bool, error)
}

// NonceStore burns one-time handshake ids
type NonceStore interface {
	// BurnNonce returns true for the first caller with id and false afterwards
	BurnNonce(ctx context.Context, id string, ttl time.Duration) (bool, error)
}

// SourceGuard tracks fraud alerts per source address
type SourceGuard interface {
	IsBlocked(ctx context.Context, source string) (bool, error)
	// RecordFraud counts one alert and reports whether the source is now blocked
	RecordFraud(ctx context.Context, source, reason string) (bool, error)
}

// AttestationStore remembers addresses that completed a presence handshake
type AttestationStore interface {
	MarkAttested(ctx context.Context, address string) error
	IsAttested(ctx context.Context, address string) (bool, error)
}
