package core

import "time"

// Challenge is a one-time value issued to a client session
type Challenge struct {
	SessionID string    // Opaque session the challenge is bound to
	Value     string    // Raw base64url random bytes
	IssuedAt  time.Time // When the challenge was created
	ExpiresAt time.Time // When the challenge stops being accepted
}

// Expired reports whether the challenge is past its lifetime at now
func (c Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// PresenceProof is a client submission bound to an issued challenge
type PresenceProof struct {
	Source         string // Client network address
	SessionID      string // Session the challenge was issued to
	HandshakeID    string // One-time id of this submission
	ClientDataJSON string // base64url encoded client data carrying the challenge
	Address        string // Optional EVM address to attest on success
}

// TerminationEvent tells a device to drop its local session
type TerminationEvent struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"deviceId"`
	IdentityKey string    `json:"identityKey,omitempty"`
	Reason      string    `json:"reason"`
	IssuedAt    time.Time `json:"issuedAt"`
}

const (
	TerminationReasonReplaced = "primary_device_replaced"
	TerminationReasonRequest  = "terminate_requested"
)
