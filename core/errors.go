package core

import (
	"errors"
	"fmt"
)

// Error families. Specific errors wrap exactly one of these so callers can
// classify with errors.Is.
var (
	ErrValidation          = errors.New("validation failed")
	ErrReplay              = errors.New("replay rejected")
	ErrNotVitalized        = errors.New("identity has no completed vitalization")
	ErrDeviceLimitExceeded = errors.New("device limit exceeded")
	ErrTransient           = errors.New("transient failure")
)

var (
	ErrSourceBlocked     = errors.New("source is blocked")
	ErrInvalidTransition = errors.New("invalid pipeline transition")
	ErrNotFound          = errors.New("not found")
	ErrBindingConflict   = errors.New("binding changed concurrently")
)

var (
	ErrEmptyLeaves       = fmt.Errorf("%w: at least one leaf is required", ErrValidation)
	ErrInvalidPillar     = fmt.Errorf("%w: pillar hash must be 64 hex characters", ErrValidation)
	ErrMissingField      = fmt.Errorf("%w: required field is missing", ErrValidation)
	ErrInvalidAddress    = fmt.Errorf("%w: invalid address", ErrValidation)
	ErrMalformedProof    = fmt.Errorf("%w: malformed presence proof", ErrValidation)
	ErrUnknownOutcome    = fmt.Errorf("%w: unknown binding outcome", ErrValidation)
	ErrChallengeMissing  = fmt.Errorf("%w: no live challenge for session", ErrReplay)
	ErrChallengeInvalid  = fmt.Errorf("%w: challenge mismatch", ErrReplay)
	ErrNonceBurned       = fmt.Errorf("%w: handshake id already used", ErrReplay)
	ErrSessionMissing    = fmt.Errorf("%w: no session", ErrReplay)
	ErrClientDataInvalid = fmt.Errorf("%w: client data does not carry a challenge", ErrReplay)
	ErrDeviceMismatch    = errors.New("device is not the primary device for this identity")
)

// Transient marks err as retryable while keeping the original cause.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
