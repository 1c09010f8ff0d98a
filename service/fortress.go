package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"
	"github.com/layer-3/fortress/core"
	"github.com/layer-3/fortress/ports"
)

// ChallengeBytes is the amount of randomness in one challenge.
const ChallengeBytes = 32

// FortressOptions tunes the challenge issuer and replay guard
type FortressOptions struct {
	ChallengeTTL time.Duration
	NonceTTL     time.Duration
	CallTimeout  time.Duration
}

// FortressService issues one-time challenges and rejects replayed presence proofs
type FortressService struct {
	challenges   ports.ChallengeStore
	nonces       ports.NonceStore
	guard        ports.SourceGuard
	attestations ports.AttestationStore

	challengeTTL time.Duration
	nonceTTL     time.Duration
	callTimeout  time.Duration
	now          func() time.Time
}

// NewFortressService creates a new fortress service
func NewFortressService(
	challenges ports.ChallengeStore,
	nonces ports.NonceStore,
	guard ports.SourceGuard,
	attestations ports.AttestationStore,
	opts FortressOptions,
) *FortressService {
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = DefaultChallengeTTL
	}
	if opts.NonceTTL <= 0 {
		opts.NonceTTL = DefaultNonceTTL
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	return &FortressService{
		challenges:   challenges,
		nonces:       nonces,
		guard:        guard,
		attestations: attestations,
		challengeTTL: opts.ChallengeTTL,
		nonceTTL:     opts.NonceTTL,
		callTimeout:  opts.CallTimeout,
		now:          time.Now,
	}
}

// ChallengeTTL returns the lifetime of issued challenges
func (s *FortressService) ChallengeTTL() time.Duration {
	return s.challengeTTL
}

// IssueChallenge generates a new challenge for sessionID, replacing any live
// one. An empty sessionID gets a freshly minted session.
func (s *FortressService) IssueChallenge(ctx context.Context, sessionID string) (core.Challenge, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	raw := make([]byte, ChallengeBytes)
	if _, err := rand.Read(raw); err != nil {
		return core.Challenge{}, fmt.Errorf("failed to generate challenge: %w", err)
	}

	now := s.now()
	challenge := core.Challenge{
		SessionID: sessionID,
		Value:     base64.RawURLEncoding.EncodeToString(raw),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.challengeTTL),
	}

	ctx, cancel := withTimeout(ctx, s.callTimeout)
	defer cancel()
	if err := s.challenges.PutChallenge(ctx, challenge, s.challengeTTL); err != nil {
		return core.Challenge{}, transient(err)
	}

	return challenge, nil
}

// VerifyAndConsumeChallenge accepts value only if it matches the session's
// live challenge, consuming it. Every rejection records a fraud alert for source.
func (s *FortressService) VerifyAndConsumeChallenge(ctx context.Context, source, sessionID, value string) (bool, error) {
	if sessionID == "" {
		return false, s.reject(ctx, source, "no session", core.ErrSessionMissing)
	}

	canonical, err := canonicalChallenge(value)
	if err != nil {
		return false, s.reject(ctx, source, "undecodable challenge", core.ErrChallengeInvalid)
	}

	callCtx, cancel := withTimeout(ctx, s.callTimeout)
	defer cancel()
	ok, err := s.challenges.ConsumeChallenge(callCtx, sessionID, canonical)
	if err != nil {
		return false, transient(err)
	}
	if !ok {
		return false, s.reject(ctx, source, "challenge mismatch or expired", core.ErrChallengeInvalid)
	}

	return true, nil
}

// BurnNonce marks handshakeID as used. A second use is a replay and records a
// fraud alert for source.
func (s *FortressService) BurnNonce(ctx context.Context, source, handshakeID string) (bool, error) {
	if strings.TrimSpace(handshakeID) == "" {
		return false, core.ErrMalformedProof
	}

	callCtx, cancel := withTimeout(ctx, s.callTimeout)
	defer cancel()
	first, err := s.nonces.BurnNonce(callCtx, handshakeID, s.nonceTTL)
	if err != nil {
		return false, transient(err)
	}
	if !first {
		return false, s.reject(ctx, source, "replay detected", core.ErrNonceBurned)
	}

	return true, nil
}

// IsBlocked reports whether source may not submit proofs
func (s *FortressService) IsBlocked(ctx context.Context, source string) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.callTimeout)
	defer cancel()

	blocked, err := s.guard.IsBlocked(ctx, source)
	if err != nil {
		return false, transient(err)
	}
	return blocked, nil
}

// RecordFraudAlert counts an alert against source
func (s *FortressService) RecordFraudAlert(ctx context.Context, source, reason string) error {
	ctx, cancel := withTimeout(ctx, s.callTimeout)
	defer cancel()

	blocked, err := s.guard.RecordFraud(ctx, source, reason)
	if err != nil {
		return transient(err)
	}
	slog.Warn("Fraud alert", "source", source, "reason", reason, "blocked", blocked)
	return nil
}

// reject records a fraud alert and returns cause. A failing guard is logged
// but never turns the rejection into an acceptance.
func (s *FortressService) reject(ctx context.Context, source, reason string, cause error) error {
	if err := s.RecordFraudAlert(ctx, source, reason); err != nil {
		slog.Error("Failed to record fraud alert", "source", source, "reason", reason, "error", err)
	}
	return cause
}

// SyncPresence verifies a presence proof end to end: source check, challenge
// consumption, nonce burn and optional address attestation.
func (s *FortressService) SyncPresence(ctx context.Context, proof core.PresenceProof) error {
	blocked, err := s.IsBlocked(ctx, proof.Source)
	if err != nil {
		return err
	}
	if blocked {
		return core.ErrSourceBlocked
	}

	if strings.TrimSpace(proof.HandshakeID) == "" {
		return fmt.Errorf("%w: handshakeId", core.ErrMalformedProof)
	}
	var address common.Address
	if proof.Address != "" {
		if !common.IsHexAddress(proof.Address) || !strings.HasPrefix(proof.Address, "0x") {
			return core.ErrInvalidAddress
		}
		address = common.HexToAddress(proof.Address)
	}

	if proof.SessionID == "" {
		return s.reject(ctx, proof.Source, "no session", core.ErrSessionMissing)
	}

	challenge, err := challengeFromClientData(proof.ClientDataJSON)
	if err != nil {
		return s.reject(ctx, proof.Source, "invalid clientDataJSON", core.ErrClientDataInvalid)
	}

	if _, err := s.VerifyAndConsumeChallenge(ctx, proof.Source, proof.SessionID, challenge); err != nil {
		return err
	}
	if _, err := s.BurnNonce(ctx, proof.Source, proof.HandshakeID); err != nil {
		return err
	}

	if proof.Address != "" {
		callCtx, cancel := withTimeout(ctx, s.callTimeout)
		defer cancel()
		if err := s.attestations.MarkAttested(callCtx, address.Hex()); err != nil {
			return transient(err)
		}
		slog.Info("Address attested", "address", address.Hex())
	}

	slog.Debug("Presence verified", "sessionID", proof.SessionID, "handshakeID", proof.HandshakeID)
	return nil
}

// IsAttested reports whether address completed a presence handshake
func (s *FortressService) IsAttested(ctx context.Context, address string) (bool, error) {
	if !common.IsHexAddress(address) || !strings.HasPrefix(address, "0x") {
		return false, core.ErrInvalidAddress
	}

	ctx, cancel := withTimeout(ctx, s.callTimeout)
	defer cancel()
	ok, err := s.attestations.IsAttested(ctx, common.HexToAddress(address).Hex())
	if err != nil {
		return false, transient(err)
	}
	return ok, nil
}

// challengeFromClientData decodes a base64url clientDataJSON and returns its challenge
func challengeFromClientData(encoded string) (string, error) {
	if encoded == "" {
		return "", core.ErrClientDataInvalid
	}
	raw, err := decodeBase64Loose(encoded)
	if err != nil {
		return "", err
	}

	var clientData protocol.CollectedClientData
	if err := json.Unmarshal(raw, &clientData); err != nil {
		return "", err
	}
	if clientData.Challenge == "" {
		return "", core.ErrClientDataInvalid
	}
	return clientData.Challenge, nil
}

// canonicalChallenge re-encodes value as raw base64url so padded and standard
// alphabet submissions compare equal to the issued form.
func canonicalChallenge(value string) (string, error) {
	raw, err := decodeBase64Loose(value)
	if err != nil {
		return "", err
	}
	if len(raw) != ChallengeBytes {
		return "", core.ErrChallengeInvalid
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeBase64Loose(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	s = strings.TrimRight(s, "=")
	return base64.RawURLEncoding.DecodeString(s)
}
