package store

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/layer-3/fortress/core"
)

// FraudPolicy decides when a source becomes blocked
type FraudPolicy struct {
	Threshold int           // Alerts within Window that block the source
	Window    time.Duration // How long an alert counts towards Threshold
	BlockFor  time.Duration // How long a blocked source stays blocked
}

// DefaultFraudPolicy blocks a source on its first alert for a day
func DefaultFraudPolicy() FraudPolicy {
	return FraudPolicy{
		Threshold: 1,
		Window:    time.Hour,
		BlockFor:  24 * time.Hour,
	}
}

type sourceState struct {
	alerts       []time.Time
	blockedUntil time.Time
}

// MemoryStore is an in-process implementation of the challenge, nonce,
// source guard and attestation stores. Every operation holds one mutex so the
// compare-and-delete and insert-if-absent paths are atomic.
type MemoryStore struct {
	mu         sync.Mutex
	challenges map[string]core.Challenge
	nonces     map[string]time.Time
	sources    map[string]*sourceState
	attested   map[string]struct{}
	policy     FraudPolicy
	now        func() time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(policy FraudPolicy) *MemoryStore {
	if policy.Threshold <= 0 {
		policy.Threshold = 1
	}
	return &MemoryStore{
		challenges: make(map[string]core.Challenge),
		nonces:     make(map[string]time.Time),
		sources:    make(map[string]*sourceState),
		attested:   make(map[string]struct{}),
		policy:     policy,
		now:        time.Now,
	}
}

// PutChallenge stores the challenge, replacing any previous one for the session
func (s *MemoryStore) PutChallenge(ctx context.Context, c core.Challenge, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.ExpiresAt = c.IssuedAt.Add(ttl)
	s.challenges[c.SessionID] = c
	slog.Debug("Challenge stored", "sessionID", c.SessionID, "expiresAt", c.ExpiresAt)
	return nil
}

// ConsumeChallenge deletes and accepts the session's challenge if it matches value
func (s *MemoryStore) ConsumeChallenge(ctx context.Context, sessionID, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[sessionID]
	if !ok {
		return false, nil
	}
	if c.Expired(s.now()) {
		delete(s.challenges, sessionID)
		slog.Debug("Challenge expired", "sessionID", sessionID)
		return false, nil
	}
	if subtle.ConstantTimeCompare([]byte(c.Value), []byte(value)) != 1 {
		return false, nil
	}

	delete(s.challenges, sessionID)
	return true, nil
}

// BurnNonce records id and reports whether this call was the first
func (s *MemoryStore) BurnNonce(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiresAt, ok := s.nonces[id]; ok && now.Before(expiresAt) {
		return false, nil
	}
	s.nonces[id] = now.Add(ttl)
	return true, nil
}

// IsBlocked reports whether source is currently blocked
func (s *MemoryStore) IsBlocked(ctx context.Context, source string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sources[source]
	if !ok {
		return false, nil
	}
	return s.now().Before(st.blockedUntil), nil
}

// RecordFraud counts an alert for source and blocks it once the policy threshold is reached
func (s *MemoryStore) RecordFraud(ctx context.Context, source, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	st, ok := s.sources[source]
	if !ok {
		st = &sourceState{}
		s.sources[source] = st
	}
	st.alerts = append(recentAlerts(st.alerts, now, s.policy.Window), now)
	if len(st.alerts) >= s.policy.Threshold {
		st.blockedUntil = now.Add(s.policy.BlockFor)
	}

	blocked := now.Before(st.blockedUntil)
	slog.Debug("Fraud alert recorded", "source", source, "reason", reason, "alerts", len(st.alerts), "blocked", blocked)
	return blocked, nil
}

// MarkAttested remembers address
func (s *MemoryStore) MarkAttested(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attested[strings.ToLower(address)] = struct{}{}
	return nil
}

// IsAttested reports whether address was attested
func (s *MemoryStore) IsAttested(ctx context.Context, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.attested[strings.ToLower(address)]
	return ok, nil
}

// Run evicts expired entries every interval until ctx is done. Eviction only
// frees memory; expiry is also checked on access.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.evict()
		}
	}
}

func (s *MemoryStore) evict() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var challenges, nonces, sources int
	for id, c := range s.challenges {
		if c.Expired(now) {
			delete(s.challenges, id)
			challenges++
		}
	}
	for id, expiresAt := range s.nonces {
		if !now.Before(expiresAt) {
			delete(s.nonces, id)
			nonces++
		}
	}
	for source, st := range s.sources {
		st.alerts = recentAlerts(st.alerts, now, s.policy.Window)
		if len(st.alerts) == 0 && !now.Before(st.blockedUntil) {
			delete(s.sources, source)
			sources++
		}
	}
	if challenges+nonces+sources > 0 {
		slog.Debug("Evicted expired entries", "challenges", challenges, "nonces", nonces, "sources", sources)
	}
}

func recentAlerts(alerts []time.Time, now time.Time, window time.Duration) []time.Time {
	kept := alerts[:0]
	for _, at := range alerts {
		if now.Sub(at) < window {
			kept = append(kept, at)
		}
	}
	return kept
}
