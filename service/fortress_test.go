package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/layer-3/fortress/adapters/store"
	"github.com/layer-3/fortress/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSource = "203.0.113.7"

func setupFortress(t *testing.T, policy store.FraudPolicy) (*FortressService, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(policy)
	return NewFortressService(st, st, st, st, FortressOptions{}), st
}

func clientData(t *testing.T, challenge string) string {
	t.Helper()
	raw, err := json.Marshal(map[string]string{
		"type":      "webauthn.get",
		"challenge": challenge,
		"origin":    "https://fortress.example",
	})
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func TestIssueChallenge(t *testing.T) {
	svc, _ := setupFortress(t, store.DefaultFraudPolicy())
	ctx := context.Background()

	c, err := svc.IssueChallenge(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, c.SessionID)
	assert.Equal(t, DefaultChallengeTTL, c.ExpiresAt.Sub(c.IssuedAt))

	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	require.NoError(t, err)
	assert.Len(t, raw, ChallengeBytes)

	again, err := svc.IssueChallenge(ctx, c.SessionID)
	require.NoError(t, err)
	assert.Equal(t, c.SessionID, again.SessionID)
	assert.NotEqual(t, c.Value, again.Value)
}

func TestVerifyAndConsumeChallenge_OneShot(t *testing.T) {
	svc, _ := setupFortress(t, store.FraudPolicy{Threshold: 10, Window: time.Hour, BlockFor: time.Hour})
	ctx := context.Background()

	c, err := svc.IssueChallenge(ctx, "sess-1")
	require.NoError(t, err)

	ok, err := svc.VerifyAndConsumeChallenge(ctx, testSource, "sess-1", c.Value)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.VerifyAndConsumeChallenge(ctx, testSource, "sess-1", c.Value)
	assert.False(t, ok)
	assert.ErrorIs(t, err, core.ErrReplay)
}

func TestVerifyAndConsumeChallenge_ConcurrentOneWinner(t *testing.T) {
	svc, _ := setupFortress(t, store.FraudPolicy{Threshold: 1000, Window: time.Hour, BlockFor: time.Hour})
	ctx := context.Background()

	c, err := svc.IssueChallenge(ctx, "sess-race")
	require.NoError(t, err)

	const callers = 50
	var wins, replays int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := svc.VerifyAndConsumeChallenge(ctx, testSource, "sess-race", c.Value)
			switch {
			case err == nil && ok:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, core.ErrReplay):
				atomic.AddInt32(&replays, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(callers-1), replays)
}

func TestVerifyAndConsumeChallenge_PaddingSafe(t *testing.T) {
	svc, _ := setupFortress(t, store.FraudPolicy{Threshold: 10, Window: time.Hour, BlockFor: time.Hour})
	ctx := context.Background()

	c, err := svc.IssueChallenge(ctx, "sess-1")
	require.NoError(t, err)
	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	require.NoError(t, err)

	ok, err := svc.VerifyAndConsumeChallenge(ctx, testSource, "sess-1", base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyAndConsumeChallenge_MismatchBlocksSource(t *testing.T) {
	svc, _ := setupFortress(t, store.DefaultFraudPolicy())
	ctx := context.Background()

	c, err := svc.IssueChallenge(ctx, "sess-1")
	require.NoError(t, err)

	other := base64.RawURLEncoding.EncodeToString(make([]byte, ChallengeBytes))
	ok, err := svc.VerifyAndConsumeChallenge(ctx, testSource, "sess-1", other)
	assert.False(t, ok)
	assert.ErrorIs(t, err, core.ErrChallengeInvalid)

	blocked, err := svc.IsBlocked(ctx, testSource)
	require.NoError(t, err)
	assert.True(t, blocked)

	// the live challenge is untouched by a failed attempt from elsewhere
	ok, err = svc.VerifyAndConsumeChallenge(ctx, "198.51.100.1", "sess-1", c.Value)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyAndConsumeChallenge_Expired(t *testing.T) {
	svc, _ := setupFortress(t, store.FraudPolicy{Threshold: 10, Window: time.Hour, BlockFor: time.Hour})
	ctx := context.Background()

	svc.now = func() time.Time { return time.Now().Add(-10 * time.Minute) }
	c, err := svc.IssueChallenge(ctx, "sess-1")
	require.NoError(t, err)

	ok, err := svc.VerifyAndConsumeChallenge(ctx, testSource, "sess-1", c.Value)
	assert.False(t, ok)
	assert.ErrorIs(t, err, core.ErrReplay)
}

func TestBurnNonce_ExactlyOneConcurrentWinner(t *testing.T) {
	svc, _ := setupFortress(t, store.FraudPolicy{Threshold: 1000, Window: time.Hour, BlockFor: time.Hour})
	ctx := context.Background()

	const callers = 50
	var wins, replays int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := svc.BurnNonce(ctx, testSource, "handshake-1")
			switch {
			case ok && err == nil:
				atomic.AddInt32(&wins, 1)
			case !ok && errors.Is(err, core.ErrNonceBurned):
				atomic.AddInt32(&replays, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(callers-1), replays)
}

func TestBurnNonce_Empty(t *testing.T) {
	svc, _ := setupFortress(t, store.DefaultFraudPolicy())
	_, err := svc.BurnNonce(context.Background(), testSource, " ")
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestSyncPresence(t *testing.T) {
	const address = "0x52908400098527886E0F7030069857D2E4169EE7"

	t.Run("accepts a fresh proof and attests the address", func(t *testing.T) {
		svc, _ := setupFortress(t, store.DefaultFraudPolicy())
		ctx := context.Background()

		c, err := svc.IssueChallenge(ctx, "sess-1")
		require.NoError(t, err)

		err = svc.SyncPresence(ctx, core.PresenceProof{
			Source:         testSource,
			SessionID:      "sess-1",
			HandshakeID:    "hs-1",
			ClientDataJSON: clientData(t, c.Value),
			Address:        address,
		})
		require.NoError(t, err)

		attested, err := svc.IsAttested(ctx, strings.ToLower(address))
		require.NoError(t, err)
		assert.True(t, attested)
	})

	t.Run("replayed proof is rejected and blocks the source", func(t *testing.T) {
		svc, _ := setupFortress(t, store.DefaultFraudPolicy())
		ctx := context.Background()

		c, err := svc.IssueChallenge(ctx, "sess-1")
		require.NoError(t, err)
		proof := core.PresenceProof{Source: testSource, SessionID: "sess-1", HandshakeID: "hs-1", ClientDataJSON: clientData(t, c.Value)}
		require.NoError(t, svc.SyncPresence(ctx, proof))

		err = svc.SyncPresence(ctx, proof)
		assert.ErrorIs(t, err, core.ErrReplay)

		err = svc.SyncPresence(ctx, proof)
		assert.ErrorIs(t, err, core.ErrSourceBlocked)
	})

	t.Run("burned handshake id is rejected even with a fresh challenge", func(t *testing.T) {
		svc, _ := setupFortress(t, store.FraudPolicy{Threshold: 10, Window: time.Hour, BlockFor: time.Hour})
		ctx := context.Background()

		c, err := svc.IssueChallenge(ctx, "sess-1")
		require.NoError(t, err)
		require.NoError(t, svc.SyncPresence(ctx, core.PresenceProof{Source: testSource, SessionID: "sess-1", HandshakeID: "hs-1", ClientDataJSON: clientData(t, c.Value)}))

		c, err = svc.IssueChallenge(ctx, "sess-1")
		require.NoError(t, err)
		err = svc.SyncPresence(ctx, core.PresenceProof{Source: testSource, SessionID: "sess-1", HandshakeID: "hs-1", ClientDataJSON: clientData(t, c.Value)})
		assert.ErrorIs(t, err, core.ErrNonceBurned)
	})

	t.Run("validation failures are not fraud", func(t *testing.T) {
		svc, _ := setupFortress(t, store.DefaultFraudPolicy())
		ctx := context.Background()

		err := svc.SyncPresence(ctx, core.PresenceProof{Source: testSource, SessionID: "sess-1"})
		assert.ErrorIs(t, err, core.ErrMalformedProof)

		err = svc.SyncPresence(ctx, core.PresenceProof{Source: testSource, SessionID: "sess-1", HandshakeID: "hs", Address: "0x123"})
		assert.ErrorIs(t, err, core.ErrInvalidAddress)

		blocked, err := svc.IsBlocked(ctx, testSource)
		require.NoError(t, err)
		assert.False(t, blocked)
	})

	t.Run("missing session and bad client data are fraud", func(t *testing.T) {
		svc, _ := setupFortress(t, store.FraudPolicy{Threshold: 2, Window: time.Hour, BlockFor: time.Hour})
		ctx := context.Background()

		err := svc.SyncPresence(ctx, core.PresenceProof{Source: testSource, HandshakeID: "hs-1", ClientDataJSON: "e30"})
		assert.ErrorIs(t, err, core.ErrSessionMissing)

		err = svc.SyncPresence(ctx, core.PresenceProof{Source: testSource, SessionID: "sess-1", HandshakeID: "hs-1", ClientDataJSON: "%%%"})
		assert.ErrorIs(t, err, core.ErrClientDataInvalid)

		blocked, err := svc.IsBlocked(ctx, testSource)
		require.NoError(t, err)
		assert.True(t, blocked)
	})
}

func TestIsAttested_InvalidAddress(t *testing.T) {
	svc, _ := setupFortress(t, store.DefaultFraudPolicy())
	_, err := svc.IsAttested(context.Background(), "not-an-address")
	assert.ErrorIs(t, err, core.ErrInvalidAddress)
}

func TestChallengeFromClientData(t *testing.T) {
	got, err := challengeFromClientData(clientData(t, "abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", got)

	// padded standard alphabet is tolerated
	raw := `{"type":"webauthn.get","challenge":"xyz"}`
	got, err = challengeFromClientData(base64.StdEncoding.EncodeToString([]byte(raw)))
	require.NoError(t, err)
	assert.Equal(t, "xyz", got)

	_, err = challengeFromClientData(base64.RawURLEncoding.EncodeToString([]byte(`{"type":"webauthn.get"}`)))
	assert.Error(t, err)
}
