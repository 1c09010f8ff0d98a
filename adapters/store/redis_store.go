package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/layer-3/fortress/core"
	"github.com/redis/go-redis/v9"
)

// consumeScript deletes the challenge only when it equals the submitted value.
var consumeScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false then
	return 0
end
if v == ARGV[1] then
	redis.call("DEL", KEYS[1])
	return 1
end
return 0
`)

// fraudScript counts an alert inside a window and sets the block key at the threshold.
var fraudScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
if n >= tonumber(ARGV[2]) then
	redis.call("SET", KEYS[2], ARGV[4], "PX", ARGV[3])
end
return redis.call("EXISTS", KEYS[2])
`)

// RedisStore is a Redis implementation of the challenge, nonce, source guard
// and attestation stores. It is safe to share between service instances.
type RedisStore struct {
	client *redis.Client
	prefix string
	policy FraudPolicy
}

// NewRedisStore creates a new Redis store
func NewRedisStore(client *redis.Client, policy FraudPolicy) *RedisStore {
	if policy.Threshold <= 0 {
		policy.Threshold = 1
	}
	return &RedisStore{
		client: client,
		prefix: "fortress:",
		policy: policy,
	}
}

func (s *RedisStore) key(parts ...string) string {
	return s.prefix + strings.Join(parts, ":")
}

// PutChallenge stores the challenge value with the given expiration
func (s *RedisStore) PutChallenge(ctx context.Context, c core.Challenge, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key("challenge", c.SessionID), c.Value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store challenge: %w", core.Transient(err))
	}
	return nil
}

// ConsumeChallenge atomically compares and deletes the session's challenge
func (s *RedisStore) ConsumeChallenge(ctx context.Context, sessionID, value string) (bool, error) {
	n, err := consumeScript.Run(ctx, s.client, []string{s.key("challenge", sessionID)}, value).Int()
	if err != nil {
		return false, fmt.Errorf("failed to consume challenge: %w", core.Transient(err))
	}
	return n == 1, nil
}

// BurnNonce sets the nonce key only if it does not exist yet
func (s *RedisStore) BurnNonce(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key("nonce", id), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to burn nonce: %w", core.Transient(err))
	}
	return ok, nil
}

// IsBlocked checks for the source's block key
func (s *RedisStore) IsBlocked(ctx context.Context, source string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key("blocked", source)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check source: %w", core.Transient(err))
	}
	return n > 0, nil
}

// RecordFraud counts an alert and blocks the source at the policy threshold
func (s *RedisStore) RecordFraud(ctx context.Context, source, reason string) (bool, error) {
	keys := []string{s.key("alerts", source), s.key("blocked", source)}
	n, err := fraudScript.Run(ctx, s.client, keys,
		s.policy.Window.Milliseconds(),
		s.policy.Threshold,
		s.policy.BlockFor.Milliseconds(),
		reason,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to record fraud alert: %w", core.Transient(err))
	}
	return n == 1, nil
}

// MarkAttested stores the lowercased address
func (s *RedisStore) MarkAttested(ctx context.Context, address string) error {
	if err := s.client.SAdd(ctx, s.key("attested"), strings.ToLower(address)).Err(); err != nil {
		return fmt.Errorf("failed to mark attested: %w", core.Transient(err))
	}
	return nil
}

// IsAttested checks the attested set
func (s *RedisStore) IsAttested(ctx context.Context, address string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.key("attested"), strings.ToLower(address)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("failed to check attestation: %w", core.Transient(err))
	}
	return ok, nil
}

// Client returns the Redis client
// This is used by main to share the connection with the Watermill publisher
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
