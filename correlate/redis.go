package correlate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/moneta-dev/sitelink/domain"
	serrors "github.com/moneta-dev/sitelink/errors"
)

// RedisCorrelator stores unconsumed tokens in Redis keyed by token hash.
// GETDEL makes consumption a single atomic round-trip, so exactly-once
// holds across instances.
type RedisCorrelator struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	clock  domain.Clock
}

// NewRedisCorrelator creates a Redis-backed correlator.
func NewRedisCorrelator(client *redis.Client, prefix string, ttl time.Duration, clock domain.Clock) *RedisCorrelator {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &RedisCorrelator{client: client, prefix: prefix, ttl: ttl, clock: clock}
}

func (c *RedisCorrelator) redisKey(tokenValue string) string {
	return fmt.Sprintf("%s:cbtoken:%s", c.prefix, hashToken(tokenValue))
}

// Issue implements domain.TokenCorrelator.Issue.
func (c *RedisCorrelator) Issue(ctx context.Context, sessionID string) (*domain.CallbackToken, error) {
	value, err := generateTokenValue()
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	token := domain.CallbackToken{
		Value:     value,
		SessionID: sessionID,
		IssuedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}

	payload, err := json.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal callback token: %w", err)
	}
	if err := c.client.Set(ctx, c.redisKey(value), payload, c.ttl).Err(); err != nil {
		return nil, fmt.Errorf("failed to store callback token in redis: %w", err)
	}
	return &token, nil
}

// Consume implements domain.TokenCorrelator.Consume.
func (c *RedisCorrelator) Consume(ctx context.Context, tokenValue string) (string, error) {
	raw, err := c.client.GetDel(ctx, c.redisKey(tokenValue)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", serrors.ErrTokenInvalid
		}
		return "", fmt.Errorf("failed to consume callback token in redis: %w", err)
	}

	var token domain.CallbackToken
	if err := json.Unmarshal([]byte(raw), &token); err != nil {
		return "", serrors.ErrTokenInvalid
	}
	if !c.clock.Now().Before(token.ExpiresAt) {
		return "", serrors.ErrTokenInvalid
	}
	return token.SessionID, nil
}
