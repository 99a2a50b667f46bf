package correlate

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/moneta-dev/sitelink/domain"
	serrors "github.com/moneta-dev/sitelink/errors"
)

// MemoryCorrelator keeps unconsumed tokens in a ttlcache keyed by token
// hash; expired tokens drop out on their own. The mutex makes the
// lookup-and-delete in Consume atomic so a replayed callback cannot win
// a second time.
type MemoryCorrelator struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, domain.CallbackToken]
	ttl   time.Duration
	clock domain.Clock
}

// NewMemoryCorrelator creates an in-memory correlator with the given
// token TTL.
func NewMemoryCorrelator(ttl time.Duration, clock domain.Clock) *MemoryCorrelator {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, domain.CallbackToken](ttl),
		ttlcache.WithDisableTouchOnHit[string, domain.CallbackToken](),
	)
	go cache.Start()

	return &MemoryCorrelator{cache: cache, ttl: ttl, clock: clock}
}

// Issue implements domain.TokenCorrelator.Issue.
func (c *MemoryCorrelator) Issue(_ context.Context, sessionID string) (*domain.CallbackToken, error) {
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

	c.mu.Lock()
	c.cache.Set(hashToken(value), token, c.ttl)
	c.mu.Unlock()

	return &token, nil
}

// Consume implements domain.TokenCorrelator.Consume.
func (c *MemoryCorrelator) Consume(_ context.Context, tokenValue string) (string, error) {
	key := hashToken(tokenValue)

	c.mu.Lock()
	defer c.mu.Unlock()

	item := c.cache.Get(key)
	if item == nil {
		return "", serrors.ErrTokenInvalid
	}
	token := item.Value()
	c.cache.Delete(key)

	if !c.clock.Now().Before(token.ExpiresAt) {
		return "", serrors.ErrTokenInvalid
	}
	return token.SessionID, nil
}

// Stop halts the cache's background expiry loop.
func (c *MemoryCorrelator) Stop() {
	c.cache.Stop()
}
