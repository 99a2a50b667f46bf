package flowstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/moneta-dev/sitelink/domain"
	serrors "github.com/moneta-dev/sitelink/errors"
)

// terminalRetention keeps terminal session records around after their
// logical expiry so the sweep and late readers can still observe them.
const terminalRetention = 24 * time.Hour

// createScript writes a new session and the active pointer, finishing
// the predecessor in place when the caller resolved one. The caller
// reads the active pointer first and passes every touched key through
// KEYS; the pointer guard makes the read-decide-write round a
// compare-and-swap, returning 'conflict' when another instance moved
// the pointer in between.
var createScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1]) or ''
if cur ~= ARGV[1] then return 'conflict' end
if ARGV[5] ~= '' and redis.call('EXISTS', KEYS[3]) == 1 then
  redis.call('SET', KEYS[3], ARGV[5], 'KEEPTTL')
end
redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[4])
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[4])
return 'ok'
`)

// updateScript is the compare-and-swap: the stored state and step index
// must still match the caller's expectation or nothing is written.
var updateScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 'notfound' end
local sess = cjson.decode(raw)
local st = sess['state']
if st == 'CONNECTED' or st == 'FAILED' or st == 'EXPIRED' then return 'notfound' end
if st ~= ARGV[1] or tostring(sess['step_index']) ~= ARGV[2] then return 'stale' end
redis.call('SET', KEYS[1], ARGV[3], 'KEEPTTL')
if ARGV[4] == '1' and redis.call('GET', KEYS[2]) == ARGV[5] then
  redis.call('DEL', KEYS[2])
end
return 'ok'
`)

var expireScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 'noop' end
local sess = cjson.decode(raw)
local st = sess['state']
if st == 'CONNECTED' or st == 'FAILED' or st == 'EXPIRED' then return 'noop' end
sess['state'] = 'EXPIRED'
sess['failure_reason'] = 'EXPIRED'
redis.call('SET', KEYS[1], cjson.encode(sess), 'KEEPTTL')
if redis.call('GET', KEYS[2]) == ARGV[1] then
  redis.call('DEL', KEYS[2])
end
return 'expired'
`)

// RedisStore implements domain.SessionStore on Redis for multi-instance
// deployments. Sessions are JSON values; all multi-key mutations go
// through Lua so concurrent instances observe a single winner.
type RedisStore struct {
	client *redis.Client
	prefix string
	clock  domain.Clock
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client *redis.Client, prefix string, clock domain.Clock) *RedisStore {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &RedisStore{client: client, prefix: prefix, clock: clock}
}

func (s *RedisStore) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, id)
}

func (s *RedisStore) activeKey(userSiteID string) string {
	return fmt.Sprintf("%s:active:%s", s.prefix, userSiteID)
}

// Create implements domain.SessionStore.Create. The predecessor check
// runs client-side; the script's active-pointer guard catches a
// concurrent create, in which case the round is replayed against the
// fresh pointer.
func (s *RedisStore) Create(ctx context.Context, session *domain.FlowSession, supersede bool) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	px := session.ExpiresAt.Sub(s.clock.Now()) + terminalRetention

	for attempt := 0; attempt < 3; attempt++ {
		prevID, err := s.client.Get(ctx, s.activeKey(session.UserSiteID)).Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("failed to read active session pointer from redis: %w", err)
		}

		prevKey := s.sessionKey(session.ID)
		prevPayload := ""
		if prevID != "" {
			prevKey = s.sessionKey(prevID)
			raw, err := s.client.Get(ctx, prevKey).Result()
			if err != nil && err != redis.Nil {
				return fmt.Errorf("failed to read previous session from redis: %w", err)
			}
			if err == nil {
				var prev domain.FlowSession
				if err := json.Unmarshal([]byte(raw), &prev); err != nil {
					return fmt.Errorf("failed to unmarshal previous session: %w", err)
				}
				if !prev.State.Terminal() {
					if s.clock.Now().Before(prev.ExpiresAt) && !supersede {
						return serrors.ErrDuplicateActiveSession
					}
					// Finish the superseded or past-TTL predecessor in place
					// so the sweep never projects it after its replacement.
					prev.State = domain.FlowStateExpired
					prev.FailureReason = domain.FailureReasonExpired
					finished, err := json.Marshal(&prev)
					if err != nil {
						return fmt.Errorf("failed to marshal previous session: %w", err)
					}
					prevPayload = string(finished)
				}
			}
		}

		res, err := createScript.Run(ctx, s.client,
			[]string{s.activeKey(session.UserSiteID), s.sessionKey(session.ID), prevKey},
			prevID, session.ID, string(payload), px.Milliseconds(), prevPayload,
		).Text()
		if err != nil {
			return fmt.Errorf("failed to create session in redis: %w", err)
		}
		if res == "ok" {
			return nil
		}
	}
	return fmt.Errorf("failed to create session in redis: active session pointer kept changing")
}

// Get implements domain.SessionStore.Get.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*domain.FlowSession, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, serrors.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session from redis: %w", err)
	}

	var session domain.FlowSession
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if session.State.Terminal() || !s.clock.Now().Before(session.ExpiresAt) {
		return nil, serrors.ErrSessionNotFound
	}
	return &session, nil
}

// Update implements domain.SessionStore.Update. Optimistic: the session
// is read, mutated locally, and written back only if the stored copy
// still matches the expectation.
func (s *RedisStore) Update(ctx context.Context, sessionID string, expect domain.Expect, mutate func(*domain.FlowSession)) (*domain.FlowSession, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State != expect.State || session.StepIndex != expect.StepIndex {
		return nil, serrors.ErrStaleState
	}

	mutate(session)
	payload, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}

	terminalFlag := "0"
	if session.State.Terminal() {
		terminalFlag = "1"
	}

	res, err := updateScript.Run(ctx, s.client,
		[]string{s.sessionKey(sessionID), s.activeKey(session.UserSiteID)},
		string(expect.State), expect.StepIndex, string(payload), terminalFlag, sessionID,
	).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to update session in redis: %w", err)
	}
	switch res {
	case "notfound":
		return nil, serrors.ErrSessionNotFound
	case "stale":
		return nil, serrors.ErrStaleState
	}
	return session, nil
}

// Expire implements domain.SessionStore.Expire. Idempotent.
func (s *RedisStore) Expire(ctx context.Context, sessionID string) (bool, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("failed to get session from redis: %w", err)
	}
	var session domain.FlowSession
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return false, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if session.State.Terminal() {
		return false, nil
	}

	res, err := expireScript.Run(ctx, s.client,
		[]string{s.sessionKey(sessionID), s.activeKey(session.UserSiteID)},
		sessionID,
	).Text()
	if err != nil {
		return false, fmt.Errorf("failed to expire session in redis: %w", err)
	}
	return res == "expired", nil
}

// ListExpired implements domain.SessionStore.ListExpired by scanning the
// session keyspace. Retention windows keep the scan bounded.
func (s *RedisStore) ListExpired(ctx context.Context, now time.Time) ([]*domain.FlowSession, error) {
	var expired []*domain.FlowSession
	iter := s.client.Scan(ctx, 0, s.sessionKey("*"), 200).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var session domain.FlowSession
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			continue
		}
		if !session.State.Terminal() && !now.Before(session.ExpiresAt) {
			out := session
			expired = append(expired, &out)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan sessions in redis: %w", err)
	}
	return expired, nil
}
