package domain

import (
	"context"
	"time"
)

// UserSiteRepository is the restricted persistence surface for UserSite
// records. Deliberately narrow: no listing, no bulk deletes. Linkage
// records are sensitive and only ever touched one at a time.
type UserSiteRepository interface {
	CreateUserSite(ctx context.Context, site *UserSite) error
	LoadUserSite(ctx context.Context, id string) (*UserSite, error)
	SaveUserSite(ctx context.Context, site *UserSite) error
}

// SessionStore holds in-flight linking attempts. Implementations must
// make Create's duplicate-active check atomic per UserSite and Update a
// per-session compare-and-swap.
type SessionStore interface {
	// Create inserts the session, failing with ErrDuplicateActiveSession
	// if an active session already exists for the same UserSite. With
	// supersede set, the prior active session is expired first.
	Create(ctx context.Context, session *FlowSession, supersede bool) error
	// Get returns the session, or ErrSessionNotFound when it is unknown,
	// expired, or already terminal.
	Get(ctx context.Context, sessionID string) (*FlowSession, error)
	// Update applies mutate atomically iff the stored session matches the
	// expectation, returning the mutated session. A mismatch yields
	// ErrStaleState.
	Update(ctx context.Context, sessionID string, expect Expect, mutate func(*FlowSession)) (*FlowSession, error)
	// Expire marks a non-terminal session EXPIRED, reporting whether this
	// call performed the transition. Idempotent: expiring a session that
	// is already terminal is a no-op returning false.
	Expire(ctx context.Context, sessionID string) (bool, error)
	// ListExpired returns non-terminal sessions whose expiry lies at or
	// before now.
	ListExpired(ctx context.Context, now time.Time) ([]*FlowSession, error)
}

// TokenCorrelator matches inbound callbacks back to their originating
// session. Consume is exactly-once: replayed or forged tokens fail with
// ErrTokenInvalid.
type TokenCorrelator interface {
	Issue(ctx context.Context, sessionID string) (*CallbackToken, error)
	Consume(ctx context.Context, tokenValue string) (string, error)
}
