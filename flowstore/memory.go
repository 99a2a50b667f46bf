package flowstore

import (
	"context"
	"sync"
	"time"

	"github.com/moneta-dev/sitelink/domain"
	serrors "github.com/moneta-dev/sitelink/errors"
)

// MemoryStore keeps sessions in a mutex-guarded map. The single lock
// makes Create's duplicate-active check and Update's compare-and-swap
// trivially atomic; contention is per-process and short-lived.
type MemoryStore struct {
	mu       sync.Mutex
	clock    domain.Clock
	sessions map[string]domain.FlowSession
	// active indexes the one in-flight session per UserSite.
	active map[string]string
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore(clock domain.Clock) *MemoryStore {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &MemoryStore{
		clock:    clock,
		sessions: make(map[string]domain.FlowSession),
		active:   make(map[string]string),
	}
}

// Create implements domain.SessionStore.Create.
func (s *MemoryStore) Create(_ context.Context, session *domain.FlowSession, supersede bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prevID, ok := s.active[session.UserSiteID]; ok {
		prev, exists := s.sessions[prevID]
		if exists && !prev.State.Terminal() {
			if s.clock.Now().Before(prev.ExpiresAt) && !supersede {
				return serrors.ErrDuplicateActiveSession
			}
			// Superseded and past-TTL predecessors are finished in place so
			// a later sweep cannot project their expiry after the
			// replacement flow's own terminal outcome.
			prev.State = domain.FlowStateExpired
			prev.FailureReason = domain.FailureReasonExpired
			s.sessions[prevID] = prev
		}
		delete(s.active, session.UserSiteID)
	}

	s.sessions[session.ID] = *session
	s.active[session.UserSiteID] = session.ID
	return nil
}

// Get implements domain.SessionStore.Get. Expired and terminal sessions
// are reported as not found so removed sessions leak no state.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*domain.FlowSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok || session.State.Terminal() || !s.clock.Now().Before(session.ExpiresAt) {
		return nil, serrors.ErrSessionNotFound
	}
	out := session
	return &out, nil
}

// Update implements domain.SessionStore.Update.
func (s *MemoryStore) Update(_ context.Context, sessionID string, expect domain.Expect, mutate func(*domain.FlowSession)) (*domain.FlowSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok || session.State.Terminal() || !s.clock.Now().Before(session.ExpiresAt) {
		return nil, serrors.ErrSessionNotFound
	}
	if session.State != expect.State || session.StepIndex != expect.StepIndex {
		return nil, serrors.ErrStaleState
	}

	mutate(&session)
	s.sessions[sessionID] = session
	if session.State.Terminal() {
		if s.active[session.UserSiteID] == sessionID {
			delete(s.active, session.UserSiteID)
		}
	}
	out := session
	return &out, nil
}

// Expire implements domain.SessionStore.Expire. Idempotent.
func (s *MemoryStore) Expire(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok || session.State.Terminal() {
		return false, nil
	}
	session.State = domain.FlowStateExpired
	session.FailureReason = domain.FailureReasonExpired
	s.sessions[sessionID] = session
	if s.active[session.UserSiteID] == sessionID {
		delete(s.active, session.UserSiteID)
	}
	return true, nil
}

// ListExpired implements domain.SessionStore.ListExpired.
func (s *MemoryStore) ListExpired(_ context.Context, now time.Time) ([]*domain.FlowSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*domain.FlowSession
	for _, session := range s.sessions {
		if !session.State.Terminal() && !now.Before(session.ExpiresAt) {
			out := session
			expired = append(expired, &out)
		}
	}
	return expired, nil
}

// CleanupTerminal drops terminal sessions older than the retention
// window. Called by the sweep so the map does not grow without bound.
func (s *MemoryStore) CleanupTerminal(retention time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().Add(-retention)
	for id, session := range s.sessions {
		if session.State.Terminal() && session.ExpiresAt.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}
