// Package sitelink implements the flow engine that links a user's
// external bank account (UserSite) to the aggregation backend. The
// engine drives a FlowSession from INITIATED to a terminal state across
// both provider families: credential-form scraping providers and
// redirect-based direct connections.
package sitelink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/moneta-dev/sitelink/domain"
	serrors "github.com/moneta-dev/sitelink/errors"
	"github.com/moneta-dev/sitelink/flowstore"
	"github.com/moneta-dev/sitelink/providers"
)

// NextStepKind is the externally visible action after an advance.
type NextStepKind string

const (
	NextStepRedirect  NextStepKind = "REDIRECT"
	NextStepForm      NextStepKind = "FORM"
	NextStepConnected NextStepKind = "CONNECTED"
	NextStepFailed    NextStepKind = "FAILED"
)

// NextStep tells the caller what to do next: send the user to a consent
// page, collect a form, or surface the terminal outcome.
type NextStep struct {
	Kind          NextStepKind         `json:"kind"`
	RedirectURL   string               `json:"redirect_url,omitempty"`
	FormFields    []string             `json:"form_fields,omitempty"`
	FailureReason domain.FailureReason `json:"failure_reason,omitempty"`
}

// StartResult is returned by Start.
type StartResult struct {
	SessionID string   `json:"session_id"`
	Next      NextStep `json:"next_step"`
}

// Projector receives terminal flow outcomes.
type Projector interface {
	OnConnected(ctx context.Context, userSiteRef string) error
	OnFailed(ctx context.Context, userSiteRef string, reason domain.FailureReason) error
}

// Archiver receives terminal sessions for short-retention audit storage.
type Archiver interface {
	Archive(ctx context.Context, session *domain.FlowSession) error
}

// FlowServiceConfig wires the flow engine's collaborators.
type FlowServiceConfig struct {
	Registry   *ProviderRegistry
	Sessions   domain.SessionStore
	Correlator domain.TokenCorrelator
	Adapters   map[domain.ProviderType]providers.Adapter
	Projector  Projector
	// Archiver is optional; terminal sessions are handed to it when set.
	Archiver Archiver
	Clock    domain.Clock
	// CallbackURL is this service's own callback endpoint, handed to
	// direct-connection providers inside the consent URL.
	CallbackURL string
	RedirectTTL time.Duration
	FormTTL     time.Duration
}

// FlowService is the orchestration state machine. All session mutations
// go through the session store's compare-and-swap, so concurrent
// advances, duplicate callbacks, and the expiry sweep each resolve to a
// single winner per session.
type FlowService struct {
	registry    *ProviderRegistry
	sessions    domain.SessionStore
	correlator  domain.TokenCorrelator
	adapters    map[domain.ProviderType]providers.Adapter
	projector   Projector
	archiver    Archiver
	clock       domain.Clock
	callbackURL string
	redirectTTL time.Duration
	formTTL     time.Duration
}

// NewFlowService creates the flow engine.
func NewFlowService(cfg FlowServiceConfig) *FlowService {
	if cfg.Clock == nil {
		cfg.Clock = domain.SystemClock{}
	}
	if cfg.RedirectTTL <= 0 {
		cfg.RedirectTTL = flowstore.DefaultRedirectTTL
	}
	if cfg.FormTTL <= 0 {
		cfg.FormTTL = flowstore.DefaultFormTTL
	}
	return &FlowService{
		registry:    cfg.Registry,
		sessions:    cfg.Sessions,
		correlator:  cfg.Correlator,
		adapters:    cfg.Adapters,
		projector:   cfg.Projector,
		archiver:    cfg.Archiver,
		clock:       cfg.Clock,
		callbackURL: cfg.CallbackURL,
		redirectTTL: cfg.RedirectTTL,
		formTTL:     cfg.FormTTL,
	}
}

// Start begins a linking attempt for the given UserSite and provider.
// With supersede set, an existing active session for the UserSite is
// expired and replaced instead of failing with
// ErrDuplicateActiveSession.
func (s *FlowService) Start(ctx context.Context, userSiteRef, providerID string, supersede bool) (*StartResult, error) {
	descriptor, err := s.registry.Describe(providerID)
	if err != nil {
		return nil, err
	}
	steps := descriptor.Steps()
	first := steps[0]

	ttl := s.formTTL
	if first.Kind == domain.StepKindRedirect {
		ttl = s.redirectTTL
	}

	now := s.clock.Now()
	session := &domain.FlowSession{
		ID:           uuid.NewString(),
		UserSiteID:   userSiteRef,
		ProviderID:   providerID,
		ProviderType: descriptor.Type(),
		State:        domain.FlowStateInitiated,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
	if err := s.sessions.Create(ctx, session, supersede); err != nil {
		return nil, err
	}

	var next NextStep
	switch first.Kind {
	case domain.StepKindRedirect:
		next, err = s.enterRedirect(ctx, session.ID, descriptor, domain.Expect{State: domain.FlowStateInitiated}, 0)
	case domain.StepKindForm:
		_, err = s.sessions.Update(ctx, session.ID, domain.Expect{State: domain.FlowStateInitiated}, func(sess *domain.FlowSession) {
			sess.State = domain.FlowStateStepPending
		})
		next = NextStep{Kind: NextStepForm, FormFields: first.FormFields}
	default:
		err = fmt.Errorf("provider %q starts with unsupported step kind %s", providerID, first.Kind)
	}
	if err != nil {
		// Release the UserSite so the caller can start over.
		if _, expireErr := s.sessions.Expire(ctx, session.ID); expireErr != nil {
			log.Error().Err(expireErr).Str("session_id", session.ID).Msg("failed to release session after start failure")
		}
		return nil, err
	}

	log.Info().
		Str("session_id", session.ID).
		Str("user_site_id", userSiteRef).
		Str("provider_id", providerID).
		Str("next", string(next.Kind)).
		Msg("linking flow started")
	return &StartResult{SessionID: session.ID, Next: next}, nil
}

// SubmitStep advances a session sitting in STEP_PENDING with the form
// data for its current step. The session is first claimed by a
// compare-and-swap into STEP_SUBMITTED, so of two concurrent submissions
// exactly one proceeds and the other observes ErrStaleState.
func (s *FlowService) SubmitStep(ctx context.Context, sessionID string, stepData map[string]string) (*NextStep, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State != domain.FlowStateStepPending {
		return nil, serrors.ErrInvalidState
	}

	descriptor, err := s.registry.Describe(session.ProviderID)
	if err != nil {
		return nil, err
	}
	steps := descriptor.Steps()
	if session.StepIndex >= len(steps) {
		return nil, serrors.ErrInvalidState
	}
	step := steps[session.StepIndex]
	adapter, ok := s.adapters[descriptor.Type()]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider type %s", descriptor.Type())
	}

	claim := domain.Expect{State: domain.FlowStateStepPending, StepIndex: session.StepIndex}
	if _, err := s.sessions.Update(ctx, sessionID, claim, func(sess *domain.FlowSession) {
		sess.State = domain.FlowStateStepSubmitted
	}); err != nil {
		return nil, err
	}
	claimed := domain.Expect{State: domain.FlowStateStepSubmitted, StepIndex: session.StepIndex}

	if err := adapter.ValidateStep(ctx, descriptor, step, stepData); err != nil {
		switch {
		case errors.Is(err, providers.ErrStepRejected):
			return s.finishFailed(ctx, session, claimed, domain.FailureReasonStepRejected)
		case errors.Is(err, serrors.ErrProviderUnavailable):
			// Transient: hand the step back so the caller can retry.
			if _, rollbackErr := s.sessions.Update(ctx, sessionID, claimed, func(sess *domain.FlowSession) {
				sess.State = domain.FlowStateStepPending
			}); rollbackErr != nil {
				log.Error().Err(rollbackErr).Str("session_id", sessionID).Msg("failed to release claimed step")
			}
			return nil, serrors.ErrProviderUnavailable
		default:
			return nil, err
		}
	}

	return s.advance(ctx, session, descriptor, claimed, session.StepIndex+1)
}

// HandleCallback resolves an inbound callback from a redirect-based
// provider. The token is consumed first, so replays fail regardless of
// how the rest of the call goes.
func (s *FlowService) HandleCallback(ctx context.Context, tokenValue string, payload map[string]string) (*NextStep, error) {
	sessionID, err := s.correlator.Consume(ctx, tokenValue)
	if err != nil {
		return nil, err
	}

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		// The sweep (or a superseding start) won the race; the token is
		// burned either way.
		return nil, serrors.ErrTokenInvalid
	}
	if session.State != domain.FlowStateAwaitingCallback {
		return nil, serrors.ErrInvalidState
	}
	if session.PendingTokenHash != HashToken(tokenValue) {
		return nil, serrors.ErrTokenInvalid
	}

	descriptor, err := s.registry.Describe(session.ProviderID)
	if err != nil {
		return nil, err
	}
	adapter, ok := s.adapters[descriptor.Type()]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider type %s", descriptor.Type())
	}

	expect := domain.Expect{State: domain.FlowStateAwaitingCallback, StepIndex: session.StepIndex}
	result, err := adapter.InspectCallback(ctx, descriptor, payload)
	if err != nil {
		next, failErr := s.finishFailed(ctx, session, expect, domain.FailureReasonStepRejected)
		if failErr != nil {
			return nil, mapCallbackRace(failErr)
		}
		return next, nil
	}
	if !result.Approved {
		next, failErr := s.finishFailed(ctx, session, expect, domain.FailureReasonUserDenied)
		if failErr != nil {
			return nil, mapCallbackRace(failErr)
		}
		return next, nil
	}

	// The REDIRECT/CALLBACK pair is complete; skip past both.
	next, err := s.advance(ctx, session, descriptor, expect, session.StepIndex+2)
	if err != nil {
		return nil, mapCallbackRace(err)
	}
	return next, nil
}

// Sweep expires every session past its TTL and projects the failure to
// the UserSite. Safe to run concurrently with in-flight advances: the
// store's compare-and-swap lets at most one side win per session.
func (s *FlowService) Sweep(ctx context.Context) (int, error) {
	expired, err := s.sessions.ListExpired(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}

	count := 0
	for _, session := range expired {
		won, err := s.sessions.Expire(ctx, session.ID)
		if err != nil {
			log.Error().Err(err).Str("session_id", session.ID).Msg("failed to expire session")
			continue
		}
		if !won {
			continue
		}
		count++
		log.Info().
			Str("session_id", session.ID).
			Str("user_site_id", session.UserSiteID).
			Msg("linking session expired")
		archived := *session
		archived.State = domain.FlowStateExpired
		archived.FailureReason = domain.FailureReasonExpired
		s.archive(ctx, &archived)
		if err := s.projector.OnFailed(ctx, session.UserSiteID, domain.FailureReasonExpired); err != nil {
			log.Error().Err(err).Str("user_site_id", session.UserSiteID).Msg("failed to project expiry")
		}
	}
	return count, nil
}

// advance moves a claimed session to the step at nextIndex, or to
// CONNECTED when the step list is exhausted.
func (s *FlowService) advance(ctx context.Context, session *domain.FlowSession, descriptor domain.ProviderDescriptor, expect domain.Expect, nextIndex int) (*NextStep, error) {
	steps := descriptor.Steps()

	if nextIndex >= len(steps) {
		updated, err := s.sessions.Update(ctx, session.ID, expect, func(sess *domain.FlowSession) {
			sess.State = domain.FlowStateConnected
			sess.StepIndex = nextIndex
			sess.PendingTokenHash = ""
		})
		if err != nil {
			return nil, err
		}
		s.archive(ctx, updated)
		if err := s.projector.OnConnected(ctx, session.UserSiteID); err != nil {
			log.Error().Err(err).Str("user_site_id", session.UserSiteID).Msg("failed to project connection")
		}
		log.Info().
			Str("session_id", session.ID).
			Str("user_site_id", session.UserSiteID).
			Msg("linking flow connected")
		return &NextStep{Kind: NextStepConnected}, nil
	}

	next := steps[nextIndex]
	switch next.Kind {
	case domain.StepKindRedirect:
		return s.redirectAt(ctx, session.ID, descriptor, expect, nextIndex)
	case domain.StepKindForm:
		if _, err := s.sessions.Update(ctx, session.ID, expect, func(sess *domain.FlowSession) {
			sess.State = domain.FlowStateStepPending
			sess.StepIndex = nextIndex
			sess.PendingTokenHash = ""
		}); err != nil {
			return nil, err
		}
		out := NextStep{Kind: NextStepForm, FormFields: next.FormFields}
		return &out, nil
	default:
		return nil, fmt.Errorf("session %s: unexpected step kind %s at index %d", session.ID, next.Kind, nextIndex)
	}
}

func (s *FlowService) enterRedirect(ctx context.Context, sessionID string, descriptor domain.ProviderDescriptor, expect domain.Expect, stepIndex int) (NextStep, error) {
	next, err := s.redirectAt(ctx, sessionID, descriptor, expect, stepIndex)
	if err != nil {
		return NextStep{}, err
	}
	return *next, nil
}

// redirectAt issues a fresh callback token and parks the session in
// AWAITING_CALLBACK at the given redirect step.
func (s *FlowService) redirectAt(ctx context.Context, sessionID string, descriptor domain.ProviderDescriptor, expect domain.Expect, stepIndex int) (*NextStep, error) {
	direct, ok := descriptor.(domain.DirectConnectionConfig)
	if !ok {
		return nil, fmt.Errorf("provider %q has a REDIRECT step but no consent URL", descriptor.ProviderID())
	}

	token, err := s.correlator.Issue(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	redirectURL, err := providers.BuildConsentURL(direct.ConsentURL, token.Value, s.callbackURL)
	if err != nil {
		return nil, err
	}

	if _, err := s.sessions.Update(ctx, sessionID, expect, func(sess *domain.FlowSession) {
		sess.State = domain.FlowStateAwaitingCallback
		sess.StepIndex = stepIndex
		sess.PendingTokenHash = HashToken(token.Value)
	}); err != nil {
		return nil, err
	}

	out := NextStep{Kind: NextStepRedirect, RedirectURL: redirectURL}
	return &out, nil
}

// finishFailed moves a claimed session to FAILED with the given reason
// and projects the outcome.
func (s *FlowService) finishFailed(ctx context.Context, session *domain.FlowSession, expect domain.Expect, reason domain.FailureReason) (*NextStep, error) {
	updated, err := s.sessions.Update(ctx, session.ID, expect, func(sess *domain.FlowSession) {
		sess.State = domain.FlowStateFailed
		sess.FailureReason = reason
		sess.PendingTokenHash = ""
	})
	if err != nil {
		return nil, err
	}
	s.archive(ctx, updated)
	if err := s.projector.OnFailed(ctx, session.UserSiteID, reason); err != nil {
		log.Error().Err(err).Str("user_site_id", session.UserSiteID).Msg("failed to project failure")
	}
	log.Info().
		Str("session_id", session.ID).
		Str("user_site_id", session.UserSiteID).
		Str("reason", string(reason)).
		Msg("linking flow failed")
	return &NextStep{Kind: NextStepFailed, FailureReason: reason}, nil
}

func (s *FlowService) archive(ctx context.Context, session *domain.FlowSession) {
	if s.archiver == nil || session == nil {
		return
	}
	if err := s.archiver.Archive(ctx, session); err != nil {
		log.Error().Err(err).Str("session_id", session.ID).Msg("failed to archive session")
	}
}

// mapCallbackRace folds store conflicts during callback handling into
// ErrTokenInvalid: from the caller's side the token simply no longer
// buys an advance.
func mapCallbackRace(err error) error {
	if errors.Is(err, serrors.ErrStaleState) || errors.Is(err, serrors.ErrSessionNotFound) {
		return serrors.ErrTokenInvalid
	}
	return err
}
