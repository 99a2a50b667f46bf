package sitelink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moneta-dev/sitelink/correlate"
	"github.com/moneta-dev/sitelink/domain"
	serrors "github.com/moneta-dev/sitelink/errors"
	"github.com/moneta-dev/sitelink/flowstore"
	"github.com/moneta-dev/sitelink/providers"
)

// --- Test Fixtures ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingProjector struct {
	mu        sync.Mutex
	connected []string
	failed    map[string]domain.FailureReason
}

func newRecordingProjector() *recordingProjector {
	return &recordingProjector{failed: make(map[string]domain.FailureReason)}
}

func (p *recordingProjector) OnConnected(_ context.Context, userSiteRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = append(p.connected, userSiteRef)
	return nil
}

func (p *recordingProjector) OnFailed(_ context.Context, userSiteRef string, reason domain.FailureReason) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed[userSiteRef] = reason
	return nil
}

func (p *recordingProjector) failureOf(userSiteRef string) domain.FailureReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed[userSiteRef]
}

func (p *recordingProjector) connectedCount(userSiteRef string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, ref := range p.connected {
		if ref == userSiteRef {
			count++
		}
	}
	return count
}

func testRegistry(t *testing.T) *ProviderRegistry {
	t.Helper()

	scraping, err := domain.NewScrapingConfig("scrapingBank", []domain.Step{
		{Kind: domain.StepKindForm, FormFields: []string{"username", "password"}},
	})
	require.NoError(t, err)

	mfaScraping, err := domain.NewScrapingConfig("mfaBank", []domain.Step{
		{Kind: domain.StepKindForm, FormFields: []string{"username", "password"}},
		{Kind: domain.StepKindForm, FormFields: []string{"otp"}},
	})
	require.NoError(t, err)

	direct, err := domain.NewDirectConnectionConfig("directBank", "https://consent.directbank.example/authorize", []domain.Step{
		{Kind: domain.StepKindRedirect},
		{Kind: domain.StepKindCallback},
	})
	require.NoError(t, err)

	directMFA, err := domain.NewDirectConnectionConfig("directMfaBank", "https://consent.directmfa.example/authorize", []domain.Step{
		{Kind: domain.StepKindRedirect},
		{Kind: domain.StepKindCallback},
		{Kind: domain.StepKindForm, FormFields: []string{"sca_code"}},
	})
	require.NoError(t, err)

	registry, err := NewProviderRegistry(scraping, mfaScraping, direct, directMFA)
	require.NoError(t, err)
	return registry
}

type flowFixture struct {
	service    *FlowService
	store      *flowstore.MemoryStore
	correlator *correlate.MemoryCorrelator
	projector  *recordingProjector
	clock      *fakeClock
}

func newFlowFixture(t *testing.T, submit providers.SubmitFunc) *flowFixture {
	t.Helper()

	clock := newFakeClock()
	store := flowstore.NewMemoryStore(clock)
	correlator := correlate.NewMemoryCorrelator(5*time.Minute, clock)
	t.Cleanup(correlator.Stop)
	proj := newRecordingProjector()

	service := NewFlowService(FlowServiceConfig{
		Registry:   testRegistry(t),
		Sessions:   store,
		Correlator: correlator,
		Adapters: map[domain.ProviderType]providers.Adapter{
			domain.ProviderTypeScraping:         providers.NewScrapingAdapter(submit),
			domain.ProviderTypeDirectConnection: providers.NewDirectConnectionAdapter(submit),
		},
		Projector:   proj,
		Clock:       clock,
		CallbackURL: "https://agg.example/flows/callback",
	})
	return &flowFixture{service: service, store: store, correlator: correlator, projector: proj, clock: clock}
}

func tokenFromRedirect(t *testing.T, redirectURL string) string {
	t.Helper()
	idx := strings.Index(redirectURL, "token=")
	require.GreaterOrEqual(t, idx, 0, "redirect URL should carry a token")
	token := redirectURL[idx+len("token="):]
	if amp := strings.Index(token, "&"); amp >= 0 {
		token = token[:amp]
	}
	return token
}

// --- Tests ---

func TestFlowService_Start(t *testing.T) {
	ctx := context.Background()

	t.Run("scraping provider returns form schema", func(t *testing.T) {
		fx := newFlowFixture(t, nil)

		result, err := fx.service.Start(ctx, "site-1", "scrapingBank", false)
		require.NoError(t, err)
		assert.NotEmpty(t, result.SessionID)
		assert.Equal(t, NextStepForm, result.Next.Kind)
		assert.Equal(t, []string{"username", "password"}, result.Next.FormFields)
	})

	t.Run("direct provider returns redirect with fresh token", func(t *testing.T) {
		fx := newFlowFixture(t, nil)

		result, err := fx.service.Start(ctx, "site-1", "directBank", false)
		require.NoError(t, err)
		assert.Equal(t, NextStepRedirect, result.Next.Kind)
		assert.Contains(t, result.Next.RedirectURL, "https://consent.directbank.example/authorize")
		assert.Contains(t, result.Next.RedirectURL, "token=")
		assert.Contains(t, result.Next.RedirectURL, "redirect_uri=")
	})

	t.Run("unknown provider", func(t *testing.T) {
		fx := newFlowFixture(t, nil)

		_, err := fx.service.Start(ctx, "site-1", "nope", false)
		assert.ErrorIs(t, err, serrors.ErrUnknownProvider)
	})

	t.Run("second start for same user site is rejected", func(t *testing.T) {
		fx := newFlowFixture(t, nil)

		_, err := fx.service.Start(ctx, "site-1", "scrapingBank", false)
		require.NoError(t, err)

		_, err = fx.service.Start(ctx, "site-1", "scrapingBank", false)
		assert.ErrorIs(t, err, serrors.ErrDuplicateActiveSession)
	})

	t.Run("supersede replaces the active session", func(t *testing.T) {
		fx := newFlowFixture(t, nil)

		first, err := fx.service.Start(ctx, "site-1", "scrapingBank", false)
		require.NoError(t, err)

		second, err := fx.service.Start(ctx, "site-1", "scrapingBank", true)
		require.NoError(t, err)
		assert.NotEqual(t, first.SessionID, second.SessionID)

		_, err = fx.store.Get(ctx, first.SessionID)
		assert.ErrorIs(t, err, serrors.ErrSessionNotFound)
	})

	t.Run("concurrent starts produce exactly one session", func(t *testing.T) {
		fx := newFlowFixture(t, nil)

		const attempts = 8
		var wg sync.WaitGroup
		results := make([]error, attempts)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, results[i] = fx.service.Start(ctx, "site-1", "scrapingBank", false)
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range results {
			if err == nil {
				succeeded++
			} else {
				assert.ErrorIs(t, err, serrors.ErrDuplicateActiveSession)
			}
		}
		assert.Equal(t, 1, succeeded)
	})
}

func TestFlowService_SubmitStep(t *testing.T) {
	ctx := context.Background()

	t.Run("single-step scraping flow connects", func(t *testing.T) {
		fx := newFlowFixture(t, nil)

		result, err := fx.service.Start(ctx, "site-1", "scrapingBank", false)
		require.NoError(t, err)

		next, err := fx.service.SubmitStep(ctx, result.SessionID, map[string]string{
			"username": "jane", "password": "hunter2",
		})
		require.NoError(t, err)
		assert.Equal(t, NextStepConnected, next.Kind)
		assert.Equal(t, 1, fx.projector.connectedCount("site-1"))
	})

	t.Run("multi-step scraping flow walks both forms", func(t *testing.T) {
		fx := newFlowFixture(t, nil)

		result, err := fx.service.Start(ctx, "site-1", "mfaBank", false)
		require.NoError(t, err)

		next, err := fx.service.SubmitStep(ctx, result.SessionID, map[string]string{
			"username": "jane", "password": "hunter2",
		})
		require.NoError(t, err)
		require.Equal(t, NextStepForm, next.Kind)
		assert.Equal(t, []string{"otp"}, next.FormFields)

		next, err = fx.service.SubmitStep(ctx, result.SessionID, map[string]string{"otp": "123456"})
		require.NoError(t, err)
		assert.Equal(t, NextStepConnected, next.Kind)
	})

	t.Run("missing form field fails the flow", func(t *testing.T) {
		fx := newFlowFixture(t, nil)

		result, err := fx.service.Start(ctx, "site-1", "scrapingBank", false)
		require.NoError(t, err)

		next, err := fx.service.SubmitStep(ctx, result.SessionID, map[string]string{"username": "jane"})
		require.NoError(t, err)
		assert.Equal(t, NextStepFailed, next.Kind)
		assert.Equal(t, domain.FailureReasonStepRejected, next.FailureReason)
		assert.Equal(t, domain.FailureReasonStepRejected, fx.projector.failureOf("site-1"))

		// No automatic retry of a rejected step.
		_, err = fx.service.SubmitStep(ctx, result.SessionID, map[string]string{
			"username": "jane", "password": "hunter2",
		})
		assert.ErrorIs(t, err, serrors.ErrSessionNotFound)
	})

	t.Run("transient provider failure leaves the step retryable", func(t *testing.T) {
		var calls int
		submit := func(_ context.Context, _ string, _ map[string]string) error {
			calls++
			if calls <= 4 {
				return fmt.Errorf("upstream timeout: %w", providers.ErrTransient)
			}
			return nil
		}
		fx := newFlowFixture(t, submit)

		result, err := fx.service.Start(ctx, "site-1", "scrapingBank", false)
		require.NoError(t, err)

		creds := map[string]string{"username": "jane", "password": "hunter2"}
		_, err = fx.service.SubmitStep(ctx, result.SessionID, creds)
		assert.ErrorIs(t, err, serrors.ErrProviderUnavailable)

		// The provider recovered; the same step can be submitted again.
		next, err := fx.service.SubmitStep(ctx, result.SessionID, creds)
		require.NoError(t, err)
		assert.Equal(t, NextStepConnected, next.Kind)
	})

	t.Run("submit on unknown session", func(t *testing.T) {
		fx := newFlowFixture(t, nil)

		_, err := fx.service.SubmitStep(ctx, "nope", map[string]string{"username": "x"})
		assert.ErrorIs(t, err, serrors.ErrSessionNotFound)
	})

	t.Run("submit while awaiting callback", func(t *testing.T) {
		fx := newFlowFixture(t, nil)

		result, err := fx.service.Start(ctx, "site-1", "directBank", false)
		require.NoError(t, err)

		_, err = fx.service.SubmitStep(ctx, result.SessionID, map[string]string{"x": "y"})
		assert.ErrorIs(t, err, serrors.ErrInvalidState)
	})
}

func TestFlowService_HandleCallback(t *testing.T) {
	ctx := context.Background()
	approved := map[string]string{providers.CallbackResultKey: providers.CallbackResultApproved}

	t.Run("approved callback connects", func(t *testing.T) {
		fx := newFlowFixture(t, nil)

		result, err := fx.service.Start(ctx, "site-1", "directBank", false)
		require.NoError(t, err)
		token := tokenFromRedirect(t, result.Next.RedirectURL)

		next, err := fx.service.HandleCallback(ctx, token, approved)
		require.NoError(t, err)
		assert.Equal(t, NextStepConnected, next.Kind)
		assert.Equal(t, 1, fx.projector.connectedCount("site-1"))
	})

	t.Run("denied callback fails with USER_DENIED", func(t *testing.T) {
		fx := newFlowFixture(t, nil)

		result, err := fx.service.Start(ctx, "site-1", "directBank", false)
		require.NoError(t, err)
		token := tokenFromRedirect(t, result.Next.RedirectURL)

		next, err := fx.service.HandleCallback(ctx, token, map[string]string{
			providers.CallbackResultKey: providers.CallbackResultDenied,
		})
		require.NoError(t, err)
		assert.Equal(t, NextStepFailed, next.Kind)
		assert.Equal(t, domain.FailureReasonUserDenied, next.FailureReason)
		assert.Equal(t, domain.FailureReasonUserDenied, fx.projector.failureOf("site-1"))
	})

	t.Run("token replay fails the second time", func(t *testing.T) {
		fx := newFlowFixture(t, nil)

		result, err := fx.service.Start(ctx, "site-1", "directBank", false)
		require.NoError(t, err)
		token := tokenFromRedirect(t, result.Next.RedirectURL)

		_, err = fx.service.HandleCallback(ctx, token, approved)
		require.NoError(t, err)

		_, err = fx.service.HandleCallback(ctx, token, approved)
		assert.ErrorIs(t, err, serrors.ErrTokenInvalid)
	})

	t.Run("forged token", func(t *testing.T) {
		fx := newFlowFixture(t, nil)

		_, err := fx.service.HandleCallback(ctx, "forged-token", approved)
		assert.ErrorIs(t, err, serrors.ErrTokenInvalid)
	})

	t.Run("malformed payload rejects the flow", func(t *testing.T) {
		fx := newFlowFixture(t, nil)

		result, err := fx.service.Start(ctx, "site-1", "directBank", false)
		require.NoError(t, err)
		token := tokenFromRedirect(t, result.Next.RedirectURL)

		next, err := fx.service.HandleCallback(ctx, token, map[string]string{"result": "maybe"})
		require.NoError(t, err)
		assert.Equal(t, NextStepFailed, next.Kind)
		assert.Equal(t, domain.FailureReasonStepRejected, next.FailureReason)
	})

	t.Run("callback followed by SCA form step", func(t *testing.T) {
		fx := newFlowFixture(t, nil)

		result, err := fx.service.Start(ctx, "site-1", "directMfaBank", false)
		require.NoError(t, err)
		token := tokenFromRedirect(t, result.Next.RedirectURL)

		next, err := fx.service.HandleCallback(ctx, token, approved)
		require.NoError(t, err)
		require.Equal(t, NextStepForm, next.Kind)
		assert.Equal(t, []string{"sca_code"}, next.FormFields)

		next, err = fx.service.SubmitStep(ctx, result.SessionID, map[string]string{"sca_code": "9876"})
		require.NoError(t, err)
		assert.Equal(t, NextStepConnected, next.Kind)
	})
}

func TestFlowService_Sweep(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh session survives a sweep", func(t *testing.T) {
		fx := newFlowFixture(t, nil)

		result, err := fx.service.Start(ctx, "site-1", "scrapingBank", false)
		require.NoError(t, err)

		count, err := fx.service.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)

		_, err = fx.store.Get(ctx, result.SessionID)
		assert.NoError(t, err)
	})

	t.Run("expired session is swept and projected", func(t *testing.T) {
		fx := newFlowFixture(t, nil)

		result, err := fx.service.Start(ctx, "site-1", "scrapingBank", false)
		require.NoError(t, err)

		fx.clock.Advance(31 * time.Minute)

		count, err := fx.service.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		assert.Equal(t, domain.FailureReasonExpired, fx.projector.failureOf("site-1"))

		_, err = fx.service.SubmitStep(ctx, result.SessionID, map[string]string{
			"username": "jane", "password": "hunter2",
		})
		assert.ErrorIs(t, err, serrors.ErrSessionNotFound)
	})

	t.Run("sweep is idempotent", func(t *testing.T) {
		fx := newFlowFixture(t, nil)

		_, err := fx.service.Start(ctx, "site-1", "scrapingBank", false)
		require.NoError(t, err)
		fx.clock.Advance(31 * time.Minute)

		count, err := fx.service.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		count, err = fx.service.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("expired predecessor cannot override its replacement's outcome", func(t *testing.T) {
		fx := newFlowFixture(t, nil)

		_, err := fx.service.Start(ctx, "site-1", "scrapingBank", false)
		require.NoError(t, err)
		fx.clock.Advance(31 * time.Minute)

		// The first session is past its TTL but not yet swept; starting a
		// replacement must finish it for good.
		replacement, err := fx.service.Start(ctx, "site-1", "scrapingBank", false)
		require.NoError(t, err)
		next, err := fx.service.SubmitStep(ctx, replacement.SessionID, map[string]string{
			"username": "jane", "password": "hunter2",
		})
		require.NoError(t, err)
		require.Equal(t, NextStepConnected, next.Kind)

		count, err := fx.service.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)
		assert.Equal(t, 1, fx.projector.connectedCount("site-1"))
		assert.Empty(t, fx.projector.failureOf("site-1"))
	})

	t.Run("expired redirect session invalidates its callback", func(t *testing.T) {
		fx := newFlowFixture(t, nil)

		result, err := fx.service.Start(ctx, "site-1", "directBank", false)
		require.NoError(t, err)
		token := tokenFromRedirect(t, result.Next.RedirectURL)

		fx.clock.Advance(11 * time.Minute)
		_, err = fx.service.Sweep(ctx)
		require.NoError(t, err)

		_, err = fx.service.HandleCallback(ctx, token, map[string]string{
			providers.CallbackResultKey: providers.CallbackResultApproved,
		})
		assert.ErrorIs(t, err, serrors.ErrTokenInvalid)
	})
}

func TestFlowService_TerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	fx := newFlowFixture(t, nil)

	result, err := fx.service.Start(ctx, "site-1", "scrapingBank", false)
	require.NoError(t, err)

	next, err := fx.service.SubmitStep(ctx, result.SessionID, map[string]string{
		"username": "jane", "password": "hunter2",
	})
	require.NoError(t, err)
	require.Equal(t, NextStepConnected, next.Kind)

	// A connected session accepts nothing further.
	_, err = fx.service.SubmitStep(ctx, result.SessionID, map[string]string{"username": "x", "password": "y"})
	assert.ErrorIs(t, err, serrors.ErrSessionNotFound)

	var unexpectedErrs []error
	if _, err := fx.service.Sweep(ctx); err != nil {
		unexpectedErrs = append(unexpectedErrs, err)
	}
	assert.Empty(t, unexpectedErrs)
	assert.Equal(t, 1, fx.projector.connectedCount("site-1"))
}

func TestFlowService_ConcurrentSubmit(t *testing.T) {
	ctx := context.Background()

	// The claiming submission parks inside the outbound call until every
	// losing goroutine has finished, so the losers always observe the
	// claimed (or claimed-and-held) session rather than the advanced one.
	release := make(chan struct{})
	submit := func(_ context.Context, _ string, _ map[string]string) error {
		<-release
		return nil
	}
	fx := newFlowFixture(t, submit)

	result, err := fx.service.Start(ctx, "site-1", "mfaBank", false)
	require.NoError(t, err)
	creds := map[string]string{"username": "jane", "password": "hunter2"}

	const attempts = 8
	outcomes := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			_, err := fx.service.SubmitStep(ctx, result.SessionID, creds)
			outcomes <- err
		}()
	}

	for i := 0; i < attempts-1; i++ {
		err := <-outcomes
		require.Error(t, err, "only the claiming submission may proceed")
		ok := errors.Is(err, serrors.ErrStaleState) || errors.Is(err, serrors.ErrInvalidState)
		assert.True(t, ok, "unexpected error: %v", err)
	}

	close(release)
	assert.NoError(t, <-outcomes, "the claiming submission should advance the step")

	session, err := fx.store.Get(ctx, result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, session.StepIndex)
	assert.Equal(t, domain.FlowStateStepPending, session.State)
}
