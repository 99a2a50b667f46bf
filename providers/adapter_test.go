package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moneta-dev/sitelink/domain"
	serrors "github.com/moneta-dev/sitelink/errors"
)

func scrapingDescriptor(t *testing.T) domain.ScrapingConfig {
	t.Helper()
	descriptor, err := domain.NewScrapingConfig("testBank", []domain.Step{
		{Kind: domain.StepKindForm, FormFields: []string{"username", "password"}},
	})
	require.NoError(t, err)
	return descriptor
}

func directDescriptor(t *testing.T) domain.DirectConnectionConfig {
	t.Helper()
	descriptor, err := domain.NewDirectConnectionConfig("directBank", "https://consent.example/authorize", []domain.Step{
		{Kind: domain.StepKindRedirect},
		{Kind: domain.StepKindCallback},
	})
	require.NoError(t, err)
	return descriptor
}

func TestScrapingAdapter_ValidateStep(t *testing.T) {
	ctx := context.Background()
	descriptor := scrapingDescriptor(t)
	step := descriptor.Steps()[0]

	t.Run("accepts complete form data", func(t *testing.T) {
		adapter := NewScrapingAdapter(nil)
		err := adapter.ValidateStep(ctx, descriptor, step, map[string]string{
			"username": "jane", "password": "hunter2",
		})
		assert.NoError(t, err)
	})

	t.Run("rejects missing fields without calling upstream", func(t *testing.T) {
		called := false
		adapter := NewScrapingAdapter(func(context.Context, string, map[string]string) error {
			called = true
			return nil
		})
		err := adapter.ValidateStep(ctx, descriptor, step, map[string]string{"username": "jane"})
		assert.ErrorIs(t, err, ErrStepRejected)
		assert.False(t, called)
	})

	t.Run("rejects empty field values", func(t *testing.T) {
		adapter := NewScrapingAdapter(nil)
		err := adapter.ValidateStep(ctx, descriptor, step, map[string]string{
			"username": "jane", "password": "",
		})
		assert.ErrorIs(t, err, ErrStepRejected)
	})

	t.Run("permanent upstream refusal is not retried", func(t *testing.T) {
		calls := 0
		adapter := NewScrapingAdapter(func(context.Context, string, map[string]string) error {
			calls++
			return errors.New("bad credentials")
		})
		err := adapter.ValidateStep(ctx, descriptor, step, map[string]string{
			"username": "jane", "password": "hunter2",
		})
		assert.ErrorIs(t, err, ErrStepRejected)
		assert.Equal(t, 1, calls)
	})

	t.Run("transient upstream failure is retried then surfaced", func(t *testing.T) {
		calls := 0
		adapter := NewScrapingAdapter(func(context.Context, string, map[string]string) error {
			calls++
			return fmt.Errorf("gateway timeout: %w", ErrTransient)
		})
		err := adapter.ValidateStep(ctx, descriptor, step, map[string]string{
			"username": "jane", "password": "hunter2",
		})
		assert.ErrorIs(t, err, serrors.ErrProviderUnavailable)
		assert.Equal(t, maxSubmitRetries+1, calls)
	})

	t.Run("transient failure that recovers succeeds", func(t *testing.T) {
		calls := 0
		adapter := NewScrapingAdapter(func(context.Context, string, map[string]string) error {
			calls++
			if calls == 1 {
				return ErrTransient
			}
			return nil
		})
		err := adapter.ValidateStep(ctx, descriptor, step, map[string]string{
			"username": "jane", "password": "hunter2",
		})
		assert.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("refuses non-form steps", func(t *testing.T) {
		adapter := NewScrapingAdapter(nil)
		err := adapter.ValidateStep(ctx, descriptor, domain.Step{Kind: domain.StepKindRedirect}, nil)
		assert.Error(t, err)
	})
}

func TestDirectConnectionAdapter_InspectCallback(t *testing.T) {
	ctx := context.Background()
	adapter := NewDirectConnectionAdapter(nil)
	descriptor := directDescriptor(t)

	t.Run("approved", func(t *testing.T) {
		result, err := adapter.InspectCallback(ctx, descriptor, map[string]string{
			CallbackResultKey: CallbackResultApproved,
		})
		require.NoError(t, err)
		assert.True(t, result.Approved)
	})

	t.Run("denied", func(t *testing.T) {
		result, err := adapter.InspectCallback(ctx, descriptor, map[string]string{
			CallbackResultKey: CallbackResultDenied,
		})
		require.NoError(t, err)
		assert.False(t, result.Approved)
	})

	t.Run("garbage payload", func(t *testing.T) {
		_, err := adapter.InspectCallback(ctx, descriptor, map[string]string{"foo": "bar"})
		assert.ErrorIs(t, err, ErrStepRejected)
	})
}

func TestBuildConsentURL(t *testing.T) {
	t.Run("appends token and redirect_uri", func(t *testing.T) {
		built, err := BuildConsentURL("https://consent.example/authorize?client_id=agg", "tok123", "https://agg.example/flows/callback")
		require.NoError(t, err)
		assert.Contains(t, built, "client_id=agg")
		assert.Contains(t, built, "token=tok123")
		assert.Contains(t, built, "redirect_uri=https%3A%2F%2Fagg.example%2Fflows%2Fcallback")
	})

	t.Run("omits an empty callback URL", func(t *testing.T) {
		built, err := BuildConsentURL("https://consent.example/authorize", "tok123", "")
		require.NoError(t, err)
		assert.NotContains(t, built, "redirect_uri")
	})
}
