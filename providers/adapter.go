// Package providers holds the per-provider-type adapters the flow
// engine dispatches to. Scraping and signing details live behind the
// outbound call funcs; this package only decides accept/reject/retry.
package providers

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/moneta-dev/sitelink/domain"
	serrors "github.com/moneta-dev/sitelink/errors"
)

var (
	// ErrStepRejected signals the provider (or local schema validation)
	// rejected the submitted step data. A terminal flow outcome, not a
	// retryable condition.
	ErrStepRejected = errors.New("provider rejected the submitted step data")
	// ErrTransient marks an outbound failure worth retrying. Outbound
	// funcs wrap timeouts and 5xx-style failures with it.
	ErrTransient = errors.New("transient provider error")
)

// CallbackResult is the outcome a direct-connection provider reports on
// its inbound callback.
type CallbackResult struct {
	Approved bool
}

// Adapter is the per-provider-type capability the flow engine calls
// into while advancing a session.
type Adapter interface {
	Type() domain.ProviderType
	// ValidateStep checks submitted FORM data against the step schema and
	// forwards it upstream. Returns ErrStepRejected on refusal and
	// errors.ErrProviderUnavailable once retries are exhausted.
	ValidateStep(ctx context.Context, descriptor domain.ProviderDescriptor, step domain.Step, stepData map[string]string) error
	// InspectCallback interprets a redirect callback payload.
	InspectCallback(ctx context.Context, descriptor domain.ProviderDescriptor, payload map[string]string) (CallbackResult, error)
}

// SubmitFunc is the opaque outbound call to a concrete provider
// integration. A nil func accepts locally validated data as-is.
type SubmitFunc func(ctx context.Context, providerID string, fields map[string]string) error

const maxSubmitRetries = 3

// submitWithRetry retries transient upstream failures a bounded number
// of times before surfacing ErrProviderUnavailable. Permanent refusals
// are never retried.
func submitWithRetry(ctx context.Context, submit SubmitFunc, providerID string, fields map[string]string) error {
	if submit == nil {
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(100*time.Millisecond),
			backoff.WithMaxElapsedTime(5*time.Second),
		), maxSubmitRetries),
		ctx,
	)

	err := backoff.Retry(func() error {
		callErr := submit(ctx, providerID, fields)
		if callErr == nil {
			return nil
		}
		if errors.Is(callErr, ErrTransient) {
			return callErr
		}
		return backoff.Permanent(callErr)
	}, policy)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return serrors.ErrProviderUnavailable
	}
	return ErrStepRejected
}

// validateFormFields checks the step's required fields are all present
// and non-empty.
func validateFormFields(step domain.Step, stepData map[string]string) error {
	for _, field := range step.FormFields {
		if stepData[field] == "" {
			return ErrStepRejected
		}
	}
	return nil
}
