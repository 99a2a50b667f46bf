package providers

import (
	"context"
	"fmt"
	"net/url"

	"github.com/moneta-dev/sitelink/domain"
)

// Callback payload keys and values used by direct-connection providers.
const (
	CallbackResultKey      = "result"
	CallbackResultApproved = "approved"
	CallbackResultDenied   = "denied"
)

// DirectConnectionAdapter drives PSD2/OpenBanking-style consent flows.
// The user is sent to the provider's consent page; the provider answers
// through the callback endpoint.
type DirectConnectionAdapter struct {
	submit SubmitFunc
}

// NewDirectConnectionAdapter creates the adapter. submit is used for
// post-callback FORM steps (e.g. an SCA challenge) and may be nil.
func NewDirectConnectionAdapter(submit SubmitFunc) *DirectConnectionAdapter {
	return &DirectConnectionAdapter{submit: submit}
}

func (a *DirectConnectionAdapter) Type() domain.ProviderType {
	return domain.ProviderTypeDirectConnection
}

// ValidateStep implements Adapter.ValidateStep for FORM steps that
// follow the consent callback.
func (a *DirectConnectionAdapter) ValidateStep(ctx context.Context, descriptor domain.ProviderDescriptor, step domain.Step, stepData map[string]string) error {
	if step.Kind != domain.StepKindForm {
		return fmt.Errorf("direct connection provider %q cannot handle %s steps via step submission", descriptor.ProviderID(), step.Kind)
	}
	if err := validateFormFields(step, stepData); err != nil {
		return err
	}
	return submitWithRetry(ctx, a.submit, descriptor.ProviderID(), stepData)
}

// InspectCallback implements Adapter.InspectCallback. An explicit denial
// is a valid outcome; anything other than approved/denied is rejected.
func (a *DirectConnectionAdapter) InspectCallback(_ context.Context, descriptor domain.ProviderDescriptor, payload map[string]string) (CallbackResult, error) {
	switch payload[CallbackResultKey] {
	case CallbackResultApproved:
		return CallbackResult{Approved: true}, nil
	case CallbackResultDenied:
		return CallbackResult{Approved: false}, nil
	default:
		return CallbackResult{}, fmt.Errorf("provider %q callback payload: %w", descriptor.ProviderID(), ErrStepRejected)
	}
}

// BuildConsentURL renders the provider's consent page URL with the
// one-time token and the aggregator's callback URL attached.
func BuildConsentURL(consentURL, tokenValue, callbackURL string) (string, error) {
	parsed, err := url.Parse(consentURL)
	if err != nil {
		return "", fmt.Errorf("invalid consent URL %q: %w", consentURL, err)
	}
	query := parsed.Query()
	query.Set("token", tokenValue)
	if callbackURL != "" {
		query.Set("redirect_uri", callbackURL)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
