package providers

import (
	"context"
	"fmt"

	"github.com/moneta-dev/sitelink/domain"
)

// ScrapingAdapter drives credential-form providers. Credentials pass
// straight through to the outbound submit func and are never persisted
// by the flow engine.
type ScrapingAdapter struct {
	submit SubmitFunc
}

// NewScrapingAdapter creates the adapter. submit may be nil in tests.
func NewScrapingAdapter(submit SubmitFunc) *ScrapingAdapter {
	return &ScrapingAdapter{submit: submit}
}

func (a *ScrapingAdapter) Type() domain.ProviderType { return domain.ProviderTypeScraping }

// ValidateStep implements Adapter.ValidateStep.
func (a *ScrapingAdapter) ValidateStep(ctx context.Context, descriptor domain.ProviderDescriptor, step domain.Step, stepData map[string]string) error {
	if step.Kind != domain.StepKindForm {
		return fmt.Errorf("scraping provider %q cannot handle %s steps", descriptor.ProviderID(), step.Kind)
	}
	if err := validateFormFields(step, stepData); err != nil {
		return err
	}
	return submitWithRetry(ctx, a.submit, descriptor.ProviderID(), stepData)
}

// InspectCallback implements Adapter.InspectCallback. Scraping flows
// have no redirect leg.
func (a *ScrapingAdapter) InspectCallback(_ context.Context, descriptor domain.ProviderDescriptor, _ map[string]string) (CallbackResult, error) {
	return CallbackResult{}, fmt.Errorf("scraping provider %q does not use callbacks", descriptor.ProviderID())
}
