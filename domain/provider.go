package domain

import "fmt"

// ProviderType distinguishes the two supported provider families.
type ProviderType string

const (
	// ProviderTypeScraping covers screen-scraping credential flows.
	ProviderTypeScraping ProviderType = "SCRAPING"
	// ProviderTypeDirectConnection covers regulated PSD2/OpenBanking-style
	// consent flows that round-trip through the provider's own pages.
	ProviderTypeDirectConnection ProviderType = "DIRECT_CONNECTION"
)

// StepKind identifies what a single flow step asks of the end user.
type StepKind string

const (
	StepKindRedirect StepKind = "REDIRECT"
	StepKindForm     StepKind = "FORM"
	StepKindCallback StepKind = "CALLBACK"
)

// Step is one entry of a provider's ordered step protocol.
type Step struct {
	Kind StepKind `json:"kind" mapstructure:"kind"`
	// FormFields lists the field names a FORM step requires. Empty for
	// REDIRECT and CALLBACK steps.
	FormFields []string `json:"form_fields,omitempty" mapstructure:"form_fields"`
}

// ProviderDescriptor is the static per-provider capability surface. It is
// a closed variant over ScrapingConfig and DirectConnectionConfig; both
// expose the ordered step list the flow engine walks. Descriptors are
// immutable after startup.
type ProviderDescriptor interface {
	ProviderID() string
	Type() ProviderType
	Steps() []Step
}

// ScrapingConfig describes a credential-form provider. Step lists are
// FORM steps only (a second FORM step models an MFA challenge).
type ScrapingConfig struct {
	ID       string
	StepList []Step
}

func (c ScrapingConfig) ProviderID() string { return c.ID }
func (c ScrapingConfig) Type() ProviderType { return ProviderTypeScraping }
func (c ScrapingConfig) Steps() []Step      { return c.StepList }

// DirectConnectionConfig describes a redirect/consent provider. The step
// list starts with REDIRECT and the redirect is answered by a CALLBACK
// step; additional FORM steps may follow the callback.
type DirectConnectionConfig struct {
	ID         string
	ConsentURL string
	StepList   []Step
}

func (c DirectConnectionConfig) ProviderID() string { return c.ID }
func (c DirectConnectionConfig) Type() ProviderType { return ProviderTypeDirectConnection }
func (c DirectConnectionConfig) Steps() []Step      { return c.StepList }

// NewScrapingConfig validates and builds a scraping descriptor.
func NewScrapingConfig(id string, steps []Step) (ScrapingConfig, error) {
	if id == "" {
		return ScrapingConfig{}, fmt.Errorf("provider id is required")
	}
	if len(steps) == 0 {
		return ScrapingConfig{}, fmt.Errorf("provider %q: at least one step is required", id)
	}
	for i, step := range steps {
		if step.Kind != StepKindForm {
			return ScrapingConfig{}, fmt.Errorf("provider %q: scraping step %d must be FORM, got %s", id, i, step.Kind)
		}
		if len(step.FormFields) == 0 {
			return ScrapingConfig{}, fmt.Errorf("provider %q: FORM step %d has no fields", id, i)
		}
	}
	return ScrapingConfig{ID: id, StepList: steps}, nil
}

// NewDirectConnectionConfig validates and builds a direct-connection
// descriptor.
func NewDirectConnectionConfig(id, consentURL string, steps []Step) (DirectConnectionConfig, error) {
	if id == "" {
		return DirectConnectionConfig{}, fmt.Errorf("provider id is required")
	}
	if consentURL == "" {
		return DirectConnectionConfig{}, fmt.Errorf("provider %q: consent URL is required", id)
	}
	if len(steps) < 2 {
		return DirectConnectionConfig{}, fmt.Errorf("provider %q: direct connection needs REDIRECT and CALLBACK steps", id)
	}
	if steps[0].Kind != StepKindRedirect {
		return DirectConnectionConfig{}, fmt.Errorf("provider %q: first step must be REDIRECT, got %s", id, steps[0].Kind)
	}
	if steps[1].Kind != StepKindCallback {
		return DirectConnectionConfig{}, fmt.Errorf("provider %q: REDIRECT must be followed by CALLBACK, got %s", id, steps[1].Kind)
	}
	for i := 2; i < len(steps); i++ {
		switch steps[i].Kind {
		case StepKindForm:
			if len(steps[i].FormFields) == 0 {
				return DirectConnectionConfig{}, fmt.Errorf("provider %q: FORM step %d has no fields", id, i)
			}
		case StepKindRedirect:
			if i+1 >= len(steps) || steps[i+1].Kind != StepKindCallback {
				return DirectConnectionConfig{}, fmt.Errorf("provider %q: REDIRECT step %d must be followed by CALLBACK", id, i)
			}
		case StepKindCallback:
			if steps[i-1].Kind != StepKindRedirect {
				return DirectConnectionConfig{}, fmt.Errorf("provider %q: CALLBACK step %d must follow REDIRECT", id, i)
			}
		}
	}
	return DirectConnectionConfig{ID: id, ConsentURL: consentURL, StepList: steps}, nil
}
