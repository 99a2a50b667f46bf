package sitelink

import (
	"fmt"

	"github.com/moneta-dev/sitelink/domain"
	serrors "github.com/moneta-dev/sitelink/errors"
)

// ProviderRegistry is the process-wide provider capability surface.
// Built once at startup from the provider catalogue and read-only
// thereafter; Describe has no side effects.
type ProviderRegistry struct {
	descriptors map[string]domain.ProviderDescriptor
}

// NewProviderRegistry builds a registry from descriptors. Duplicate
// provider IDs are a configuration error.
func NewProviderRegistry(descriptors ...domain.ProviderDescriptor) (*ProviderRegistry, error) {
	registry := &ProviderRegistry{
		descriptors: make(map[string]domain.ProviderDescriptor, len(descriptors)),
	}
	for _, descriptor := range descriptors {
		id := descriptor.ProviderID()
		if _, exists := registry.descriptors[id]; exists {
			return nil, fmt.Errorf("provider %q registered twice", id)
		}
		registry.descriptors[id] = descriptor
	}
	return registry, nil
}

// Describe returns the descriptor for a provider, or ErrUnknownProvider.
func (r *ProviderRegistry) Describe(providerID string) (domain.ProviderDescriptor, error) {
	descriptor, ok := r.descriptors[providerID]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", providerID, serrors.ErrUnknownProvider)
	}
	return descriptor, nil
}
