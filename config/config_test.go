package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moneta-dev/sitelink/domain"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "memory", cfg.SessionBackend)
	assert.Equal(t, 10, cfg.RedirectSessionTTLMin)
	assert.Equal(t, 30, cfg.FormSessionTTLMin)
	assert.Equal(t, 5, cfg.CallbackTokenTTLMin)
	assert.NotEmpty(t, cfg.CallbackURL)
}

func TestBuildDescriptors(t *testing.T) {
	t.Run("builds both provider families", func(t *testing.T) {
		cfg := &ServerConfig{Providers: []ProviderEntry{
			{
				ID:   "scrapingBank",
				Type: string(domain.ProviderTypeScraping),
				Steps: []domain.Step{
					{Kind: domain.StepKindForm, FormFields: []string{"username", "password"}},
				},
			},
			{
				ID:         "directBank",
				Type:       string(domain.ProviderTypeDirectConnection),
				ConsentURL: "https://consent.example/authorize",
				Steps: []domain.Step{
					{Kind: domain.StepKindRedirect},
					{Kind: domain.StepKindCallback},
				},
			},
		}}

		descriptors, err := cfg.BuildDescriptors()
		require.NoError(t, err)
		require.Len(t, descriptors, 2)
		assert.Equal(t, domain.ProviderTypeScraping, descriptors[0].Type())
		assert.Equal(t, domain.ProviderTypeDirectConnection, descriptors[1].Type())
	})

	t.Run("unknown provider type", func(t *testing.T) {
		cfg := &ServerConfig{Providers: []ProviderEntry{{ID: "x", Type: "CSV_UPLOAD"}}}
		_, err := cfg.BuildDescriptors()
		assert.Error(t, err)
	})

	t.Run("invalid step protocol", func(t *testing.T) {
		cfg := &ServerConfig{Providers: []ProviderEntry{{
			ID:         "directBank",
			Type:       string(domain.ProviderTypeDirectConnection),
			ConsentURL: "https://consent.example/authorize",
			Steps:      []domain.Step{{Kind: domain.StepKindRedirect}},
		}}}
		_, err := cfg.BuildDescriptors()
		assert.Error(t, err)
	})
}
