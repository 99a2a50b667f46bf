package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/moneta-dev/sitelink/domain"
)

// ServerConfig holds all configuration for the server. Tags use
// mapstructure for Viper unmarshalling.
type ServerConfig struct {
	HTTPPort    string `mapstructure:"HTTP_PORT"`
	MongoURI    string `mapstructure:"MONGO_URI"`
	MongoDBName string `mapstructure:"MONGO_DB_NAME"`
	// SessionBackend selects the session store and correlator backend:
	// "memory" or "redis".
	SessionBackend string `mapstructure:"SESSION_BACKEND"`
	RedisAddr      string `mapstructure:"REDIS_ADDR"`
	RedisPrefix    string `mapstructure:"REDIS_PREFIX"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`

	OtelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// CallbackURL is the externally reachable callback endpoint handed to
	// direct-connection providers.
	CallbackURL string `mapstructure:"CALLBACK_URL"`
	// Landing pages the callback handler redirects the user agent to.
	SuccessLandingURL string `mapstructure:"SUCCESS_LANDING_URL"`
	FailureLandingURL string `mapstructure:"FAILURE_LANDING_URL"`

	RedirectSessionTTLMin int `mapstructure:"REDIRECT_SESSION_TTL_MIN"`
	FormSessionTTLMin     int `mapstructure:"FORM_SESSION_TTL_MIN"`
	CallbackTokenTTLMin   int `mapstructure:"CALLBACK_TOKEN_TTL_MIN"`
	SweepIntervalSec      int `mapstructure:"SWEEP_INTERVAL_SEC"`

	// Providers is the static per-provider step catalogue, loaded from
	// the config file's "providers" list.
	Providers []ProviderEntry `mapstructure:"providers"`
}

// ProviderEntry is one provider catalogue row.
type ProviderEntry struct {
	ID         string       `mapstructure:"id"`
	Type       string       `mapstructure:"type"`
	ConsentURL string       `mapstructure:"consent_url"`
	Steps      []domain.Step `mapstructure:"steps"`
}

// LoadConfig reads configuration from file, environment variables, and
// defaults.
func LoadConfig() (*ServerConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/sitelink/")
	v.AddConfigPath("$HOME/.sitelink")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017/sitelink_dev")
	v.SetDefault("MONGO_DB_NAME", "sitelink_dev")
	v.SetDefault("SESSION_BACKEND", "memory")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PREFIX", "sitelink")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)
	v.SetDefault("OTEL_SERVICE_NAME", "sitelink-server")
	v.SetDefault("CALLBACK_URL", "http://localhost:8080/flows/callback")
	v.SetDefault("SUCCESS_LANDING_URL", "/linking/done")
	v.SetDefault("FAILURE_LANDING_URL", "/linking/failed")
	v.SetDefault("REDIRECT_SESSION_TTL_MIN", 10)
	v.SetDefault("FORM_SESSION_TTL_MIN", 30)
	v.SetDefault("CALLBACK_TOKEN_TTL_MIN", 5)
	v.SetDefault("SWEEP_INTERVAL_SEC", 30)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults and env vars apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	return &cfg, nil
}

// BuildDescriptors converts the catalogue entries into validated
// provider descriptors.
func (c *ServerConfig) BuildDescriptors() ([]domain.ProviderDescriptor, error) {
	descriptors := make([]domain.ProviderDescriptor, 0, len(c.Providers))
	for _, entry := range c.Providers {
		switch domain.ProviderType(entry.Type) {
		case domain.ProviderTypeScraping:
			descriptor, err := domain.NewScrapingConfig(entry.ID, entry.Steps)
			if err != nil {
				return nil, err
			}
			descriptors = append(descriptors, descriptor)
		case domain.ProviderTypeDirectConnection:
			descriptor, err := domain.NewDirectConnectionConfig(entry.ID, entry.ConsentURL, entry.Steps)
			if err != nil {
				return nil, err
			}
			descriptors = append(descriptors, descriptor)
		default:
			return nil, fmt.Errorf("provider %q: unknown provider type %q", entry.ID, entry.Type)
		}
	}
	return descriptors, nil
}
