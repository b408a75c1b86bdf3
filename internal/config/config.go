package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "CODEREVIEW"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseURL        = "codereview.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultPageSize           = 50
	defaultMaxPageSize        = 500
	defaultPhabricatorBaseURL = "https://phabricator.services.mozilla.com"
	defaultTokenIssuer        = "codereview-api"
	defaultTokenAudience      = "codereview-tasks"
	defaultTokenTTLMinutes    = 1440
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress         string
	PublicURL           string
	TrustForwardedProto bool
	DatabaseURL         string
	LogLevel            string
	LogFormat           string
	PageSize            int
	MaxPageSize         int
	PhabricatorBaseURL  string
	AuthSigningSecret   string
	AuthIssuer          string
	AuthAudience        string
	AuthTokenTTL        time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.public_url", "")
	configViper.SetDefault("http.trust_forwarded_proto", false)
	configViper.SetDefault("database.url", defaultDatabaseURL)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("pagination.page_size", defaultPageSize)
	configViper.SetDefault("pagination.max_page_size", defaultMaxPageSize)
	configViper.SetDefault("phabricator.base_url", defaultPhabricatorBaseURL)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         strings.TrimSpace(configViper.GetString("http.address")),
		PublicURL:           strings.TrimRight(strings.TrimSpace(configViper.GetString("http.public_url")), "/"),
		TrustForwardedProto: configViper.GetBool("http.trust_forwarded_proto"),
		DatabaseURL:         strings.TrimSpace(configViper.GetString("database.url")),
		LogLevel:            strings.TrimSpace(configViper.GetString("log.level")),
		LogFormat:           strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		PageSize:            configViper.GetInt("pagination.page_size"),
		MaxPageSize:         configViper.GetInt("pagination.max_page_size"),
		PhabricatorBaseURL:  strings.TrimRight(strings.TrimSpace(configViper.GetString("phabricator.base_url")), "/"),
		AuthSigningSecret:   configViper.GetString("auth.signing_secret"),
		AuthIssuer:          strings.TrimSpace(configViper.GetString("auth.issuer")),
		AuthAudience:        strings.TrimSpace(configViper.GetString("auth.audience")),
		AuthTokenTTL:        time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	if c.PageSize < 1 {
		return fmt.Errorf("pagination.page_size must be positive")
	}
	if c.MaxPageSize < c.PageSize {
		return fmt.Errorf("pagination.max_page_size must be at least pagination.page_size")
	}
	if err := requireAbsoluteURL("phabricator.base_url", c.PhabricatorBaseURL); err != nil {
		return err
	}
	if c.PublicURL != "" {
		if err := requireAbsoluteURL("http.public_url", c.PublicURL); err != nil {
			return err
		}
	}
	if c.AuthIssuer == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.AuthAudience == "" {
		return fmt.Errorf("auth.audience is required")
	}
	if c.AuthTokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	return nil
}

func requireAbsoluteURL(key, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%s must be an absolute url, got %q", key, raw)
	}
	return nil
}
