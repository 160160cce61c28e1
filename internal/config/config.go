// Package config handles configuration loading from TOML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/xonecas/symbloop/internal/engine"
)

// Config is the root configuration structure.
type Config struct {
	DefaultProvider string `toml:"default_provider"`
	Providers map[string]ProviderConfig `toml:"providers"`
	MCP MCPConfig `toml:"mcp"`
	Cache CacheConfig `toml:"cache"`
	UI UIConfig `toml:"ui"`

	DefaultChannel string `toml:"default_channel"`
	Channels map[string]ChannelConfig `toml:"channels"`
}

// ChannelConfig is one [channels.<id>] table, the TOML-facing counterpart
// of engine.ChannelConfig. CredentialRef names a key under
// Credentials.Providers to resolve into the dialect's auth header; it is
// never itself the secret.
type ChannelConfig struct {
	Dialect string `toml:"dialect"`
	Endpoint string `toml:"endpoint"`
	Model string `toml:"model"`
	CredentialRef string `toml:"credential_ref"`

	SystemInstruction string `toml:"system_instruction"`
	ToolMode string `toml:"tool_mode"`

	ContextThreshold float64 `toml:"context_threshold"`
	ModelContextWindow int `toml:"model_context_window"`

	RetryEnabled bool `toml:"retry_enabled"`
	RetryMaxAttempts int `toml:"retry_max_attempts"`
	RetryBaseSeconds float64 `toml:"retry_base_interval_seconds"`

	TimeoutSeconds int `toml:"timeout_seconds"`
	PreferStream bool `toml:"prefer_stream"`

	Enabled bool `toml:"enabled"`
}

// UIConfig holds user-interface settings.
type UIConfig struct {
	// SyntaxTheme is the Chroma syntax highlighting theme the CLI host uses
	// for fenced code blocks in assistant replies.
	// Defaults to "vulcan" if unset.
	SyntaxTheme string `toml:"syntax_theme"`
}

// SyntaxThemeOrDefault returns the configured syntax theme or "vulcan" if unset.
func (u UIConfig) SyntaxThemeOrDefault() string {
	if u.SyntaxTheme == "" {
		return "vulcan"
	}
	return u.SyntaxTheme
}

// CacheConfig holds web cache settings.
type CacheConfig struct {
	TTLHours int `toml:"ttl_hours"`
}

// CacheTTLOrDefault returns the configured TTL or 24 hours if unset.
func (c CacheConfig) CacheTTLOrDefault() int {
	if c.TTLHours <= 0 {
		return 24
	}
	return c.TTLHours
}

// ProviderConfig holds LLM provider settings.
type ProviderConfig struct {
	Endpoint string `toml:"endpoint"`
	Model string `toml:"model"`
	Temperature float64 `toml:"temperature"`
}

// MCPConfig holds MCP proxy settings.
type MCPConfig struct {
	Upstream string `toml:"upstream"`
}

// Load reads configuration from a TOML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Providers: make(map[string]ProviderConfig),
	}

	// Config file is required
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}

	// File must exist
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Load from file
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Providers) == 0 && len(c.Channels) == 0 {
		errs = append(errs, errors.New("at least one of providers or channels must be configured"))
	}
	for name, providerCfg := range c.Providers {
		errs = append(errs, validateProviderConfig(name, providerCfg)...)
	}

	// Validate default provider if specified
	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			errs = append(errs, fmt.Errorf("default_provider=%q does not exist in providers", c.DefaultProvider))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func validateProviderConfig(name string, cfg ProviderConfig) []error {
	var errs []error
	if cfg.Endpoint == "" {
		errs = append(errs, fmt.Errorf("providers.%s.endpoint is required", name))
	} else if err := validateEndpoint(cfg.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("providers.%s.endpoint=%q is invalid: %v", name, cfg.Endpoint, err))
	}

	if cfg.Model == "" {
		errs = append(errs, fmt.Errorf("providers.%s.model is required", name))
	}

	if cfg.Temperature < 0.0 || cfg.Temperature > 2.0 {
		errs = append(errs, fmt.Errorf("providers.%s.temperature=%v must be between 0.0 and 2.0", name, cfg.Temperature))
	}

	return errs
}

func validateEndpoint(value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("missing scheme or host")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	for _, setter := range []struct {
		env string
		apply func(string)
	}{
		{"SYMB_MCP_ENDPOINT", func(v string) {
				if v != "" {
					cfg.MCP.Upstream = v
				}
			}},
	} {
		setter.apply(os.Getenv(setter.env))
	}
}

// DataDir returns the path to the Symb data directory (~/.config/symb).
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "symb"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}

// ResolveChannel converts one [channels.<id>] table into an
// engine.ChannelConfig, resolving CredentialRef against creds into the
// auth header convention of its dialect. Headers/body shape stays with
// the engine's four ProviderFormatters; this only fills in the secret.
func ResolveChannel(id string, cc ChannelConfig, creds *Credentials) engine.ChannelConfig {
	dialect := engine.Dialect(cc.Dialect)
	headers := map[string]string{}
	key := creds.GetAPIKey(cc.CredentialRef)
	if key != "" {
		switch dialect {
		case engine.DialectGemini:
			headers["x-goog-api-key"] = key
		case engine.DialectAnthropic:
			headers["x-api-key"] = key
			headers["anthropic-version"] = "2023-06-01"
		default: // openai_chat, openai_responses
			headers["Authorization"] = "Bearer " + key
		}
	}

	return engine.ChannelConfig{
		ID: id,
		Dialect: dialect,
		Endpoint: cc.Endpoint,
		Model: cc.Model,
		CredentialRef: cc.CredentialRef,
		SystemInstruction: cc.SystemInstruction,
		ToolMode: engine.ToolMode(cc.ToolMode),
		ContextThreshold: cc.ContextThreshold,
		ModelContextWindow: cc.ModelContextWindow,
		Retry: engine.RetryConfig{
			Enabled: cc.RetryEnabled,
			MaxAttempts: cc.RetryMaxAttempts,
			BaseInterval: cc.RetryBaseSeconds,
		},
		Headers: headers,
		Timeout: time.Duration(cc.TimeoutSeconds) * time.Second,
		PreferStream: cc.PreferStream,
		Enabled: cc.Enabled,
	}
}
