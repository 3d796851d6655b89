// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/jeranaias/rigrun-adapter/internal/security"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// Mode selects how the adapter talks to the provider.
type Mode string

const (
	// ModePublic uses the public API with an optional bearer API key.
	ModePublic Mode = "public"
	// ModeAuthenticated uses the account backend and requires login credentials.
	ModeAuthenticated Mode = "authenticated"
)

const (
	// DefaultBaseURL is the public chat-completions API.
	DefaultBaseURL = "https://api.openai.com/v1"

	// AuthenticatedBaseURL is the account backend used in authenticated mode.
	AuthenticatedBaseURL = "https://chatgpt.com/backend-api"

	// DefaultModel is the model used when none is configured.
	DefaultModel = "gpt-4o-mini"

	DefaultMaxTokens   = 1024
	DefaultTemperature = 0.7
	DefaultTopP        = 1.0

	DefaultTimeoutMs    = 60000
	DefaultRetryCount   = 3
	DefaultRetryDelayMs = 1000

	DefaultRequestsPerMinute = 60
	DefaultTokensPerMinute   = 90000

	DefaultRefreshIntervalSecs  = 60
	DefaultRefreshThresholdSecs = 300
	DefaultSessionLifetimeSecs  = 3600

	// ConfigDirName is the directory under the user's home.
	ConfigDirName = ".rigrun-adapter"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.toml"

	// BackupDirName is the backups subdirectory of the config directory.
	BackupDirName = "backups"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete adapter configuration.
type Config struct {
	Mode    Mode   `toml:"mode" json:"mode" yaml:"mode"`
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	BaseURL string `toml:"base_url" json:"base_url" yaml:"base_url"`
	Model   string `toml:"model" json:"model" yaml:"model"`

	// SystemPrompt is injected into new conversations when a chat call does
	// not supply its own.
	SystemPrompt string `toml:"system_prompt,omitempty" json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`

	// APIKey authenticates public-mode requests and API-key sessions.
	APIKey string `toml:"api_key,omitempty" json:"api_key,omitempty" yaml:"api_key,omitempty"`

	Generation Generation    `toml:"generation" json:"generation" yaml:"generation"`
	TimeoutMs  int           `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`
	Retry      Retry         `toml:"retry" json:"retry" yaml:"retry"`
	RateLimit  RateLimit     `toml:"rate_limit" json:"rate_limit" yaml:"rate_limit"`
	Session    SessionTiming `toml:"session" json:"session" yaml:"session"`
	Storage    Storage       `toml:"storage" json:"storage" yaml:"storage"`
	Logging    Logging       `toml:"logging" json:"logging" yaml:"logging"`

	// Credentials is only kept in authenticated mode.
	Credentials *Credentials `toml:"credentials,omitempty" json:"credentials,omitempty" yaml:"credentials,omitempty"`
}

// Generation holds sampling parameters sent with every completion request.
type Generation struct {
	MaxTokens        int     `toml:"max_tokens" json:"max_tokens" yaml:"max_tokens"`
	Temperature      float64 `toml:"temperature" json:"temperature" yaml:"temperature"`
	TopP             float64 `toml:"top_p" json:"top_p" yaml:"top_p"`
	FrequencyPenalty float64 `toml:"frequency_penalty" json:"frequency_penalty" yaml:"frequency_penalty"`
	PresencePenalty  float64 `toml:"presence_penalty" json:"presence_penalty" yaml:"presence_penalty"`
}

// Retry controls transport retries.
type Retry struct {
	Count   int `toml:"count" json:"count" yaml:"count"`
	DelayMs int `toml:"delay_ms" json:"delay_ms" yaml:"delay_ms"`
}

// RateLimit is the client-side request/token budget.
type RateLimit struct {
	RequestsPerMinute int `toml:"requests_per_minute" json:"requests_per_minute" yaml:"requests_per_minute"`
	TokensPerMinute   int `toml:"tokens_per_minute" json:"tokens_per_minute" yaml:"tokens_per_minute"`
}

// SessionTiming controls the session refresh sweep.
type SessionTiming struct {
	RefreshIntervalSecs  int `toml:"refresh_interval_secs" json:"refresh_interval_secs" yaml:"refresh_interval_secs"`
	RefreshThresholdSecs int `toml:"refresh_threshold_secs" json:"refresh_threshold_secs" yaml:"refresh_threshold_secs"`
	DefaultLifetimeSecs  int `toml:"default_lifetime_secs" json:"default_lifetime_secs" yaml:"default_lifetime_secs"`
}

// Storage configures the conversation archive. Empty ArchivePath disables it.
type Storage struct {
	ArchivePath string `toml:"archive_path,omitempty" json:"archive_path,omitempty" yaml:"archive_path,omitempty"`
}

// Logging configures the zap logger.
type Logging struct {
	Level  string `toml:"level" json:"level" yaml:"level"`
	Format string `toml:"format" json:"format" yaml:"format"`
	File   string `toml:"file,omitempty" json:"file,omitempty" yaml:"file,omitempty"`
}

// Credentials is the authenticated-mode secret block.
type Credentials struct {
	Email        string `toml:"email,omitempty" json:"email,omitempty" yaml:"email,omitempty"`
	Password     string `toml:"password,omitempty" json:"password,omitempty" yaml:"password,omitempty"`
	AccessToken  string `toml:"access_token,omitempty" json:"access_token,omitempty" yaml:"access_token,omitempty"`
	RefreshToken string `toml:"refresh_token,omitempty" json:"refresh_token,omitempty" yaml:"refresh_token,omitempty"`
	SessionToken string `toml:"session_token,omitempty" json:"session_token,omitempty" yaml:"session_token,omitempty"`
}

// HasLogin reports whether both email and password are set.
func (c *Credentials) HasLogin() bool {
	return c != nil && c.Email != "" && c.Password != ""
}

// Clone returns a copy of c.
func (c *Credentials) Clone() *Credentials {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Mode:    ModePublic,
		Enabled: true,
		BaseURL: DefaultBaseURL,
		Model:   DefaultModel,
		Generation: Generation{
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
			TopP:        DefaultTopP,
		},
		TimeoutMs: DefaultTimeoutMs,
		Retry: Retry{
			Count:   DefaultRetryCount,
			DelayMs: DefaultRetryDelayMs,
		},
		RateLimit: RateLimit{
			RequestsPerMinute: DefaultRequestsPerMinute,
			TokensPerMinute:   DefaultTokensPerMinute,
		},
		Session: SessionTiming{
			RefreshIntervalSecs:  DefaultRefreshIntervalSecs,
			RefreshThresholdSecs: DefaultRefreshThresholdSecs,
			DefaultLifetimeSecs:  DefaultSessionLifetimeSecs,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultDir returns ~/.rigrun-adapter.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDirName), nil
}

// DefaultPath returns ~/.rigrun-adapter/config.toml.
func DefaultPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Timeout is the per-request timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// RetryDelay is the application-level retry delay.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Retry.DelayMs) * time.Millisecond
}

// RefreshInterval is the session sweep interval.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Session.RefreshIntervalSecs) * time.Second
}

// RefreshThreshold is the time-to-expiry under which a session is refreshed.
func (c *Config) RefreshThreshold() time.Duration {
	return time.Duration(c.Session.RefreshThresholdSecs) * time.Second
}

// SessionLifetime is the session lifetime used when the server declares none.
func (c *Config) SessionLifetime() time.Duration {
	return time.Duration(c.Session.DefaultLifetimeSecs) * time.Second
}

// IsAuthenticated reports whether the config is in authenticated mode.
func (c *Config) IsAuthenticated() bool {
	return c.Mode == ModeAuthenticated
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Credentials = c.Credentials.Clone()
	return &clone
}

// String renders c as JSON with every secret redacted.
func (c *Config) String() string {
	safe := c.Clone()
	safe.APIKey = security.Redact(safe.APIKey)
	if safe.Credentials != nil {
		safe.Credentials.Password = security.Redact(safe.Credentials.Password)
		safe.Credentials.AccessToken = security.Redact(safe.Credentials.AccessToken)
		safe.Credentials.RefreshToken = security.Redact(safe.Credentials.RefreshToken)
		safe.Credentials.SessionToken = security.Redact(safe.Credentials.SessionToken)
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}
