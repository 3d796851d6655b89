// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

// =============================================================================
// PATCH
// =============================================================================

// Patch is a partial configuration. A nil field means "not specified"; files
// are decoded into a Patch so absent keys never clobber defaults.
type Patch struct {
	Mode         *Mode   `toml:"mode" json:"mode,omitempty" yaml:"mode,omitempty"`
	Enabled      *bool   `toml:"enabled" json:"enabled,omitempty" yaml:"enabled,omitempty"`
	BaseURL      *string `toml:"base_url" json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model        *string `toml:"model" json:"model,omitempty" yaml:"model,omitempty"`
	SystemPrompt *string `toml:"system_prompt" json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	APIKey       *string `toml:"api_key" json:"api_key,omitempty" yaml:"api_key,omitempty"`

	Generation *GenerationPatch `toml:"generation" json:"generation,omitempty" yaml:"generation,omitempty"`
	TimeoutMs  *int             `toml:"timeout_ms" json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Retry      *RetryPatch      `toml:"retry" json:"retry,omitempty" yaml:"retry,omitempty"`
	RateLimit  *RateLimitPatch  `toml:"rate_limit" json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	Session    *SessionPatch    `toml:"session" json:"session,omitempty" yaml:"session,omitempty"`
	Storage    *StoragePatch    `toml:"storage" json:"storage,omitempty" yaml:"storage,omitempty"`
	Logging    *LoggingPatch    `toml:"logging" json:"logging,omitempty" yaml:"logging,omitempty"`

	// Credentials fields are merged one by one; empty strings are ignored.
	Credentials *Credentials `toml:"credentials" json:"credentials,omitempty" yaml:"credentials,omitempty"`
}

// GenerationPatch is a partial Generation.
type GenerationPatch struct {
	MaxTokens        *int     `toml:"max_tokens" json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature      *float64 `toml:"temperature" json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP             *float64 `toml:"top_p" json:"top_p,omitempty" yaml:"top_p,omitempty"`
	FrequencyPenalty *float64 `toml:"frequency_penalty" json:"frequency_penalty,omitempty" yaml:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `toml:"presence_penalty" json:"presence_penalty,omitempty" yaml:"presence_penalty,omitempty"`
}

// RetryPatch is a partial Retry.
type RetryPatch struct {
	Count   *int `toml:"count" json:"count,omitempty" yaml:"count,omitempty"`
	DelayMs *int `toml:"delay_ms" json:"delay_ms,omitempty" yaml:"delay_ms,omitempty"`
}

// RateLimitPatch is a partial RateLimit.
type RateLimitPatch struct {
	RequestsPerMinute *int `toml:"requests_per_minute" json:"requests_per_minute,omitempty" yaml:"requests_per_minute,omitempty"`
	TokensPerMinute   *int `toml:"tokens_per_minute" json:"tokens_per_minute,omitempty" yaml:"tokens_per_minute,omitempty"`
}

// SessionPatch is a partial SessionTiming.
type SessionPatch struct {
	RefreshIntervalSecs  *int `toml:"refresh_interval_secs" json:"refresh_interval_secs,omitempty" yaml:"refresh_interval_secs,omitempty"`
	RefreshThresholdSecs *int `toml:"refresh_threshold_secs" json:"refresh_threshold_secs,omitempty" yaml:"refresh_threshold_secs,omitempty"`
	DefaultLifetimeSecs  *int `toml:"default_lifetime_secs" json:"default_lifetime_secs,omitempty" yaml:"default_lifetime_secs,omitempty"`
}

// StoragePatch is a partial Storage.
type StoragePatch struct {
	ArchivePath *string `toml:"archive_path" json:"archive_path,omitempty" yaml:"archive_path,omitempty"`
}

// LoggingPatch is a partial Logging.
type LoggingPatch struct {
	Level  *string `toml:"level" json:"level,omitempty" yaml:"level,omitempty"`
	Format *string `toml:"format" json:"format,omitempty" yaml:"format,omitempty"`
	File   *string `toml:"file" json:"file,omitempty" yaml:"file,omitempty"`
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// =============================================================================
// MERGE
// =============================================================================

// Merge returns base with every field set in p applied over it. Neither
// argument is modified. Mode rules:
//   - a result in public mode carries no credential block;
//   - entering authenticated mode without an explicit base_url in p rewrites
//     BaseURL to AuthenticatedBaseURL.
func Merge(base *Config, p *Patch) *Config {
	out := base.Clone()
	if out == nil {
		out = Default()
	}
	if p == nil {
		applyModeRules(out.Mode, out, false)
		return out
	}

	prevMode := out.Mode

	setIf(&out.Mode, p.Mode)
	setIf(&out.Enabled, p.Enabled)
	setIf(&out.BaseURL, p.BaseURL)
	setIf(&out.Model, p.Model)
	setIf(&out.SystemPrompt, p.SystemPrompt)
	setIf(&out.APIKey, p.APIKey)
	setIf(&out.TimeoutMs, p.TimeoutMs)

	if g := p.Generation; g != nil {
		setIf(&out.Generation.MaxTokens, g.MaxTokens)
		setIf(&out.Generation.Temperature, g.Temperature)
		setIf(&out.Generation.TopP, g.TopP)
		setIf(&out.Generation.FrequencyPenalty, g.FrequencyPenalty)
		setIf(&out.Generation.PresencePenalty, g.PresencePenalty)
	}
	if r := p.Retry; r != nil {
		setIf(&out.Retry.Count, r.Count)
		setIf(&out.Retry.DelayMs, r.DelayMs)
	}
	if r := p.RateLimit; r != nil {
		setIf(&out.RateLimit.RequestsPerMinute, r.RequestsPerMinute)
		setIf(&out.RateLimit.TokensPerMinute, r.TokensPerMinute)
	}
	if s := p.Session; s != nil {
		setIf(&out.Session.RefreshIntervalSecs, s.RefreshIntervalSecs)
		setIf(&out.Session.RefreshThresholdSecs, s.RefreshThresholdSecs)
		setIf(&out.Session.DefaultLifetimeSecs, s.DefaultLifetimeSecs)
	}
	if s := p.Storage; s != nil {
		setIf(&out.Storage.ArchivePath, s.ArchivePath)
	}
	if l := p.Logging; l != nil {
		setIf(&out.Logging.Level, l.Level)
		setIf(&out.Logging.Format, l.Format)
		setIf(&out.Logging.File, l.File)
	}
	if c := p.Credentials; c != nil {
		if out.Credentials == nil {
			out.Credentials = &Credentials{}
		}
		mergeString(&out.Credentials.Email, c.Email)
		mergeString(&out.Credentials.Password, c.Password)
		mergeString(&out.Credentials.AccessToken, c.AccessToken)
		mergeString(&out.Credentials.RefreshToken, c.RefreshToken)
		mergeString(&out.Credentials.SessionToken, c.SessionToken)
	}

	applyModeRules(prevMode, out, p.BaseURL != nil)
	return out
}

func applyModeRules(prev Mode, cfg *Config, explicitBaseURL bool) {
	switch cfg.Mode {
	case ModePublic:
		cfg.Credentials = nil
	case ModeAuthenticated:
		if prev != ModeAuthenticated && !explicitBaseURL {
			cfg.BaseURL = AuthenticatedBaseURL
		}
	}
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func mergeString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}
