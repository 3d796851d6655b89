// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"net/url"
	"strings"
)

// =============================================================================
// VALIDATION
// =============================================================================

// Generation parameter ranges.
const (
	MinMaxTokens   = 1
	MaxMaxTokens   = 128000
	MaxTemperature = 2.0
	MinPenalty     = -2.0
	MaxPenalty     = 2.0
	MaxRetryCount  = 10
)

// ValidationError is a single invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether field is among the errors.
func (e ValidateErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

// Result is the outcome of Validate. Errors are fatal, warnings are advisory.
type Result struct {
	Errors   ValidateErrors
	Warnings []string
}

// OK reports whether there are no errors.
func (r Result) OK() bool {
	return len(r.Errors) == 0
}

// Err returns the errors as an error value, or nil.
func (r Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
	"dpanic": true, "panic": true, "fatal": true,
}

// Validate checks c and returns every error and warning found.
func Validate(c *Config) Result {
	var r Result
	if c == nil {
		r.Errors = append(r.Errors, ValidationError{Field: "config", Message: "missing"})
		return r
	}

	fail := func(field, format string, args ...any) {
		r.Errors = append(r.Errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	warn := func(format string, args ...any) {
		r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
	}

	// ==========================================================================
	// Mode and endpoint
	// ==========================================================================

	switch c.Mode {
	case ModePublic:
		if c.APIKey == "" {
			warn("api_key is not set; public requests will be sent without authorization")
		}
	case ModeAuthenticated:
		if !c.Credentials.HasLogin() {
			fail("credentials", "authenticated mode requires email and password")
		}
		if c.BaseURL == DefaultBaseURL {
			warn("base_url points at the public API while mode is authenticated")
		}
	default:
		fail("mode", "invalid mode '%s', must be one of: public, authenticated", c.Mode)
	}

	if c.BaseURL == "" {
		fail("base_url", "must not be empty")
	} else if u, err := url.Parse(c.BaseURL); err != nil || u.Host == "" {
		fail("base_url", "invalid URL '%s'", c.BaseURL)
	} else if u.Scheme != "https" && u.Scheme != "http" {
		fail("base_url", "unsupported scheme '%s'", u.Scheme)
	} else if u.Scheme == "http" && !isLoopback(u.Hostname()) {
		warn("base_url uses plain HTTP; credentials will be sent unencrypted")
	}

	if strings.TrimSpace(c.Model) == "" {
		fail("model", "must not be empty")
	}
	if !c.Enabled {
		warn("adapter is disabled; chat requests will be rejected")
	}

	// ==========================================================================
	// Generation
	// ==========================================================================

	g := c.Generation
	if g.MaxTokens < MinMaxTokens || g.MaxTokens > MaxMaxTokens {
		fail("generation.max_tokens", "must be between %d and %d, got %d", MinMaxTokens, MaxMaxTokens, g.MaxTokens)
	}
	if g.Temperature < 0 || g.Temperature > MaxTemperature {
		fail("generation.temperature", "must be between 0 and %.1f, got %g", MaxTemperature, g.Temperature)
	} else if g.Temperature > 1.5 {
		warn("temperature %.2f is high; output may be erratic", g.Temperature)
	}
	if g.TopP < 0 || g.TopP > 1 {
		fail("generation.top_p", "must be between 0 and 1, got %g", g.TopP)
	}
	if g.FrequencyPenalty < MinPenalty || g.FrequencyPenalty > MaxPenalty {
		fail("generation.frequency_penalty", "must be between %.1f and %.1f, got %g", MinPenalty, MaxPenalty, g.FrequencyPenalty)
	}
	if g.PresencePenalty < MinPenalty || g.PresencePenalty > MaxPenalty {
		fail("generation.presence_penalty", "must be between %.1f and %.1f, got %g", MinPenalty, MaxPenalty, g.PresencePenalty)
	}

	// ==========================================================================
	// Transport
	// ==========================================================================

	if c.TimeoutMs <= 0 {
		fail("timeout_ms", "must be positive, got %d", c.TimeoutMs)
	} else if c.TimeoutMs < 1000 {
		warn("timeout_ms %d is very short; most completions will time out", c.TimeoutMs)
	}
	if c.Retry.Count < 0 || c.Retry.Count > MaxRetryCount {
		fail("retry.count", "must be between 0 and %d, got %d", MaxRetryCount, c.Retry.Count)
	}
	if c.Retry.DelayMs < 0 {
		fail("retry.delay_ms", "must not be negative, got %d", c.Retry.DelayMs)
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		fail("rate_limit.requests_per_minute", "must be positive, got %d", c.RateLimit.RequestsPerMinute)
	}
	if c.RateLimit.TokensPerMinute < 0 {
		fail("rate_limit.tokens_per_minute", "must not be negative, got %d", c.RateLimit.TokensPerMinute)
	}

	// ==========================================================================
	// Session
	// ==========================================================================

	if c.Session.RefreshIntervalSecs <= 0 {
		fail("session.refresh_interval_secs", "must be positive, got %d", c.Session.RefreshIntervalSecs)
	}
	if c.Session.RefreshThresholdSecs < 0 {
		fail("session.refresh_threshold_secs", "must not be negative, got %d", c.Session.RefreshThresholdSecs)
	}
	if c.Session.DefaultLifetimeSecs <= 0 {
		fail("session.default_lifetime_secs", "must be positive, got %d", c.Session.DefaultLifetimeSecs)
	} else if c.Session.RefreshThresholdSecs >= c.Session.DefaultLifetimeSecs {
		warn("session.refresh_threshold_secs >= default_lifetime_secs; sessions will refresh on every sweep")
	}

	// ==========================================================================
	// Logging
	// ==========================================================================

	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		fail("logging.level", "invalid level '%s'", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		fail("logging.format", "invalid format '%s', must be one of: json, console", c.Logging.Format)
	}

	return r
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
