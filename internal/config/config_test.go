// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	res := Validate(Default())
	require.True(t, res.OK(), "defaults should validate: %v", res.Errors)
	assert.NotEmpty(t, res.Warnings, "missing api key should warn")
}

func TestMerge_AbsentKeysKeepDefaults(t *testing.T) {
	got := Merge(Default(), &Patch{
		Model:      Ptr("gpt-4o"),
		Generation: &GenerationPatch{Temperature: Ptr(0.0)},
	})

	want := Default()
	want.Model = "gpt-4o"
	want.Generation.Temperature = 0

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Merge() mismatch (-want +got):\n%s", diff)
	}
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	base := Default()
	base.Mode = ModeAuthenticated
	base.Credentials = &Credentials{Email: "a@b.c", Password: "pw"}
	snapshot := base.Clone()

	p := &Patch{Mode: Ptr(ModePublic)}
	_ = Merge(base, p)

	if diff := cmp.Diff(snapshot, base); diff != "" {
		t.Errorf("base mutated (-want +got):\n%s", diff)
	}
}

func TestMerge_ModeRules(t *testing.T) {
	creds := &Credentials{Email: "user@example.com", Password: "hunter2"}

	tests := []struct {
		name        string
		base        func() *Config
		patch       *Patch
		wantBaseURL string
		wantCreds   bool
	}{
		{
			name:        "public strips credentials",
			base:        Default,
			patch:       &Patch{Credentials: creds},
			wantBaseURL: DefaultBaseURL,
			wantCreds:   false,
		},
		{
			name:        "entering authenticated rewrites base url",
			base:        Default,
			patch:       &Patch{Mode: Ptr(ModeAuthenticated), Credentials: creds},
			wantBaseURL: AuthenticatedBaseURL,
			wantCreds:   true,
		},
		{
			name:        "explicit base url wins",
			base:        Default,
			patch:       &Patch{Mode: Ptr(ModeAuthenticated), BaseURL: Ptr("https://proxy.example.com"), Credentials: creds},
			wantBaseURL: "https://proxy.example.com",
			wantCreds:   true,
		},
		{
			name: "already authenticated keeps base url",
			base: func() *Config {
				c := Default()
				c.Mode = ModeAuthenticated
				c.BaseURL = "https://custom.example.com"
				c.Credentials = creds.Clone()
				return c
			},
			patch:       &Patch{Model: Ptr("gpt-4o")},
			wantBaseURL: "https://custom.example.com",
			wantCreds:   true,
		},
		{
			name: "switching to public drops credentials",
			base: func() *Config {
				c := Default()
				c.Mode = ModeAuthenticated
				c.Credentials = creds.Clone()
				return c
			},
			patch:       &Patch{Mode: Ptr(ModePublic)},
			wantBaseURL: DefaultBaseURL,
			wantCreds:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.base(), tt.patch)
			assert.Equal(t, tt.wantBaseURL, got.BaseURL)
			assert.Equal(t, tt.wantCreds, got.Credentials != nil)
		})
	}
}

func TestMerge_CredentialsFieldByField(t *testing.T) {
	base := Default()
	base.Mode = ModeAuthenticated
	base.Credentials = &Credentials{Email: "a@b.c", Password: "old", SessionToken: "tok"}

	got := Merge(base, &Patch{Credentials: &Credentials{Password: "new"}})

	require.NotNil(t, got.Credentials)
	assert.Equal(t, "a@b.c", got.Credentials.Email)
	assert.Equal(t, "new", got.Credentials.Password)
	assert.Equal(t, "tok", got.Credentials.SessionToken)
}

// Any stored record, merged over defaults, validates exactly when it is
// structurally sound.
func TestValidate_MergedRecords(t *testing.T) {
	tests := []struct {
		name      string
		record    *Patch
		wantOK    bool
		wantField string
	}{
		{
			name:   "empty record",
			record: &Patch{},
			wantOK: true,
		},
		{
			name:      "authenticated without credentials",
			record:    &Patch{Mode: Ptr(ModeAuthenticated)},
			wantOK:    false,
			wantField: "credentials",
		},
		{
			name:      "authenticated with email only",
			record:    &Patch{Mode: Ptr(ModeAuthenticated), Credentials: &Credentials{Email: "a@b.c"}},
			wantOK:    false,
			wantField: "credentials",
		},
		{
			name:   "authenticated with login",
			record: &Patch{Mode: Ptr(ModeAuthenticated), Credentials: &Credentials{Email: "a@b.c", Password: "pw"}},
			wantOK: true,
		},
		{
			name:   "public with credentials is stripped and accepted",
			record: &Patch{Mode: Ptr(ModePublic), Credentials: &Credentials{Email: "a@b.c"}},
			wantOK: true,
		},
		{
			name:      "unknown mode",
			record:    &Patch{Mode: Ptr(Mode("hybrid"))},
			wantOK:    false,
			wantField: "mode",
		},
		{
			name:      "temperature out of range",
			record:    &Patch{Generation: &GenerationPatch{Temperature: Ptr(2.5)}},
			wantOK:    false,
			wantField: "generation.temperature",
		},
		{
			name:      "max tokens too large",
			record:    &Patch{Generation: &GenerationPatch{MaxTokens: Ptr(MaxMaxTokens + 1)}},
			wantOK:    false,
			wantField: "generation.max_tokens",
		},
		{
			name:      "top_p above one",
			record:    &Patch{Generation: &GenerationPatch{TopP: Ptr(1.1)}},
			wantOK:    false,
			wantField: "generation.top_p",
		},
		{
			name:      "penalty below range",
			record:    &Patch{Generation: &GenerationPatch{PresencePenalty: Ptr(-2.1)}},
			wantOK:    false,
			wantField: "generation.presence_penalty",
		},
		{
			name:      "retry count above ten",
			record:    &Patch{Retry: &RetryPatch{Count: Ptr(11)}},
			wantOK:    false,
			wantField: "retry.count",
		},
		{
			name:      "bad base url",
			record:    &Patch{BaseURL: Ptr("not a url")},
			wantOK:    false,
			wantField: "base_url",
		},
		{
			name:      "bad log level",
			record:    &Patch{Logging: &LoggingPatch{Level: Ptr("loud")}},
			wantOK:    false,
			wantField: "logging.level",
		},
		{
			name:      "zero requests per minute",
			record:    &Patch{RateLimit: &RateLimitPatch{RequestsPerMinute: Ptr(0)}},
			wantOK:    false,
			wantField: "rate_limit.requests_per_minute",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Validate(Merge(Default(), tt.record))
			assert.Equal(t, tt.wantOK, res.OK(), "errors: %v", res.Errors)
			if tt.wantField != "" {
				assert.True(t, res.Errors.Has(tt.wantField), "expected error on %s, got %v", tt.wantField, res.Errors)
			}
		})
	}
}

func TestValidate_Warnings(t *testing.T) {
	cfg := Default()
	cfg.BaseURL = "http://api.example.com/v1"
	cfg.Generation.Temperature = 1.8
	cfg.Enabled = false

	res := Validate(cfg)
	require.True(t, res.OK())

	joined := strings.Join(res.Warnings, "\n")
	assert.Contains(t, joined, "plain HTTP")
	assert.Contains(t, joined, "temperature")
	assert.Contains(t, joined, "disabled")
}

func TestValidate_LoopbackHTTPDoesNotWarn(t *testing.T) {
	cfg := Default()
	cfg.APIKey = "sk-test"
	cfg.BaseURL = "http://127.0.0.1:8080/v1"

	res := Validate(cfg)
	require.True(t, res.OK())
	assert.Empty(t, res.Warnings)
}

func TestValidateErrors_Error(t *testing.T) {
	errs := ValidateErrors{
		{Field: "a", Message: "bad"},
		{Field: "b", Message: "worse"},
	}
	assert.Equal(t, "a: bad; b: worse", errs.Error())
	assert.Equal(t, "no validation errors", ValidateErrors{}.Error())
}

func TestConfigString_RedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.Mode = ModeAuthenticated
	cfg.APIKey = "sk-very-secret"
	cfg.Credentials = &Credentials{
		Email:        "user@example.com",
		Password:     "hunter2",
		SessionToken: "session-secret",
	}

	s := cfg.String()
	assert.NotContains(t, s, "sk-very-secret")
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, "session-secret")
	assert.Contains(t, s, "user@example.com")
	assert.Contains(t, s, "[REDACTED]")

	// Redaction works on a copy.
	assert.Equal(t, "hunter2", cfg.Credentials.Password)
}

func TestConfig_Durations(t *testing.T) {
	cfg := Default()
	assert.Equal(t, int64(60), int64(cfg.Timeout().Seconds()))
	assert.Equal(t, int64(1000), cfg.RetryDelay().Milliseconds())
	assert.Equal(t, int64(60), int64(cfg.RefreshInterval().Seconds()))
	assert.Equal(t, int64(300), int64(cfg.RefreshThreshold().Seconds()))
	assert.Equal(t, int64(3600), int64(cfg.SessionLifetime().Seconds()))
}

func TestFormatFor(t *testing.T) {
	assert.Equal(t, FormatTOML, FormatFor("config.toml"))
	assert.Equal(t, FormatTOML, FormatFor("config"))
	assert.Equal(t, FormatJSON, FormatFor("config.JSON"))
	assert.Equal(t, FormatYAML, FormatFor("config.yml"))
	assert.Equal(t, FormatYAML, FormatFor("config.yaml"))
	assert.Equal(t, ".yaml", FormatYAML.Ext())
}
