// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sort"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jeranaias/rigrun-adapter/internal/cloud"
	"github.com/jeranaias/rigrun-adapter/internal/config"
	"github.com/jeranaias/rigrun-adapter/internal/event"
	"github.com/jeranaias/rigrun-adapter/internal/session"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// =============================================================================
// CLASSIFICATION TESTS
// =============================================================================

func TestClassify_HTTPStatus(t *testing.T) {
	tests := []struct {
		name      string
		err       *cloud.APIError
		want      Kind
		retryable bool
	}{
		{"bad request", &cloud.APIError{Status: 400}, KindInvalidRequest, false},
		{"unauthorized", &cloud.APIError{Status: 401}, KindAuthentication, false},
		{"invalid key", &cloud.APIError{Status: 401, Code: "invalid_api_key"}, KindInvalidCredentials, false},
		{"payment", &cloud.APIError{Status: 402}, KindQuotaExceeded, false},
		{"forbidden", &cloud.APIError{Status: 403}, KindAccessDenied, false},
		{"not found", &cloud.APIError{Status: 404}, KindAPI, false},
		{"rate limit", &cloud.APIError{Status: 429}, KindRateLimitExceeded, true},
		{"quota via 429", &cloud.APIError{Status: 429, Code: "insufficient_quota"}, KindQuotaExceeded, false},
		{"server error", &cloud.APIError{Status: 500}, KindServiceUnavailable, true},
		{"bad gateway", &cloud.APIError{Status: 502}, KindServiceUnavailable, true},
		{"unavailable", &cloud.APIError{Status: 503, Message: "overloaded"}, KindServiceUnavailable, true},
		{"maintenance", &cloud.APIError{Status: 503, Message: "Scheduled Maintenance"}, KindMaintenance, false},
		{"content filter", &cloud.APIError{Status: 400, Code: "content_filter"}, KindContentFilter, false},
		{"content policy", &cloud.APIError{Status: 400, Type: "content_policy_violation"}, KindPolicyViolation, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New()
			got := c.Classify(tt.err, nil)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Kind)
			assert.Equal(t, tt.retryable, got.Retryable)
			assert.Equal(t, tt.err.Status, got.Status)
			assert.Equal(t, UserMessage(tt.want), got.Error())
		})
	}
}

func TestClassify_WrappedAPIError(t *testing.T) {
	c := New()
	err := fmt.Errorf("%w after 3 attempts: %w", cloud.ErrRetriesExhausted, &cloud.APIError{Status: 502})

	got := c.Classify(err, nil)
	assert.Equal(t, KindServiceUnavailable, got.Kind)
	assert.ErrorIs(t, got, cloud.ErrRetriesExhausted)
}

func TestClassify_Transport(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", fmt.Errorf("chat: %w", context.DeadlineExceeded), KindTimeout},
		{"net timeout", &url.Error{Op: "Post", URL: "http://x", Err: timeoutErr{}}, KindTimeout},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.example"}, KindConnection},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, KindConnection},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), KindConnection},
		{"truncated body", fmt.Errorf("failed to read response: %w: %w", cloud.ErrResponseInterrupted, io.ErrUnexpectedEOF), KindConnection},
		{"unexpected eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), KindConnection},
		{"url other", &url.Error{Op: "Get", URL: "http://x", Err: errors.New("boom")}, KindNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New().Classify(tt.err, nil)
			assert.Equal(t, tt.want, got.Kind)
			assert.True(t, got.Retryable)
			assert.True(t, got.HasAutomaticAction())
		})
	}
}

func TestClassify_Sentinels(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", fmt.Errorf("load: %w", config.ValidateErrors{{Field: "model", Message: "required"}}), KindInvalidConfig},
		{"secret key", config.ErrSecretKeyRequired, KindConfiguration},
		{"expired", session.ErrSessionExpired, KindSessionExpired},
		{"no session", session.ErrNoActiveSession, KindSessionExpired},
		{"not supported", session.ErrNotSupported, KindAuthentication},
		{"wrong mode", session.ErrWrongMode, KindConfiguration},
		{"unknown conversation", fmt.Errorf("%w: abc", session.ErrConversationNotFound), KindInvalidRequest},
		{"empty response", cloud.ErrEmptyResponse, KindAPI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, New().Classify(tt.err, nil).Kind)
		})
	}
}

func TestClassify_Keywords(t *testing.T) {
	tests := []struct {
		msg  string
		want Kind
	}{
		{"Network is down", KindNetwork},
		{"lost connection to peer", KindNetwork},
		{"operation timed out", KindTimeout},
		{"login required", KindAuthentication},
		{"bad credential", KindAuthentication},
		{"missing setting foo", KindConfiguration},
		{"Rate limit reached", KindRateLimitExceeded},
		{"monthly quota used", KindQuotaExceeded},
		{"output was filtered", KindContentFilter},
		{"something odd", KindUnknown},
		// Earlier patterns win.
		{"connection timeout", KindNetwork},
		{"auth config missing", KindAuthentication},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, New().Classify(errors.New(tt.msg), nil).Kind)
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	c := New()
	assert.Nil(t, c.Classify(nil, nil))
	assert.Zero(t, c.Len())
}

func TestClassify_AlreadyClassified(t *testing.T) {
	c := New()
	first := c.Classify(errors.New("timeout"), nil)
	second := c.Classify(fmt.Errorf("again: %w", first), nil)

	assert.Same(t, first, second)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, KindTimeout, c.Kind(second))
}

func TestClassify_RecordFields(t *testing.T) {
	now := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	core, logs := observer.New(zap.WarnLevel)
	rec := &event.Recorder{}
	c := New(WithClock(func() time.Time { return now }), WithLogger(zap.New(core)))
	c.Subscribe(rec)

	cause := errors.New("rate limit hit")
	details := map[string]any{"op": "chat"}
	got := c.Classify(cause, details)
	details["op"] = "mutated"

	assert.Equal(t, now, got.Timestamp)
	assert.Equal(t, "rate limit hit", got.Message)
	assert.Equal(t, "chat", got.Details["op"])
	assert.ErrorIs(t, got, cause)
	assert.True(t, got.ShouldRetry())

	require.Equal(t, 1, rec.Count(event.ErrorClassified))
	assert.Equal(t, "rate_limit_exceeded", rec.Events()[0].Attr("kind"))
	assert.Equal(t, 1, logs.FilterMessage("error classified").Len())
}

func TestKind_Unrecorded(t *testing.T) {
	c := New()
	assert.Equal(t, KindAccessDenied, c.Kind(&cloud.APIError{Status: 403}))
	assert.Equal(t, KindUnknown, c.Kind(nil))
	assert.Zero(t, c.Len())
}

func TestMatcher_AddPattern(t *testing.T) {
	m := NewMatcher()
	assert.Equal(t, KindUnknown, m.Match(""))
	assert.Equal(t, KindUnknown, m.Match("moderation flagged"))

	require.NoError(t, m.AddPattern(Pattern{Kind: KindPolicyViolation, Keywords: []string{"Moderation"}}))
	assert.ErrorIs(t, m.AddPattern(Pattern{Kind: "bogus", Keywords: []string{"flagged"}}), ErrUnknownKind)
	assert.Equal(t, KindPolicyViolation, m.Match("moderation flagged"))

	c := New(WithMatcher(m))
	assert.Equal(t, KindPolicyViolation, c.Classify(errors.New("moderation flagged"), nil).Kind)
}

// =============================================================================
// ACTION TESTS
// =============================================================================

func TestActionsFor_Examples(t *testing.T) {
	rl := ActionsFor(KindRateLimitExceeded)
	require.Len(t, rl, 2)
	assert.Equal(t, ActionWait, rl[0].Type)
	assert.True(t, rl[0].Automatic)
	assert.Equal(t, ActionReduceFrequency, rl[1].Type)
	assert.True(t, rl[1].Automatic)

	auth := ActionsFor(KindAuthentication)
	require.Len(t, auth, 2)
	assert.Equal(t, ActionReauthenticate, auth[0].Type)
	assert.Equal(t, ActionCheckCredentials, auth[1].Type)
	assert.False(t, HasAutomaticAction(auth))
}

func TestActionsFor_EveryKindSortedAndMessaged(t *testing.T) {
	for _, k := range allKinds {
		actions := ActionsFor(k)
		assert.NotEmpty(t, actions, k)
		assert.True(t, sort.SliceIsSorted(actions, func(i, j int) bool {
			return actions[i].Priority < actions[j].Priority
		}), k)
		if k != KindUnknown {
			assert.NotEqual(t, UserMessage(KindUnknown), UserMessage(k), "kind %s shares the fallback message", k)
		}
		assert.True(t, k.Valid())
	}
	assert.Len(t, allKinds, 18)
	assert.False(t, Kind("bogus").Valid())
	assert.Equal(t, ActionsFor(KindUnknown), ActionsFor(Kind("bogus")))
	assert.Equal(t, UserMessage(KindUnknown), UserMessage(Kind("bogus")))
}

func TestActionsFor_ReturnsCopy(t *testing.T) {
	a := ActionsFor(KindTimeout)
	a[0].Automatic = false
	assert.True(t, ActionsFor(KindTimeout)[0].Automatic)
}

func TestRetryableKindsHaveAutomaticActions(t *testing.T) {
	for _, k := range allKinds {
		if k.Retryable() {
			assert.True(t, HasAutomaticAction(ActionsFor(k)), k)
		}
	}
}

// =============================================================================
// HISTORY TESTS
// =============================================================================

func TestHistory_RingEvictsOldest(t *testing.T) {
	c := New(WithCapacity(3))
	for i := 0; i < 5; i++ {
		c.Classify(fmt.Errorf("err %d", i), nil)
	}

	hist := c.History()
	require.Len(t, hist, 3)
	assert.Equal(t, "err 2", hist[0].Message)
	assert.Equal(t, "err 4", hist[2].Message)
	assert.Equal(t, 3, c.Len())
}

func TestHistory_DefaultCapacity(t *testing.T) {
	c := New(WithCapacity(0))
	for i := 0; i < DefaultHistorySize+10; i++ {
		c.Classify(errors.New("x"), nil)
	}
	assert.Equal(t, DefaultHistorySize, c.Len())
}

func TestClearHistory(t *testing.T) {
	c := New()
	c.Classify(errors.New("timeout"), nil)
	c.ClearHistory()

	assert.Zero(t, c.Len())
	assert.Empty(t, c.History())
	assert.Equal(t, 0, c.Stats().Total)
}

func TestStats(t *testing.T) {
	c := New()
	assert.Equal(t, Stats{ByKind: map[Kind]int{}}, c.Stats())

	c.Classify(&cloud.APIError{Status: 429}, nil)
	c.Classify(&cloud.APIError{Status: 429}, nil)
	c.Classify(&cloud.APIError{Status: 400}, nil)
	c.Classify(context.DeadlineExceeded, nil)

	st := c.Stats()
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 2, st.ByKind[KindRateLimitExceeded])
	assert.Equal(t, KindRateLimitExceeded, st.MostCommon)
	assert.InDelta(t, 0.75, st.RetryableRatio, 1e-9)
}

func TestStats_TieGoesToFirstDeclared(t *testing.T) {
	c := New()
	c.Classify(&cloud.APIError{Status: 403}, nil)
	c.Classify(context.DeadlineExceeded, nil)

	assert.Equal(t, KindTimeout, c.Stats().MostCommon)
}
