// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package recovery

import (
	"fmt"
	"time"
)

// =============================================================================
// ERROR KINDS
// =============================================================================

// Kind is the closed set of error classes.
type Kind string

const (
	KindNetwork            Kind = "network"
	KindTimeout            Kind = "timeout"
	KindConnection         Kind = "connection"
	KindAPI                Kind = "api"
	KindRateLimitExceeded  Kind = "rate_limit_exceeded"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindInvalidRequest     Kind = "invalid_request"
	KindAuthentication     Kind = "authentication"
	KindInvalidCredentials Kind = "invalid_credentials"
	KindSessionExpired     Kind = "session_expired"
	KindAccessDenied       Kind = "access_denied"
	KindConfiguration      Kind = "configuration"
	KindInvalidConfig      Kind = "invalid_config"
	KindServiceUnavailable Kind = "service_unavailable"
	KindMaintenance        Kind = "maintenance"
	KindContentFilter      Kind = "content_filter"
	KindPolicyViolation    Kind = "policy_violation"
	KindUnknown            Kind = "unknown"
)

var allKinds = []Kind{
	KindNetwork, KindTimeout, KindConnection, KindAPI,
	KindRateLimitExceeded, KindQuotaExceeded, KindInvalidRequest,
	KindAuthentication, KindInvalidCredentials, KindSessionExpired,
	KindAccessDenied, KindConfiguration, KindInvalidConfig,
	KindServiceUnavailable, KindMaintenance, KindContentFilter,
	KindPolicyViolation, KindUnknown,
}

// Retryable reports whether re-attempting the same operation may succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindConnection,
		KindRateLimitExceeded, KindServiceUnavailable:
		return true
	}
	return false
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	for _, v := range allKinds {
		if v == k {
			return true
		}
	}
	return false
}

// =============================================================================
// ERROR RECORD
// =============================================================================

// Error is a classified failure. Error() returns the user-safe message;
// Message keeps the underlying detail for logs.
type Error struct {
	Kind        Kind
	Message     string
	UserMessage string
	Details     map[string]any
	Retryable   bool
	Status      int
	Timestamp   time.Time
	Actions     []Action

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the original error.
func (e *Error) Unwrap() error {
	return e.cause
}

// HasAutomaticAction reports whether e carries at least one automatic action.
func (e *Error) HasAutomaticAction() bool {
	return HasAutomaticAction(e.Actions)
}

// ShouldRetry reports whether the failed operation may be retried without
// asking the operator.
func (e *Error) ShouldRetry() bool {
	return e.Retryable && e.HasAutomaticAction()
}
