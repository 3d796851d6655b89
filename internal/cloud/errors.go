// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error variables for transport failures.
var (
	// ErrRetriesExhausted wraps the last error once every retry has failed.
	ErrRetriesExhausted = errors.New("max retries exceeded")

	// ErrEmptyResponse indicates a completion response without choices.
	ErrEmptyResponse = errors.New("completion response contained no choices")

	// ErrResponseTooLarge indicates a body over MaxResponseSize.
	ErrResponseTooLarge = errors.New("response exceeded maximum size")

	// ErrResponseInterrupted indicates the connection failed while the body
	// was being read. It is retried like any other connection failure.
	ErrResponseInterrupted = errors.New("response interrupted")
)

// DefaultRetryAfter is used when a 429 carries no usable Retry-After.
const DefaultRetryAfter = 60 * time.Second

// APIError is a non-2xx response from the provider.
type APIError struct {
	Status  int
	Code    string
	Type    string
	Message string

	// RetryAfter is the server's wait hint, set for 429 responses.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("api error (HTTP %d): %s", e.Status, e.Message)
}

// Retryable reports whether the transport retries this status.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsAuth reports a 401 or 403.
func (e *APIError) IsAuth() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// apiErrorResponse is the provider's error envelope. The account backend uses
// a bare "detail" string instead.
type apiErrorResponse struct {
	Error *struct {
		Code    json.RawMessage `json:"code"`
		Type    string          `json:"type"`
		Message string          `json:"message"`
	} `json:"error"`
	Detail string `json:"detail"`
}

const maxErrorBody = 512

// newAPIError converts an error response into an *APIError.
func newAPIError(status int, header http.Header, body []byte, now time.Time) *APIError {
	apiErr := &APIError{Status: status}

	var parsed apiErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch {
		case parsed.Error != nil:
			apiErr.Message = parsed.Error.Message
			apiErr.Type = parsed.Error.Type
			apiErr.Code = rawString(parsed.Error.Code)
		case parsed.Detail != "":
			apiErr.Message = parsed.Detail
		}
	}
	if apiErr.Message == "" {
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody] + "..."
		}
		if msg == "" {
			msg = http.StatusText(status)
		}
		apiErr.Message = msg
	}

	if status == http.StatusTooManyRequests {
		apiErr.RetryAfter = parseRetryAfter(header.Get("Retry-After"), now)
	}
	return apiErr
}

// rawString renders a JSON code that may be a string, number or null.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return DefaultRetryAfter
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}
