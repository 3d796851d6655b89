// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package recovery

var userMessages = map[Kind]string{
	KindNetwork:            "A network error occurred. Check your connection and try again.",
	KindTimeout:            "The request timed out. Please try again.",
	KindConnection:         "Could not connect to the service. Check your network settings.",
	KindAPI:                "The service returned an unexpected error.",
	KindRateLimitExceeded:  "Too many requests. Please wait a moment before trying again.",
	KindQuotaExceeded:      "Your usage quota has been exceeded.",
	KindInvalidRequest:     "The request was invalid. Check your input and try again.",
	KindAuthentication:     "Authentication failed. Please sign in again.",
	KindInvalidCredentials: "The supplied credentials were rejected.",
	KindSessionExpired:     "Your session has expired. Please sign in again.",
	KindAccessDenied:       "Access denied. Your account cannot use this resource.",
	KindConfiguration:      "There is a problem with the configuration.",
	KindInvalidConfig:      "The configuration is invalid.",
	KindServiceUnavailable: "The service is temporarily unavailable. Please try again shortly.",
	KindMaintenance:        "The service is undergoing maintenance. Please try again later.",
	KindContentFilter:      "The message was blocked by the content filter.",
	KindPolicyViolation:    "The message violates the usage policy.",
	KindUnknown:            "An unexpected error occurred.",
}

// UserMessage returns a one-line message for kind that is safe to show an
// operator. It never includes provider detail.
func UserMessage(kind Kind) string {
	if msg, ok := userMessages[kind]; ok {
		return msg
	}
	return userMessages[KindUnknown]
}
