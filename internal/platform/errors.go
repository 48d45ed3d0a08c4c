// Package platform is the typed HTTP client for the external Credential Platform:
// OAuth token caching, invitation and proof-request creation, proof-detail
// retrieval, and verification. All transport and HTTP failures are normalized
// into *Error before they leave this package.
package platform

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a platform error for retry and handler decisions.
type Kind string

const (
	// KindNetwork is a transport-level failure (DNS, timeout, connection reset). Retryable.
	KindNetwork Kind = "network"
	// KindAuthenticationFailed means the token exchange itself was rejected. Not retryable.
	KindAuthenticationFailed Kind = "authentication_failed"
	// KindAuthorizationExpired is a 401 on an authenticated call; the client refreshes and retries once.
	KindAuthorizationExpired Kind = "authorization_expired"
	// KindValidation is a 4xx for a malformed request body. Not retryable.
	KindValidation Kind = "validation"
	// KindRateLimit is a 429; retryable with a linear backoff schedule.
	KindRateLimit Kind = "rate_limit"
	// KindPlatform is any other HTTP-level failure from the platform.
	KindPlatform Kind = "platform"
)

// Error is the normalized error shape for every failed platform call.
type Error struct {
	Kind    Kind
	Code    string // machine-readable code from the platform body, if any
	Message string
	Status  int // HTTP status, 0 for transport failures
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("platform: %s (%s, status %d): %s", e.Kind, e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("platform: %s: %s", e.Kind, e.Message)
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, else "".
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// Retryable reports whether the error is worth retrying: network failures,
// rate limits, platform 5xx, and request timeouts. Auth and validation
// failures are not.
func Retryable(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Kind {
	case KindNetwork, KindRateLimit:
		return true
	case KindPlatform:
		return pe.Status >= 500 || pe.Status == http.StatusRequestTimeout
	default:
		return false
	}
}

func networkError(err error) *Error {
	return &Error{Kind: KindNetwork, Code: "network_error", Message: err.Error()}
}
