package upstream

import (
	"errors"
	"fmt"
	"net/http"
)

// Provider error codes we classify from response bodies.
const (
	CodeAccountDeactivated = "account_deactivated"
	CodeWorkspaceExpired   = "deactivated_workspace"
)

// Error is a typed provider failure. Status follows HTTP semantics; Code
// carries the provider's machine-readable error code when one was present.
type Error struct {
	Status  int
	Code    string
	Message string

	// UpstreamStatus is set when the failure happened while talking to a
	// secondary endpoint (e.g. the OAuth token endpoint during a refresh).
	UpstreamStatus int
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream: %s (status %d, code %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("upstream: %s (status %d)", e.Message, e.Status)
}

// New builds a typed provider error.
func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// Unavailable is the classification for transport-level failures (DNS,
// connect, timeout). Always retriable.
func Unavailable(message string) *Error {
	return New(http.StatusServiceUnavailable, "unavailable", message)
}

// Unauthorized is the classification for an expired or invalid credential.
func Unauthorized(message string) *Error {
	return New(http.StatusUnauthorized, "", message)
}

// StatusOf extracts the HTTP-like status from an error chain, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// CodeOf extracts the provider error code from an error chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsUnauthorized reports whether the failure means the access credential
// was rejected, which is the auto-refresh trigger.
func IsUnauthorized(err error) bool {
	return StatusOf(err) == http.StatusUnauthorized
}

// IsWorkspaceExpired reports whether the provider says the workspace's
// subscription has lapsed.
func IsWorkspaceExpired(err error) bool {
	if CodeOf(err) == CodeWorkspaceExpired {
		return true
	}
	return StatusOf(err) == http.StatusPaymentRequired
}

// IsNotFound reports a provider 404 (member already gone, unknown account).
func IsNotFound(err error) bool {
	return StatusOf(err) == http.StatusNotFound
}

// IsRetriable reports whether a batch runner should retry the operation:
// rate limiting, service unavailability, or any 5xx.
func IsRetriable(err error) bool {
	status := StatusOf(err)
	if status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500 && status < 600
}
