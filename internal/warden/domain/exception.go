package domain

import (
	"strings"
	"time"
)

// ExceptionStatus is the lifecycle state of an exception-history row.
type ExceptionStatus string

const (
	ExceptionActive   ExceptionStatus = "active"
	ExceptionResolved ExceptionStatus = "resolved"
	ExceptionIgnored  ExceptionStatus = "ignored"
)

// NormalizeExceptionStatus maps free-form input onto a valid status,
// defaulting to active.
func NormalizeExceptionStatus(v string) ExceptionStatus {
	switch ExceptionStatus(normalizeRaw(v)) {
	case ExceptionResolved:
		return ExceptionResolved
	case ExceptionIgnored:
		return ExceptionIgnored
	default:
		return ExceptionActive
	}
}

// ExceptionRecord is the single live "this account is currently failing"
// row per account. Re-occurrence updates the row in place; FirstSeenAt
// never moves after insert.
type ExceptionRecord struct {
	AccountID   int64
	AccountName string
	Type        string
	Code        string
	Message     string
	Source      string
	Status      ExceptionStatus
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// ParseFailure is a failure payload we could not attribute to an account.
// Kept unstructured so nothing is dropped on the floor.
type ParseFailure struct {
	Source     string
	Reason     string
	RawPayload string
	CreatedAt  time.Time
}

// Lock is a TTL-fenced mutual-exclusion row. At most one live (unexpired)
// row exists per key; the holder value fences release against a holder
// that lost the lock to expiry.
type Lock struct {
	Key       string
	Value     string
	ExpiresAt int64 // epoch seconds
	CreatedAt time.Time
}

// SeatProtection shields an email address from eviction while unexpired.
type SeatProtection struct {
	ID          int64
	TargetEmail string
	ExpiresAt   *time.Time
	CreatedAt   time.Time
}

// Patron is a local self-service user who may currently hold a seat in one
// of the pooled workspaces.
type Patron struct {
	ID                  int64
	Email               string
	CurrentAccountID    *int64
	CurrentAccountEmail string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NormalizeEmail lower-cases and trims an email for comparison. Empty input
// stays empty.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
