package store

import (
	"context"
	"errors"
	"time"

	"github.com/openseats/warden/internal/warden/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the root data access interface. Concrete drivers (sqlite for now)
// implement this. It exposes sub-repositories to keep concerns tidy and
// testable. The capacity engine never needs cross-repo transactions: each
// statement is independently visible, which is also why lock acquisition and
// the first account read after it are documented as non-atomic.
type Store interface {
	Accounts() Accounts
	Patrons() Patrons
	Locks() Locks
	Exceptions() Exceptions
	SeatProtections() SeatProtections

	ApplyMigrations() error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

type Accounts interface {
	// CreateAccount inserts a workspace account (administrative provisioning)
	// and returns the generated id.
	CreateAccount(ctx context.Context, a domain.Account) (int64, error)

	// GetAccountByID returns a managed workspace account by id.
	GetAccountByID(ctx context.Context, id int64) (domain.Account, error)

	// ListAccounts returns every account, newest first.
	ListAccounts(ctx context.Context) ([]domain.Account, error)

	// ListOpenAccounts enumerates the sweep worklist: self-service-open,
	// not banned, optionally restricted to accounts created within the
	// trailing window. createdWithinDays <= 0 disables the window.
	ListOpenAccounts(ctx context.Context, createdWithinDays int) ([]domain.AccountRef, error)

	// ListOpenAccountIDs enumerates the reconciliation worklist ordered by
	// sort_order then id.
	ListOpenAccountIDs(ctx context.Context) ([]int64, error)

	// UpdateTokens persists a refreshed credential pair and bumps updated_at.
	UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string) error

	// UpdateUserCount overwrites the cached joined counter.
	UpdateUserCount(ctx context.Context, id int64, userCount int) error

	// UpdateInviteCount overwrites the cached invite counter.
	UpdateInviteCount(ctx context.Context, id int64, inviteCount int) error

	// MarkBanned closes the account and flags it banned with the ban not
	// yet processed downstream.
	MarkBanned(ctx context.Context, id int64) error

	// SetSpaceStatus records the observed health verdict.
	SetSpaceStatus(ctx context.Context, id int64, code domain.SpaceStatusCode, reason string) error
}

type Patrons interface {
	// ClearWorkspaceAssignment detaches any patron whose current workspace
	// reference points at the given account via the evicted member's email.
	ClearWorkspaceAssignment(ctx context.Context, accountID int64, email string) error

	// GetPatronByEmail is used by tests and the route layer to inspect
	// assignments.
	GetPatronByEmail(ctx context.Context, email string) (domain.Patron, error)

	// CreatePatron inserts a patron row.
	CreatePatron(ctx context.Context, p domain.Patron) error
}

type Locks interface {
	// Acquire sweeps expired rows then attempts the atomic insert of
	// (key, holder, now+ttl). A collision with a live row yields
	// (false, nil): contention is a signal, not an error.
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// Release deletes the row only when both key and holder match, so a
	// worker that overran its TTL cannot release a successor's lock.
	Release(ctx context.Context, key, holder string) error

	// DeleteExpired reaps dead rows. Acquire already self-cleans; this
	// exists purely to bound table growth between acquisitions.
	DeleteExpired(ctx context.Context) error
}

type Exceptions interface {
	// Upsert inserts or refreshes the single live exception row for the
	// record's account. first_seen_at is fixed at insert; conflicts update
	// code, message, status and last_seen_at in place.
	Upsert(ctx context.Context, rec domain.ExceptionRecord) error

	// GetByAccountID fetches the live exception row for an account.
	GetByAccountID(ctx context.Context, accountID int64) (domain.ExceptionRecord, error)

	// EnqueueParseFailure records a failure payload that could not be
	// attributed to an account.
	EnqueueParseFailure(ctx context.Context, f domain.ParseFailure) error

	// CountParseFailures is used by tests and admin reporting.
	CountParseFailures(ctx context.Context) (int, error)

	// DeleteParseFailuresBefore purges old unstructured failures
	// (housekeeping only).
	DeleteParseFailuresBefore(ctx context.Context, cutoff time.Time) error
}

type SeatProtections interface {
	// ListActiveProtectedEmails returns the normalized set of emails whose
	// protection has not expired.
	ListActiveProtectedEmails(ctx context.Context) (map[string]struct{}, error)

	// CreateSeatProtection inserts an allowlist row. A nil expiry protects
	// indefinitely.
	CreateSeatProtection(ctx context.Context, p domain.SeatProtection) error
}
