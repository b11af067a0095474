// Package service holds the governance engine: credential auto-refresh,
// membership sync, capacity enforcement, the schedulers that apply them
// across the account pool, and the exception recorder they report into.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openseats/warden/internal/warden/domain"
	"github.com/openseats/warden/internal/warden/proxy"
	"github.com/openseats/warden/internal/warden/store"
	"github.com/openseats/warden/internal/warden/upstream"
)

var (
	// ErrRefreshFailed means the credential was rejected and the refresh
	// grant also failed: the account needs operator attention.
	ErrRefreshFailed = errors.New("credential expired and refresh failed")

	// ErrRetryAfterRefresh means the refresh succeeded but the retried
	// operation still failed; the wrapped error carries the retry status.
	ErrRetryAfterRefresh = errors.New("operation failed after credential refresh")
)

// SyncService runs provider operations for one account under the
// refresh-on-401 policy and keeps the cached membership counters aligned
// with what the provider reports.
type SyncService struct {
	store    store.Store
	provider *upstream.Provider
	logger   *slog.Logger
}

// NewSyncService wires the sync operations.
func NewSyncService(st store.Store, provider *upstream.Provider, logger *slog.Logger) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{store: st, provider: provider, logger: logger}
}

func credentials(a domain.Account) upstream.Credentials {
	return upstream.Credentials{
		AccountID:       a.ID,
		Email:           a.Email,
		RemoteAccountID: a.RemoteAccountID,
		DeviceID:        a.DeviceID,
		AccessToken:     a.AccessToken,
	}
}

// withAutoRefresh loads the account, attempts op, and on a 401 refreshes
// the credential and retries exactly once. The refresh re-reads the account
// first so it always uses the latest stored refresh token, not whatever the
// caller may have cached. Returns the result, the account as last used, and
// whether a refresh happened.
func withAutoRefresh[T any](ctx context.Context, s *SyncService, accountID int64, pref proxy.Preference, op func(ctx context.Context, acct domain.Account) (T, error)) (T, domain.Account, bool, error) {
	var zero T

	acct, err := s.store.Accounts().GetAccountByID(ctx, accountID)
	if err != nil {
		return zero, domain.Account{}, false, fmt.Errorf("load account %d: %w", accountID, err)
	}

	out, err := op(ctx, acct)
	if err == nil {
		return out, acct, false, nil
	}
	if !upstream.IsUnauthorized(err) {
		return zero, acct, false, err
	}

	acct, refreshErr := s.RefreshAccountToken(ctx, accountID, pref)
	if refreshErr != nil {
		return zero, acct, false, fmt.Errorf("%w: %w", ErrRefreshFailed, refreshErr)
	}

	out, err = op(ctx, acct)
	if err != nil {
		return zero, acct, true, fmt.Errorf("%w: %w", ErrRetryAfterRefresh, err)
	}
	return out, acct, true, nil
}

// RefreshAccountToken refreshes the account's credential using the latest
// stored refresh token and persists the new pair before returning the
// updated account. A response without a rotated refresh token keeps the
// stored one.
func (s *SyncService) RefreshAccountToken(ctx context.Context, accountID int64, pref proxy.Preference) (domain.Account, error) {
	acct, err := s.store.Accounts().GetAccountByID(ctx, accountID)
	if err != nil {
		return domain.Account{}, fmt.Errorf("load account %d: %w", accountID, err)
	}

	pair, err := s.provider.RefreshCredential(ctx, acct.RefreshToken, pref)
	if err != nil {
		return acct, err
	}

	refreshToken := pair.RefreshToken
	if refreshToken == "" {
		refreshToken = acct.RefreshToken
	}

	if err := s.store.Accounts().UpdateTokens(ctx, accountID, pair.AccessToken, refreshToken); err != nil {
		return acct, fmt.Errorf("persist refreshed tokens: %w", err)
	}

	s.logger.Info("credential refreshed",
		"account_id", accountID,
		"email", acct.Email,
		"rotated_refresh_token", pair.RefreshToken != "",
	)

	acct.AccessToken = pair.AccessToken
	acct.RefreshToken = refreshToken
	return acct, nil
}

// SyncUserCount pulls the provider's authoritative joined count and
// overwrites the cached counter. Returns the fresh count.
func (s *SyncService) SyncUserCount(ctx context.Context, accountID int64, pref proxy.Preference) (int, error) {
	page, _, _, err := withAutoRefresh(ctx, s, accountID, pref, func(ctx context.Context, acct domain.Account) (domain.MemberPage, error) {
		return s.provider.ListMembers(ctx, credentials(acct), 1, 0, pref)
	})
	if err != nil {
		return 0, err
	}

	count := domain.NormalizeMemberCount(page.Total)
	if err := s.store.Accounts().UpdateUserCount(ctx, accountID, count); err != nil {
		return 0, fmt.Errorf("persist user count: %w", err)
	}
	return count, nil
}

// SyncInviteCount pulls the provider's pending-invite total and overwrites
// the cached counter. Returns the fresh count.
func (s *SyncService) SyncInviteCount(ctx context.Context, accountID int64, pref proxy.Preference) (int, error) {
	page, _, _, err := withAutoRefresh(ctx, s, accountID, pref, func(ctx context.Context, acct domain.Account) (domain.InvitePage, error) {
		return s.provider.ListInvites(ctx, credentials(acct), 1, 0, pref)
	})
	if err != nil {
		return 0, err
	}

	count := page.Total
	if count < 0 {
		count = 0
	}
	if err := s.store.Accounts().UpdateInviteCount(ctx, accountID, count); err != nil {
		return 0, fmt.Errorf("persist invite count: %w", err)
	}
	return count, nil
}

// FetchStandardMembers pages through the full member listing and returns
// only standard-role members, plus the provider's total joined count across
// all roles.
func (s *SyncService) FetchStandardMembers(ctx context.Context, accountID int64, pref proxy.Preference) ([]domain.Member, int, error) {
	type listing struct {
		members []domain.Member
		total   int
	}

	out, _, _, err := withAutoRefresh(ctx, s, accountID, pref, func(ctx context.Context, acct domain.Account) (listing, error) {
		var all listing
		cred := credentials(acct)

		for offset := 0; offset <= upstream.MaxPageOffset; offset += upstream.MaxPageLimit {
			page, err := s.provider.ListMembers(ctx, cred, upstream.MaxPageLimit, offset, pref)
			if err != nil {
				return listing{}, err
			}
			all.total = page.Total
			for _, m := range page.Members {
				if m.IsStandardUser() {
					all.members = append(all.members, m)
				}
			}
			if len(page.Members) == 0 || offset+len(page.Members) >= page.Total {
				break
			}
		}
		return all, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return out.members, out.total, nil
}

// DeleteMember removes one member from the account's workspace under the
// auto-refresh policy.
func (s *SyncService) DeleteMember(ctx context.Context, accountID int64, memberID string, pref proxy.Preference) error {
	_, _, _, err := withAutoRefresh(ctx, s, accountID, pref, func(ctx context.Context, acct domain.Account) (struct{}, error) {
		return struct{}{}, s.provider.DeleteMember(ctx, credentials(acct), memberID, pref)
	})
	return err
}

// SendInvite invites an email into the account's workspace, refusing
// locally when the cached counters show no free seat.
func (s *SyncService) SendInvite(ctx context.Context, accountID int64, email string, pref proxy.Preference) error {
	_, _, _, err := withAutoRefresh(ctx, s, accountID, pref, func(ctx context.Context, acct domain.Account) (struct{}, error) {
		return struct{}{}, s.provider.SendInvite(ctx, credentials(acct), email, acct.UserCount, acct.InviteCount, pref)
	})
	return err
}

// DeleteInvite revokes a pending invitation by email.
func (s *SyncService) DeleteInvite(ctx context.Context, accountID int64, email string, pref proxy.Preference) error {
	_, _, _, err := withAutoRefresh(ctx, s, accountID, pref, func(ctx context.Context, acct domain.Account) (struct{}, error) {
		return struct{}{}, s.provider.DeleteInvite(ctx, credentials(acct), email, pref)
	})
	return err
}
