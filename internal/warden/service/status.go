package service

import (
	"context"
	"errors"
	"net/http"

	"github.com/openseats/warden/internal/warden/domain"
	"github.com/openseats/warden/internal/warden/upstream"
)

// Health-verdict reasons recorded on accounts after a reconciliation pass.
const (
	reasonTokenInvalid = "token expired or invalid"
	reasonExpired      = "expired"
)

// isTokenInvalid reports whether the failure means the account's credential
// chain is dead: either the provider rejects it outright (401/403) or the
// refresh path itself gave up.
func isTokenInvalid(err error) bool {
	if errors.Is(err, ErrRefreshFailed) {
		return true
	}
	status := upstream.StatusOf(err)
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// markHealth records the account's observed status after a sync attempt.
// Store failures here are logged by the caller, never escalated: a health
// annotation must not turn a succeeded sync into a failure.
func (s *SyncService) markHealth(ctx context.Context, accountID int64, syncErr error) error {
	switch {
	case syncErr == nil:
		return s.store.Accounts().SetSpaceStatus(ctx, accountID, domain.SpaceStatusNormal, "")
	case upstream.IsWorkspaceExpired(syncErr):
		return s.store.Accounts().SetSpaceStatus(ctx, accountID, domain.SpaceStatusAbnormal, reasonExpired)
	case isTokenInvalid(syncErr):
		return s.store.Accounts().SetSpaceStatus(ctx, accountID, domain.SpaceStatusAbnormal, reasonTokenInvalid)
	default:
		// Transient failures leave the last verdict in place.
		return nil
	}
}
