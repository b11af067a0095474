package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openseats/warden/internal/warden/domain"
)

func newTestNightly(t *testing.T, f *fakeUpstream) (*Nightly, *harness) {
	t.Helper()
	h := newHarness(t, f)
	n := NewNightly(NightlyConfig{
		Hour:        3,
		Minute:      0,
		Concurrency: 2,
		LockTTL:     time.Minute,
	}, h.store, h.sync, h.recorder, nil)
	return n, h
}

func TestNightlyRunSyncsCountsAndMarksNormal(t *testing.T) {
	f := newFakeUpstream(t, standardMembers(4)...)
	f.inviteTotal = 1
	n, h := newTestNightly(t, f)
	ctx := context.Background()

	summary := n.Run(ctx)
	require.False(t, summary.Skipped)
	require.Equal(t, 1, summary.Total)
	require.Equal(t, 1, summary.Success)
	require.Zero(t, summary.Failed)
	require.Empty(t, summary.Failures)
	require.False(t, summary.FinishedAt.Before(summary.StartedAt))

	acct, err := h.store.Accounts().GetAccountByID(ctx, h.accountID)
	require.NoError(t, err)
	require.Equal(t, 4, acct.UserCount)
	require.Equal(t, 1, acct.InviteCount)
	require.Equal(t, domain.SpaceStatusNormal, acct.SpaceStatusCode)
}

func TestNightlyMarksTokenInvalid(t *testing.T) {
	f := newFakeUpstream(t, standardMembers(4)...)
	f.refuseRefresh = true
	n, h := newTestNightly(t, f)
	ctx := context.Background()

	// Dead credential chain: calls 401 and the refresh grant is refused.
	f.mu.Lock()
	f.validToken = "rotated-elsewhere"
	f.mu.Unlock()

	summary := n.Run(ctx)
	require.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	require.Equal(t, h.accountID, summary.Failures[0].AccountID)
	require.Equal(t, "user_count", summary.Failures[0].Stage)

	acct, err := h.store.Accounts().GetAccountByID(ctx, h.accountID)
	require.NoError(t, err)
	require.Equal(t, domain.SpaceStatusAbnormal, acct.SpaceStatusCode)
	require.Equal(t, "token expired or invalid", acct.SpaceStatusReason)

	// And the failure was recorded in the exception history.
	rec, err := h.store.Exceptions().GetByAccountID(ctx, h.accountID)
	require.NoError(t, err)
	require.Equal(t, "nightly_sync_failure", rec.Type)
	require.Equal(t, "nightly", rec.Source)
}

func TestNightlyOverlappingTriggerSkipped(t *testing.T) {
	f := newFakeUpstream(t)
	n, _ := newTestNightly(t, f)

	n.inFlight.Store(true)
	summary := n.Run(context.Background())
	require.True(t, summary.Skipped)

	n.inFlight.Store(false)
	summary = n.Run(context.Background())
	require.False(t, summary.Skipped)
}

func TestNightlySkipsLockedAccountWithoutFailure(t *testing.T) {
	f := newFakeUpstream(t, standardMembers(4)...)
	n, h := newTestNightly(t, f)
	ctx := context.Background()

	acquired, err := h.store.Locks().Acquire(ctx, "account:1", "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	summary := n.Run(ctx)
	// A lock skip is neither success-with-sync nor failure: it gets its own
	// tally so monitoring never reads a contended account as reconciled.
	require.Equal(t, 1, summary.Total)
	require.Equal(t, 1, summary.LockSkipped)
	require.Zero(t, summary.Success)
	require.Zero(t, summary.Failed)
	require.Zero(t, f.listCalls)
}

func TestNightlyRetriesTransientFailures(t *testing.T) {
	f := newFakeUpstream(t, standardMembers(4)...)
	f.failListTimes = 2 // first two listings 503, third succeeds
	n, h := newTestNightly(t, f)
	ctx := context.Background()

	summary := n.Run(ctx)
	require.Equal(t, 1, summary.Success)
	require.Zero(t, summary.Failed)

	acct, err := h.store.Accounts().GetAccountByID(ctx, h.accountID)
	require.NoError(t, err)
	require.Equal(t, 4, acct.UserCount)
	require.Equal(t, domain.SpaceStatusNormal, acct.SpaceStatusCode)
}
