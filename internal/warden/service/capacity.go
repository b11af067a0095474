package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/openseats/warden/internal/warden/domain"
	"github.com/openseats/warden/internal/warden/proxy"
	"github.com/openseats/warden/internal/warden/store"
	"github.com/openseats/warden/internal/warden/upstream"
)

// maxEvictionPasses bounds the enforcement loop. Three passes absorb
// members who join mid-eviction; an account still over the ceiling after
// that is reported instead of hammered forever.
const maxEvictionPasses = 3

// Outcome reasons for an enforcement run that ends while still over the
// ceiling.
const (
	ReasonNoStandardUsers = "no_standard_users"
	ReasonPassLimit       = "pass_limit"
)

// EvictionDetail is one member's fate during enforcement.
type EvictionDetail struct {
	MemberID string
	Email    string
	Note     string
}

// Outcome summarizes one enforcement run over one account.
type Outcome struct {
	BeforeJoined int
	Joined       int
	Kicked       int

	KickedUsers  []EvictionDetail
	SkippedUsers []EvictionDetail
	FailedUsers  []EvictionDetail

	// Reason is set when the run ends while the account is still over the
	// ceiling: no_standard_users or pass_limit.
	Reason string
}

// CapacityService drives overcapacity eviction for one account at a time.
type CapacityService struct {
	store  store.Store
	sync   *SyncService
	logger *slog.Logger

	ceiling int
}

// NewCapacityService wires the enforcement engine with the default seat
// ceiling.
func NewCapacityService(st store.Store, sync *SyncService, logger *slog.Logger) *CapacityService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CapacityService{store: st, sync: sync, logger: logger, ceiling: domain.SeatLimit}
}

// Enforce brings one account's membership down to the seat ceiling. The
// provider's joined count is authoritative throughout: it is synced before
// the first pass and re-synced after every pass. Invite counts are
// refreshed on every exit path so cached figures stay consistent.
func (s *CapacityService) Enforce(ctx context.Context, accountID int64, pref proxy.Preference) (Outcome, error) {
	joined, err := s.sync.SyncUserCount(ctx, accountID, pref)
	if err != nil {
		return Outcome{}, fmt.Errorf("sync joined count: %w", err)
	}

	out := Outcome{BeforeJoined: joined, Joined: joined}

	if joined <= s.ceiling {
		s.refreshInvites(ctx, accountID, pref)
		return out, nil
	}

	for pass := 1; pass <= maxEvictionPasses && out.Joined > s.ceiling; pass++ {
		// Reloaded every pass so a protection granted mid-run is honored
		// before the next eviction set is chosen.
		protected, err := s.store.SeatProtections().ListActiveProtectedEmails(ctx)
		if err != nil {
			s.refreshInvites(ctx, accountID, pref)
			return out, fmt.Errorf("load seat protections (pass %d): %w", pass, err)
		}

		members, total, err := s.sync.FetchStandardMembers(ctx, accountID, pref)
		if err != nil {
			s.refreshInvites(ctx, accountID, pref)
			return out, fmt.Errorf("fetch members (pass %d): %w", pass, err)
		}
		out.Joined = domain.NormalizeMemberCount(total)
		if out.Joined <= s.ceiling {
			break
		}

		if len(members) == 0 {
			// The excess consists of roles the engine will not touch.
			out.Reason = ReasonNoStandardUsers
			s.logger.Warn("over capacity with no evictable members",
				"account_id", accountID, "joined", out.Joined)
			break
		}

		overflow := out.Joined - s.ceiling
		targets := selectEvictionSet(members, protected, overflow)

		// A hard deletion failure only ends this pass's kick loop; the next
		// pass retries against a freshly synced member list.
		s.evict(ctx, accountID, targets, pref, &out)

		synced, err := s.sync.SyncUserCount(ctx, accountID, pref)
		if err != nil {
			s.refreshInvites(ctx, accountID, pref)
			return out, fmt.Errorf("re-sync joined count (pass %d): %w", pass, err)
		}
		out.Joined = synced
	}

	if out.Joined > s.ceiling && out.Reason == "" {
		out.Reason = ReasonPassLimit
		s.logger.Warn("still over capacity after final eviction pass",
			"account_id", accountID, "joined", out.Joined)
	}

	s.refreshInvites(ctx, accountID, pref)

	s.logger.Info("capacity enforcement finished",
		"account_id", accountID,
		"before_joined", out.BeforeJoined,
		"joined", out.Joined,
		"kicked", out.Kicked,
		"skipped", len(out.SkippedUsers),
		"failed", len(out.FailedUsers),
		"reason", out.Reason,
	)
	return out, nil
}

// evict removes targets sequentially. A hard failure cuts the kick loop
// short; the caller re-syncs and may retry on its next pass. A 404 means
// the member is already gone: soft success, the loop continues.
func (s *CapacityService) evict(ctx context.Context, accountID int64, targets []domain.Member, pref proxy.Preference, out *Outcome) {
	for _, member := range targets {
		detail := EvictionDetail{MemberID: member.ID, Email: member.Email}

		err := s.sync.DeleteMember(ctx, accountID, member.ID, pref)
		switch {
		case err == nil:
			out.Kicked++
			out.Joined--
			out.KickedUsers = append(out.KickedUsers, detail)
			s.clearPatronSeat(ctx, accountID, member.Email)

		case upstream.IsNotFound(err):
			detail.Note = "already removed"
			out.SkippedUsers = append(out.SkippedUsers, detail)
			s.clearPatronSeat(ctx, accountID, member.Email)

		default:
			detail.Note = err.Error()
			out.FailedUsers = append(out.FailedUsers, detail)
			s.logger.Error("member eviction failed, aborting pass",
				"account_id", accountID, "member_id", member.ID, "error", err)
			return
		}
	}
}

func (s *CapacityService) clearPatronSeat(ctx context.Context, accountID int64, email string) {
	if email == "" {
		return
	}
	if err := s.store.Patrons().ClearWorkspaceAssignment(ctx, accountID, email); err != nil {
		s.logger.Error("failed to clear patron workspace assignment",
			"account_id", accountID, "email", email, "error", err)
	}
}

func (s *CapacityService) refreshInvites(ctx context.Context, accountID int64, pref proxy.Preference) {
	if _, err := s.sync.SyncInviteCount(ctx, accountID, pref); err != nil {
		s.logger.Warn("invite count refresh failed",
			"account_id", accountID, "error", err)
	}
}

// selectEvictionSet orders candidates newest-join-first and takes the
// overflow. Protected members sort after every normal member, so they are
// only reached when evicting all normal members still leaves the account
// over the ceiling.
func selectEvictionSet(members []domain.Member, protectedEmails map[string]struct{}, overflow int) []domain.Member {
	if overflow <= 0 {
		return nil
	}

	var normal, protected []domain.Member
	for _, m := range members {
		if _, ok := protectedEmails[domain.NormalizeEmail(m.Email)]; ok {
			protected = append(protected, m)
		} else {
			normal = append(normal, m)
		}
	}

	byJoinDesc := func(list []domain.Member) {
		sort.SliceStable(list, func(i, j int) bool {
			if !list[i].JoinedAt.Equal(list[j].JoinedAt) {
				return list[i].JoinedAt.After(list[j].JoinedAt)
			}
			return list[i].ID > list[j].ID
		})
	}
	byJoinDesc(normal)
	byJoinDesc(protected)

	candidates := append(normal, protected...)
	if overflow > len(candidates) {
		overflow = len(candidates)
	}
	return candidates[:overflow]
}
