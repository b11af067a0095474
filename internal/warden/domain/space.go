package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SeatLimit is the hard seat ceiling shared by every child workspace.
const SeatLimit = 5

// NormalizeMemberCount clamps a cached counter to a sane non-negative value.
func NormalizeMemberCount(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// RedeemableSlots returns how many seats are still redeemable given the
// current member count.
func RedeemableSlots(currentMembers, limit int) int {
	if limit < 0 {
		limit = 0
	}
	free := limit - NormalizeMemberCount(currentMembers)
	if free < 0 {
		return 0
	}
	return free
}

// HasAvailableSeat reports whether a workspace can take one more invite.
// Pending invites occupy seats just like joined members.
func HasAvailableSeat(userCount, inviteCount, limit int) bool {
	if limit < 1 {
		limit = SeatLimit
	}
	occupied := NormalizeMemberCount(userCount) + NormalizeMemberCount(inviteCount)
	return occupied < limit
}

func normalizeRaw(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// NormalizeSpaceType maps the aliases that show up in imported data onto the
// two canonical space types. Unrecognized values resolve to child, the safe
// (capacity-bounded) classification.
func NormalizeSpaceType(v string) SpaceType {
	switch normalizeRaw(v) {
	case "mother", "parent", "main":
		return SpaceTypeMother
	case "child", "sub", "secondary":
		return SpaceTypeChild
	default:
		return SpaceTypeChild
	}
}

// ShouldAutoGenerateCodes reports whether redemption codes are minted for a
// workspace. Only child spaces are redemption-eligible.
func ShouldAutoGenerateCodes(v string) bool {
	return NormalizeSpaceType(v) == SpaceTypeChild
}

// NormalizeSpaceStatusCode maps free-form input onto a valid status code,
// defaulting to unknown.
func NormalizeSpaceStatusCode(code SpaceStatusCode) SpaceStatusCode {
	switch SpaceStatusCode(normalizeRaw(string(code))) {
	case SpaceStatusNormal:
		return SpaceStatusNormal
	case SpaceStatusAbnormal:
		return SpaceStatusAbnormal
	default:
		return SpaceStatusUnknown
	}
}

// SpaceStatus is a resolved health verdict with a human-readable reason.
type SpaceStatus struct {
	Code   SpaceStatusCode
	Reason string
}

// ResolveSpaceStatus derives a displayable health status for an account.
// An explicitly recorded status wins; otherwise the flags and cached
// counters are inspected.
func ResolveSpaceStatus(a Account) SpaceStatus {
	reason := strings.TrimSpace(a.SpaceStatusReason)

	switch a.SpaceStatusCode {
	case SpaceStatusAbnormal:
		if reason == "" {
			reason = "workspace abnormal"
		}
		return SpaceStatus{Code: SpaceStatusAbnormal, Reason: reason}
	case SpaceStatusUnknown:
		if reason == "" {
			reason = "pending confirmation"
		}
		return SpaceStatus{Code: SpaceStatusUnknown, Reason: reason}
	case SpaceStatusNormal:
		if reason == "" {
			reason = "ok"
		}
		return SpaceStatus{Code: SpaceStatusNormal, Reason: reason}
	}

	if a.IsBanned {
		return SpaceStatus{Code: SpaceStatusAbnormal, Reason: "account banned"}
	}
	if strings.TrimSpace(a.AccessToken) == "" {
		return SpaceStatus{Code: SpaceStatusAbnormal, Reason: "token missing"}
	}
	if a.UserCount > SeatLimit {
		return SpaceStatus{
			Code:   SpaceStatusAbnormal,
			Reason: fmt.Sprintf("over capacity (%d/%d)", a.UserCount, SeatLimit),
		}
	}

	if reason == "" {
		reason = "pending confirmation"
	}
	return SpaceStatus{Code: SpaceStatusUnknown, Reason: reason}
}

// expireAtRe matches the canonical on-disk expiry format.
var expireAtRe = regexp.MustCompile(`^\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}$`)

const expireAtLayout = "2006/01/02 15:04:05"

// FormatExpireAt normalizes whatever expiry representation an import hands
// us (epoch seconds, epoch millis, RFC3339, already-canonical) into
// "YYYY/MM/DD HH:MM:SS". Unparseable input is returned untouched so bad
// rows stay visible instead of silently becoming empty.
func FormatExpireAt(v string) string {
	raw := strings.TrimSpace(v)
	if raw == "" {
		return ""
	}
	if expireAtRe.MatchString(raw) {
		return raw
	}

	if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
		// Heuristic: anything above 1e11 is millis.
		if n > 100_000_000_000 {
			return time.UnixMilli(n).Format(expireAtLayout)
		}
		return time.Unix(n, 0).Format(expireAtLayout)
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format(expireAtLayout)
		}
	}

	return raw
}
