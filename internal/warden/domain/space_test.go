package domain

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRedeemableSlots(t *testing.T) {
	t.Parallel()

	require.Equal(t, 5, RedeemableSlots(0, SeatLimit))
	require.Equal(t, 2, RedeemableSlots(3, SeatLimit))
	require.Equal(t, 0, RedeemableSlots(5, SeatLimit))
	require.Equal(t, 0, RedeemableSlots(9, SeatLimit))
	require.Equal(t, 5, RedeemableSlots(-3, SeatLimit))
}

func TestHasAvailableSeat(t *testing.T) {
	t.Parallel()

	t.Run("invites occupy seats", func(t *testing.T) {
		require.True(t, HasAvailableSeat(2, 2, SeatLimit))
		require.False(t, HasAvailableSeat(3, 2, SeatLimit))
		require.False(t, HasAvailableSeat(5, 0, SeatLimit))
	})

	t.Run("bogus limit falls back to the shared ceiling", func(t *testing.T) {
		require.True(t, HasAvailableSeat(4, 0, 0))
		require.False(t, HasAvailableSeat(5, 0, -1))
	})
}

func TestNormalizeSpaceType(t *testing.T) {
	t.Parallel()

	require.Equal(t, SpaceTypeMother, NormalizeSpaceType("mother"))
	require.Equal(t, SpaceTypeMother, NormalizeSpaceType(" Parent "))
	require.Equal(t, SpaceTypeMother, NormalizeSpaceType("MAIN"))
	require.Equal(t, SpaceTypeChild, NormalizeSpaceType("sub"))
	require.Equal(t, SpaceTypeChild, NormalizeSpaceType("secondary"))
	require.Equal(t, SpaceTypeChild, NormalizeSpaceType(""))
	require.Equal(t, SpaceTypeChild, NormalizeSpaceType("whatever"))

	require.True(t, ShouldAutoGenerateCodes("child"))
	require.False(t, ShouldAutoGenerateCodes("mother"))
}

func TestResolveSpaceStatus(t *testing.T) {
	t.Parallel()

	t.Run("explicit status wins over flags", func(t *testing.T) {
		got := ResolveSpaceStatus(Account{
			SpaceStatusCode:   SpaceStatusAbnormal,
			SpaceStatusReason: "expired",
			IsBanned:          false,
			AccessToken:       "tok",
		})
		require.Equal(t, SpaceStatusAbnormal, got.Code)
		require.Equal(t, "expired", got.Reason)
	})

	t.Run("banned accounts are abnormal", func(t *testing.T) {
		got := ResolveSpaceStatus(Account{IsBanned: true, AccessToken: "tok"})
		require.Equal(t, SpaceStatusAbnormal, got.Code)
		require.Equal(t, "account banned", got.Reason)
	})

	t.Run("missing token is abnormal", func(t *testing.T) {
		got := ResolveSpaceStatus(Account{AccessToken: "  "})
		require.Equal(t, SpaceStatusAbnormal, got.Code)
	})

	t.Run("over capacity is abnormal with counts", func(t *testing.T) {
		got := ResolveSpaceStatus(Account{AccessToken: "tok", UserCount: 7})
		require.Equal(t, SpaceStatusAbnormal, got.Code)
		require.Equal(t, "over capacity (7/5)", got.Reason)
	})

	t.Run("nothing conclusive stays unknown", func(t *testing.T) {
		got := ResolveSpaceStatus(Account{AccessToken: "tok", UserCount: 3})
		require.Equal(t, SpaceStatusUnknown, got.Code)
	})
}

func TestFormatExpireAt(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", FormatExpireAt("  "))
	require.Equal(t, "2026/01/02 03:04:05", FormatExpireAt("2026/01/02 03:04:05"))

	epoch := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local).Unix()
	want := time.Unix(epoch, 0).Format("2006/01/02 15:04:05")
	require.Equal(t, want, FormatExpireAt(time.Unix(epoch, 0).Format("2006-01-02 15:04:05")))
	require.Equal(t, want, FormatExpireAt(strconv.FormatInt(epoch, 10)))
	require.Equal(t, want, FormatExpireAt(strconv.FormatInt(epoch*1000, 10)))

	// Unparseable input passes through untouched.
	require.Equal(t, "soon-ish", FormatExpireAt("soon-ish"))
}
