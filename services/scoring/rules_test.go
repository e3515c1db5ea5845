package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextStreak(t *testing.T) {
	rules := DefaultRules(time.UTC)

	streak, reset := rules.NextStreak("2026-08-10", 4, "2026-08-10")
	require.Equal(t, 4, streak)
	require.False(t, reset)

	streak, reset = rules.NextStreak("2026-08-10", 4, "2026-08-11")
	require.Equal(t, 5, streak)
	require.False(t, reset)

	streak, reset = rules.NextStreak("2026-08-10", 4, "2026-08-13")
	require.Equal(t, 1, streak)
	require.True(t, reset)

	// month boundary is still consecutive
	streak, reset = rules.NextStreak("2026-08-31", 9, "2026-09-01")
	require.Equal(t, 10, streak)
	require.False(t, reset)
}

func TestStreakBonusAwardedOnce(t *testing.T) {
	rules := DefaultRules(time.UTC)
	awarded := map[int]bool{}

	require.EqualValues(t, 0, rules.StreakBonus(2, awarded))
	require.EqualValues(t, 50, rules.StreakBonus(3, awarded))

	awarded[3] = true
	require.EqualValues(t, 0, rules.StreakBonus(3, awarded))
	require.EqualValues(t, 150, rules.StreakBonus(7, awarded))
}

func TestBadgesFor(t *testing.T) {
	rules := DefaultRules(time.UTC)

	require.Empty(t, rules.BadgesFor(99, 2))
	require.Equal(t, []string{"bronze"}, rules.BadgesFor(100, 2))
	require.Equal(t, []string{"bronze", "silver", "week_streak"}, rules.BadgesFor(600, 8))
	require.Equal(t,
		[]string{"bronze", "gold", "month_streak", "silver", "week_streak"},
		rules.BadgesFor(3000, 31),
	)
}

func TestDayAndMonthBuckets(t *testing.T) {
	rules := DefaultRules(time.UTC)

	at := time.Date(2026, 8, 10, 23, 45, 0, 0, time.UTC)
	require.Equal(t, "2026-08-10", rules.Day(at))
	require.Equal(t, "2026-08", rules.Month(at))

	// a fixed-offset zone shifts the bucket across midnight
	east := time.FixedZone("east", 3*3600)
	shifted := Rules{Location: east}
	require.Equal(t, "2026-08-11", shifted.Day(at))
}
