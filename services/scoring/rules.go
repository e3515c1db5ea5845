package scoring

import (
	"sort"
	"time"
)

// Rules is the pure scoring-rule table. All functions on it are
// deterministic: same event, same prior state, same output.
type Rules struct {
	CheckinPoints     int64
	SalePointsPerUnit int64

	// StreakBonuses maps streak length -> bonus points. Each threshold
	// fires at most once per streak lifetime.
	StreakBonuses map[int]int64

	// Badge thresholds. Crossing a threshold awards the badge code;
	// re-evaluating a held badge is a no-op.
	PointBadges  map[int64]string
	StreakBadges map[int]string

	Location *time.Location
}

func DefaultRules(loc *time.Location) Rules {
	if loc == nil {
		loc = time.UTC
	}
	return Rules{
		CheckinPoints:     10,
		SalePointsPerUnit: 1,
		StreakBonuses: map[int]int64{
			3:  50,
			7:  150,
			30: 1000,
		},
		PointBadges: map[int64]string{
			100:  "bronze",
			500:  "silver",
			2500: "gold",
		},
		StreakBadges: map[int]string{
			7:  "week_streak",
			30: "month_streak",
		},
		Location: loc,
	}
}

// Day buckets a timestamp into the event-local calendar day.
func (r Rules) Day(t time.Time) string {
	return t.In(r.Location).Format("2006-01-02")
}

// Month buckets a timestamp into the event-local ranking month.
func (r Rules) Month(t time.Time) string {
	return t.In(r.Location).Format("2006-01")
}

// NextStreak computes the streak after a qualifying activity on day,
// given the previous qualifying day. A repeat on the same day leaves the
// streak untouched; a gap of two or more days resets it to 1.
func (r Rules) NextStreak(prevDay string, prevStreak int, day string) (streak int, reset bool) {
	if prevDay == day {
		return prevStreak, false
	}

	prev, err := time.ParseInLocation("2006-01-02", prevDay, r.Location)
	if err != nil {
		return 1, true
	}

	if prev.AddDate(0, 0, 1).Format("2006-01-02") == day {
		return prevStreak + 1, false
	}

	return 1, true
}

// StreakBonus returns the bonus for reaching the given streak length, or
// 0 when the length is not a threshold or was already awarded.
func (r Rules) StreakBonus(streak int, awarded map[int]bool) int64 {
	bonus, ok := r.StreakBonuses[streak]
	if !ok || awarded[streak] {
		return 0
	}
	return bonus
}

// BadgesFor returns all badge codes earned at the given totals, sorted
// for determinism.
func (r Rules) BadgesFor(totalPoints int64, streak int) []string {
	var codes []string
	for threshold, code := range r.PointBadges {
		if totalPoints >= threshold {
			codes = append(codes, code)
		}
	}
	for threshold, code := range r.StreakBadges {
		if streak >= threshold {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes
}
