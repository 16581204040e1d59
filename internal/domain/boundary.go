package domain

import (
	"math"
	"time"
)

// Boundary policy: pure decision functions for daily/weekly rollovers and
// streak arithmetic. All comparisons use local calendar dates, not elapsed
// 24h buckets, so 23:58 -> 00:02 crosses a daily boundary.

// startOfDay truncates t to midnight in its own location.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DaysBetween returns the calendar-day difference between a and b,
// ignoring time of day. Negative when b is before a.
func DaysBetween(a, b time.Time) int {
	// Rounding absorbs the odd hour a DST transition adds or removes.
	return int(math.Round(startOfDay(b).Sub(startOfDay(a)).Hours() / 24))
}

// ShouldResetDaily reports whether now's calendar date is strictly later
// than the date of the last daily reset.
func ShouldResetDaily(lastReset, now time.Time) bool {
	return DaysBetween(lastReset, now) > 0
}

// ShouldResetWeekly reports whether the 7-day window anchored at
// weekStart has fully elapsed. The window is raw days, not calendar weeks.
func ShouldResetWeekly(weekStart, now time.Time) bool {
	return now.Sub(weekStart) >= 7*24*time.Hour
}

// NextStreak computes the streak value after an activity at now, given the
// previous activity date and streak length. A zero lastActivity means no
// prior activity. The first activity after any gap longer than one day
// restarts at 1, never 0.
func NextStreak(lastActivity, now time.Time, current int) int {
	if lastActivity.IsZero() {
		return 1
	}
	switch DaysBetween(lastActivity, now) {
	case 0:
		return current // already counted today
	case 1:
		return current + 1
	default:
		return 1
	}
}
