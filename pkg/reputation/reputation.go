package reputation

import (
	"math"
	"time"
)

const (
	Min     = 0.0
	Max     = 10.0
	Default = 10.0

	// graceDays are overdue days covered by the base penalty alone.
	graceDays = 3
)

// Delta is the reputation change for a return that was overdueDays late.
// Values are computed in tenths so the law holds exactly in float64.
func Delta(overdueDays int) float64 {
	if overdueDays <= 0 {
		return 0.1
	}
	tenths := 5
	if overdueDays > graceDays {
		tenths += overdueDays - graceDays
	}
	return -float64(tenths) / 10
}

// Apply adds delta to current (Default when nil) and clamps to [Min, Max].
func Apply(current *float64, delta float64) float64 {
	base := Default
	if current != nil {
		base = *current
	}
	next := math.Round((base+delta)*100) / 100
	return math.Min(Max, math.Max(Min, next))
}

// OverdueDays counts calendar days from the due day to the day of returnedAt,
// both taken in UTC. Early or same-day returns are 0.
func OverdueDays(dueAt, returnedAt time.Time) int {
	due := Day(dueAt)
	ret := Day(returnedAt)
	if !ret.After(due) {
		return 0
	}
	return int(ret.Sub(due).Hours() / 24)
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
