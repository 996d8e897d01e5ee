// Package schedule computes cadence-based execution times. The math is a
// pure function of (start, cadence, period) so that re-deriving the schedule
// for the same inputs always yields the same instant.
package schedule

import (
	"time"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
)

// At returns the time of run number period (0-based; period 0 is the start
// anchor itself). Monthly cadence is calendar-aware: when the anchor day does
// not exist in the target month the run is clamped to that month's last day,
// never rolled into the next month.
func At(start time.Time, cadence domain.Cadence, period int64) time.Time {
	start = start.UTC()
	if period <= 0 {
		return start
	}
	switch cadence {
	case domain.CadenceDaily:
		return start.AddDate(0, 0, int(period))
	case domain.CadenceWeekly:
		return start.AddDate(0, 0, int(period)*7)
	case domain.CadenceMonthly:
		return addMonthsClamped(start, int(period))
	default:
		return start
	}
}

// Next returns the eligible time for the run after periodsExecuted completed
// runs.
func Next(start time.Time, cadence domain.Cadence, periodsExecuted int64) time.Time {
	return At(start, cadence, periodsExecuted)
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()

	// Normalize the target month via the first day, then clamp the day.
	first := time.Date(y, m+time.Month(months), 1, hh, mm, ss, t.Nanosecond(), t.Location())
	last := daysIn(first.Year(), first.Month())
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this month.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
