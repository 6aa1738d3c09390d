// Package window evaluates the daily no-evict window. Start and end are
// seconds since local midnight; equal values disable the window. A start
// greater than end describes a window that spans midnight.
package window

import "time"

// SecondsOfDay returns the seconds elapsed since midnight in t's location.
func SecondsOfDay(t time.Time) int {
	h, m, s := t.Clock()
	return h*3600 + m*60 + s
}

// IsWithinNoEvictWindow reports whether eviction is forbidden at now.
// Both bounds are inclusive.
func IsWithinNoEvictWindow(now time.Time, start, end int) bool {
	if start == end {
		return false
	}

	sod := SecondsOfDay(now)
	if start < end {
		return start <= sod && sod <= end
	}
	return sod >= start || sod <= end
}

// NextWindowEnd returns the first moment at or after the given time at which
// the window ends. When the window is disabled it returns after unchanged.
func NextWindowEnd(after time.Time, start, end int) time.Time {
	if start == end {
		return after
	}

	sod := SecondsOfDay(after)
	today := midnight(after)

	switch {
	case start > end && sod >= start:
		// Inside the evening half of a midnight-spanning window: the end is tomorrow.
		return atSeconds(today.AddDate(0, 0, 1), end)
	case sod <= end:
		return atSeconds(today, end)
	default:
		return atSeconds(today.AddDate(0, 0, 1), end)
	}
}

// NextWindowStart returns the first moment at or after the given time at
// which the window begins.
func NextWindowStart(after time.Time, start, end int) time.Time {
	if start == end {
		return after
	}
	today := midnight(after)
	if SecondsOfDay(after) <= start {
		return atSeconds(today, start)
	}
	return atSeconds(today.AddDate(0, 0, 1), start)
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// atSeconds combines a midnight with a seconds-of-day value using wall-clock
// fields so DST transitions land on the intended local time.
func atSeconds(day time.Time, secs int) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, secs/3600, (secs%3600)/60, secs%60, 0, day.Location())
}
