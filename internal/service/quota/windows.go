// Package quota decides admission for new submissions: per-subject window
// and concurrency caps, plus global per-minute request and token budgets.
package quota

import "time"

// Windows are fixed-boundary civil intervals in the server's local timezone,
// not rolling: "day" starts at 00:00, "hour" at the top of the hour. The
// retryAfter advertised to clients is the time to the active boundary.

// DayStart returns 00:00 of now's civil day.
func DayStart(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}

// HourStart returns the top of now's hour.
func HourStart(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, now.Hour(), 0, 0, 0, now.Location())
}

// MinuteStart returns the start of now's minute.
func MinuteStart(now time.Time) time.Time {
	return now.Truncate(time.Minute)
}

// UntilNextDay returns the time remaining to the next civil day boundary.
func UntilNextDay(now time.Time) time.Duration {
	return DayStart(now).AddDate(0, 0, 1).Sub(now)
}

// UntilNextHour returns the time remaining to the next top of hour.
func UntilNextHour(now time.Time) time.Duration {
	return HourStart(now).Add(time.Hour).Sub(now)
}

// UntilNextMinute returns the seconds remaining in the current minute.
func UntilNextMinute(now time.Time) time.Duration {
	return MinuteStart(now).Add(time.Minute).Sub(now)
}
