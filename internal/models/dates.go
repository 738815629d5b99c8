package models

import (
	"fmt"
	"time"
)

// DateLayout is the ISO calendar date format used in URLs, checkpoints and the CLI.
const DateLayout = "2006-01-02"

// FirstFuturesDate is the first day USDT-margined futures archives were published.
var FirstFuturesDate = time.Date(2019, 9, 25, 0, 0, 0, 0, time.UTC)

// DateOf truncates t to midnight UTC of its UTC calendar day.
func DateOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string into midnight UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, use YYYY-MM-DD: %w", s, err)
	}
	return t, nil
}

// FormatDate renders the UTC calendar date of t as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// Yesterday returns the calendar day before now in UTC.
func Yesterday(now time.Time) time.Time {
	return DateOf(now).AddDate(0, 0, -1)
}

// DateRange returns every calendar day from start to end inclusive.
// It returns nil when start is after end.
func DateRange(start, end time.Time) []time.Time {
	start, end = DateOf(start), DateOf(end)
	if start.After(end) {
		return nil
	}
	days := make([]time.Time, 0, DaysInclusive(start, end))
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// DaysInclusive counts calendar days in [start, end], or 0 when start > end.
func DaysInclusive(start, end time.Time) int {
	start, end = DateOf(start), DateOf(end)
	if start.After(end) {
		return 0
	}
	return int(end.Sub(start).Hours()/24) + 1
}
