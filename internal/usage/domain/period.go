package domain

import "time"

// PeriodOf returns the calendar-month label ("YYYY-MM") containing t.
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// NextPeriodStart returns the first instant of the month after t, when
// counters reset.
func NextPeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
