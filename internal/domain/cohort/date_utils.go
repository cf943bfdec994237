package cohort

import (
	"time"

	"github.com/araddon/dateparse"
)

// DateLayout is the layout dates are written out with.
const DateLayout = "2006-01-02"

func yearsBetween(start, end time.Time) int {
	years := end.Year() - start.Year()

	// Birthday not reached yet in the end year
	if end.Month() < start.Month() || (end.Month() == start.Month() && end.Day() < start.Day()) {
		years--
	}

	return years
}

// toDate drops the clock component, keeping the calendar day in UTC.
func toDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate accepts the date spellings found in extracts (ISO dates,
// RFC 3339 timestamps, "2020-03-31 00:00:00", day-first "31/03/2020") and
// returns the calendar day. Slash dates are always read day first.
func ParseDate(s string) (time.Time, error) {
	t, err := dateparse.ParseIn(s, time.UTC,
		dateparse.PreferMonthFirst(false),
		dateparse.RetryAmbiguousDateWithSwap(false))
	if err != nil {
		return time.Time{}, err
	}
	return toDate(t), nil
}
