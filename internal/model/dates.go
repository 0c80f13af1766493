package model

import (
	"errors"
	"fmt"
	"time"
)

// ISODateFormat is the wire format for dates: ISO-8601 calendar dates.
const ISODateFormat = "2006-01-02"

// ErrInvalidDate is returned when a date string matches none of the
// accepted layouts. Callers processing batches skip the record instead of
// failing the batch.
var ErrInvalidDate = errors.New("invalid date format")

var dateLayouts = []string{
	ISODateFormat,
	"01/02/2006",
	"02/01/2006",
	"2006/01/02",
}

// ParseDate parses a date string, accepting ISO-8601 first and a few
// common statement formats as fallbacks.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}

// FormatDate renders a time as an ISO-8601 calendar date.
func FormatDate(t time.Time) string {
	return t.Format(ISODateFormat)
}

// YearMonth renders the year-month bucket key used by monthly series.
func YearMonth(t time.Time) string {
	return t.Format("2006-01")
}
