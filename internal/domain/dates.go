package domain

import (
	"strings"
	"time"
)

const (
	ErrInvalidDateFormat = "Invalid date format"
	ErrDateInFuture      = "Date cannot be in the future"
	ErrDateTooFarInPast  = "Date is too far in the past"
)

// MaxLookbackYears bounds how far back a cycle date may be.
const MaxLookbackYears = 2

// Zone-less layouts are read as UTC.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	time.RFC1123Z,
	time.RFC1123,
}

// DateValidation is the outcome of checking a raw date string.
// NormalizedDate is nil only when the text could not be parsed.
type DateValidation struct {
	Valid          bool       `json:"valid"`
	Errors         []string   `json:"errors"`
	NormalizedDate *time.Time `json:"normalizedDate,omitempty"`
}

// ValidateDate checks raw against the current time.
func ValidateDate(raw string) DateValidation {
	return ValidateDateAt(raw, time.Now())
}

// ValidateDateAt parses raw and rejects dates after now or more than
// MaxLookbackYears before now. Range violations accumulate.
func ValidateDateAt(raw string, now time.Time) DateValidation {
	date, ok := parseDate(raw)
	if !ok {
		return DateValidation{Valid: false, Errors: []string{ErrInvalidDateFormat}}
	}

	out := DateValidation{Valid: true, Errors: []string{}, NormalizedDate: &date}
	if date.After(now) {
		out.Valid = false
		out.Errors = append(out.Errors, ErrDateInFuture)
	}
	if date.Before(now.AddDate(-MaxLookbackYears, 0, 0)) {
		out.Valid = false
		out.Errors = append(out.Errors, ErrDateTooFarInPast)
	}
	return out
}

func parseDate(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
