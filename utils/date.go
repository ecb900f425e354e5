package utils

import (
	"strings"
	"time"
)

const LedgerDateLayout = "2006-01-02"

// MaxUtcOffsetMinutes covers every real-world zone (UTC-12 .. UTC+14).
const MaxUtcOffsetMinutes = 14 * 60

func ValidateUtcOffset(offsetMinutes int) error {
	if offsetMinutes < -MaxUtcOffsetMinutes || offsetMinutes > MaxUtcOffsetMinutes {
		return Validationf("utc offset %d minutes out of range", offsetMinutes)
	}
	return nil
}

// LedgerDateOf returns the calendar date of t in a zone offsetMinutes east of UTC,
// as UTC midnight of that date.
func LedgerDateOf(t time.Time, offsetMinutes int) time.Time {
	local := t.UTC().Add(time.Duration(offsetMinutes) * time.Minute)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// StartOfLedgerDay returns the UTC instant at which the ledger date begins locally.
func StartOfLedgerDay(ledgerDate time.Time, offsetMinutes int) time.Time {
	return NormalizeLedgerDate(ledgerDate).Add(-time.Duration(offsetMinutes) * time.Minute)
}

// NormalizeLedgerDate drops the clock part, keeping the calendar date as written.
func NormalizeLedgerDate(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

func ParseLedgerDate(s string) (time.Time, error) {
	d, err := time.Parse(LedgerDateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, Validationf("invalid ledger date %q (want YYYY-MM-DD)", s)
	}
	return d, nil
}

func FormatLedgerDate(d time.Time) string {
	return NormalizeLedgerDate(d).Format(LedgerDateLayout)
}

func AddDays(d time.Time, n int) time.Time {
	return NormalizeLedgerDate(d).AddDate(0, 0, n)
}

// DaysInclusive counts calendar days in [from, to]; 0 when to precedes from.
func DaysInclusive(from, to time.Time) int {
	f, t := NormalizeLedgerDate(from), NormalizeLedgerDate(to)
	if t.Before(f) {
		return 0
	}
	return int(t.Sub(f).Hours()/24) + 1
}
