package utils

import (
	"strings"
	"time"
)

type Period string

const (
	PeriodToday     Period = "today"
	PeriodYesterday Period = "yesterday"
	PeriodLast7d    Period = "last7d"
	PeriodLast30d   Period = "last30d"
	PeriodAll       Period = "all"
)

// ParsePeriod accepts the dashboard spellings ("7days", "30 days", "all time") as well.
func ParsePeriod(s string) (Period, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(v)
	switch v {
	case "today":
		return PeriodToday, nil
	case "yesterday":
		return PeriodYesterday, nil
	case "last7d", "7d", "7days", "last7days":
		return PeriodLast7d, nil
	case "last30d", "30d", "30days", "last30days":
		return PeriodLast30d, nil
	case "all", "alltime":
		return PeriodAll, nil
	}
	return "", Validationf("unknown period %q", s)
}

// PeriodRange is a UTC instant range. End is inclusive unless EndExclusive is set;
// Unbounded means the range has no lower limit.
type PeriodRange struct {
	Start        time.Time
	End          time.Time
	EndExclusive bool
	Unbounded    bool
}

// ResolvePeriod maps a named period to UTC instants for a caller in a zone
// utcOffsetMinutes east of UTC. It is pure: now is always supplied.
func ResolvePeriod(period Period, utcOffsetMinutes int, now time.Time) (PeriodRange, error) {
	if err := ValidateUtcOffset(utcOffsetMinutes); err != nil {
		return PeriodRange{}, err
	}
	now = now.UTC()
	localMidnight := StartOfLedgerDay(LedgerDateOf(now, utcOffsetMinutes), utcOffsetMinutes)

	switch period {
	case PeriodToday:
		return PeriodRange{Start: localMidnight, End: now}, nil
	case PeriodYesterday:
		return PeriodRange{Start: localMidnight.AddDate(0, 0, -1), End: localMidnight, EndExclusive: true}, nil
	case PeriodLast7d:
		return PeriodRange{Start: now.AddDate(0, 0, -7), End: now}, nil
	case PeriodLast30d:
		return PeriodRange{Start: now.AddDate(0, 0, -30), End: now}, nil
	case PeriodAll:
		return PeriodRange{End: now, Unbounded: true}, nil
	}
	return PeriodRange{}, Validationf("unknown period %q", period)
}

// LocalStart renders the range start as wall-clock time in the caller's zone.
func (r PeriodRange) LocalStart(utcOffsetMinutes int) time.Time {
	return r.Start.UTC().Add(time.Duration(utcOffsetMinutes) * time.Minute)
}

// LedgerDates converts the instant range into the inclusive ledger-date range of an entity
// whose ledger zone is utcOffsetMinutes. For an unbounded range from is the zero time.
func (r PeriodRange) LedgerDates(utcOffsetMinutes int) (from, to time.Time) {
	end := r.End
	if r.EndExclusive {
		end = end.Add(-time.Nanosecond)
	}
	to = LedgerDateOf(end, utcOffsetMinutes)
	if r.Unbounded {
		return time.Time{}, to
	}
	return LedgerDateOf(r.Start, utcOffsetMinutes), to
}

// Contains reports whether t falls inside the range.
func (r PeriodRange) Contains(t time.Time) bool {
	if !r.Unbounded && t.Before(r.Start) {
		return false
	}
	if r.EndExclusive {
		return t.Before(r.End)
	}
	return !t.After(r.End)
}
