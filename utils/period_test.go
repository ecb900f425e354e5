package utils

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePeriodTodayInYangonEvening(t *testing.T) {
	// 20:00Z is 01:30 next day at +05:30; today starts at local midnight 2024-03-02.
	now := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)

	rng, err := ResolvePeriod(PeriodToday, 330, now)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 3, 1, 18, 30, 0, 0, time.UTC), rng.Start)
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), rng.LocalStart(330))
	assert.Equal(t, now, rng.End)
	assert.False(t, rng.EndExclusive)

	from, to := rng.LedgerDates(330)
	assert.Equal(t, "2024-03-02", FormatLedgerDate(from))
	assert.Equal(t, "2024-03-02", FormatLedgerDate(to))
}

func TestResolvePeriodYesterdayIsHalfOpen(t *testing.T) {
	now := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)

	rng, err := ResolvePeriod(PeriodYesterday, 330, now)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 2, 29, 18, 30, 0, 0, time.UTC), rng.Start)
	assert.Equal(t, time.Date(2024, 3, 1, 18, 30, 0, 0, time.UTC), rng.End)
	assert.True(t, rng.EndExclusive)
	assert.False(t, rng.Contains(rng.End))
	assert.True(t, rng.Contains(rng.Start))

	from, to := rng.LedgerDates(330)
	assert.Equal(t, "2024-03-01", FormatLedgerDate(from))
	assert.Equal(t, "2024-03-01", FormatLedgerDate(to))
}

func TestResolvePeriodRollingWindows(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	last7, err := ResolvePeriod(PeriodLast7d, 0, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC), last7.Start)
	assert.Equal(t, now, last7.End)

	last30, err := ResolvePeriod(PeriodLast30d, 0, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 9, 12, 0, 0, 0, time.UTC), last30.Start)
}

func TestResolvePeriodAllIsUnbounded(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	rng, err := ResolvePeriod(PeriodAll, -300, now)
	require.NoError(t, err)
	assert.True(t, rng.Unbounded)
	assert.True(t, rng.Contains(time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)))

	from, to := rng.LedgerDates(-300)
	assert.True(t, from.IsZero())
	assert.Equal(t, "2024-03-10", FormatLedgerDate(to))
}

func TestResolvePeriodRejectsBadInput(t *testing.T) {
	now := time.Now()

	_, err := ResolvePeriod(Period("fortnight"), 0, now)
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = ResolvePeriod(PeriodToday, 15*60, now)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestParsePeriodSpellings(t *testing.T) {
	cases := map[string]Period{
		"today":      PeriodToday,
		" Yesterday": PeriodYesterday,
		"7days":      PeriodLast7d,
		"last_7d":    PeriodLast7d,
		"30 days":    PeriodLast30d,
		"all time":   PeriodAll,
	}
	for in, want := range cases {
		got, err := ParsePeriod(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParsePeriod("week")
	assert.True(t, errors.Is(err, ErrValidation))
}
