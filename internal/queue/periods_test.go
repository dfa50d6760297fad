package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/migro/internal/models"
)

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		id    string
		start time.Time
		end   time.Time
	}{
		{"20240115", date(2024, 1, 15), date(2024, 1, 16)},
		{"202401", date(2024, 1, 1), date(2024, 2, 1)},
		{"202412", date(2024, 12, 1), date(2025, 1, 1)},
		{"2024", date(2024, 1, 1), date(2025, 1, 1)},
		{"2024Q1", date(2024, 1, 1), date(2024, 4, 1)},
		{"2024Q4", date(2024, 10, 1), date(2025, 1, 1)},
		{"2024S1", date(2024, 1, 1), date(2024, 7, 1)},
		{"2024S2", date(2024, 7, 1), date(2025, 1, 1)},
		{"202401B", date(2024, 1, 1), date(2024, 3, 1)},
		// ISO week 1 of 2024 starts Monday, January 1st.
		{"2024W1", date(2024, 1, 1), date(2024, 1, 8)},
		// 2021's week 1 starts in the prior calendar year.
		{"2021W1", date(2021, 1, 4), date(2021, 1, 11)},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			interval, err := ParsePeriod(tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.start, interval.Start)
			assert.Equal(t, tt.end, interval.End)
		})
	}
}

func TestParsePeriodInvalid(t *testing.T) {
	for _, id := range []string{"", "garbage", "202413", "2024Q5", "2024S3", "24W1"} {
		_, err := ParsePeriod(id)
		require.Error(t, err, "expected error for %q", id)
	}

	var ve *models.ValidationError
	_, err := ParsePeriod("garbage")
	assert.ErrorAs(t, err, &ve)
}

func TestIntervalEngulfs(t *testing.T) {
	year := Interval{date(2024, 1, 1), date(2025, 1, 1)}
	jan := Interval{date(2024, 1, 1), date(2024, 2, 1)}
	spanning := Interval{date(2023, 12, 1), date(2024, 2, 1)}

	assert.True(t, year.Engulfs(jan))
	assert.True(t, year.Engulfs(year))
	assert.False(t, year.Engulfs(spanning))
	assert.False(t, jan.Engulfs(year))
}

func TestExpandPeriodsSameGranularity(t *testing.T) {
	out, err := ExpandPeriods(PeriodMonthly, []string{"202401"})
	require.NoError(t, err)
	assert.Equal(t, []string{"202401"}, out)
}

func TestExpandPeriodsYearToMonths(t *testing.T) {
	out, err := ExpandPeriods(PeriodMonthly, []string{"2024"})
	require.NoError(t, err)
	require.Len(t, out, 12)
	assert.Equal(t, "202401", out[0])
	assert.Equal(t, "202412", out[11])
}

func TestExpandPeriodsQuarterToMonths(t *testing.T) {
	out, err := ExpandPeriods(PeriodMonthly, []string{"2024Q2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"202404", "202405", "202406"}, out)
}

func TestExpandPeriodsYearToQuarters(t *testing.T) {
	out, err := ExpandPeriods(PeriodQuarterly, []string{"2024"})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024Q1", "2024Q2", "2024Q3", "2024Q4"}, out)
}

func TestExpandPeriodsOnlyEngulfed(t *testing.T) {
	// A month has no fully-contained quarter.
	out, err := ExpandPeriods(PeriodQuarterly, []string{"202401"})
	require.NoError(t, err)
	assert.Empty(t, out)

	// Weeks straddling a month boundary are excluded.
	out, err = ExpandPeriods(PeriodWeekly, []string{"202402"})
	require.NoError(t, err)
	for _, w := range out {
		interval, err := ParsePeriod(w)
		require.NoError(t, err)
		assert.False(t, interval.Start.Before(date(2024, 2, 1)), "week %s starts before February", w)
		assert.False(t, interval.End.After(date(2024, 3, 1)), "week %s ends after February", w)
	}
}

func TestExpandPeriodsDeduplicates(t *testing.T) {
	out, err := ExpandPeriods(PeriodMonthly, []string{"2024Q1", "202401", "202402"})
	require.NoError(t, err)
	assert.Equal(t, []string{"202401", "202402", "202403"}, out)
}

func TestExpandPeriodsDeterministic(t *testing.T) {
	first, err := ExpandPeriods(PeriodWeekly, []string{"2024"})
	require.NoError(t, err)
	second, err := ExpandPeriods(PeriodWeekly, []string{"2024"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.NotEmpty(t, first)
}

func TestExpandPeriodsPropagatesParseError(t *testing.T) {
	_, err := ExpandPeriods(PeriodMonthly, []string{"202401", "bogus"})
	require.Error(t, err)
}
