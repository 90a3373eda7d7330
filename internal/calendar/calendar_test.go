package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHolidayCalendarExcludesNamedDay(t *testing.T) {
	t.Parallel()
	h := NewHoliday(nil)
	h.AddExcludedDate(time.Date(2024, time.December, 25, 0, 0, 0, 0, time.UTC))

	require.False(t, h.IsTimeIncluded(time.Date(2024, time.December, 25, 13, 0, 0, 0, time.UTC)))
	require.True(t, h.IsTimeIncluded(time.Date(2024, time.December, 26, 13, 0, 0, 0, time.UTC)))
}

func TestWeeklyCalendarExcludesWeekend(t *testing.T) {
	t.Parallel()
	w := NewWeekly(nil, time.Saturday, time.Sunday)

	require.False(t, w.IsTimeIncluded(time.Date(2024, time.July, 20, 9, 0, 0, 0, time.UTC))) // Saturday
	require.True(t, w.IsTimeIncluded(time.Date(2024, time.July, 22, 9, 0, 0, 0, time.UTC)))  // Monday
}

func TestDailyCalendarExcludesWindow(t *testing.T) {
	t.Parallel()
	d := NewDaily(nil, time.UTC, 22*time.Hour, 6*time.Hour) // overnight window, inverted

	require.False(t, d.IsTimeIncluded(time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)))
	require.False(t, d.IsTimeIncluded(time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)))
	require.True(t, d.IsTimeIncluded(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)))
}

func TestCalendarChaining(t *testing.T) {
	t.Parallel()
	base := NewWeekly(nil, time.Sunday)
	h := NewHoliday(base)
	h.AddExcludedDate(time.Date(2024, 7, 4, 0, 0, 0, 0, time.UTC))

	require.False(t, h.IsTimeIncluded(time.Date(2024, 7, 4, 10, 0, 0, 0, time.UTC))) // holiday
	require.False(t, h.IsTimeIncluded(time.Date(2024, 7, 7, 10, 0, 0, 0, time.UTC))) // Sunday via base
	require.True(t, h.IsTimeIncluded(time.Date(2024, 7, 5, 10, 0, 0, 0, time.UTC)))
	require.Equal(t, base, h.Base())
}

func TestCronCalendarExcludesMatchingMinute(t *testing.T) {
	t.Parallel()
	c, err := NewCron(nil, "30 * * * *")
	require.NoError(t, err)

	require.False(t, c.IsTimeIncluded(time.Date(2024, 1, 1, 9, 30, 15, 0, time.UTC)))
	require.True(t, c.IsTimeIncluded(time.Date(2024, 1, 1, 9, 31, 0, 0, time.UTC)))
}
