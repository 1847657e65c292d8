package services

import (
	"testing"
	"time"

	"quiz-progression-system/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodWindow(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	// Wednesday 2026-03-11 22:30 local.
	at := time.Date(2026, 3, 11, 22, 30, 0, 0, loc)

	tests := []struct {
		period     models.PeriodType
		start, end time.Time
	}{
		{models.PeriodDaily, time.Date(2026, 3, 11, 0, 0, 0, 0, loc), time.Date(2026, 3, 12, 0, 0, 0, 0, loc)},
		{models.PeriodWeekly, time.Date(2026, 3, 8, 0, 0, 0, 0, loc), time.Date(2026, 3, 15, 0, 0, 0, 0, loc)},
		{models.PeriodMonthly, time.Date(2026, 3, 1, 0, 0, 0, 0, loc), time.Date(2026, 4, 1, 0, 0, 0, 0, loc)},
		{models.PeriodAllTime, AllTimeStart, AllTimeEnd},
	}
	for _, tt := range tests {
		t.Run(string(tt.period), func(t *testing.T) {
			w, err := PeriodWindow(tt.period, at, loc)
			require.NoError(t, err)
			assert.True(t, tt.start.Equal(w.Start), "start %s != %s", w.Start, tt.start)
			assert.True(t, tt.end.Equal(w.End), "end %s != %s", w.End, tt.end)
			assert.True(t, w.Contains(at))
			assert.Equal(t, time.UTC, w.Start.Location())
		})
	}
}

func TestPeriodWindow_SundayStartsWeek(t *testing.T) {
	sunday := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	w, err := PeriodWindow(models.PeriodWeekly, sunday, time.UTC)
	require.NoError(t, err)
	assert.True(t, sunday.Equal(w.Start))

	w2, err := PeriodWindow(models.PeriodWeekly, sunday.Add(-time.Nanosecond), time.UTC)
	require.NoError(t, err)
	assert.True(t, w2.End.Equal(w.Start), "windows must tile without gaps")
}

func TestPeriodWindow_UnknownPeriod(t *testing.T) {
	_, err := PeriodWindow("hourly", time.Now(), time.UTC)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}
