package services

import (
	"fmt"
	"time"

	"quiz-progression-system/models"
)

// All-time boards use fixed bounds so every entry shares one window.
var (
	AllTimeStart = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	AllTimeEnd   = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Window is a half-open [Start, End) period range, stored in UTC.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// PeriodWindow returns the window of period p containing at. Day boundaries are midnight in loc;
// weeks start on Sunday.
func PeriodWindow(p models.PeriodType, at time.Time, loc *time.Location) (Window, error) {
	if loc == nil {
		loc = time.Local
	}
	local := at.In(loc)
	y, m, d := local.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)

	var start, end time.Time
	switch p {
	case models.PeriodDaily:
		start = midnight
		end = midnight.AddDate(0, 0, 1)
	case models.PeriodWeekly:
		start = midnight.AddDate(0, 0, -int(local.Weekday()))
		end = start.AddDate(0, 0, 7)
	case models.PeriodMonthly:
		start = time.Date(y, m, 1, 0, 0, 0, 0, loc)
		end = start.AddDate(0, 1, 0)
	case models.PeriodAllTime:
		return Window{Start: AllTimeStart, End: AllTimeEnd}, nil
	default:
		return Window{}, invalid("period", fmt.Sprintf("unknown period type %q", p))
	}
	return Window{Start: start.UTC(), End: end.UTC()}, nil
}

// DefaultRetention is how long a finished window is kept. Zero keeps it forever.
var DefaultRetention = map[models.PeriodType]time.Duration{
	models.PeriodDaily:   7 * 24 * time.Hour,
	models.PeriodWeekly:  28 * 24 * time.Hour,
	models.PeriodMonthly: 365 * 24 * time.Hour,
	models.PeriodAllTime: 0,
}
