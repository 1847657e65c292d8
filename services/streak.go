package services

import (
	"slices"
	"time"

	"quiz-progression-system/models"
)

// StreakMilestones emit a streak_milestone event when reached.
var StreakMilestones = []int{3, 7, 14, 30, 50, 100}

// StreakUpdate describes one transition of the daily streak.
type StreakUpdate struct {
	Previous  int  `json:"previous"`
	Current   int  `json:"current"`
	Longest   int  `json:"longest"`
	Extended  bool `json:"extended"`
	Reset     bool `json:"reset"`
	Milestone bool `json:"milestone"`
}

// civilDay maps t to a day number in loc so calendar days can be subtracted.
func civilDay(t time.Time, loc *time.Location) int64 {
	if loc == nil {
		loc = time.Local
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
}

// advanceStreak applies one completed attempt at activity to stats, comparing calendar days in loc.
// Activity on an earlier day than the last recorded one is treated as the same day.
func advanceStreak(stats *models.UserStatistics, activity time.Time, loc *time.Location) StreakUpdate {
	u := StreakUpdate{Previous: stats.CurrentStreak}

	if stats.LastActivityDate == nil || stats.CurrentStreak == 0 {
		stats.CurrentStreak = 1
	} else {
		gap := civilDay(activity, loc) - civilDay(*stats.LastActivityDate, loc)
		switch {
		case gap <= 0:
		case gap == 1:
			stats.CurrentStreak++
			u.Extended = true
		default:
			stats.CurrentStreak = 1
			u.Reset = true
		}
	}

	if stats.LastActivityDate == nil || activity.After(*stats.LastActivityDate) {
		at := activity
		stats.LastActivityDate = &at
	}
	if stats.CurrentStreak > stats.LongestStreak {
		stats.LongestStreak = stats.CurrentStreak
	}

	u.Current = stats.CurrentStreak
	u.Longest = stats.LongestStreak
	u.Milestone = u.Extended && slices.Contains(StreakMilestones, u.Current)
	return u
}
