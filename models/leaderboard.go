package models

import "time"

type PeriodType string

const (
	PeriodDaily   PeriodType = "daily"
	PeriodWeekly  PeriodType = "weekly"
	PeriodMonthly PeriodType = "monthly"
	PeriodAllTime PeriodType = "all_time"
)

// PeriodTypes lists every leaderboard period in update order.
var PeriodTypes = []PeriodType{PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodAllTime}

// Valid reports whether p is a known period type.
func (p PeriodType) Valid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodAllTime:
		return true
	}
	return false
}

// LeaderboardEntry is one row per (user, period type, category, period window).
// Category "" is the global board. Rank is only written by the ranking pass.
type LeaderboardEntry struct {
	ID             string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ExternalUserID string     `json:"user_id" gorm:"not null;uniqueIndex:ux_lb_entry,priority:1"`
	PeriodType     PeriodType `json:"period_type" gorm:"type:varchar(16);not null;uniqueIndex:ux_lb_entry,priority:2;index:ix_lb_window,priority:1"`
	Category       string     `json:"category" gorm:"type:varchar(64);not null;default:'';uniqueIndex:ux_lb_entry,priority:3;index:ix_lb_window,priority:2"`
	PeriodStart    time.Time  `json:"period_start" gorm:"not null;uniqueIndex:ux_lb_entry,priority:4;index:ix_lb_window,priority:3"`
	PeriodEnd      time.Time  `json:"period_end" gorm:"not null;index"`
	Score          int64      `json:"score"`
	XPEarned       int64      `json:"xp_earned"`
	GamesPlayed    int64      `json:"games_played"`
	Rank           int        `json:"rank"`
	UpdatedAt      time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

// SyncConflict is an append-only diagnostic record written when a cached aggregate disagreed
// with the value recomputed from the source of truth.
type SyncConflict struct {
	ID             string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ExternalUserID string    `json:"user_id" gorm:"index;not null"`
	Field          string    `json:"field" gorm:"type:varchar(64);not null"`
	CachedValue    float64   `json:"cached_value"`
	FreshValue     float64   `json:"fresh_value"`
	Resolution     string    `json:"resolution" gorm:"type:varchar(32)"` // always "source_wins"
	DetectedAt     time.Time `json:"detected_at" gorm:"index;not null"`
}

// AllModels is the AutoMigrate list.
func AllModels() []interface{} {
	return []interface{}{
		&UserProgress{},
		&LevelBand{},
		&UserStatistics{},
		&AchievementDefinition{},
		&UserAchievement{},
		&QuizSession{},
		&QuizAttempt{},
		&AttemptAnswer{},
		&QuestionStat{},
		&LeaderboardEntry{},
		&SyncConflict{},
	}
}
