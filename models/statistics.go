package models

import (
	"time"

	"gorm.io/datatypes"
)

// CategoryStat is the per-category aggregate kept inside UserStatistics.
type CategoryStat struct {
	Played    int64   `json:"played"`
	Correct   int64   `json:"correct"`
	TotalTime float64 `json:"total_time"`
}

// DifficultyStat is the per-difficulty aggregate kept inside UserStatistics.
type DifficultyStat struct {
	Played  int64 `json:"played"`
	Correct int64 `json:"correct"`
}

// CategoryStats is keyed by normalized category slug. Entries are created on first play.
type CategoryStats map[string]CategoryStat

// DifficultyStats is keyed by Difficulty.
type DifficultyStats map[string]DifficultyStat

// UserStatistics holds the rolling counters for one user.
// Invariants: CorrectAnswers <= QuestionsAnswered, CurrentStreak <= LongestStreak.
type UserStatistics struct {
	ID             string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ExternalUserID string `gorm:"uniqueIndex;not null" json:"external_user_id"`

	GamesPlayed       int64   `json:"games_played" gorm:"default:0"`
	GamesWon          int64   `json:"games_won" gorm:"default:0"`
	QuestionsAnswered int64   `json:"questions_answered" gorm:"default:0"`
	CorrectAnswers    int64   `json:"correct_answers" gorm:"default:0"`
	PerfectGames      int64   `json:"perfect_games" gorm:"default:0"`
	TotalTimeSeconds  float64 `json:"total_time_seconds" gorm:"default:0"`

	CurrentStreak    int        `json:"current_streak" gorm:"default:0"`
	LongestStreak    int        `json:"longest_streak" gorm:"default:0"`
	LastActivityDate *time.Time `json:"last_activity_date,omitempty"`

	FastestAnswerSeconds *float64 `json:"fastest_answer_seconds,omitempty"`
	TotalAchievements    int64    `json:"total_achievements" gorm:"default:0"`

	CategoryStats   datatypes.JSONType[CategoryStats]   `json:"category_stats"`
	DifficultyStats datatypes.JSONType[DifficultyStats] `json:"difficulty_stats"`

	Timestamps
}

// Accuracy is CorrectAnswers / QuestionsAnswered, 0 when nothing was answered.
func (s *UserStatistics) Accuracy() float64 {
	if s.QuestionsAnswered == 0 {
		return 0
	}
	return float64(s.CorrectAnswers) / float64(s.QuestionsAnswered)
}
