package models

import "time"

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Valid reports whether d is one of the known tiers.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionAbandoned  SessionStatus = "abandoned"
)

// QuizSession is a quiz a user has started but may not have finished yet.
type QuizSession struct {
	ID             string        `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ExternalUserID string        `gorm:"index;not null" json:"external_user_id"`
	Category       string        `gorm:"type:varchar(64)" json:"category,omitempty"`
	Difficulty     Difficulty    `gorm:"type:varchar(16)" json:"difficulty"`
	Status         SessionStatus `gorm:"type:varchar(16);index;default:'in_progress'" json:"status"`
	StartedAt      time.Time     `gorm:"not null" json:"started_at"`
	LastActivityAt time.Time     `gorm:"index;not null" json:"last_activity_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// QuizAttempt records a single completed quiz. It is the source of truth for statistics.
type QuizAttempt struct {
	ID             string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ExternalUserID string     `gorm:"index;not null" json:"external_user_id"`
	SessionID      *string    `gorm:"index" json:"session_id,omitempty"`
	Category       string     `gorm:"type:varchar(64);index" json:"category,omitempty"`
	Difficulty     Difficulty `gorm:"type:varchar(16)" json:"difficulty"`

	CorrectCount     int     `json:"correct_count"`
	TotalQuestions   int     `json:"total_questions"`
	TotalTimeSeconds float64 `json:"total_time_seconds"`
	RawScore         int64   `json:"raw_score"`
	Won              bool    `json:"won"`

	// XP awarded (pre-calculated to avoid recomputation)
	XPEarned int64 `json:"xp_earned" gorm:"default:0"`

	CompletedAt time.Time `gorm:"index;not null" json:"completed_at"`

	Answers []AttemptAnswer `gorm:"foreignKey:AttemptID" json:"answers,omitempty"`
}

// AttemptAnswer is one answered question within an attempt.
type AttemptAnswer struct {
	ID             string  `gorm:"primaryKey;type:varchar(36)" json:"id"`
	AttemptID      string  `gorm:"index;not null" json:"attempt_id"`
	ExternalUserID string  `gorm:"index;not null" json:"external_user_id"`
	QuestionID     string  `gorm:"index;not null" json:"question_id"`
	Correct        bool    `json:"correct"`
	TimeSeconds    float64 `json:"time_seconds"`
}

// QuestionStat is the reconciled usage/success aggregate for a question.
type QuestionStat struct {
	QuestionID   string    `gorm:"primaryKey;type:varchar(64)" json:"question_id"`
	TimesUsed    int64     `json:"times_used"`
	TimesCorrect int64     `json:"times_correct"`
	SuccessRate  float64   `json:"success_rate"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
