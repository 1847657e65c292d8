package models

import (
	"time"

	"gorm.io/datatypes"
)

type AchievementCategory string

const (
	AchievementGameplay    AchievementCategory = "gameplay"
	AchievementProgression AchievementCategory = "progression"
	AchievementStreak      AchievementCategory = "streak"
	AchievementSocial      AchievementCategory = "social"
	AchievementSpecial     AchievementCategory = "special"
)

// AchievementCategories lists every category in display order.
var AchievementCategories = []AchievementCategory{
	AchievementGameplay,
	AchievementProgression,
	AchievementStreak,
	AchievementSocial,
	AchievementSpecial,
}

// CriteriaSpec is the stored form of an achievement's criteria. The services package decodes it
// into a typed criterion per category.
type CriteriaSpec struct {
	Type          string  `json:"type" yaml:"type"`                                 // e.g. "games_played", "level", "streak_days"
	Threshold     float64 `json:"threshold" yaml:"threshold"`                       //
	TrackProgress bool    `json:"track_progress,omitempty" yaml:"track_progress"`   // write partial progress before unlock
	Category      string  `json:"category,omitempty" yaml:"category,omitempty"`     // optional quiz category filter
	Difficulty    string  `json:"difficulty,omitempty" yaml:"difficulty,omitempty"` // optional difficulty filter
	MinQuestions  int64   `json:"min_questions,omitempty" yaml:"min_questions,omitempty"`
}

// AchievementDefinition: static catalog entry (seeded, read-only afterwards)
type AchievementDefinition struct {
	ID          string                           `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Code        string                           `gorm:"uniqueIndex;not null" json:"code"` // e.g., "FIRST_QUIZ", "STREAK_7"
	Name        string                           `gorm:"not null" json:"name"`
	Description string                           `json:"description"`
	Icon        string                           `gorm:"type:varchar(16)" json:"icon,omitempty"`
	Category    AchievementCategory              `gorm:"type:varchar(16);index;not null" json:"category"`
	Criteria    datatypes.JSONType[CriteriaSpec] `json:"criteria"`
	XPReward    int64                            `json:"xp_reward" gorm:"default:0"`
	IsActive    bool                             `json:"is_active"`
	SortOrder   int                              `json:"sort_order" gorm:"default:0"`
	CreatedAt   time.Time                        `gorm:"autoCreateTime" json:"created_at"`
}

// UserAchievement: per (user, achievement) progress and grant record.
// EarnedAt is nil until granted and never changes afterwards.
type UserAchievement struct {
	ID             string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ExternalUserID string     `gorm:"not null;uniqueIndex:ux_user_achievement,priority:1" json:"external_user_id"`
	AchievementID  string     `gorm:"not null;uniqueIndex:ux_user_achievement,priority:2" json:"achievement_id"`
	EarnedAt       *time.Time `gorm:"index" json:"earned_at,omitempty"`
	Progress       float64    `json:"progress" gorm:"default:0"` // percent [0,100]
	Metadata       string     `json:"metadata,omitempty"`        // e.g., {"trigger":"attempt","attempt_id":"..."}
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Achievement AchievementDefinition `gorm:"foreignKey:AchievementID" json:"achievement,omitempty"`
}
