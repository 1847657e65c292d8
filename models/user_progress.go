package models

import (
	"time"

	"gorm.io/gorm"
)

// UserProgress tracks gamified progression for each user (denormalized for performance).
// Level and Title are derived from TotalXP through the level table and rewritten on every XP grant.
type UserProgress struct {
	ID             string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ExternalUserID string `gorm:"uniqueIndex;not null" json:"external_user_id"` // links to profile service

	TotalXP       int64   `json:"total_xp" gorm:"default:0"`
	Level         int     `json:"level" gorm:"default:1"`
	Title         string  `json:"title" gorm:"type:varchar(64)"`
	XPInLevel     int64   `json:"xp_in_level" gorm:"default:0"`
	XPToNextLevel int64   `json:"xp_to_next_level" gorm:"default:0"`
	LevelProgress float64 `json:"level_progress" gorm:"default:0"` // [0,1]

	LastLevelUpAt *time.Time `json:"last_level_up_at,omitempty"`

	Timestamps
}

// LevelBand is one row of the level table: TotalXP in [MinXP, MaxXP] maps to (Level, Title).
type LevelBand struct {
	Level int    `gorm:"primaryKey;autoIncrement:false" json:"level" yaml:"level"`
	Title string `gorm:"type:varchar(64);not null" json:"title" yaml:"title"`
	MinXP int64  `gorm:"not null" json:"min_xp" yaml:"min_xp"`
	MaxXP int64  `gorm:"not null" json:"max_xp" yaml:"max_xp"`
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
