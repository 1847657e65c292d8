// Package catalog holds the seed data for the level table and the achievement catalog.
package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"

	"quiz-progression-system/models"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

type Achievement struct {
	Code        string                     `yaml:"code"`
	Name        string                     `yaml:"name"`
	Description string                     `yaml:"description"`
	Icon        string                     `yaml:"icon"`
	Category    models.AchievementCategory `yaml:"category"`
	XPReward    int64                      `yaml:"xp_reward"`
	Inactive    bool                       `yaml:"inactive"`
	Criteria    models.CriteriaSpec        `yaml:"criteria"`
}

type Catalog struct {
	Levels       []models.LevelBand `yaml:"levels"`
	Achievements []Achievement      `yaml:"achievements"`
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// LoadFile reads a catalog from disk.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that level bands are ordered and non-overlapping and that codes are unique.
func (c *Catalog) Validate() error {
	for i, band := range c.Levels {
		if band.MinXP > band.MaxXP {
			return fmt.Errorf("level %d: min_xp %d > max_xp %d", band.Level, band.MinXP, band.MaxXP)
		}
		if i > 0 {
			prev := c.Levels[i-1]
			if band.Level <= prev.Level || band.MinXP <= prev.MaxXP {
				return fmt.Errorf("level %d overlaps or is out of order with level %d", band.Level, prev.Level)
			}
		}
	}

	seen := make(map[string]bool, len(c.Achievements))
	for _, a := range c.Achievements {
		if a.Code == "" {
			return fmt.Errorf("achievement %q has no code", a.Name)
		}
		if seen[a.Code] {
			return fmt.Errorf("duplicate achievement code %s", a.Code)
		}
		seen[a.Code] = true
		switch a.Category {
		case models.AchievementGameplay, models.AchievementProgression, models.AchievementStreak,
			models.AchievementSocial, models.AchievementSpecial:
		default:
			return fmt.Errorf("achievement %s: unknown category %q", a.Code, a.Category)
		}
		if a.Criteria.Threshold <= 0 {
			return fmt.Errorf("achievement %s: threshold must be positive", a.Code)
		}
	}
	return nil
}

// Seed upserts the level table and achievement definitions. Existing achievement IDs are kept so
// user records stay linked.
func Seed(ctx context.Context, db *gorm.DB, c *Catalog) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(c.Levels) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "level"}},
				DoUpdates: clause.AssignmentColumns([]string{"title", "min_xp", "max_xp"}),
			}).Create(&c.Levels).Error; err != nil {
				return fmt.Errorf("seed levels: %w", err)
			}
		}

		for i, a := range c.Achievements {
			def := models.AchievementDefinition{
				ID:          uuid.NewString(),
				Code:        a.Code,
				Name:        a.Name,
				Description: a.Description,
				Icon:        a.Icon,
				Category:    a.Category,
				Criteria:    datatypes.NewJSONType(a.Criteria),
				XPReward:    a.XPReward,
				IsActive:    !a.Inactive,
				SortOrder:   i,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "code"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"name", "description", "icon", "category", "criteria", "xp_reward", "is_active", "sort_order",
				}),
			}).Create(&def).Error; err != nil {
				return fmt.Errorf("seed achievement %s: %w", a.Code, err)
			}
		}
		return nil
	})
}
