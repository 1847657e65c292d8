package services

import (
	"context"
	"math"
	"time"

	"quiz-progression-system/cache"
	"quiz-progression-system/models"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AttemptStats is the statistics input for one completed attempt.
type AttemptStats struct {
	Category             string            `json:"category"`
	Difficulty           models.Difficulty `json:"difficulty"`
	CorrectCount         int               `json:"correct_count"`
	TotalQuestions       int               `json:"total_questions"`
	TotalTimeSeconds     float64           `json:"total_time_seconds"`
	Won                  bool              `json:"won"`
	FastestAnswerSeconds *float64          `json:"fastest_answer_seconds,omitempty"`
	CompletedAt          time.Time         `json:"completed_at"`
}

func (a AttemptStats) Validate() error {
	switch {
	case a.TotalQuestions <= 0:
		return invalid("total_questions", "must be greater than zero")
	case a.CorrectCount < 0 || a.CorrectCount > a.TotalQuestions:
		return invalid("correct_count", "must be between 0 and total_questions")
	case !a.Difficulty.Valid():
		return invalid("difficulty", "must be easy, medium or hard")
	case a.TotalTimeSeconds < 0 || math.IsNaN(a.TotalTimeSeconds):
		return invalid("total_time_seconds", "must be a non-negative number")
	case a.FastestAnswerSeconds != nil && *a.FastestAnswerSeconds < 0:
		return invalid("fastest_answer_seconds", "must not be negative")
	}
	return nil
}

func (a AttemptStats) Perfect() bool {
	return a.CorrectCount == a.TotalQuestions
}

// RecordAttempt folds one attempt into the user's rolling statistics.
func (s *ProgressionService) RecordAttempt(ctx context.Context, externalUserID string, a AttemptStats) (*models.UserStatistics, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	fx := &sideEffects{}
	var stats *models.UserStatistics
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		stats, _, err = s.recordAttemptTx(tx, externalUserID, a, fx)
		return err
	})
	if err != nil {
		return nil, transient("record attempt", err)
	}
	fx.apply(ctx, s.Cache, s.Notifier)
	return stats, nil
}

func (s *ProgressionService) ensureStatisticsTx(tx *gorm.DB, externalUserID string) (*models.UserStatistics, error) {
	fresh := models.UserStatistics{
		ID:              uuid.NewString(),
		ExternalUserID:  externalUserID,
		CategoryStats:   datatypes.NewJSONType(models.CategoryStats{}),
		DifficultyStats: datatypes.NewJSONType(models.DifficultyStats{}),
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_user_id"}},
		DoNothing: true,
	}).Create(&fresh).Error; err != nil {
		return nil, err
	}
	var stats models.UserStatistics
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("external_user_id = ?", externalUserID).
		First(&stats).Error; err != nil {
		return nil, err
	}
	return &stats, nil
}

func (s *ProgressionService) recordAttemptTx(tx *gorm.DB, externalUserID string, a AttemptStats, fx *sideEffects) (*models.UserStatistics, StreakUpdate, error) {
	if externalUserID == "" {
		return nil, StreakUpdate{}, invalid("user_id", "required")
	}
	stats, err := s.ensureStatisticsTx(tx, externalUserID)
	if err != nil {
		return nil, StreakUpdate{}, err
	}
	at := a.CompletedAt
	if at.IsZero() {
		at = s.Now()
	}

	stats.GamesPlayed++
	if a.Won {
		stats.GamesWon++
	}
	if a.Perfect() {
		stats.PerfectGames++
	}
	stats.QuestionsAnswered += int64(a.TotalQuestions)
	stats.CorrectAnswers += int64(a.CorrectCount)
	stats.TotalTimeSeconds += a.TotalTimeSeconds

	if a.FastestAnswerSeconds != nil {
		if stats.FastestAnswerSeconds == nil || *a.FastestAnswerSeconds < *stats.FastestAnswerSeconds {
			v := *a.FastestAnswerSeconds
			stats.FastestAnswerSeconds = &v
		}
	}

	byCategory := stats.CategoryStats.Data()
	if byCategory == nil {
		byCategory = models.CategoryStats{}
	}
	if key := cache.NormalizeCategory(a.Category); key != "" {
		cs := byCategory[key]
		cs.Played++
		cs.Correct += int64(a.CorrectCount)
		cs.TotalTime += a.TotalTimeSeconds
		byCategory[key] = cs
	}
	stats.CategoryStats = datatypes.NewJSONType(byCategory)

	byDifficulty := stats.DifficultyStats.Data()
	if byDifficulty == nil {
		byDifficulty = models.DifficultyStats{}
	}
	ds := byDifficulty[string(a.Difficulty)]
	ds.Played++
	ds.Correct += int64(a.CorrectCount)
	byDifficulty[string(a.Difficulty)] = ds
	stats.DifficultyStats = datatypes.NewJSONType(byDifficulty)

	streak := advanceStreak(stats, at, s.Location)

	if err := tx.Save(stats).Error; err != nil {
		return nil, StreakUpdate{}, err
	}

	fx.invalidateUser(externalUserID)
	if streak.Milestone {
		s.log.Info("🔥 streak milestone", "user_id", externalUserID, "streak", streak.Current)
		fx.emit(EventStreakMilestone, externalUserID, streak, at)
	}
	return stats, streak, nil
}
