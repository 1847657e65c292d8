package services

import (
	"context"
	"errors"
	"time"

	"quiz-progression-system/cache"
	"quiz-progression-system/logger"
	"quiz-progression-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AnswerInput struct {
	QuestionID  string  `json:"question_id"`
	Correct     bool    `json:"correct"`
	TimeSeconds float64 `json:"time_seconds"`
}

// CompleteAttemptRequest is what a client submits when a quiz ends.
type CompleteAttemptRequest struct {
	SessionID        string            `json:"session_id,omitempty"`
	Category         string            `json:"category"`
	Difficulty       models.Difficulty `json:"difficulty"`
	CorrectCount     int               `json:"correct_count"`
	TotalQuestions   int               `json:"total_questions"`
	TotalTimeSeconds float64           `json:"total_time_seconds"`
	RawScore         int64             `json:"raw_score"`
	Answers          []AnswerInput     `json:"answers,omitempty"`
	Social           map[string]int    `json:"social,omitempty"`
}

func (r *CompleteAttemptRequest) validate() error {
	if len(r.Answers) > 0 {
		if len(r.Answers) != r.TotalQuestions {
			return invalid("answers", "count must equal total_questions")
		}
		correct := 0
		for _, a := range r.Answers {
			if a.QuestionID == "" {
				return invalid("answers", "question_id required")
			}
			if a.TimeSeconds < 0 {
				return invalid("answers", "time_seconds must not be negative")
			}
			if a.Correct {
				correct++
			}
		}
		if correct != r.CorrectCount {
			return invalid("correct_count", "does not match answers")
		}
	}
	return AttemptResult{
		CorrectCount:     r.CorrectCount,
		TotalQuestions:   r.TotalQuestions,
		Difficulty:       r.Difficulty,
		TotalTimeSeconds: r.TotalTimeSeconds,
		RawScore:         r.RawScore,
	}.Validate()
}

func (r *CompleteAttemptRequest) fastestCorrect() *float64 {
	var best *float64
	for _, a := range r.Answers {
		if !a.Correct {
			continue
		}
		if best == nil || a.TimeSeconds < *best {
			t := a.TimeSeconds
			best = &t
		}
	}
	return best
}

// AttemptOutcome is everything one completed attempt changed.
type AttemptOutcome struct {
	AttemptID    string                    `json:"attempt_id"`
	XPEarned     int64                     `json:"xp_earned"`
	Won          bool                      `json:"won"`
	Progression  ProgressionSnapshot       `json:"progression"`
	Statistics   *models.UserStatistics    `json:"statistics"`
	Streak       StreakUpdate              `json:"streak"`
	Unlocked     []UnlockedAchievement     `json:"unlocked_achievements"`
	Leaderboards []models.LeaderboardEntry `json:"leaderboards"`
}

// AttemptService runs the per-attempt chain: score, statistics, XP, achievements, leaderboards.
type AttemptService struct {
	DB           *gorm.DB
	Cache        *cache.Cache
	Notifier     Notifier
	Progression  *ProgressionService
	Achievements *AchievementService
	Leaderboards *LeaderboardService
	Weights      XPWeights
	WinThreshold float64 // accuracy at or above which an attempt counts as won
	SessionTTL   time.Duration
	Now          func() time.Time

	log *logger.Logger
}

func NewAttemptService(db *gorm.DB, c *cache.Cache, n Notifier, p *ProgressionService, a *AchievementService, l *LeaderboardService, log *logger.Logger) *AttemptService {
	if n == nil {
		n = NopNotifier{}
	}
	return &AttemptService{
		DB:           db,
		Cache:        c,
		Notifier:     n,
		Progression:  p,
		Achievements: a,
		Leaderboards: l,
		Weights:      DefaultXPWeights,
		WinThreshold: 0.5,
		SessionTTL:   2 * time.Hour,
		Now:          time.Now,
		log:          log.With("service", "AttemptService"),
	}
}

// StartSession opens an in-progress quiz session.
func (s *AttemptService) StartSession(ctx context.Context, externalUserID, category string, difficulty models.Difficulty) (*models.QuizSession, error) {
	if externalUserID == "" {
		return nil, invalid("user_id", "required")
	}
	if !difficulty.Valid() {
		return nil, invalid("difficulty", "must be easy, medium or hard")
	}
	now := s.Now()
	sess := &models.QuizSession{
		ID:             uuid.NewString(),
		ExternalUserID: externalUserID,
		Category:       cache.NormalizeCategory(category),
		Difficulty:     difficulty,
		Status:         models.SessionInProgress,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := s.DB.WithContext(ctx).Create(sess).Error; err != nil {
		return nil, transient("start session", err)
	}
	if s.Cache != nil {
		s.Cache.Set(cache.UserKey(cache.NSSession, sess.ID), sess, s.SessionTTL)
	}
	return sess, nil
}

// GetSession returns a session owned by the user.
func (s *AttemptService) GetSession(ctx context.Context, externalUserID, sessionID string) (*models.QuizSession, error) {
	if s.Cache != nil {
		if sess, ok := cache.As[*models.QuizSession](s.Cache.Get(cache.UserKey(cache.NSSession, sessionID))); ok && sess.ExternalUserID == externalUserID {
			return sess, nil
		}
	}
	var sess models.QuizSession
	err := s.DB.WithContext(ctx).Where("id = ? AND external_user_id = ?", sessionID, externalUserID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Kind: "session", ID: sessionID}
	}
	if err != nil {
		return nil, transient("load session", err)
	}
	return &sess, nil
}

// CompleteAttempt records a finished quiz and runs the full progression chain in one transaction.
// Cache invalidation and notifications happen only after commit.
func (s *AttemptService) CompleteAttempt(ctx context.Context, externalUserID string, req CompleteAttemptRequest) (*AttemptOutcome, error) {
	if externalUserID == "" {
		return nil, invalid("user_id", "required")
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	category := cache.NormalizeCategory(req.Category)
	now := s.Now()

	unlock, err := s.Leaderboards.LockWindows(category, now)
	if err != nil {
		return nil, err
	}
	defer unlock()

	fx := &sideEffects{}
	out := &AttemptOutcome{}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sessionID *string
		if req.SessionID != "" {
			if err := s.closeSessionTx(tx, externalUserID, req.SessionID, now); err != nil {
				return err
			}
			sessionID = &req.SessionID
			fx.invalidate(cache.UserKey(cache.NSSession, req.SessionID))
		}

		prior, err := s.Progression.loadStatistics(tx, externalUserID)
		if err != nil {
			return err
		}
		xp, err := s.Weights.Compute(AttemptResult{
			CorrectCount:     req.CorrectCount,
			TotalQuestions:   req.TotalQuestions,
			Difficulty:       req.Difficulty,
			TotalTimeSeconds: req.TotalTimeSeconds,
			RawScore:         req.RawScore,
			CurrentStreak:    prior.CurrentStreak,
		})
		if err != nil {
			return err
		}
		won := float64(req.CorrectCount)/float64(req.TotalQuestions) >= s.WinThreshold

		attempt := models.QuizAttempt{
			ID:               uuid.NewString(),
			ExternalUserID:   externalUserID,
			SessionID:        sessionID,
			Category:         category,
			Difficulty:       req.Difficulty,
			CorrectCount:     req.CorrectCount,
			TotalQuestions:   req.TotalQuestions,
			TotalTimeSeconds: req.TotalTimeSeconds,
			RawScore:         req.RawScore,
			Won:              won,
			XPEarned:         xp,
			CompletedAt:      now,
		}
		for _, a := range req.Answers {
			attempt.Answers = append(attempt.Answers, models.AttemptAnswer{
				ID:             uuid.NewString(),
				ExternalUserID: externalUserID,
				QuestionID:     a.QuestionID,
				Correct:        a.Correct,
				TimeSeconds:    a.TimeSeconds,
			})
		}
		if err := tx.Create(&attempt).Error; err != nil {
			return err
		}

		stats := AttemptStats{
			Category:             category,
			Difficulty:           req.Difficulty,
			CorrectCount:         req.CorrectCount,
			TotalQuestions:       req.TotalQuestions,
			TotalTimeSeconds:     req.TotalTimeSeconds,
			Won:                  won,
			FastestAnswerSeconds: req.fastestCorrect(),
			CompletedAt:          now,
		}
		updated, streak, err := s.Progression.recordAttemptTx(tx, externalUserID, stats, fx)
		if err != nil {
			return err
		}

		snap, err := s.Progression.applyXPTx(ctx, tx, externalUserID, xp, fx, 0)
		if err != nil {
			return err
		}

		if _, err := s.Achievements.checkTx(ctx, tx, externalUserID, EvalContext{
			Trigger: "attempt",
			Attempt: &stats,
			Social:  req.Social,
		}, fx, 0); err != nil {
			return err
		}

		entries, err := s.Leaderboards.recordResultTx(tx, externalUserID, req.RawScore, xp, category, now, fx)
		if err != nil {
			return err
		}

		// Achievement rewards may have moved progression and statistics since they were read.
		if err := tx.Where("external_user_id = ?", externalUserID).First(updated).Error; err != nil {
			return err
		}
		if err := s.Progression.refreshSnapshotTx(tx, &snap); err != nil {
			return err
		}

		out.AttemptID = attempt.ID
		out.XPEarned = xp
		out.Won = won
		out.Progression = snap
		out.Statistics = updated
		out.Streak = streak
		out.Leaderboards = entries
		return nil
	})
	if err != nil {
		return nil, transient("complete attempt", err)
	}

	out.Unlocked = fx.unlocked
	if out.Unlocked == nil {
		out.Unlocked = []UnlockedAchievement{}
	}
	fx.apply(ctx, s.Cache, s.Notifier)
	s.log.Info("✅ attempt completed",
		"user_id", externalUserID,
		"attempt_id", out.AttemptID,
		"xp", out.XPEarned,
		"level", out.Progression.Level,
		"unlocked", len(out.Unlocked),
	)
	return out, nil
}

func (s *AttemptService) closeSessionTx(tx *gorm.DB, userID, sessionID string, now time.Time) error {
	var sess models.QuizSession
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND external_user_id = ?", sessionID, userID).
		First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &NotFoundError{Kind: "session", ID: sessionID}
	}
	if err != nil {
		return err
	}
	if sess.Status != models.SessionInProgress {
		return invalid("session_id", "session is "+string(sess.Status))
	}
	return tx.Model(&sess).Updates(map[string]any{
		"status":           models.SessionCompleted,
		"completed_at":     now,
		"last_activity_at": now,
	}).Error
}
