package services

import (
	"context"
	"testing"
	"time"

	"quiz-progression-system/cache"
	"quiz-progression-system/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteAttempt_RunsFullChain(t *testing.T) {
	env := newTestEnv(t)

	// 8 correct * 10 * 1.5 (medium) + 500 * 0.1 = 170; FIRST_QUIZ adds 25.
	out := env.playAttempt(t, "u1", 8, 10, 500)
	assert.EqualValues(t, 170, out.XPEarned)
	assert.True(t, out.Won)
	assert.NotEmpty(t, out.AttemptID)

	assert.EqualValues(t, 195, out.Progression.TotalXP)
	assert.Equal(t, 2, out.Progression.Level)
	assert.True(t, out.Progression.LeveledUp)

	assert.Equal(t, []string{"FIRST_QUIZ"}, codes(out.Unlocked))
	assert.EqualValues(t, 1, out.Statistics.GamesPlayed)
	assert.EqualValues(t, 1, out.Statistics.TotalAchievements)
	assert.Equal(t, 1, out.Streak.Current)
	assert.Len(t, out.Leaderboards, 2*len(models.PeriodTypes))

	var attempt models.QuizAttempt
	require.NoError(t, env.db.First(&attempt, "id = ?", out.AttemptID).Error)
	assert.Equal(t, "science", attempt.Category)
	assert.EqualValues(t, 170, attempt.XPEarned)

	assert.NotEmpty(t, env.events.OfType(EventProgressionUpdate))
	assert.Len(t, env.events.OfType(EventLevelUp), 1)
	assert.Len(t, env.events.OfType(EventAchievementUnlocked), 1)
	assert.Len(t, env.events.OfType(EventLeaderboardUpdate), len(models.PeriodTypes))
}

func TestCompleteAttempt_StreakFactorUsesPriorStreak(t *testing.T) {
	env := newTestEnv(t)

	first := env.playAttempt(t, "u1", 8, 10, 500)
	assert.EqualValues(t, 170, first.XPEarned)

	// Same day: the streak is already 1 before this attempt, so x1.1 applies to the chain.
	second := env.playAttempt(t, "u1", 8, 10, 500)
	assert.EqualValues(t, 182, second.XPEarned)
	assert.Equal(t, 1, second.Streak.Current)

	env.clock.Advance(24 * time.Hour)
	third := env.playAttempt(t, "u1", 8, 10, 500)
	assert.Equal(t, 2, third.Streak.Current)
	assert.True(t, third.Streak.Extended)
}

func TestCompleteAttempt_StreakMilestone(t *testing.T) {
	env := newTestEnv(t)

	var last *AttemptOutcome
	for day := 0; day < 3; day++ {
		last = env.playAttempt(t, "u1", 5, 10, 0)
		env.clock.Advance(24 * time.Hour)
	}
	assert.Equal(t, 3, last.Streak.Current)
	assert.True(t, last.Streak.Milestone)
	assert.Contains(t, codes(last.Unlocked), "STREAK_3")
	assert.Len(t, env.events.OfType(EventStreakMilestone), 1)
}

func TestCompleteAttempt_FastestAnswerFromAnswers(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.attempts.CompleteAttempt(context.Background(), "u1", CompleteAttemptRequest{
		Category:         "Geography",
		Difficulty:       models.DifficultyHard,
		CorrectCount:     2,
		TotalQuestions:   3,
		TotalTimeSeconds: 12,
		Answers: []AnswerInput{
			{QuestionID: "q1", Correct: true, TimeSeconds: 1.2},
			{QuestionID: "q2", Correct: false, TimeSeconds: 0.4},
			{QuestionID: "q3", Correct: true, TimeSeconds: 3},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Statistics.FastestAnswerSeconds)
	assert.InDelta(t, 1.2, *out.Statistics.FastestAnswerSeconds, 1e-9)
	assert.Contains(t, codes(out.Unlocked), "SPEED_DEMON")

	var answers int64
	require.NoError(t, env.db.Model(&models.AttemptAnswer{}).Where("attempt_id = ?", out.AttemptID).Count(&answers).Error)
	assert.EqualValues(t, 3, answers)
}

func TestCompleteAttempt_RejectsMalformedWithoutSideEffects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   CompleteAttemptRequest
		field string
	}{
		{"zero questions", CompleteAttemptRequest{Difficulty: "easy", TotalQuestions: 0}, "total_questions"},
		{"too many correct", CompleteAttemptRequest{Difficulty: "easy", CorrectCount: 6, TotalQuestions: 5}, "correct_count"},
		{"bad difficulty", CompleteAttemptRequest{Difficulty: "insane", CorrectCount: 1, TotalQuestions: 5}, "difficulty"},
		{"answers count", CompleteAttemptRequest{Difficulty: "easy", CorrectCount: 1, TotalQuestions: 2,
			Answers: []AnswerInput{{QuestionID: "q1", Correct: true}}}, "answers"},
		{"answers disagree", CompleteAttemptRequest{Difficulty: "easy", CorrectCount: 2, TotalQuestions: 2,
			Answers: []AnswerInput{{QuestionID: "q1", Correct: true}, {QuestionID: "q2"}}}, "correct_count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.attempts.CompleteAttempt(ctx, "u1", tt.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	var attempts, stats int64
	require.NoError(t, env.db.Model(&models.QuizAttempt{}).Count(&attempts).Error)
	require.NoError(t, env.db.Model(&models.UserStatistics{}).Count(&stats).Error)
	assert.Zero(t, attempts)
	assert.Zero(t, stats)
	assert.Empty(t, env.events.Events())
}

func TestSessions_Lifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess, err := env.attempts.StartSession(ctx, "u1", "Music", models.DifficultyEasy)
	require.NoError(t, err)
	assert.Equal(t, models.SessionInProgress, sess.Status)
	_, cached := env.cache.Get(cache.UserKey(cache.NSSession, sess.ID))
	assert.True(t, cached)

	got, err := env.attempts.GetSession(ctx, "u1", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	_, err = env.attempts.GetSession(ctx, "someone-else", sess.ID)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)

	req := CompleteAttemptRequest{
		SessionID: sess.ID, Category: "Music", Difficulty: models.DifficultyEasy,
		CorrectCount: 3, TotalQuestions: 5, TotalTimeSeconds: 100,
	}
	_, err = env.attempts.CompleteAttempt(ctx, "u1", req)
	require.NoError(t, err)
	_, cached = env.cache.Get(cache.UserKey(cache.NSSession, sess.ID))
	assert.False(t, cached)

	var stored models.QuizSession
	require.NoError(t, env.db.First(&stored, "id = ?", sess.ID).Error)
	assert.Equal(t, models.SessionCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)

	// A closed session cannot be completed twice, and nothing of the second attempt is kept.
	_, err = env.attempts.CompleteAttempt(ctx, "u1", req)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "session_id", verr.Field)

	var attempts int64
	require.NoError(t, env.db.Model(&models.QuizAttempt{}).Count(&attempts).Error)
	assert.EqualValues(t, 1, attempts)

	req.SessionID = "missing"
	_, err = env.attempts.CompleteAttempt(ctx, "u1", req)
	require.ErrorAs(t, err, &nf)
}

func TestStartSession_Validates(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.attempts.StartSession(context.Background(), "", "Music", models.DifficultyEasy)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "user_id", verr.Field)

	_, err = env.attempts.StartSession(context.Background(), "u1", "Music", "brutal")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "difficulty", verr.Field)
}
