package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"quiz-progression-system/cache"
	"quiz-progression-system/logger"
	"quiz-progression-system/models"
	"quiz-progression-system/services"
	"quiz-progression-system/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var testNow = time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)

func newReconciler(t *testing.T) (*Reconciler, *gorm.DB, *cache.Cache) {
	t.Helper()
	db := testutil.NewDB(t)
	clock := testutil.NewClock(testNow)
	c := cache.New(cache.Options{Capacity: 100, Now: clock.Now, Logger: logger.Nop()})
	r := NewReconciler(db, c, nil, logger.Nop(), ReconcilerConfig{
		Interval:     time.Hour,
		MinInterval:  time.Minute,
		ToleranceAbs: 0.5,
		TolerancePct: 0.01,
		UsageDelta:   1,
		RateDelta:    0.01,
		StaleAfter:   2 * time.Hour,
	})
	r.Now = clock.Now
	return r, db, c
}

func seedAttempts(t *testing.T, db *gorm.DB, userID string, attempts ...models.QuizAttempt) {
	t.Helper()
	for i := range attempts {
		attempts[i].ID = uuid.NewString()
		attempts[i].ExternalUserID = userID
		attempts[i].Difficulty = models.DifficultyMedium
		attempts[i].CompletedAt = testNow
		require.NoError(t, db.Create(&attempts[i]).Error)
	}
}

func seedStats(t *testing.T, db *gorm.DB, s models.UserStatistics) models.UserStatistics {
	t.Helper()
	s.ID = uuid.NewString()
	s.CategoryStats = datatypes.NewJSONType(models.CategoryStats{})
	s.DifficultyStats = datatypes.NewJSONType(models.DifficultyStats{})
	require.NoError(t, db.Create(&s).Error)
	return s
}

func findSubtask(t *testing.T, rep *PassReport, name string) SubtaskResult {
	t.Helper()
	for _, s := range rep.Subtasks {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no sub-task %q in report", name)
	return SubtaskResult{}
}

func TestExceedsTolerance(t *testing.T) {
	tests := []struct {
		cached, fresh float64
		want          bool
	}{
		{10, 10, false},
		{10.4, 10, false},
		{10.6, 10, true},
		{1005, 1000, false}, // 1% of 1000 = 10
		{1011, 1000, true},
		{0, 1, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exceedsTolerance(tt.cached, tt.fresh, 0.5, 0.01), "cached=%v fresh=%v", tt.cached, tt.fresh)
	}
}

func TestReconciler_HealsDriftAndRecordsConflict(t *testing.T) {
	r, db, c := newReconciler(t)
	ctx := context.Background()

	seedAttempts(t, db, "u1",
		models.QuizAttempt{CorrectCount: 8, TotalQuestions: 10, TotalTimeSeconds: 100, Won: true},
		models.QuizAttempt{CorrectCount: 10, TotalQuestions: 10, TotalTimeSeconds: 50, Won: true},
	)
	seedStats(t, db, models.UserStatistics{
		ExternalUserID: "u1", GamesPlayed: 5, GamesWon: 2, QuestionsAnswered: 20,
		CorrectAnswers: 18, PerfectGames: 1, TotalTimeSeconds: 150,
	})
	c.Set(cache.UserKey(cache.NSProgression, "u1"), "stale", time.Minute)

	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Failed())
	st := findSubtask(t, rep, "statistics")
	assert.Equal(t, 1, st.Processed)
	assert.Equal(t, 1, st.Changed)

	var healed models.UserStatistics
	require.NoError(t, db.Where("external_user_id = ?", "u1").First(&healed).Error)
	assert.EqualValues(t, 2, healed.GamesPlayed)

	var conflicts []models.SyncConflict
	require.NoError(t, db.Find(&conflicts).Error)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "games_played", conflicts[0].Field)
	assert.InDelta(t, 5, conflicts[0].CachedValue, 1e-9)
	assert.InDelta(t, 2, conflicts[0].FreshValue, 1e-9)
	assert.Equal(t, "source_wins", conflicts[0].Resolution)

	cached, ok := cache.As[*models.UserStatistics](c.Get(cache.UserKey(cache.NSUserStats, "u1")))
	require.True(t, ok)
	assert.EqualValues(t, 2, cached.GamesPlayed)
	_, ok = c.Get(cache.UserKey(cache.NSProgression, "u1"))
	assert.False(t, ok)
}

func TestReconciler_WithinToleranceIsLeftAlone(t *testing.T) {
	r, db, _ := newReconciler(t)

	seedAttempts(t, db, "u1", models.QuizAttempt{CorrectCount: 8, TotalQuestions: 10, TotalTimeSeconds: 150, Won: true})
	seedStats(t, db, models.UserStatistics{
		ExternalUserID: "u1", GamesPlayed: 1, GamesWon: 1, QuestionsAnswered: 10,
		CorrectAnswers: 8, TotalTimeSeconds: 150.3,
	})

	rep, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, findSubtask(t, rep, "statistics").Changed)

	var n int64
	require.NoError(t, db.Model(&models.SyncConflict{}).Count(&n).Error)
	assert.Zero(t, n)
	var row models.UserStatistics
	require.NoError(t, db.Where("external_user_id = ?", "u1").First(&row).Error)
	assert.InDelta(t, 150.3, row.TotalTimeSeconds, 1e-9)
}

func TestReconciler_UserWithoutAttemptsIsZeroed(t *testing.T) {
	r, db, _ := newReconciler(t)
	seedStats(t, db, models.UserStatistics{ExternalUserID: "ghost", GamesPlayed: 3, QuestionsAnswered: 30})

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	var row models.UserStatistics
	require.NoError(t, db.Where("external_user_id = ?", "ghost").First(&row).Error)
	assert.Zero(t, row.GamesPlayed)
	assert.Zero(t, row.QuestionsAnswered)
	var n int64
	require.NoError(t, db.Model(&models.SyncConflict{}).Where("external_user_id = ?", "ghost").Count(&n).Error)
	assert.EqualValues(t, 2, n)
}

func TestReconciler_SingleFlight(t *testing.T) {
	r, _, _ := newReconciler(t)
	ctx := context.Background()

	r.current.Store(&passClaim{})
	_, err := r.RunOnce(ctx)
	assert.True(t, errors.Is(err, services.ErrReconcileInFlight))
	assert.True(t, r.Status().InFlight)

	rep, err := r.ForceRun(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Forced)
	assert.False(t, r.Status().InFlight)
	assert.EqualValues(t, 1, r.Status().Runs)
	assert.Same(t, rep, r.Status().LastPass)
}

// queryHold parks a pass at its first query until the test closes that pass's gate.
type queryHold struct {
	gates   chan chan struct{}
	entered chan struct{}
}

func holdQueries(t *testing.T, db *gorm.DB) *queryHold {
	t.Helper()
	h := &queryHold{gates: make(chan chan struct{}, 4), entered: make(chan struct{}, 4)}
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("test:hold", func(*gorm.DB) {
		select {
		case gate := <-h.gates:
			h.entered <- struct{}{}
			<-gate
		default:
		}
	}))
	return h
}

func (h *queryHold) next(t *testing.T) chan struct{} {
	t.Helper()
	gate := make(chan struct{})
	h.gates <- gate
	return gate
}

func (h *queryHold) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-h.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("pass never reached its first query")
	}
}

func TestReconciler_DisplacedPassKeepsForcedPassGuarded(t *testing.T) {
	r, db, _ := newReconciler(t)
	ctx := context.Background()
	hold := holdQueries(t, db)

	gateA := hold.next(t)
	doneA := make(chan error, 1)
	go func() {
		_, err := r.RunOnce(ctx)
		doneA <- err
	}()
	hold.waitEntered(t)

	gateB := hold.next(t)
	doneB := make(chan *PassReport, 1)
	go func() {
		rep, _ := r.ForceRun(ctx)
		doneB <- rep
	}()
	hold.waitEntered(t)

	close(gateA)
	require.NoError(t, <-doneA)

	assert.True(t, r.Status().InFlight)
	_, err := r.RunOnce(ctx)
	assert.ErrorIs(t, err, services.ErrReconcileInFlight)

	close(gateB)
	rep := <-doneB
	require.NotNil(t, rep)
	assert.True(t, rep.Forced)
	assert.False(t, r.Status().InFlight)
	assert.EqualValues(t, 2, r.Status().Runs)

	_, err = r.RunOnce(ctx)
	assert.NoError(t, err)
}

func TestReconciler_ReclaimsStaleSessions(t *testing.T) {
	r, db, c := newReconciler(t)

	stale := models.QuizSession{
		ID: uuid.NewString(), ExternalUserID: "u1", Difficulty: models.DifficultyEasy,
		Status: models.SessionInProgress, StartedAt: testNow.Add(-3 * time.Hour), LastActivityAt: testNow.Add(-3 * time.Hour),
	}
	fresh := models.QuizSession{
		ID: uuid.NewString(), ExternalUserID: "u1", Difficulty: models.DifficultyEasy,
		Status: models.SessionInProgress, StartedAt: testNow.Add(-time.Hour), LastActivityAt: testNow.Add(-time.Hour),
	}
	require.NoError(t, db.Create(&stale).Error)
	require.NoError(t, db.Create(&fresh).Error)
	c.Set(cache.UserKey(cache.NSSession, stale.ID), &stale, time.Hour)

	rep, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, findSubtask(t, rep, "stale_sessions").Changed)

	var got models.QuizSession
	require.NoError(t, db.First(&got, "id = ?", stale.ID).Error)
	assert.Equal(t, models.SessionAbandoned, got.Status)
	require.NoError(t, db.First(&got, "id = ?", fresh.ID).Error)
	assert.Equal(t, models.SessionInProgress, got.Status)
	_, ok := c.Get(cache.UserKey(cache.NSSession, stale.ID))
	assert.False(t, ok)
}

func TestReconciler_QuestionStatsOnlyRewritesMovedRows(t *testing.T) {
	r, db, _ := newReconciler(t)
	ctx := context.Background()

	attemptID := uuid.NewString()
	for i, a := range []struct {
		q       string
		correct bool
	}{{"q1", true}, {"q1", false}, {"q2", true}} {
		require.NoError(t, db.Create(&models.AttemptAnswer{
			ID: uuid.NewString(), AttemptID: attemptID, ExternalUserID: "u1",
			QuestionID: a.q, Correct: a.correct, TimeSeconds: float64(i + 1),
		}).Error)
	}

	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	qs := findSubtask(t, rep, "question_stats")
	assert.Equal(t, 2, qs.Processed)
	assert.Equal(t, 2, qs.Changed)

	var q1 models.QuestionStat
	require.NoError(t, db.First(&q1, "question_id = ?", "q1").Error)
	assert.EqualValues(t, 2, q1.TimesUsed)
	assert.EqualValues(t, 1, q1.TimesCorrect)
	assert.InDelta(t, 0.5, q1.SuccessRate, 1e-9)

	rep, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, findSubtask(t, rep, "question_stats").Changed)
}

func TestReconciler_SubtaskPanicIsIsolated(t *testing.T) {
	r, _, _ := newReconciler(t)

	res := r.runSubtask(context.Background(), subtask{name: "boom", run: func(context.Context) (int, int, error) {
		panic("kaboom")
	}})
	assert.Equal(t, "boom", res.Name)
	assert.Contains(t, res.Error, "kaboom")
}

func TestReconciler_Lifecycle(t *testing.T) {
	r, _, _ := newReconciler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var verr *services.ValidationError
	require.ErrorAs(t, r.SetInterval(time.Second), &verr)

	require.NoError(t, r.Start(ctx))
	assert.True(t, r.Status().Scheduled)
	require.NoError(t, r.SetInterval(2*time.Minute))
	assert.Equal(t, 2*time.Minute, r.Status().Interval)

	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())
	assert.False(t, r.Status().Scheduled)
	assert.Nil(t, r.Status().NextRun)
}
