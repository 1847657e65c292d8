package services

import (
	"context"
	"testing"
	"time"

	"quiz-progression-system/cache"
	"quiz-progression-system/catalog"
	"quiz-progression-system/logger"
	"quiz-progression-system/testutil"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// testEnv wires every service over a private sqlite database seeded with the default catalog.
type testEnv struct {
	db           *gorm.DB
	clock        *testutil.Clock
	cache        *cache.Cache
	events       *Recorder
	progression  *ProgressionService
	achievements *AchievementService
	leaderboards *LeaderboardService
	attempts     *AttemptService
}

// Wednesday, so daily/weekly/monthly windows are all mid-period.
var testStart = time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := testutil.NewDB(t)
	cat, err := catalog.Default()
	require.NoError(t, err)
	require.NoError(t, catalog.Seed(context.Background(), db, cat))

	log := logger.Nop()
	clock := testutil.NewClock(testStart)
	c := cache.New(cache.Options{Capacity: 500, Now: clock.Now, Logger: log})
	rec := &Recorder{}

	p := NewProgressionService(db, c, rec, log)
	p.Now, p.Location = clock.Now, time.UTC
	a := NewAchievementService(db, c, rec, p, log)
	a.Now = clock.Now
	l := NewLeaderboardService(db, c, rec, log)
	l.Now, l.Location = clock.Now, time.UTC
	at := NewAttemptService(db, c, rec, p, a, l, log)
	at.Now = clock.Now

	return &testEnv{
		db:           db,
		clock:        clock,
		cache:        c,
		events:       rec,
		progression:  p,
		achievements: a,
		leaderboards: l,
		attempts:     at,
	}
}

func (e *testEnv) playAttempt(t *testing.T, userID string, correct, total int, score int64) *AttemptOutcome {
	t.Helper()
	out, err := e.attempts.CompleteAttempt(context.Background(), userID, CompleteAttemptRequest{
		Category:         "Science",
		Difficulty:       "medium",
		CorrectCount:     correct,
		TotalQuestions:   total,
		TotalTimeSeconds: float64(total) * 15,
		RawScore:         score,
	})
	require.NoError(t, err)
	return out
}
