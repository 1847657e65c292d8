package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"quiz-progression-system/cache"
	"quiz-progression-system/catalog"
	"quiz-progression-system/logger"
	"quiz-progression-system/services"
	"quiz-progression-system/testutil"
	"quiz-progression-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) (*fiber.App, *Services) {
	t.Helper()
	db := testutil.NewDB(t)
	cat, err := catalog.Default()
	require.NoError(t, err)
	require.NoError(t, catalog.Seed(context.Background(), db, cat))

	log := logger.Nop()
	clock := testutil.NewClock(time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC))
	c := cache.New(cache.Options{Capacity: 200, Now: clock.Now, Logger: log})
	hub := services.NewEventHub(8)

	p := services.NewProgressionService(db, c, hub, log)
	p.Now, p.Location = clock.Now, time.UTC
	a := services.NewAchievementService(db, c, hub, p, log)
	a.Now = clock.Now
	l := services.NewLeaderboardService(db, c, hub, log)
	l.Now, l.Location = clock.Now, time.UTC
	at := services.NewAttemptService(db, c, hub, p, a, l, log)
	at.Now = clock.Now
	storage := services.NewStorageService(db, l, nil, log)
	storage.Now = clock.Now

	rec := workers.NewReconciler(db, c, storage, log, workers.ReconcilerConfig{MinInterval: time.Minute})
	rec.Now = clock.Now

	s := &Services{
		Progression:  p,
		Achievements: a,
		Leaderboards: l,
		Attempts:     at,
		Storage:      storage,
		Cache:        c,
		Warmer:       workers.NewCacheWarmer(c, l, a, time.Hour, 5, log),
		Reconciler:   rec,
		Events:       hub,
		Log:          log,
	}
	app := fiber.New()
	Setup(app, s)
	return app, s
}

type call struct {
	method string
	path   string
	body   any
	user   string
	roles  string
}

func do(t *testing.T, app *fiber.App, c call) (int, map[string]any) {
	t.Helper()
	var body io.Reader
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.Header.Set("X-User-ID", c.user)
	}
	if c.roles != "" {
		req.Header.Set("X-User-Roles", c.roles)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

var attemptBody = map[string]any{
	"category":           "Science",
	"difficulty":         "medium",
	"correct_count":      8,
	"total_questions":    10,
	"total_time_seconds": 150,
	"raw_score":          800,
}

func TestXPCalculateIsPublic(t *testing.T) {
	app, _ := newTestApp(t)

	status, out := do(t, app, call{method: http.MethodPost, path: "/xp/calculate", body: attemptBody})
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 200, out["xp"])

	status, out = do(t, app, call{method: http.MethodPost, path: "/xp/calculate", body: map[string]any{
		"correct_count": 1, "total_questions": 0, "difficulty": "medium",
	}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "total_questions", out["field"])
}

func TestHealth(t *testing.T) {
	app, _ := newTestApp(t)
	status, out := do(t, app, call{method: http.MethodGet, path: HealthPath})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, false, out["reconciler_scheduled"])
}

func TestUserRoutesRequireUserContext(t *testing.T) {
	app, _ := newTestApp(t)

	for _, path := range []string{"/user/progression", "/user/achievements", "/leaderboards/daily/me"} {
		status, _ := do(t, app, call{method: http.MethodGet, path: path})
		assert.Equal(t, http.StatusUnauthorized, status, path)
	}
	status, _ := do(t, app, call{method: http.MethodGet, path: "/leaderboards/daily"})
	assert.Equal(t, http.StatusOK, status)
}

func TestAttemptFlow(t *testing.T) {
	app, _ := newTestApp(t)

	status, sess := do(t, app, call{method: http.MethodPost, path: "/quiz/sessions", user: "u1",
		body: map[string]any{"category": "Science", "difficulty": "medium"}})
	require.Equal(t, http.StatusCreated, status)
	sessionID, _ := sess["id"].(string)
	require.NotEmpty(t, sessionID)

	body := map[string]any{"session_id": sessionID}
	for k, v := range attemptBody {
		body[k] = v
	}
	status, out := do(t, app, call{method: http.MethodPost, path: "/quiz/attempts", user: "u1", body: body})
	require.Equal(t, http.StatusCreated, status)
	assert.EqualValues(t, 200, out["xp_earned"])
	assert.Equal(t, true, out["won"])

	status, out = do(t, app, call{method: http.MethodPost, path: "/quiz/attempts", user: "u1", body: body})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "session_id", out["field"])

	status, view := do(t, app, call{method: http.MethodGet, path: "/user/progression", user: "u1"})
	require.Equal(t, http.StatusOK, status)
	progress := view["progress"].(map[string]any)
	assert.EqualValues(t, 225, progress["total_xp"]) // 200 + FIRST_QUIZ reward

	status, page := do(t, app, call{method: http.MethodGet, path: "/leaderboards/daily?category=Science", user: "u1"})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, page["total"])
	caller := page["caller_rank"].(map[string]any)
	assert.EqualValues(t, 1, caller["rank"])
	assert.EqualValues(t, 100, caller["percentile"])

	status, _ = do(t, app, call{method: http.MethodGet, path: "/quiz/sessions/" + sessionID, user: "someone-else"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestLeaderboardValidation(t *testing.T) {
	app, _ := newTestApp(t)

	status, out := do(t, app, call{method: http.MethodGet, path: "/leaderboards/hourly"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "period", out["field"])

	status, _ = do(t, app, call{method: http.MethodGet, path: "/leaderboards/weekly/me", user: "nobody"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAwardXPRejectsNegative(t *testing.T) {
	app, _ := newTestApp(t)

	status, out := do(t, app, call{method: http.MethodPost, path: "/user/xp", user: "u1", body: map[string]any{"xp": -5}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "xp", out["field"])

	status, out = do(t, app, call{method: http.MethodPost, path: "/user/xp", user: "u1", body: map[string]any{"xp": 100}})
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, out["level"])
}

func TestAchievementCheckUsesSocialCounts(t *testing.T) {
	app, _ := newTestApp(t)

	status, out := do(t, app, call{method: http.MethodPost, path: "/user/achievements/check", user: "u1",
		body: map[string]any{"social": map[string]int{"shares": 1}}})
	require.Equal(t, http.StatusOK, status)
	unlocked := out["unlocked"].([]any)
	require.Len(t, unlocked, 1)
	assert.Equal(t, "FIRST_SHARE", unlocked[0].(map[string]any)["code"])
}

func TestAdminRoutes(t *testing.T) {
	app, s := newTestApp(t)

	status, _ := do(t, app, call{method: http.MethodGet, path: "/admin/cache", user: "u1"})
	assert.Equal(t, http.StatusForbidden, status)

	admin := func(method, path string, body any) (int, map[string]any) {
		return do(t, app, call{method: method, path: path, body: body, user: "ops", roles: "player, admin"})
	}

	status, out := admin(http.MethodPost, "/admin/cache/warm", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 5, out["result"].(map[string]any)["warmed"])

	status, out = admin(http.MethodGet, "/admin/cache", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 5, out["size"])

	status, out = admin(http.MethodDelete, "/admin/cache", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 5, out["removed"])
	assert.Zero(t, s.Cache.Len())

	status, out = admin(http.MethodPost, "/admin/reconciler/run", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, out["subtasks"], 4)

	status, out = admin(http.MethodPut, "/admin/reconciler/interval", map[string]any{"interval": "10s"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "interval", out["field"])

	status, _ = admin(http.MethodPut, "/admin/reconciler/interval", map[string]any{"interval": "soon"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, out = admin(http.MethodPut, "/admin/storage/limit", map[string]any{"limit_mb": 0})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "limit_mb", out["field"])

	status, out = admin(http.MethodGet, "/admin/storage", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "sqlite", out["driver"])
}

func TestRespondErrorMapping(t *testing.T) {
	log := logger.Nop()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &services.ValidationError{Field: "x", Reason: "bad"}, http.StatusBadRequest},
		{"not found", &services.NotFoundError{Kind: "session", ID: "1"}, http.StatusNotFound},
		{"in flight", services.ErrReconcileInFlight, http.StatusConflict},
		{"fiber", fiber.NewError(http.StatusTeapot, "tea"), http.StatusTeapot},
		{"transient", &services.TransientIOError{Op: "load", Err: io.ErrUnexpectedEOF}, http.StatusServiceUnavailable},
		{"other", io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New()
			app.Get("/", func(c *fiber.Ctx) error { return respondError(c, log, tt.err) })
			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestRecordStatisticsUsesServerClock(t *testing.T) {
	app, s := newTestApp(t)
	now := s.Progression.Now()

	for _, at := range []any{now.AddDate(0, 0, -2), now.AddDate(0, 0, -1), nil} {
		body := map[string]any{
			"category": "History", "difficulty": "easy",
			"correct_count": 3, "total_questions": 5, "total_time_seconds": 40,
		}
		if at != nil {
			body["completed_at"] = at
		}
		status, out := do(t, app, call{method: http.MethodPost, path: "/user/statistics", user: "u-clock", body: body})
		require.Equal(t, http.StatusOK, status, out)
		assert.EqualValues(t, 1, out["current_streak"])
	}

	status, out := do(t, app, call{method: http.MethodGet, path: "/user/statistics", user: "u-clock"})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 3, out["games_played"])
	assert.EqualValues(t, 1, out["longest_streak"])
}
