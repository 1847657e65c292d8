package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"quiz-progression-system/cache"
	"quiz-progression-system/logger"
	"quiz-progression-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultLeaderboardLimit = 10
	MaxLeaderboardLimit     = 100
)

// RankedEntry is one row of a leaderboard page.
type RankedEntry struct {
	Rank        int    `json:"rank"`
	UserID      string `json:"user_id"`
	Score       int64  `json:"score"`
	XPEarned    int64  `json:"xp_earned"`
	GamesPlayed int64  `json:"games_played"`
}

type LeaderboardQuery struct {
	Period   models.PeriodType
	Category string
	Limit    int
	Offset   int
	UserID   string // optional caller, adds CallerRank
}

type LeaderboardPage struct {
	Period     models.PeriodType `json:"period"`
	Category   string            `json:"category,omitempty"`
	Window     Window            `json:"window"`
	Entries    []RankedEntry     `json:"entries"`
	Total      int64             `json:"total"`
	Limit      int               `json:"limit"`
	Offset     int               `json:"offset"`
	CallerRank *UserRank         `json:"caller_rank,omitempty"`
}

type UserRank struct {
	UserID       string            `json:"user_id"`
	Period       models.PeriodType `json:"period"`
	Category     string            `json:"category,omitempty"`
	Rank         int               `json:"rank"`
	Score        int64             `json:"score"`
	XPEarned     int64             `json:"xp_earned"`
	TotalEntries int64             `json:"total_entries"`
	Percentile   int               `json:"percentile"`
}

// windowLocks serialises rank recomputation per (period, category, window start). Entries are
// reference counted and dropped when the last holder releases them, so past windows leave nothing
// behind.
type windowLocks struct {
	mu    sync.Mutex
	locks map[string]*windowLock
}

type windowLock struct {
	sync.Mutex
	refs int
}

func (w *windowLocks) acquire(key string) *windowLock {
	w.mu.Lock()
	if w.locks == nil {
		w.locks = make(map[string]*windowLock)
	}
	l, ok := w.locks[key]
	if !ok {
		l = &windowLock{}
		w.locks[key] = l
	}
	l.refs++
	w.mu.Unlock()

	l.Lock()
	return l
}

func (w *windowLocks) release(key string, l *windowLock) {
	l.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()
	if l.refs--; l.refs == 0 {
		delete(w.locks, key)
	}
}

func (w *windowLocks) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.locks)
}

// lock acquires every key in sorted order and returns the release func.
func (w *windowLocks) lock(keys []string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	sorted = slices.Compact(sorted)
	held := make([]*windowLock, 0, len(sorted))
	for _, k := range sorted {
		held = append(held, w.acquire(k))
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			w.release(sorted[i], held[i])
		}
	}
}

type LeaderboardService struct {
	DB        *gorm.DB
	Cache     *cache.Cache
	Notifier  Notifier
	Now       func() time.Time
	Location  *time.Location
	TTL       map[models.PeriodType]time.Duration
	Retention map[models.PeriodType]time.Duration

	log   *logger.Logger
	locks windowLocks
}

func NewLeaderboardService(db *gorm.DB, c *cache.Cache, n Notifier, log *logger.Logger) *LeaderboardService {
	if n == nil {
		n = NopNotifier{}
	}
	retention := make(map[models.PeriodType]time.Duration, len(DefaultRetention))
	for k, v := range DefaultRetention {
		retention[k] = v
	}
	return &LeaderboardService{
		DB:       db,
		Cache:    c,
		Notifier: n,
		Now:      time.Now,
		Location: time.Local,
		TTL: map[models.PeriodType]time.Duration{
			models.PeriodDaily:   time.Minute,
			models.PeriodWeekly:  5 * time.Minute,
			models.PeriodMonthly: 10 * time.Minute,
			models.PeriodAllTime: 30 * time.Minute,
		},
		Retention: retention,
		log:       log.With("service", "LeaderboardService"),
	}
}

// boards is the global board plus the category board when one is given.
func boards(category string) []string {
	cat := cache.NormalizeCategory(category)
	if cat == "" {
		return []string{""}
	}
	return []string{"", cat}
}

func windowKey(p models.PeriodType, category string, w Window) string {
	return fmt.Sprintf("%s|%s|%d", p, category, w.Start.Unix())
}

// windowKeys lists the lock keys RecordResult will touch at the given time.
func (s *LeaderboardService) windowKeys(category string, at time.Time) ([]string, error) {
	var keys []string
	for _, board := range boards(category) {
		for _, p := range models.PeriodTypes {
			w, err := PeriodWindow(p, at, s.Location)
			if err != nil {
				return nil, err
			}
			keys = append(keys, windowKey(p, board, w))
		}
	}
	return keys, nil
}

// LockWindows holds the rank locks for every window an update at `at` touches. Callers that run
// recordResultTx inside a wider transaction keep the locks until it commits.
func (s *LeaderboardService) LockWindows(category string, at time.Time) (func(), error) {
	keys, err := s.windowKeys(category, at)
	if err != nil {
		return nil, err
	}
	return s.locks.lock(keys), nil
}

// RecordResult adds score and xp to the user's entry in all four periods and re-ranks each window.
func (s *LeaderboardService) RecordResult(ctx context.Context, externalUserID string, score, xp int64, category string) ([]models.LeaderboardEntry, error) {
	now := s.Now()
	unlock, err := s.LockWindows(category, now)
	if err != nil {
		return nil, err
	}
	defer unlock()

	fx := &sideEffects{}
	var entries []models.LeaderboardEntry
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entries, err = s.recordResultTx(tx, externalUserID, score, xp, category, now, fx)
		return err
	})
	if err != nil {
		return nil, transient("record leaderboard result", err)
	}
	fx.apply(ctx, s.Cache, s.Notifier)
	return entries, nil
}

func (s *LeaderboardService) recordResultTx(tx *gorm.DB, userID string, score, xp int64, category string, now time.Time, fx *sideEffects) ([]models.LeaderboardEntry, error) {
	if userID == "" {
		return nil, invalid("user_id", "required")
	}
	if score < 0 || xp < 0 {
		return nil, invalid("score", "score and xp must not be negative")
	}

	var updated []models.LeaderboardEntry
	for _, board := range boards(category) {
		for _, p := range models.PeriodTypes {
			w, err := PeriodWindow(p, now, s.Location)
			if err != nil {
				return nil, err
			}
			entry := models.LeaderboardEntry{
				ID:             uuid.NewString(),
				ExternalUserID: userID,
				PeriodType:     p,
				Category:       board,
				PeriodStart:    w.Start,
				PeriodEnd:      w.End,
				Score:          score,
				XPEarned:       xp,
				GamesPlayed:    1,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "external_user_id"}, {Name: "period_type"}, {Name: "category"}, {Name: "period_start"},
				},
				DoUpdates: clause.Assignments(map[string]any{
					"score":        gorm.Expr("leaderboard_entries.score + ?", score),
					"xp_earned":    gorm.Expr("leaderboard_entries.xp_earned + ?", xp),
					"games_played": gorm.Expr("leaderboard_entries.games_played + ?", 1),
					"updated_at":   now,
				}),
			}).Create(&entry).Error; err != nil {
				return nil, fmt.Errorf("upsert %s entry: %w", p, err)
			}

			ranked, err := s.recomputeRanksTx(tx, p, board, w)
			if err != nil {
				return nil, err
			}
			for _, r := range ranked.entries {
				if r.ExternalUserID == userID {
					updated = append(updated, r)
					if prev, ok := ranked.previous[userID]; ok && prev != 0 && prev != r.Rank {
						fx.emit(EventRankChanged, userID, map[string]any{
							"period":   p,
							"category": board,
							"from":     prev,
							"to":       r.Rank,
						}, now)
					}
					break
				}
			}
			fx.invalidatePrefix(
				cache.PeriodPrefix(cache.NSLeaderboard, string(p)),
				cache.PeriodPrefix(cache.NSUserRank, string(p)),
			)
			if board == "" {
				fx.emit(EventLeaderboardUpdate, userID, map[string]any{"period": p, "window": w}, now)
			}
		}
	}
	return updated, nil
}

type rankResult struct {
	entries  []models.LeaderboardEntry
	previous map[string]int
}

// recomputeRanksTx re-ranks one window and writes only the ranks that changed.
func (s *LeaderboardService) recomputeRanksTx(tx *gorm.DB, p models.PeriodType, category string, w Window) (rankResult, error) {
	var entries []models.LeaderboardEntry
	if err := tx.Where("period_type = ? AND category = ? AND period_start = ?", p, category, w.Start).
		Find(&entries).Error; err != nil {
		return rankResult{}, err
	}
	previous := make(map[string]int, len(entries))
	for _, e := range entries {
		previous[e.ExternalUserID] = e.Rank
	}

	AssignCompetitionRanks(entries)

	for _, e := range entries {
		if previous[e.ExternalUserID] == e.Rank {
			continue
		}
		if err := tx.Model(&models.LeaderboardEntry{}).
			Where("id = ?", e.ID).
			UpdateColumn("rank", e.Rank).Error; err != nil {
			return rankResult{}, err
		}
	}
	return rankResult{entries: entries, previous: previous}, nil
}

// AssignCompetitionRanks sorts entries by (score desc, xp desc, user id) and assigns standard
// competition ranks: equal (score, xp) share a rank and the next distinct pair gets its 1-based
// position.
func AssignCompetitionRanks(entries []models.LeaderboardEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.XPEarned != b.XPEarned {
			return a.XPEarned > b.XPEarned
		}
		return a.ExternalUserID < b.ExternalUserID
	})
	for i := range entries {
		if i > 0 && entries[i].Score == entries[i-1].Score && entries[i].XPEarned == entries[i-1].XPEarned {
			entries[i].Rank = entries[i-1].Rank
			continue
		}
		entries[i].Rank = i + 1
	}
}

// RecomputeRanks re-ranks the current window of a period/category board.
func (s *LeaderboardService) RecomputeRanks(ctx context.Context, p models.PeriodType, category string) error {
	w, err := PeriodWindow(p, s.Now(), s.Location)
	if err != nil {
		return err
	}
	category = cache.NormalizeCategory(category)
	unlock := s.locks.lock([]string{windowKey(p, category, w)})
	defer unlock()

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := s.recomputeRanksTx(tx, p, category, w)
		return err
	})
	if err != nil {
		return transient("recompute ranks", err)
	}
	if s.Cache != nil {
		s.Cache.InvalidatePrefix(cache.PeriodPrefix(cache.NSLeaderboard, string(p)))
		s.Cache.InvalidatePrefix(cache.PeriodPrefix(cache.NSUserRank, string(p)))
	}
	return nil
}

func (s *LeaderboardService) normalizeQuery(q *LeaderboardQuery) error {
	q.Period = models.PeriodType(strings.ToLower(string(q.Period)))
	if !q.Period.Valid() {
		return invalid("period", fmt.Sprintf("unknown period type %q", q.Period))
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLeaderboardLimit
	}
	if q.Limit > MaxLeaderboardLimit {
		q.Limit = MaxLeaderboardLimit
	}
	if q.Offset < 0 {
		return invalid("offset", "must not be negative")
	}
	q.Category = cache.NormalizeCategory(q.Category)
	return nil
}

func (s *LeaderboardService) pageKey(q LeaderboardQuery) string {
	return cache.QueryKey{
		Namespace: cache.NSLeaderboard,
		Period:    string(q.Period),
		Category:  q.Category,
		Order:     "score",
		Limit:     q.Limit,
		Offset:    q.Offset,
	}.String()
}

// GetLeaderboard returns one page of the current window, cached per query with a per-period TTL.
func (s *LeaderboardService) GetLeaderboard(ctx context.Context, q LeaderboardQuery) (*LeaderboardPage, error) {
	if err := s.normalizeQuery(&q); err != nil {
		return nil, err
	}

	key := s.pageKey(q)
	var page *LeaderboardPage
	if s.Cache != nil {
		page, _ = cache.As[*LeaderboardPage](s.Cache.Get(key))
	}
	if page == nil {
		loaded, err := s.loadPage(ctx, q)
		if err != nil {
			return nil, transient("load leaderboard", err)
		}
		page = loaded
		if s.Cache != nil {
			s.Cache.Set(key, page, s.TTL[q.Period])
		}
	}

	if q.UserID == "" {
		return page, nil
	}
	out := *page
	rank, err := s.GetUserRank(ctx, q.UserID, q.Period, q.Category)
	var nf *NotFoundError
	switch {
	case err == nil:
		out.CallerRank = rank
	case errors.As(err, &nf):
	default:
		s.log.Warn("caller rank lookup failed", "user_id", q.UserID, "error", err)
	}
	return &out, nil
}

func (s *LeaderboardService) loadPage(ctx context.Context, q LeaderboardQuery) (*LeaderboardPage, error) {
	w, err := PeriodWindow(q.Period, s.Now(), s.Location)
	if err != nil {
		return nil, err
	}
	base := s.DB.WithContext(ctx).Model(&models.LeaderboardEntry{}).
		Where("period_type = ? AND category = ? AND period_start = ?", q.Period, q.Category, w.Start)

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, err
	}
	var rows []models.LeaderboardEntry
	if err := base.Session(&gorm.Session{}).
		Order("rank ASC").Order("external_user_id ASC").
		Limit(q.Limit).Offset(q.Offset).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	page := &LeaderboardPage{
		Period:   q.Period,
		Category: q.Category,
		Window:   w,
		Entries:  make([]RankedEntry, 0, len(rows)),
		Total:    total,
		Limit:    q.Limit,
		Offset:   q.Offset,
	}
	for _, r := range rows {
		page.Entries = append(page.Entries, RankedEntry{
			Rank:        r.Rank,
			UserID:      r.ExternalUserID,
			Score:       r.Score,
			XPEarned:    r.XPEarned,
			GamesPlayed: r.GamesPlayed,
		})
	}
	return page, nil
}

// Percentile is round((total - rank + 1) / total * 100).
func Percentile(rank int, total int64) int {
	if total <= 0 || rank <= 0 {
		return 0
	}
	return int(math.Round(float64(total-int64(rank)+1) / float64(total) * 100))
}

// GetUserRank returns the user's rank in the current window with a percentile.
func (s *LeaderboardService) GetUserRank(ctx context.Context, externalUserID string, p models.PeriodType, category string) (*UserRank, error) {
	p = models.PeriodType(strings.ToLower(string(p)))
	if !p.Valid() {
		return nil, invalid("period", fmt.Sprintf("unknown period type %q", p))
	}
	category = cache.NormalizeCategory(category)

	key := cache.QueryKey{Namespace: cache.NSUserRank, Period: string(p), Category: category, UserID: externalUserID}.String()
	if s.Cache != nil {
		if r, ok := cache.As[*UserRank](s.Cache.Get(key)); ok {
			return r, nil
		}
	}

	w, err := PeriodWindow(p, s.Now(), s.Location)
	if err != nil {
		return nil, err
	}
	db := s.DB.WithContext(ctx)
	var entry models.LeaderboardEntry
	err = db.Where("external_user_id = ? AND period_type = ? AND category = ? AND period_start = ?",
		externalUserID, p, category, w.Start).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Kind: "leaderboard entry", ID: externalUserID}
	}
	if err != nil {
		return nil, transient("load rank", err)
	}
	var total int64
	if err := db.Model(&models.LeaderboardEntry{}).
		Where("period_type = ? AND category = ? AND period_start = ?", p, category, w.Start).
		Count(&total).Error; err != nil {
		return nil, transient("count leaderboard", err)
	}

	r := &UserRank{
		UserID:       externalUserID,
		Period:       p,
		Category:     category,
		Rank:         entry.Rank,
		Score:        entry.Score,
		XPEarned:     entry.XPEarned,
		TotalEntries: total,
		Percentile:   Percentile(entry.Rank, total),
	}
	if s.Cache != nil {
		s.Cache.Set(key, r, s.TTL[p])
	}
	return r, nil
}

// Cleanup deletes entries whose window ended longer ago than the period's retention.
func (s *LeaderboardService) Cleanup(ctx context.Context) (int64, error) {
	now := s.Now()
	var removed int64
	for _, p := range models.PeriodTypes {
		keep := s.Retention[p]
		if keep <= 0 {
			continue
		}
		res := s.DB.WithContext(ctx).
			Where("period_type = ? AND period_end < ?", p, now.Add(-keep).UTC()).
			Delete(&models.LeaderboardEntry{})
		if res.Error != nil {
			return removed, transient("cleanup leaderboard", res.Error)
		}
		removed += res.RowsAffected
	}
	if removed > 0 {
		s.log.Info("🧹 leaderboard cleanup", "removed", removed)
		if s.Cache != nil {
			s.Cache.InvalidatePrefix(cache.NamespacePrefix(cache.NSLeaderboard))
			s.Cache.InvalidatePrefix(cache.NamespacePrefix(cache.NSUserRank))
		}
	}
	return removed, nil
}

// WarmTasks primes the first page of every global board.
func (s *LeaderboardService) WarmTasks(topN int) []cache.WarmTask {
	tasks := make([]cache.WarmTask, 0, len(models.PeriodTypes))
	for _, p := range models.PeriodTypes {
		q := LeaderboardQuery{Period: p, Limit: topN}
		if err := s.normalizeQuery(&q); err != nil {
			continue
		}
		tasks = append(tasks, cache.WarmTask{
			Key: s.pageKey(q),
			Producer: func(ctx context.Context) (any, error) {
				return s.loadPage(ctx, q)
			},
			TTL: s.TTL[p],
		})
	}
	return tasks
}
