package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"quiz-progression-system/cache"
	"quiz-progression-system/logger"
	"quiz-progression-system/services"
)

type WarmReport struct {
	StartedAt time.Time        `json:"started_at"`
	Result    cache.WarmResult `json:"result"`
	Purged    int              `json:"purged"`
}

// CacheWarmer primes the hot leaderboard pages and the achievement catalog on an interval.
type CacheWarmer struct {
	Cache        *cache.Cache
	Leaderboards *services.LeaderboardService
	Achievements *services.AchievementService
	TopN         int

	log      *logger.Logger
	job      periodicJob
	inFlight atomic.Bool

	mu   sync.Mutex
	last *WarmReport
}

func NewCacheWarmer(c *cache.Cache, l *services.LeaderboardService, a *services.AchievementService, interval time.Duration, topN int, log *logger.Logger) *CacheWarmer {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if topN <= 0 {
		topN = services.DefaultLeaderboardLimit
	}
	w := &CacheWarmer{
		Cache:        c,
		Leaderboards: l,
		Achievements: a,
		TopN:         topN,
		log:          log.With("service", "CacheWarmer"),
	}
	w.job = periodicJob{
		name:     "cache-warmer",
		log:      w.log,
		interval: interval,
		task:     func(ctx context.Context) { w.WarmNow(ctx) },
	}
	return w
}

// Start warms once right away and then on every interval.
func (w *CacheWarmer) Start(ctx context.Context) error {
	w.log.Info("🔥 Starting cache warmer", "top_n", w.TopN)
	return w.job.start(ctx, true)
}

func (w *CacheWarmer) Stop() error {
	return w.job.stop()
}

// WarmNow runs one warm cycle. It returns nil when a cycle is already running.
func (w *CacheWarmer) WarmNow(ctx context.Context) *WarmReport {
	if !w.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	defer w.inFlight.Store(false)

	rep := &WarmReport{StartedAt: time.Now()}
	rep.Purged = w.Cache.PurgeExpired()

	var tasks []cache.WarmTask
	if w.Leaderboards != nil {
		tasks = append(tasks, w.Leaderboards.WarmTasks(w.TopN)...)
	}
	if w.Achievements != nil {
		tasks = append(tasks, w.Achievements.CatalogWarmTask())
	}
	rep.Result = w.Cache.Warm(ctx, tasks)

	if rep.Result.Failed > 0 {
		w.log.Warn("cache warm finished with failures", "warmed", rep.Result.Warmed, "failed", rep.Result.Failed)
	} else {
		w.log.Debug("cache warmed", "warmed", rep.Result.Warmed, "purged", rep.Purged)
	}

	w.mu.Lock()
	w.last = rep
	w.mu.Unlock()
	return rep
}

func (w *CacheWarmer) LastReport() *WarmReport {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}
