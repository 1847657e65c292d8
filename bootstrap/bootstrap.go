// Package bootstrap builds the object graph shared by the HTTP server and quizctl.
package bootstrap

import (
	"context"
	"fmt"

	"quiz-progression-system/cache"
	"quiz-progression-system/catalog"
	"quiz-progression-system/config"
	"quiz-progression-system/database"
	"quiz-progression-system/handlers"
	"quiz-progression-system/logger"
	"quiz-progression-system/models"
	"quiz-progression-system/services"
	"quiz-progression-system/utils"
	"quiz-progression-system/workers"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type App struct {
	Config *config.Config
	Log    *logger.Logger
	DB     *gorm.DB
	Cache  *cache.Cache
	Redis  *redis.Client // nil when REDIS_ADDR is unset
	Events *services.EventHub

	Progression  *services.ProgressionService
	Achievements *services.AchievementService
	Leaderboards *services.LeaderboardService
	Attempts     *services.AttemptService
	Storage      *services.StorageService

	Reconciler *workers.Reconciler
	Warmer     *workers.CacheWarmer
}

// Build opens the database, seeds the catalog and constructs every service and worker. Workers
// are not started.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Default()
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	if err := catalog.Seed(ctx, db, cat); err != nil {
		return nil, fmt.Errorf("seed catalog: %w", err)
	}

	a := &App{
		Config: cfg,
		Log:    log,
		DB:     db,
		Cache: cache.New(cache.Options{
			Capacity:   cfg.CacheCapacity,
			DefaultTTL: cfg.CacheDefaultTTL,
			Logger:     log,
		}),
		Events: services.NewEventHub(32),
	}

	notifiers := services.MultiNotifier{a.Events}
	if cfg.RedisAddr != "" {
		a.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			log.Warn("⚠️ redis unreachable, events stay in-process", "addr", cfg.RedisAddr, "error", err)
			a.Redis.Close()
			a.Redis = nil
		}
	}
	if a.Redis != nil {
		notifiers = append(notifiers, services.NewRedisNotifier(a.Redis, cfg.RedisChannel, log))
	} else {
		notifiers = append(notifiers, services.NewLogNotifier(log))
	}

	a.Progression = services.NewProgressionService(db, a.Cache, notifiers, log)
	a.Progression.Location = cfg.Location

	a.Achievements = services.NewAchievementService(db, a.Cache, notifiers, a.Progression, log)

	a.Leaderboards = services.NewLeaderboardService(db, a.Cache, notifiers, log)
	a.Leaderboards.Location = cfg.Location
	for p, ttl := range cfg.LeaderboardTTL {
		a.Leaderboards.TTL[models.PeriodType(p)] = ttl
	}

	a.Attempts = services.NewAttemptService(db, a.Cache, notifiers, a.Progression, a.Achievements, a.Leaderboards, log)
	a.Attempts.WinThreshold = cfg.WinAccuracyThreshold
	a.Attempts.SessionTTL = cfg.SessionStaleAfter

	var uploader services.ReportUploader
	if cfg.R2Enabled() {
		r2, err := utils.NewR2Uploader(ctx, utils.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			AccessKeySecret: cfg.R2AccessKeySecret,
			Bucket:          cfg.R2Bucket,
			CDNBaseURL:      cfg.CDNBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize R2 client: %w", err)
		}
		uploader = r2
	}
	a.Storage = services.NewStorageService(db, a.Leaderboards, uploader, log)
	if err := a.Storage.SetLimitMB(cfg.StorageLimitMB); err != nil {
		return nil, err
	}
	if err := a.Storage.SetThresholds(cfg.StorageWarnPct, cfg.StorageCriticalPct); err != nil {
		return nil, err
	}

	a.Reconciler = workers.NewReconciler(db, a.Cache, a.Storage, log, workers.ReconcilerConfig{
		Interval:     cfg.ReconcileInterval,
		MinInterval:  cfg.ReconcileMinInterval,
		ToleranceAbs: cfg.SyncToleranceAbs,
		TolerancePct: cfg.SyncTolerancePct,
		UsageDelta:   cfg.QuestionUsageDelta,
		RateDelta:    cfg.QuestionRateDelta,
		StaleAfter:   cfg.SessionStaleAfter,
	})
	a.Warmer = workers.NewCacheWarmer(a.Cache, a.Leaderboards, a.Achievements, cfg.CacheWarmEvery, cfg.WarmTopN, log)
	return a, nil
}

// Handlers exposes the services to the HTTP layer.
func (a *App) Handlers() *handlers.Services {
	return &handlers.Services{
		Progression:  a.Progression,
		Achievements: a.Achievements,
		Leaderboards: a.Leaderboards,
		Attempts:     a.Attempts,
		Storage:      a.Storage,
		Cache:        a.Cache,
		Warmer:       a.Warmer,
		Reconciler:   a.Reconciler,
		Events:       a.Events,
		Log:          a.Log,
	}
}

// Close stops workers and releases connections.
func (a *App) Close() {
	if err := a.Reconciler.Stop(); err != nil {
		a.Log.Warn("stop reconciler", "error", err)
	}
	if err := a.Warmer.Stop(); err != nil {
		a.Log.Warn("stop cache warmer", "error", err)
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		sqlDB.Close()
	}
}
