package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is everything the service reads from the environment.
type Config struct {
	AppEnv string
	Port   string

	DatabaseDriver string // "postgres" or "sqlite"
	DatabaseURL    string

	GatewayToken string

	RedisAddr    string
	RedisChannel string

	CacheCapacity   int
	CacheDefaultTTL time.Duration
	CacheWarmEvery  time.Duration
	WarmTopN        int

	LeaderboardTTL map[string]time.Duration

	ReconcileInterval    time.Duration
	ReconcileMinInterval time.Duration
	SyncToleranceAbs     float64
	SyncTolerancePct     float64
	QuestionUsageDelta   int64
	QuestionRateDelta    float64
	SessionStaleAfter    time.Duration

	StorageLimitMB     int64
	StorageWarnPct     float64
	StorageCriticalPct float64

	WinAccuracyThreshold float64
	Location             *time.Location

	R2AccountID       string
	R2AccessKeyID     string
	R2AccessKeySecret string
	R2Bucket          string
	CDNBaseURL        string
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	loc := time.Local
	if tz := strings.TrimSpace(os.Getenv("TZ_NAME")); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ_NAME %q: %w", tz, err)
		}
		loc = l
	}

	cfg := &Config{
		AppEnv:         String("APP_ENV", "development"),
		Port:           String("PORT", "5200"),
		DatabaseDriver: strings.ToLower(String("DATABASE_DRIVER", "postgres")),
		DatabaseURL:    String("DATABASE_URL", ""),
		GatewayToken:   String("GAME_SERVICE_TOKEN", ""),
		RedisAddr:      String("REDIS_ADDR", ""),
		RedisChannel:   String("REDIS_CHANNEL", "quiz-events"),

		CacheCapacity:   Int("CACHE_CAPACITY", 1000),
		CacheDefaultTTL: Duration("CACHE_DEFAULT_TTL", 5*time.Minute),
		CacheWarmEvery:  Duration("CACHE_WARM_INTERVAL", 10*time.Minute),
		WarmTopN:        Int("CACHE_WARM_TOP_N", 50),

		LeaderboardTTL: map[string]time.Duration{
			"daily":    Duration("LEADERBOARD_TTL_DAILY", 1*time.Minute),
			"weekly":   Duration("LEADERBOARD_TTL_WEEKLY", 5*time.Minute),
			"monthly":  Duration("LEADERBOARD_TTL_MONTHLY", 10*time.Minute),
			"all_time": Duration("LEADERBOARD_TTL_ALL_TIME", 30*time.Minute),
		},

		ReconcileInterval:    Duration("RECONCILE_INTERVAL", 15*time.Minute),
		ReconcileMinInterval: Duration("RECONCILE_MIN_INTERVAL", 1*time.Minute),
		SyncToleranceAbs:     Float("SYNC_TOLERANCE_ABS", 0.5),
		SyncTolerancePct:     Float("SYNC_TOLERANCE_PCT", 0.01),
		QuestionUsageDelta:   int64(Int("QUESTION_USAGE_DELTA", 1)),
		QuestionRateDelta:    Float("QUESTION_RATE_DELTA", 0.01),
		SessionStaleAfter:    Duration("SESSION_STALE_AFTER", 2*time.Hour),

		StorageLimitMB:     int64(Int("STORAGE_LIMIT_MB", 50)),
		StorageWarnPct:     Float("STORAGE_WARN_PCT", 0.80),
		StorageCriticalPct: Float("STORAGE_CRITICAL_PCT", 0.90),

		WinAccuracyThreshold: Float("WIN_ACCURACY_THRESHOLD", 0.5),
		Location:             loc,

		R2AccountID:       String("CLOUDFLARE_ACCOUNT_ID", ""),
		R2AccessKeyID:     String("R2_ACCESS_KEY_ID", ""),
		R2AccessKeySecret: String("R2_ACCESS_KEY_SECRET", ""),
		R2Bucket:          String("R2_BUCKET_NAME", ""),
		CDNBaseURL:        String("CDN_BASE_URL", ""),
	}

	if cfg.DatabaseURL == "" {
		if cfg.DatabaseDriver != "sqlite" {
			return nil, fmt.Errorf("DATABASE_URL environment variable not set")
		}
		cfg.DatabaseURL = "quiz.db"
	}
	return cfg, nil
}

// R2Enabled reports whether report uploads have credentials.
func (c *Config) R2Enabled() bool {
	return c.R2AccountID != "" && c.R2AccessKeyID != "" && c.R2Bucket != ""
}

func String(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

func Int(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func Float(name string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// Duration accepts Go duration strings ("90s", "15m").
func Duration(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
