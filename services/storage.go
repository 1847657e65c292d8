package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"quiz-progression-system/logger"
	"quiz-progression-system/models"

	"gorm.io/gorm"
)

const (
	MinStorageLimitMB             = 1
	DefaultStorageLimitMB         = 50
	DefaultConflictRetention      = 30 * 24 * time.Hour
	DefaultAbandonedSessionMaxAge = 30 * 24 * time.Hour
)

type StorageLevel string

const (
	StorageOK       StorageLevel = "ok"
	StorageWarning  StorageLevel = "warning"
	StorageCritical StorageLevel = "critical"
)

// ReportUploader stores a rendered report and returns where it can be fetched.
type ReportUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

type StorageStatus struct {
	Driver      string           `json:"driver"`
	SizeBytes   int64            `json:"size_bytes"`
	LimitBytes  int64            `json:"limit_bytes"`
	UsedPercent float64          `json:"used_percent"`
	Level       StorageLevel     `json:"level"`
	WarnAt      float64          `json:"warn_at"`
	CriticalAt  float64          `json:"critical_at"`
	Rows        map[string]int64 `json:"rows"`
	CheckedAt   time.Time        `json:"checked_at"`
}

type StorageReport struct {
	Status StorageStatus `json:"status"`
	Key    string        `json:"key,omitempty"`
	URL    string        `json:"url,omitempty"`
}

type HousekeepingResult struct {
	LeaderboardRows int64 `json:"leaderboard_rows"`
	ConflictRows    int64 `json:"conflict_rows"`
	SessionRows     int64 `json:"session_rows"`
}

// StorageService watches database size against a configurable limit and prunes diagnostic data.
type StorageService struct {
	DB           *gorm.DB
	Leaderboards *LeaderboardService
	Uploader     ReportUploader // nil disables uploads
	Now          func() time.Time

	ConflictRetention time.Duration
	SessionRetention  time.Duration

	log *logger.Logger

	mu          sync.RWMutex
	limitBytes  int64
	warnPct     float64
	criticalPct float64
}

func NewStorageService(db *gorm.DB, leaderboards *LeaderboardService, uploader ReportUploader, log *logger.Logger) *StorageService {
	return &StorageService{
		DB:                db,
		Leaderboards:      leaderboards,
		Uploader:          uploader,
		Now:               time.Now,
		ConflictRetention: DefaultConflictRetention,
		SessionRetention:  DefaultAbandonedSessionMaxAge,
		log:               log.With("service", "StorageService"),
		limitBytes:        DefaultStorageLimitMB << 20,
		warnPct:           0.8,
		criticalPct:       0.9,
	}
}

// SetLimitMB changes the storage limit. Values below MinStorageLimitMB are rejected.
func (s *StorageService) SetLimitMB(mb int64) error {
	if mb < MinStorageLimitMB {
		return invalid("limit_mb", fmt.Sprintf("must be at least %d", MinStorageLimitMB))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limitBytes = mb << 20
	return nil
}

// SetThresholds changes the warning and critical fractions of the limit.
func (s *StorageService) SetThresholds(warn, critical float64) error {
	if warn <= 0 || critical <= 0 || warn >= critical || critical > 1 {
		return invalid("thresholds", "need 0 < warn < critical <= 1")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnPct = warn
	s.criticalPct = critical
	return nil
}

func (s *StorageService) databaseSize(ctx context.Context) (int64, error) {
	var size int64
	db := s.DB.WithContext(ctx)
	switch s.DB.Dialector.Name() {
	case "postgres":
		err := db.Raw("SELECT pg_database_size(current_database())").Scan(&size).Error
		return size, err
	case "sqlite":
		err := db.Raw("SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()").Scan(&size).Error
		return size, err
	default:
		return 0, fmt.Errorf("size query not supported for %s", s.DB.Dialector.Name())
	}
}

// Status measures the database and classifies it against the limit.
func (s *StorageService) Status(ctx context.Context) (*StorageStatus, error) {
	size, err := s.databaseSize(ctx)
	if err != nil {
		return nil, transient("measure database", err)
	}

	rows := make(map[string]int64)
	for _, m := range models.AllModels() {
		stmt := &gorm.Statement{DB: s.DB}
		if err := stmt.Parse(m); err != nil {
			return nil, err
		}
		var n int64
		if err := s.DB.WithContext(ctx).Model(m).Count(&n).Error; err != nil {
			return nil, transient("count "+stmt.Schema.Table, err)
		}
		rows[stmt.Schema.Table] = n
	}

	s.mu.RLock()
	limit, warn, critical := s.limitBytes, s.warnPct, s.criticalPct
	s.mu.RUnlock()

	used := float64(size) / float64(limit)
	level := StorageOK
	switch {
	case used >= critical:
		level = StorageCritical
	case used >= warn:
		level = StorageWarning
	}
	return &StorageStatus{
		Driver:      s.DB.Dialector.Name(),
		SizeBytes:   size,
		LimitBytes:  limit,
		UsedPercent: used * 100,
		Level:       level,
		WarnAt:      warn,
		CriticalAt:  critical,
		Rows:        rows,
		CheckedAt:   s.Now(),
	}, nil
}

// Report renders the current status as JSON and uploads it when an uploader is configured.
func (s *StorageService) Report(ctx context.Context) (*StorageReport, error) {
	st, err := s.Status(ctx)
	if err != nil {
		return nil, err
	}
	rep := &StorageReport{Status: *st}
	if s.Uploader == nil {
		return rep, nil
	}
	body, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, err
	}
	rep.Key = fmt.Sprintf("reports/storage/%s.json", st.CheckedAt.UTC().Format("20060102T150405Z"))
	url, err := s.Uploader.Upload(ctx, rep.Key, body, "application/json")
	if err != nil {
		return nil, transient("upload storage report", err)
	}
	rep.URL = url
	s.log.Info("📦 storage report uploaded", "key", rep.Key, "level", st.Level)
	return rep, nil
}

// Housekeep applies leaderboard retention and prunes old conflict records and abandoned sessions.
// A critical storage level halves the retention windows.
func (s *StorageService) Housekeep(ctx context.Context) (*HousekeepingResult, error) {
	res := &HousekeepingResult{}
	conflictKeep, sessionKeep := s.ConflictRetention, s.SessionRetention

	if st, err := s.Status(ctx); err != nil {
		s.log.Warn("storage status unavailable during housekeeping", "error", err)
	} else if st.Level != StorageOK {
		s.log.Warn("⚠️ storage usage high", "level", st.Level, "used_percent", st.UsedPercent)
		if st.Level == StorageCritical {
			conflictKeep /= 2
			sessionKeep /= 2
		}
	}

	if s.Leaderboards != nil {
		n, err := s.Leaderboards.Cleanup(ctx)
		if err != nil {
			return res, err
		}
		res.LeaderboardRows = n
	}

	now := s.Now()
	del := s.DB.WithContext(ctx).Where("detected_at < ?", now.Add(-conflictKeep)).Delete(&models.SyncConflict{})
	if del.Error != nil {
		return res, transient("prune sync conflicts", del.Error)
	}
	res.ConflictRows = del.RowsAffected

	del = s.DB.WithContext(ctx).
		Where("status = ? AND last_activity_at < ?", models.SessionAbandoned, now.Add(-sessionKeep)).
		Delete(&models.QuizSession{})
	if del.Error != nil {
		return res, transient("prune abandoned sessions", del.Error)
	}
	res.SessionRows = del.RowsAffected
	return res, nil
}
