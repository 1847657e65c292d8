package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quiz-progression-system/cache"
	"quiz-progression-system/logger"
	"quiz-progression-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxGrantDepth bounds XP -> level-up -> achievement -> XP recursion.
const maxGrantDepth = 8

// ProgressionSnapshot is the result of applying XP.
type ProgressionSnapshot struct {
	UserID        string  `json:"user_id"`
	TotalXP       int64   `json:"total_xp"`
	Level         int     `json:"level"`
	Title         string  `json:"title"`
	XPInLevel     int64   `json:"xp_in_level"`
	XPToNextLevel int64   `json:"xp_to_next_level"`
	LevelProgress float64 `json:"level_progress"`
	LeveledUp     bool    `json:"leveled_up"`
	PreviousLevel int     `json:"previous_level"`
	XPAwarded     int64   `json:"xp_awarded"`
}

// LevelUpHook runs inside the XP transaction after a level change.
type LevelUpHook func(ctx context.Context, tx *gorm.DB, userID string, snap ProgressionSnapshot, fx *sideEffects, depth int) error

// ProgressionView is the read model behind getProgression.
type ProgressionView struct {
	Progress           models.UserProgress   `json:"progress"`
	Statistics         models.UserStatistics `json:"statistics"`
	Accuracy           float64               `json:"accuracy"`
	RecentAchievements []EarnedAchievement   `json:"recent_achievements"`
}

// EarnedAchievement is a granted achievement with its definition.
type EarnedAchievement struct {
	Code     string                     `json:"code"`
	Name     string                     `json:"name"`
	Icon     string                     `json:"icon,omitempty"`
	Category models.AchievementCategory `json:"category"`
	XPReward int64                      `json:"xp_reward"`
	EarnedAt time.Time                  `json:"earned_at"`
}

type ProgressionService struct {
	DB       *gorm.DB
	Cache    *cache.Cache
	Notifier Notifier
	Now      func() time.Time
	Location *time.Location
	ViewTTL  time.Duration
	StatsTTL time.Duration

	log *logger.Logger

	levelsMu sync.RWMutex
	levels   LevelTable
	loaded   bool

	onLevelUp LevelUpHook
}

func NewProgressionService(db *gorm.DB, c *cache.Cache, n Notifier, log *logger.Logger) *ProgressionService {
	if n == nil {
		n = NopNotifier{}
	}
	return &ProgressionService{
		DB:       db,
		Cache:    c,
		Notifier: n,
		Now:      time.Now,
		Location: time.Local,
		ViewTTL:  time.Minute,
		StatsTTL: 5 * time.Minute,
		log:      log.With("service", "ProgressionService"),
	}
}

// OnLevelUp registers the hook run after a level change. Set once during wiring.
func (s *ProgressionService) OnLevelUp(h LevelUpHook) {
	s.onLevelUp = h
}

// SetLevels replaces the level table in memory.
func (s *ProgressionService) SetLevels(bands []models.LevelBand) {
	s.levelsMu.Lock()
	defer s.levelsMu.Unlock()
	s.levels = NewLevelTable(bands)
	s.loaded = true
}

// ReloadLevels drops the in-memory level table so the next lookup reads it from the database.
func (s *ProgressionService) ReloadLevels() {
	s.levelsMu.Lock()
	defer s.levelsMu.Unlock()
	s.loaded = false
	s.levels = nil
}

func (s *ProgressionService) levelTable(tx *gorm.DB) (LevelTable, error) {
	s.levelsMu.RLock()
	if s.loaded {
		t := s.levels
		s.levelsMu.RUnlock()
		return t, nil
	}
	s.levelsMu.RUnlock()

	var bands []models.LevelBand
	if err := tx.Order("min_xp ASC").Find(&bands).Error; err != nil {
		return nil, err
	}
	if len(bands) == 0 {
		s.log.Warn("level table is empty, using fallback levels")
	}
	s.SetLevels(bands)
	return NewLevelTable(bands), nil
}

// EnsureProgressRecord ensures a UserProgress row exists (idempotent)
func (s *ProgressionService) EnsureProgressRecord(ctx context.Context, externalUserID string) (*models.UserProgress, error) {
	var prog *models.UserProgress
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.ensureProgressTx(tx, externalUserID, false)
		prog = p
		return err
	})
	if err != nil {
		return nil, transient("ensure progress", err)
	}
	return prog, nil
}

func (s *ProgressionService) ensureProgressTx(tx *gorm.DB, externalUserID string, lock bool) (*models.UserProgress, error) {
	if externalUserID == "" {
		return nil, invalid("user_id", "required")
	}
	table, err := s.levelTable(tx)
	if err != nil {
		return nil, err
	}
	start := table.Lookup(0)
	fresh := models.UserProgress{
		ID:             uuid.NewString(),
		ExternalUserID: externalUserID,
		Level:          start.Level,
		Title:          start.Title,
		XPToNextLevel:  start.XPToNext,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_user_id"}},
		DoNothing: true,
	}).Create(&fresh).Error; err != nil {
		return nil, err
	}

	q := tx
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var prog models.UserProgress
	if err := q.Where("external_user_id = ?", externalUserID).First(&prog).Error; err != nil {
		return nil, err
	}
	return &prog, nil
}

// ApplyXP adds xp to the user's total and re-derives level, title and progress.
func (s *ProgressionService) ApplyXP(ctx context.Context, externalUserID string, xp int64) (*ProgressionSnapshot, error) {
	fx := &sideEffects{}
	var snap ProgressionSnapshot
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		snap, err = s.applyXPTx(ctx, tx, externalUserID, xp, fx, 0)
		if err != nil || len(fx.unlocked) == 0 {
			return err
		}
		return s.refreshSnapshotTx(tx, &snap)
	})
	if err != nil {
		return nil, transient("apply xp", err)
	}
	fx.apply(ctx, s.Cache, s.Notifier)
	return &snap, nil
}

func (s *ProgressionService) applyXPTx(ctx context.Context, tx *gorm.DB, externalUserID string, xp int64, fx *sideEffects, depth int) (ProgressionSnapshot, error) {
	if xp < 0 {
		return ProgressionSnapshot{}, invalid("xp", "must not be negative")
	}
	prog, err := s.ensureProgressTx(tx, externalUserID, true)
	if err != nil {
		return ProgressionSnapshot{}, err
	}
	table, err := s.levelTable(tx)
	if err != nil {
		return ProgressionSnapshot{}, err
	}

	now := s.Now()
	previous := prog.Level
	prog.TotalXP += xp
	info := table.Lookup(prog.TotalXP)
	// A shrunken level table must not demote anyone.
	if info.Level >= previous {
		prog.Level = info.Level
		prog.Title = info.Title
	}
	prog.XPInLevel = info.XPInLevel
	prog.XPToNextLevel = info.XPToNext
	prog.LevelProgress = info.Progress
	leveledUp := prog.Level > previous
	if leveledUp {
		prog.LastLevelUpAt = &now
	}

	if err := tx.Save(prog).Error; err != nil {
		return ProgressionSnapshot{}, err
	}

	snap := ProgressionSnapshot{
		UserID:        externalUserID,
		TotalXP:       prog.TotalXP,
		Level:         prog.Level,
		Title:         prog.Title,
		XPInLevel:     prog.XPInLevel,
		XPToNextLevel: prog.XPToNextLevel,
		LevelProgress: prog.LevelProgress,
		LeveledUp:     leveledUp,
		PreviousLevel: previous,
		XPAwarded:     xp,
	}

	fx.invalidateUser(externalUserID)
	fx.emit(EventProgressionUpdate, externalUserID, snap, now)
	if leveledUp {
		s.log.Info("🎉 level up", "user_id", externalUserID, "from", previous, "to", prog.Level, "total_xp", prog.TotalXP)
		fx.emit(EventLevelUp, externalUserID, map[string]any{
			"previous_level": previous,
			"level":          prog.Level,
			"title":          prog.Title,
		}, now)
		if s.onLevelUp != nil && depth < maxGrantDepth {
			if err := s.onLevelUp(ctx, tx, externalUserID, snap, fx, depth+1); err != nil {
				return ProgressionSnapshot{}, fmt.Errorf("level-up achievements: %w", err)
			}
		}
	}
	return snap, nil
}

// refreshSnapshotTx re-reads progress after achievement rewards added XP on top of the snapshot.
// XPAwarded and PreviousLevel keep describing the original grant.
func (s *ProgressionService) refreshSnapshotTx(tx *gorm.DB, snap *ProgressionSnapshot) error {
	var prog models.UserProgress
	if err := tx.Where("external_user_id = ?", snap.UserID).First(&prog).Error; err != nil {
		return err
	}
	snap.TotalXP = prog.TotalXP
	snap.Level = prog.Level
	snap.Title = prog.Title
	snap.XPInLevel = prog.XPInLevel
	snap.XPToNextLevel = prog.XPToNextLevel
	snap.LevelProgress = prog.LevelProgress
	snap.LeveledUp = prog.Level > snap.PreviousLevel
	return nil
}

// GetProgression returns progress, statistics and up to five most recent achievements.
func (s *ProgressionService) GetProgression(ctx context.Context, externalUserID string) (*ProgressionView, error) {
	key := cache.UserKey(cache.NSProgression, externalUserID)
	if s.Cache != nil {
		if v, ok := cache.As[*ProgressionView](s.Cache.Get(key)); ok {
			return v, nil
		}
	}

	prog, err := s.EnsureProgressRecord(ctx, externalUserID)
	if err != nil {
		return nil, err
	}

	view := &ProgressionView{Progress: *prog}
	stats, err := s.GetStatistics(ctx, externalUserID)
	if err != nil {
		return nil, err
	}
	view.Statistics = *stats
	view.Accuracy = stats.Accuracy()

	var recent []models.UserAchievement
	if err := s.DB.WithContext(ctx).
		Preload("Achievement").
		Where("external_user_id = ? AND earned_at IS NOT NULL", externalUserID).
		Order("earned_at DESC").
		Limit(5).
		Find(&recent).Error; err != nil {
		return nil, transient("load recent achievements", err)
	}
	view.RecentAchievements = make([]EarnedAchievement, 0, len(recent))
	for _, ua := range recent {
		view.RecentAchievements = append(view.RecentAchievements, EarnedAchievement{
			Code:     ua.Achievement.Code,
			Name:     ua.Achievement.Name,
			Icon:     ua.Achievement.Icon,
			Category: ua.Achievement.Category,
			XPReward: ua.Achievement.XPReward,
			EarnedAt: *ua.EarnedAt,
		})
	}

	if s.Cache != nil {
		s.Cache.Set(key, view, s.ViewTTL)
	}
	return view, nil
}

// GetStatistics reads the user's statistics through the cache. The reconciler overwrites the same
// key when it heals drift.
func (s *ProgressionService) GetStatistics(ctx context.Context, externalUserID string) (*models.UserStatistics, error) {
	if externalUserID == "" {
		return nil, invalid("user_id", "required")
	}
	if s.Cache != nil {
		load := func(ctx context.Context) (any, error) {
			return s.loadStatistics(s.DB.WithContext(ctx), externalUserID)
		}
		key := cache.UserKey(cache.NSUserStats, externalUserID)
		if v, ok := cache.As[*models.UserStatistics](s.Cache.GetWithRefresh(ctx, key, load, s.StatsTTL)); ok {
			return v, nil
		}
	}
	stats, err := s.loadStatistics(s.DB.WithContext(ctx), externalUserID)
	if err != nil {
		return nil, transient("load statistics", err)
	}
	return stats, nil
}

// loadStatistics returns the user's statistics row or a zero value when none exists yet.
func (s *ProgressionService) loadStatistics(db *gorm.DB, externalUserID string) (*models.UserStatistics, error) {
	var stats models.UserStatistics
	err := db.Where("external_user_id = ?", externalUserID).First(&stats).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.UserStatistics{ExternalUserID: externalUserID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
