package services

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"quiz-progression-system/cache"
	"quiz-progression-system/logger"
	"quiz-progression-system/models"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UnlockedAchievement is one achievement granted during a check.
type UnlockedAchievement struct {
	ID       string                     `json:"id"`
	Code     string                     `json:"code"`
	Name     string                     `json:"name"`
	Icon     string                     `json:"icon,omitempty"`
	Category models.AchievementCategory `json:"category"`
	XPReward int64                      `json:"xp_reward"`
	EarnedAt time.Time                  `json:"earned_at"`
}

// AchievementView merges a catalog entry with the user's state.
type AchievementView struct {
	ID          string     `json:"id"`
	Code        string     `json:"code"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Icon        string     `json:"icon,omitempty"`
	XPReward    int64      `json:"xp_reward"`
	Earned      bool       `json:"earned"`
	EarnedAt    *time.Time `json:"earned_at,omitempty"`
	Progress    float64    `json:"progress"`
}

type CategoryGroup struct {
	Category     models.AchievementCategory `json:"category"`
	DisplayName  string                     `json:"display_name"`
	Achievements []AchievementView          `json:"achievements"`
}

type AchievementSummary struct {
	Total   int     `json:"total"`
	Earned  int     `json:"earned"`
	Percent float64 `json:"percent"`
}

type AchievementList struct {
	Summary    AchievementSummary `json:"summary"`
	Categories []CategoryGroup    `json:"categories"`
}

type AchievementService struct {
	DB          *gorm.DB
	Cache       *cache.Cache
	Notifier    Notifier
	Progression *ProgressionService
	Now         func() time.Time
	CatalogTTL  time.Duration

	log *logger.Logger
}

// NewAchievementService wires itself as the level-up hook of progression so level thresholds are
// checked inside the same transaction as the XP grant.
func NewAchievementService(db *gorm.DB, c *cache.Cache, n Notifier, progression *ProgressionService, log *logger.Logger) *AchievementService {
	if n == nil {
		n = NopNotifier{}
	}
	s := &AchievementService{
		DB:          db,
		Cache:       c,
		Notifier:    n,
		Progression: progression,
		Now:         time.Now,
		CatalogTTL:  time.Hour,
		log:         log.With("service", "AchievementService"),
	}
	progression.OnLevelUp(s.onLevelUp)
	return s
}

func (s *AchievementService) onLevelUp(ctx context.Context, tx *gorm.DB, userID string, _ ProgressionSnapshot, fx *sideEffects, depth int) error {
	_, err := s.checkTx(ctx, tx, userID, EvalContext{Trigger: "level_up"}, fx, depth, models.AchievementProgression)
	return err
}

// CheckAndGrant evaluates every active achievement the user has not earned and grants those now
// satisfied. Re-running it is idempotent.
func (s *AchievementService) CheckAndGrant(ctx context.Context, externalUserID string, ec EvalContext) ([]UnlockedAchievement, error) {
	if externalUserID == "" {
		return nil, invalid("user_id", "required")
	}
	fx := &sideEffects{}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := s.checkTx(ctx, tx, externalUserID, ec, fx, 0)
		return err
	})
	if err != nil {
		return nil, transient("check achievements", err)
	}
	fx.apply(ctx, s.Cache, s.Notifier)
	if fx.unlocked == nil {
		return []UnlockedAchievement{}, nil
	}
	return fx.unlocked, nil
}

// checkTx grants newly satisfied achievements, optionally limited to some categories. Grants are
// appended to fx.unlocked, including those made by nested level-up checks.
func (s *AchievementService) checkTx(ctx context.Context, tx *gorm.DB, userID string, ec EvalContext, fx *sideEffects, depth int, only ...models.AchievementCategory) (int, error) {
	if depth > maxGrantDepth {
		return 0, nil
	}

	earned := tx.Model(&models.UserAchievement{}).
		Select("achievement_id").
		Where("external_user_id = ? AND earned_at IS NOT NULL", userID)
	q := tx.Where("is_active = ?", true).Where("id NOT IN (?)", earned)
	if len(only) > 0 {
		q = q.Where("category IN ?", only)
	}
	var defs []models.AchievementDefinition
	if err := q.Order("sort_order ASC").Find(&defs).Error; err != nil {
		return 0, err
	}
	if len(defs) == 0 {
		return 0, nil
	}

	st, err := s.loadState(tx, userID, ec)
	if err != nil {
		return 0, err
	}

	granted := 0
	for _, def := range defs {
		crit, err := DecodeCriterion(def.Category, def.Criteria.Data())
		if err != nil {
			s.log.Warn("skipping achievement with bad criteria", "code", def.Code, "error", err)
			continue
		}

		current, ok := evaluate(crit, st)
		if !ok {
			if crit.TracksProgress() {
				if err := s.writeProgressTx(tx, userID, def.ID, progressPercent(crit, current)); err != nil {
					return granted, err
				}
			}
			continue
		}

		now := s.Now()
		won, err := s.grantTx(tx, userID, def, ec, now)
		if err != nil {
			return granted, err
		}
		if !won {
			continue
		}
		granted++

		u := UnlockedAchievement{
			ID:       def.ID,
			Code:     def.Code,
			Name:     def.Name,
			Icon:     def.Icon,
			Category: def.Category,
			XPReward: def.XPReward,
			EarnedAt: now,
		}
		fx.unlocked = append(fx.unlocked, u)
		fx.emit(EventAchievementUnlocked, userID, u, now)
		s.log.Info("🎖️ achievement unlocked", "user_id", userID, "code", def.Code, "xp_reward", def.XPReward)

		if def.XPReward > 0 {
			snap, err := s.Progression.applyXPTx(ctx, tx, userID, def.XPReward, fx, depth+1)
			if err != nil {
				return granted, err
			}
			st.progress.TotalXP = snap.TotalXP
			st.progress.Level = snap.Level
		}
	}
	return granted, nil
}

func (s *AchievementService) loadState(tx *gorm.DB, userID string, ec EvalContext) (*evalState, error) {
	st := &evalState{ctx: ec}
	prog, err := s.Progression.ensureProgressTx(tx, userID, false)
	if err != nil {
		return nil, err
	}
	st.progress = *prog
	stats, err := s.Progression.loadStatistics(tx, userID)
	if err != nil {
		return nil, err
	}
	st.stats = *stats
	return st, nil
}

// grantTx sets earned_at for (user, achievement) at most once. The unique index on the pair turns
// concurrent inserts into a single winner; the conditional update only matches an unearned row.
func (s *AchievementService) grantTx(tx *gorm.DB, userID string, def models.AchievementDefinition, ec EvalContext, now time.Time) (bool, error) {
	meta, _ := json.Marshal(map[string]any{"trigger": ec.Trigger, "xp_reward": def.XPReward})

	rec := models.UserAchievement{
		ID:             uuid.NewString(),
		ExternalUserID: userID,
		AchievementID:  def.ID,
		EarnedAt:       &now,
		Progress:       100,
		Metadata:       string(meta),
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_user_id"}, {Name: "achievement_id"}},
		DoNothing: true,
	}).Create(&rec)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		res = tx.Model(&models.UserAchievement{}).
			Where("external_user_id = ? AND achievement_id = ? AND earned_at IS NULL", userID, def.ID).
			Updates(map[string]any{"earned_at": now, "progress": 100, "metadata": string(meta)})
		if res.Error != nil {
			return false, res.Error
		}
		if res.RowsAffected == 0 {
			return false, nil
		}
	}

	if err := tx.Model(&models.UserStatistics{}).
		Where("external_user_id = ?", userID).
		UpdateColumn("total_achievements", gorm.Expr("total_achievements + ?", 1)).Error; err != nil {
		return false, err
	}
	return true, nil
}

// writeProgressTx records partial progress on an unearned record, creating it on first sight.
func (s *AchievementService) writeProgressTx(tx *gorm.DB, userID, achievementID string, pct float64) error {
	rec := models.UserAchievement{
		ID:             uuid.NewString(),
		ExternalUserID: userID,
		AchievementID:  achievementID,
		Progress:       pct,
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_user_id"}, {Name: "achievement_id"}},
		DoNothing: true,
	}).Create(&rec)
	if res.Error != nil || res.RowsAffected == 1 {
		return res.Error
	}
	return tx.Model(&models.UserAchievement{}).
		Where("external_user_id = ? AND achievement_id = ? AND earned_at IS NULL AND progress <> ?", userID, achievementID, pct).
		Update("progress", pct).Error
}

// Definitions returns the active catalog, served from cache when warm.
func (s *AchievementService) Definitions(ctx context.Context) ([]models.AchievementDefinition, error) {
	key := cache.QueryKey{Namespace: cache.NSCatalog, Order: "sort_order"}.String()
	if s.Cache != nil {
		if defs, ok := cache.As[[]models.AchievementDefinition](s.Cache.Get(key)); ok {
			return defs, nil
		}
	}
	defs, err := s.loadDefinitions(ctx)
	if err != nil {
		return nil, transient("load achievement catalog", err)
	}
	if s.Cache != nil {
		s.Cache.Set(key, defs, s.CatalogTTL)
	}
	return defs, nil
}

func (s *AchievementService) loadDefinitions(ctx context.Context) ([]models.AchievementDefinition, error) {
	var defs []models.AchievementDefinition
	err := s.DB.WithContext(ctx).
		Where("is_active = ?", true).
		Order("sort_order ASC").
		Find(&defs).Error
	return defs, err
}

// CatalogWarmTask primes the catalog cache entry.
func (s *AchievementService) CatalogWarmTask() cache.WarmTask {
	return cache.WarmTask{
		Key: cache.QueryKey{Namespace: cache.NSCatalog, Order: "sort_order"}.String(),
		Producer: func(ctx context.Context) (any, error) {
			return s.loadDefinitions(ctx)
		},
		TTL: s.CatalogTTL,
	}
}

// ListAchievements merges the catalog with the user's earned and progress state, grouped by
// category. Categories with no achievements are left out.
func (s *AchievementService) ListAchievements(ctx context.Context, externalUserID string) (*AchievementList, error) {
	defs, err := s.Definitions(ctx)
	if err != nil {
		return nil, err
	}

	var records []models.UserAchievement
	if err := s.DB.WithContext(ctx).
		Where("external_user_id = ?", externalUserID).
		Find(&records).Error; err != nil {
		return nil, transient("load user achievements", err)
	}
	byID := make(map[string]models.UserAchievement, len(records))
	for _, r := range records {
		byID[r.AchievementID] = r
	}

	title := cases.Title(language.English)
	groups := make(map[models.AchievementCategory][]AchievementView)
	out := &AchievementList{Categories: []CategoryGroup{}}
	for _, def := range defs {
		v := AchievementView{
			ID:          def.ID,
			Code:        def.Code,
			Name:        def.Name,
			Description: def.Description,
			Icon:        def.Icon,
			XPReward:    def.XPReward,
		}
		if r, ok := byID[def.ID]; ok {
			v.Progress = r.Progress
			if r.EarnedAt != nil {
				v.Earned = true
				v.EarnedAt = r.EarnedAt
				v.Progress = 100
				out.Summary.Earned++
			}
		}
		out.Summary.Total++
		groups[def.Category] = append(groups[def.Category], v)
	}

	for _, cat := range models.AchievementCategories {
		views, ok := groups[cat]
		if !ok {
			continue
		}
		out.Categories = append(out.Categories, CategoryGroup{
			Category:     cat,
			DisplayName:  title.String(string(cat)),
			Achievements: views,
		})
	}
	if out.Summary.Total > 0 {
		out.Summary.Percent = math.Round(float64(out.Summary.Earned) / float64(out.Summary.Total) * 100)
	}
	return out, nil
}

// Earned reports whether the user holds the achievement with code.
func (s *AchievementService) Earned(ctx context.Context, externalUserID, code string) (bool, error) {
	var count int64
	err := s.DB.WithContext(ctx).
		Model(&models.UserAchievement{}).
		Joins("JOIN achievement_definitions ON achievement_definitions.id = user_achievements.achievement_id").
		Where("user_achievements.external_user_id = ? AND achievement_definitions.code = ? AND user_achievements.earned_at IS NOT NULL", externalUserID, code).
		Count(&count).Error
	if err != nil {
		return false, transient("lookup achievement", err)
	}
	return count > 0, nil
}
