package workers

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"quiz-progression-system/cache"
	"quiz-progression-system/logger"
	"quiz-progression-system/models"
	"quiz-progression-system/services"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const resolutionSourceWins = "source_wins"

type ReconcilerConfig struct {
	Interval     time.Duration
	MinInterval  time.Duration
	ToleranceAbs float64 // absolute floor of the conflict tolerance
	TolerancePct float64 // fraction of the fresh value
	UsageDelta   int64   // question stats are rewritten when usage moved at least this much
	RateDelta    float64 // ... or success rate moved more than this
	StaleAfter   time.Duration
	BatchSize    int
	StatsTTL     time.Duration
}

func (c *ReconcilerConfig) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Minute
	}
	if c.MinInterval <= 0 {
		c.MinInterval = time.Minute
	}
	if c.UsageDelta <= 0 {
		c.UsageDelta = 1
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.StatsTTL <= 0 {
		c.StatsTTL = 5 * time.Minute
	}
}

type SubtaskResult struct {
	Name      string        `json:"name"`
	Processed int           `json:"processed"`
	Changed   int           `json:"changed"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

type PassReport struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Forced     bool            `json:"forced"`
	Subtasks   []SubtaskResult `json:"subtasks"`
}

// Failed reports whether any sub-task errored.
func (p *PassReport) Failed() bool {
	for _, s := range p.Subtasks {
		if s.Error != "" {
			return true
		}
	}
	return false
}

type ReconcilerStatus struct {
	Scheduled   bool          `json:"scheduled"`
	InFlight    bool          `json:"in_flight"`
	Interval    time.Duration `json:"interval"`
	MinInterval time.Duration `json:"min_interval"`
	Runs        int64         `json:"runs"`
	LastPass    *PassReport   `json:"last_pass,omitempty"`
	NextRun     *time.Time    `json:"next_run,omitempty"`
}

// Reconciler periodically recomputes aggregates from attempt history and heals drift. The source
// of truth always wins.
type Reconciler struct {
	DB      *gorm.DB
	Cache   *cache.Cache
	Storage *services.StorageService // optional housekeeping
	Now     func() time.Time

	cfg      ReconcilerConfig
	log      *logger.Logger
	job     periodicJob
	current atomic.Pointer[passClaim] // nil when no pass is running
	runs    atomic.Int64

	mu   sync.Mutex
	last *PassReport
}

func NewReconciler(db *gorm.DB, c *cache.Cache, storage *services.StorageService, log *logger.Logger, cfg ReconcilerConfig) *Reconciler {
	cfg.withDefaults()
	r := &Reconciler{
		DB:      db,
		Cache:   c,
		Storage: storage,
		Now:     time.Now,
		cfg:     cfg,
		log:     log.With("service", "Reconciler"),
	}
	r.job = periodicJob{
		name:     "reconciler",
		log:      r.log,
		interval: cfg.Interval,
		task: func(ctx context.Context) {
			if _, err := r.RunOnce(ctx); err != nil && err != services.ErrReconcileInFlight {
				r.log.Error("reconcile pass failed", "error", err)
			}
		},
	}
	return r
}

func (r *Reconciler) Start(ctx context.Context) error {
	r.log.Info("🔁 Starting reconciler (attempt history → statistics, question stats, sessions)")
	return r.job.start(ctx, false)
}

// Stop cancels scheduled passes. An in-flight pass finishes on its own. Idempotent.
func (r *Reconciler) Stop() error {
	return r.job.stop()
}

// SetInterval reschedules future passes. Intervals below the configured minimum are rejected.
func (r *Reconciler) SetInterval(d time.Duration) error {
	if d < r.cfg.MinInterval {
		return &services.ValidationError{Field: "interval", Reason: fmt.Sprintf("must be at least %s", r.cfg.MinInterval)}
	}
	return r.job.setInterval(d)
}

func (r *Reconciler) Status() ReconcilerStatus {
	r.mu.Lock()
	last := r.last
	r.mu.Unlock()
	return ReconcilerStatus{
		Scheduled:   r.job.scheduled(),
		InFlight:    r.current.Load() != nil,
		Interval:    r.job.currentInterval(),
		MinInterval: r.cfg.MinInterval,
		Runs:        r.runs.Load(),
		LastPass:    last,
		NextRun:     r.job.nextRun(),
	}
}

// passClaim marks one pass as the holder of the in-flight guard. A pass releases the guard only
// while it still holds it, so a pass displaced by ForceRun cannot clear the forced pass's claim.
type passClaim struct {
	forced bool
}

func (r *Reconciler) release(c *passClaim) {
	r.current.CompareAndSwap(c, nil)
}

// RunOnce runs one pass unless another is in flight, in which case it returns
// services.ErrReconcileInFlight without doing anything.
func (r *Reconciler) RunOnce(ctx context.Context) (*PassReport, error) {
	claim := &passClaim{}
	if !r.current.CompareAndSwap(nil, claim) {
		return nil, services.ErrReconcileInFlight
	}
	defer r.release(claim)
	return r.pass(ctx, false), nil
}

// ForceRun takes over the in-flight guard and runs a pass immediately. A pass it displaced keeps
// running but no longer holds the guard.
func (r *Reconciler) ForceRun(ctx context.Context) (*PassReport, error) {
	claim := &passClaim{forced: true}
	if prev := r.current.Swap(claim); prev != nil {
		r.log.Warn("forcing reconcile pass over one still in flight", "previous_forced", prev.forced)
	}
	defer r.release(claim)
	return r.pass(ctx, true), nil
}

type subtask struct {
	name string
	run  func(ctx context.Context) (processed, changed int, err error)
}

func (r *Reconciler) pass(ctx context.Context, forced bool) *PassReport {
	rep := &PassReport{StartedAt: r.Now(), Forced: forced}
	for _, st := range []subtask{
		{"statistics", r.syncStatistics},
		{"question_stats", r.syncQuestionStats},
		{"stale_sessions", r.reclaimSessions},
		{"housekeeping", r.housekeep},
	} {
		if ctx.Err() != nil {
			rep.Subtasks = append(rep.Subtasks, SubtaskResult{Name: st.name, Error: ctx.Err().Error()})
			continue
		}
		rep.Subtasks = append(rep.Subtasks, r.runSubtask(ctx, st))
	}
	rep.FinishedAt = r.Now()
	r.runs.Add(1)

	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()

	if rep.Failed() {
		r.log.Warn("⚠️ reconcile pass finished with errors", "subtasks", rep.Subtasks)
	} else {
		r.log.Info("✅ reconcile pass finished", "took", rep.FinishedAt.Sub(rep.StartedAt).String())
	}
	return rep
}

// runSubtask isolates one sub-task so its failure or panic does not stop the others.
func (r *Reconciler) runSubtask(ctx context.Context, st subtask) (res SubtaskResult) {
	res.Name = st.name
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res.Error = fmt.Sprintf("panic: %v", p)
			r.log.Error("reconcile sub-task panicked", "subtask", st.name, "panic", p)
		}
		res.Duration = time.Since(start)
	}()

	processed, changed, err := st.run(ctx)
	res.Processed, res.Changed = processed, changed
	if err != nil {
		res.Error = err.Error()
		r.log.Error("reconcile sub-task failed", "subtask", st.name, "error", err)
	}
	return res
}

// statAggregate is the authoritative recomputation of the counters kept in UserStatistics.
type statAggregate struct {
	ExternalUserID    string
	GamesPlayed       int64
	GamesWon          int64
	QuestionsAnswered int64
	CorrectAnswers    int64
	PerfectGames      int64
	TotalTimeSeconds  float64
}

func (r *Reconciler) freshAggregates(ctx context.Context, userIDs []string) (map[string]statAggregate, error) {
	var rows []statAggregate
	err := r.DB.WithContext(ctx).Model(&models.QuizAttempt{}).
		Select(`external_user_id,
			COUNT(*) AS games_played,
			COALESCE(SUM(CASE WHEN won THEN 1 ELSE 0 END), 0) AS games_won,
			COALESCE(SUM(total_questions), 0) AS questions_answered,
			COALESCE(SUM(correct_count), 0) AS correct_answers,
			COALESCE(SUM(CASE WHEN correct_count = total_questions THEN 1 ELSE 0 END), 0) AS perfect_games,
			COALESCE(SUM(total_time_seconds), 0) AS total_time_seconds`).
		Where("external_user_id IN ?", userIDs).
		Group("external_user_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]statAggregate, len(rows))
	for _, a := range rows {
		out[a.ExternalUserID] = a
	}
	return out, nil
}

type fieldDiff struct {
	field  string
	cached float64
	fresh  float64
}

// exceedsTolerance is true when |cached - fresh| > max(abs, pct*|fresh|).
func exceedsTolerance(cached, fresh, abs, pct float64) bool {
	tol := math.Max(abs, pct*math.Abs(fresh))
	return math.Abs(cached-fresh) > tol
}

func (r *Reconciler) diff(row models.UserStatistics, fresh statAggregate) []fieldDiff {
	candidates := []fieldDiff{
		{"games_played", float64(row.GamesPlayed), float64(fresh.GamesPlayed)},
		{"games_won", float64(row.GamesWon), float64(fresh.GamesWon)},
		{"questions_answered", float64(row.QuestionsAnswered), float64(fresh.QuestionsAnswered)},
		{"correct_answers", float64(row.CorrectAnswers), float64(fresh.CorrectAnswers)},
		{"perfect_games", float64(row.PerfectGames), float64(fresh.PerfectGames)},
		{"total_time_seconds", row.TotalTimeSeconds, fresh.TotalTimeSeconds},
	}
	var out []fieldDiff
	for _, d := range candidates {
		if exceedsTolerance(d.cached, d.fresh, r.cfg.ToleranceAbs, r.cfg.TolerancePct) {
			out = append(out, d)
		}
	}
	return out
}

func (r *Reconciler) syncStatistics(ctx context.Context) (int, int, error) {
	processed, healed := 0, 0
	var batch []models.UserStatistics
	res := r.DB.WithContext(ctx).FindInBatches(&batch, r.cfg.BatchSize, func(_ *gorm.DB, _ int) error {
		ids := make([]string, 0, len(batch))
		for _, row := range batch {
			ids = append(ids, row.ExternalUserID)
		}
		fresh, err := r.freshAggregates(ctx, ids)
		if err != nil {
			return err
		}
		for _, row := range batch {
			processed++
			agg := fresh[row.ExternalUserID]
			agg.ExternalUserID = row.ExternalUserID
			diffs := r.diff(row, agg)
			if len(diffs) == 0 {
				continue
			}
			if err := r.heal(ctx, row, agg, diffs); err != nil {
				return fmt.Errorf("heal %s: %w", row.ExternalUserID, err)
			}
			healed++
		}
		return nil
	})
	return processed, healed, res.Error
}

// heal overwrites the drifted counters with the fresh values, logs one conflict per field and
// refreshes the cached statistics snapshot.
func (r *Reconciler) heal(ctx context.Context, row models.UserStatistics, fresh statAggregate, diffs []fieldDiff) error {
	now := r.Now().UTC()
	var healed models.UserStatistics
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := make(map[string]any, len(diffs))
		conflicts := make([]models.SyncConflict, 0, len(diffs))
		for _, d := range diffs {
			updates[d.field] = d.fresh
			conflicts = append(conflicts, models.SyncConflict{
				ID:             uuid.NewString(),
				ExternalUserID: row.ExternalUserID,
				Field:          d.field,
				CachedValue:    d.cached,
				FreshValue:     d.fresh,
				Resolution:     resolutionSourceWins,
				DetectedAt:     now,
			})
		}
		// correct_answers <= questions_answered must hold after a partial heal too.
		if fresh.CorrectAnswers > fresh.QuestionsAnswered {
			return fmt.Errorf("attempt history has more correct answers than questions")
		}
		if err := tx.Model(&models.UserStatistics{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.Create(&conflicts).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", row.ID).First(&healed).Error
	})
	if err != nil {
		return err
	}

	for _, d := range diffs {
		r.log.Warn("sync conflict resolved", "error", &services.ConflictError{
			UserID: row.ExternalUserID, Field: d.field, Cached: d.cached, Fresh: d.fresh,
		})
	}
	if r.Cache != nil {
		r.Cache.Set(cache.UserKey(cache.NSUserStats, row.ExternalUserID), &healed, r.cfg.StatsTTL)
		r.Cache.Delete(cache.UserKey(cache.NSProgression, row.ExternalUserID))
	}
	return nil
}

type questionAggregate struct {
	QuestionID   string
	TimesUsed    int64
	TimesCorrect int64
}

func successRate(correct, used int64) float64 {
	if used == 0 {
		return 0
	}
	return float64(correct) / float64(used)
}

// syncQuestionStats recomputes per-question usage and writes only the rows that moved enough.
func (r *Reconciler) syncQuestionStats(ctx context.Context) (int, int, error) {
	var aggs []questionAggregate
	if err := r.DB.WithContext(ctx).Model(&models.AttemptAnswer{}).
		Select(`question_id,
			COUNT(*) AS times_used,
			COALESCE(SUM(CASE WHEN correct THEN 1 ELSE 0 END), 0) AS times_correct`).
		Group("question_id").
		Scan(&aggs).Error; err != nil {
		return 0, 0, err
	}

	changed := 0
	for start := 0; start < len(aggs); start += r.cfg.BatchSize {
		end := min(start+r.cfg.BatchSize, len(aggs))
		chunk := aggs[start:end]

		ids := make([]string, 0, len(chunk))
		for _, a := range chunk {
			ids = append(ids, a.QuestionID)
		}
		var existing []models.QuestionStat
		if err := r.DB.WithContext(ctx).Where("question_id IN ?", ids).Find(&existing).Error; err != nil {
			return start, changed, err
		}
		current := make(map[string]models.QuestionStat, len(existing))
		for _, q := range existing {
			current[q.QuestionID] = q
		}

		var writes []models.QuestionStat
		for _, a := range chunk {
			rate := successRate(a.TimesCorrect, a.TimesUsed)
			old, ok := current[a.QuestionID]
			if ok {
				usageMoved := a.TimesUsed - old.TimesUsed
				if usageMoved < 0 {
					usageMoved = -usageMoved
				}
				if usageMoved < r.cfg.UsageDelta && math.Abs(rate-old.SuccessRate) <= r.cfg.RateDelta {
					continue
				}
			}
			writes = append(writes, models.QuestionStat{
				QuestionID:   a.QuestionID,
				TimesUsed:    a.TimesUsed,
				TimesCorrect: a.TimesCorrect,
				SuccessRate:  rate,
			})
		}
		if len(writes) == 0 {
			continue
		}
		if err := r.DB.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "question_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"times_used", "times_correct", "success_rate", "updated_at"}),
		}).CreateInBatches(&writes, r.cfg.BatchSize).Error; err != nil {
			return start, changed, err
		}
		changed += len(writes)
	}
	return len(aggs), changed, nil
}

// reclaimSessions abandons sessions idle past the staleness horizon and evicts their cached state.
func (r *Reconciler) reclaimSessions(ctx context.Context) (int, int, error) {
	cutoff := r.Now().Add(-r.cfg.StaleAfter)
	var stale []models.QuizSession
	if err := r.DB.WithContext(ctx).
		Where("status = ? AND last_activity_at < ?", models.SessionInProgress, cutoff).
		Find(&stale).Error; err != nil {
		return 0, 0, err
	}
	if len(stale) == 0 {
		return 0, 0, nil
	}
	ids := make([]string, 0, len(stale))
	for _, s := range stale {
		ids = append(ids, s.ID)
	}
	res := r.DB.WithContext(ctx).Model(&models.QuizSession{}).
		Where("id IN ? AND status = ?", ids, models.SessionInProgress).
		Update("status", models.SessionAbandoned)
	if res.Error != nil {
		return len(stale), 0, res.Error
	}
	if r.Cache != nil {
		for _, id := range ids {
			r.Cache.Delete(cache.UserKey(cache.NSSession, id))
		}
	}
	r.log.Info("🧹 abandoned stale sessions", "count", res.RowsAffected)
	return len(stale), int(res.RowsAffected), nil
}

func (r *Reconciler) housekeep(ctx context.Context) (int, int, error) {
	if r.Storage == nil {
		return 0, 0, nil
	}
	res, err := r.Storage.Housekeep(ctx)
	if res == nil {
		return 0, 0, err
	}
	removed := res.LeaderboardRows + res.ConflictRows + res.SessionRows
	return int(removed), int(removed), err
}
