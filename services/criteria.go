package services

import (
	"fmt"
	"strings"

	"quiz-progression-system/cache"
	"quiz-progression-system/models"
)

// Criterion is the closed set of typed achievement criteria. Each achievement category has its own
// payload; evaluate switches over all of them.
type Criterion interface {
	Category() models.AchievementCategory
	Threshold() float64
	TracksProgress() bool
	criterion()
}

type criterionBase struct {
	threshold float64
	track     bool
}

func (b criterionBase) Threshold() float64   { return b.threshold }
func (b criterionBase) TracksProgress() bool { return b.track }
func (criterionBase) criterion()             {}

type GameplayMetric string

const (
	MetricGamesPlayed       GameplayMetric = "games_played"
	MetricGamesWon          GameplayMetric = "games_won"
	MetricQuestionsAnswered GameplayMetric = "questions_answered"
	MetricCorrectAnswers    GameplayMetric = "correct_answers"
	MetricPerfectGames      GameplayMetric = "perfect_games"
	MetricCategoryCorrect   GameplayMetric = "category_correct"
	MetricCategoryPlayed    GameplayMetric = "category_played"
)

type GameplayCriterion struct {
	criterionBase
	Metric       GameplayMetric
	QuizCategory string
}

func (GameplayCriterion) Category() models.AchievementCategory { return models.AchievementGameplay }

type ProgressionMetric string

const (
	MetricLevel   ProgressionMetric = "level"
	MetricTotalXP ProgressionMetric = "total_xp"
)

type ProgressionCriterion struct {
	criterionBase
	Metric ProgressionMetric
}

func (ProgressionCriterion) Category() models.AchievementCategory {
	return models.AchievementProgression
}

type StreakMetric string

const (
	MetricStreakDays    StreakMetric = "streak_days"
	MetricLongestStreak StreakMetric = "longest_streak"
)

type StreakCriterion struct {
	criterionBase
	Metric StreakMetric
}

func (StreakCriterion) Category() models.AchievementCategory { return models.AchievementStreak }

type SocialMetric string

const (
	MetricShares  SocialMetric = "shares"
	MetricFriends SocialMetric = "friends"
)

// SocialCriterion counts come from the caller; the social graph lives outside this service.
type SocialCriterion struct {
	criterionBase
	Metric SocialMetric
}

func (SocialCriterion) Category() models.AchievementCategory { return models.AchievementSocial }

type SpecialKind string

const (
	SpecialFastestAnswer     SpecialKind = "fastest_answer"
	SpecialPerfectDifficulty SpecialKind = "perfect_difficulty"
	SpecialAccuracy          SpecialKind = "accuracy"
)

type SpecialCriterion struct {
	criterionBase
	Kind         SpecialKind
	Difficulty   models.Difficulty
	MinQuestions int64
}

func (SpecialCriterion) Category() models.AchievementCategory { return models.AchievementSpecial }

// DecodeCriterion turns a stored criteria spec into its typed form. Unknown types are rejected.
func DecodeCriterion(category models.AchievementCategory, spec models.CriteriaSpec) (Criterion, error) {
	if spec.Threshold <= 0 {
		return nil, fmt.Errorf("threshold must be positive, got %v", spec.Threshold)
	}
	base := criterionBase{threshold: spec.Threshold, track: spec.TrackProgress}
	kind := strings.ToLower(strings.TrimSpace(spec.Type))

	switch category {
	case models.AchievementGameplay:
		switch m := GameplayMetric(kind); m {
		case MetricGamesPlayed, MetricGamesWon, MetricQuestionsAnswered, MetricCorrectAnswers, MetricPerfectGames:
			return GameplayCriterion{criterionBase: base, Metric: m}, nil
		case MetricCategoryCorrect, MetricCategoryPlayed:
			cat := cache.NormalizeCategory(spec.Category)
			if cat == "" {
				return nil, fmt.Errorf("%s needs a category", m)
			}
			return GameplayCriterion{criterionBase: base, Metric: m, QuizCategory: cat}, nil
		}
	case models.AchievementProgression:
		switch m := ProgressionMetric(kind); m {
		case MetricLevel, MetricTotalXP:
			return ProgressionCriterion{criterionBase: base, Metric: m}, nil
		}
	case models.AchievementStreak:
		switch m := StreakMetric(kind); m {
		case MetricStreakDays, MetricLongestStreak:
			return StreakCriterion{criterionBase: base, Metric: m}, nil
		}
	case models.AchievementSocial:
		switch m := SocialMetric(kind); m {
		case MetricShares, MetricFriends:
			return SocialCriterion{criterionBase: base, Metric: m}, nil
		}
	case models.AchievementSpecial:
		switch k := SpecialKind(kind); k {
		case SpecialFastestAnswer, SpecialAccuracy:
			return SpecialCriterion{criterionBase: base, Kind: k, MinQuestions: spec.MinQuestions}, nil
		case SpecialPerfectDifficulty:
			d := models.Difficulty(strings.ToLower(spec.Difficulty))
			if !d.Valid() {
				return nil, fmt.Errorf("perfect_difficulty needs a valid difficulty, got %q", spec.Difficulty)
			}
			return SpecialCriterion{criterionBase: base, Kind: k, Difficulty: d}, nil
		}
	default:
		return nil, fmt.Errorf("unknown achievement category %q", category)
	}
	return nil, fmt.Errorf("criteria type %q is not valid for category %s", spec.Type, category)
}

// EvalContext carries what the stored statistics cannot know.
type EvalContext struct {
	Trigger string         `json:"trigger,omitempty"` // "attempt", "level_up", "manual"
	Attempt *AttemptStats  `json:"attempt,omitempty"`
	Social  map[string]int `json:"social,omitempty"` // e.g. {"shares": 1, "friends": 4}
}

// evalState is everything a criterion may look at.
type evalState struct {
	progress models.UserProgress
	stats    models.UserStatistics
	ctx      EvalContext
}

// evaluate returns the current measured value and whether the criterion is met.
func evaluate(c Criterion, st *evalState) (float64, bool) {
	switch c := c.(type) {
	case GameplayCriterion:
		var v float64
		switch c.Metric {
		case MetricGamesPlayed:
			v = float64(st.stats.GamesPlayed)
		case MetricGamesWon:
			v = float64(st.stats.GamesWon)
		case MetricQuestionsAnswered:
			v = float64(st.stats.QuestionsAnswered)
		case MetricCorrectAnswers:
			v = float64(st.stats.CorrectAnswers)
		case MetricPerfectGames:
			v = float64(st.stats.PerfectGames)
		case MetricCategoryCorrect:
			v = float64(st.stats.CategoryStats.Data()[c.QuizCategory].Correct)
		case MetricCategoryPlayed:
			v = float64(st.stats.CategoryStats.Data()[c.QuizCategory].Played)
		}
		return v, v >= c.threshold

	case ProgressionCriterion:
		var v float64
		switch c.Metric {
		case MetricLevel:
			v = float64(st.progress.Level)
		case MetricTotalXP:
			v = float64(st.progress.TotalXP)
		}
		return v, v >= c.threshold

	case StreakCriterion:
		var v float64
		switch c.Metric {
		case MetricStreakDays:
			v = float64(st.stats.CurrentStreak)
		case MetricLongestStreak:
			v = float64(st.stats.LongestStreak)
		}
		return v, v >= c.threshold

	case SocialCriterion:
		v := float64(st.ctx.Social[string(c.Metric)])
		return v, v >= c.threshold

	case SpecialCriterion:
		switch c.Kind {
		case SpecialFastestAnswer:
			if st.stats.FastestAnswerSeconds == nil {
				return 0, false
			}
			v := *st.stats.FastestAnswerSeconds
			return v, v <= c.threshold
		case SpecialPerfectDifficulty:
			a := st.ctx.Attempt
			if a == nil || a.Difficulty != c.Difficulty || !a.Perfect() {
				return 0, false
			}
			return 1, 1 >= c.threshold
		case SpecialAccuracy:
			v := st.stats.Accuracy() * 100
			return v, st.stats.QuestionsAnswered >= c.MinQuestions && v >= c.threshold
		}
	}
	return 0, false
}

// progressPercent is min(current/threshold, 1) x 100. Fastest-answer criteria are met from
// below, so their ratio is threshold/current.
func progressPercent(c Criterion, current float64) float64 {
	t := c.Threshold()
	if t <= 0 || current <= 0 {
		return 0
	}
	p := current / t
	if sc, ok := c.(SpecialCriterion); ok && sc.Kind == SpecialFastestAnswer {
		p = t / current
	}
	if p > 1 {
		p = 1
	}
	return p * 100
}
