package services

import (
	"math"

	"quiz-progression-system/models"
)

// XPWeights are the multipliers of the scoring chain, applied in declaration order.
type XPWeights struct {
	PerCorrect       float64
	Difficulty       map[models.Difficulty]float64
	PerfectGame      float64
	FastAnswers      float64
	FastAnswerSecs   float64 // average seconds per question below which FastAnswers applies
	Streak           float64
	RawScoreFraction float64
}

var DefaultXPWeights = XPWeights{
	PerCorrect: 10,
	Difficulty: map[models.Difficulty]float64{
		models.DifficultyEasy:   1.0,
		models.DifficultyMedium: 1.5,
		models.DifficultyHard:   2.0,
	},
	PerfectGame:      1.5,
	FastAnswers:      1.2,
	FastAnswerSecs:   10,
	Streak:           1.1,
	RawScoreFraction: 0.1,
}

// AttemptResult is the scoring input for one completed quiz.
type AttemptResult struct {
	CorrectCount     int               `json:"correct_count"`
	TotalQuestions   int               `json:"total_questions"`
	Difficulty       models.Difficulty `json:"difficulty"`
	TotalTimeSeconds float64           `json:"total_time_seconds"`
	RawScore         int64             `json:"raw_score"`
	CurrentStreak    int               `json:"current_streak"`
}

// Validate rejects results the scoring chain cannot handle. TotalQuestions must be positive.
func (a AttemptResult) Validate() error {
	switch {
	case a.TotalQuestions <= 0:
		return invalid("total_questions", "must be greater than zero")
	case a.CorrectCount < 0:
		return invalid("correct_count", "must not be negative")
	case a.CorrectCount > a.TotalQuestions:
		return invalid("correct_count", "exceeds total_questions")
	case !a.Difficulty.Valid():
		return invalid("difficulty", "must be easy, medium or hard")
	case a.TotalTimeSeconds < 0 || math.IsNaN(a.TotalTimeSeconds) || math.IsInf(a.TotalTimeSeconds, 0):
		return invalid("total_time_seconds", "must be a non-negative number")
	case a.RawScore < 0:
		return invalid("raw_score", "must not be negative")
	case a.CurrentStreak < 0:
		return invalid("current_streak", "must not be negative")
	}
	return nil
}

// Perfect reports whether every question was answered correctly.
func (a AttemptResult) Perfect() bool {
	return a.TotalQuestions > 0 && a.CorrectCount == a.TotalQuestions
}

// ComputeXP scores an attempt with DefaultXPWeights.
func ComputeXP(a AttemptResult) (int64, error) {
	return DefaultXPWeights.Compute(a)
}

// Compute runs the multiplicative chain then adds the raw-score bonus. Pure.
func (w XPWeights) Compute(a AttemptResult) (int64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}

	xp := float64(a.CorrectCount) * w.PerCorrect
	if f, ok := w.Difficulty[a.Difficulty]; ok {
		xp *= f
	}
	if a.Perfect() {
		xp *= w.PerfectGame
	}
	if a.TotalTimeSeconds/float64(a.TotalQuestions) < w.FastAnswerSecs {
		xp *= w.FastAnswers
	}
	if a.CurrentStreak > 0 {
		xp *= w.Streak
	}
	xp += float64(a.RawScore) * w.RawScoreFraction

	rounded := int64(math.Round(xp))
	if rounded < 0 {
		return 0, nil
	}
	return rounded, nil
}
