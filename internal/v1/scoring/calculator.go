// Package scoring implements the authoritative scoring model: per-answer
// score deltas with time decay and streak bonuses, leaderboard ranking with
// the canonical tie-break, and end-of-quiz aggregate statistics.
//
// Everything here is a pure function over explicit inputs; the room driver
// owns all state and calls in.
package scoring

import "math"

const (
	// BaseScore is the value of an instant correct answer.
	BaseScore = 1000
	// TimePenalty scales the linear decay: an answer submitted exactly at
	// the deadline is worth BaseScore * (1 - TimePenalty).
	TimePenalty = 0.5
	// StreakStep is the per-consecutive-correct bonus increment.
	StreakStep = 0.1
	// StreakCap bounds the bonus at 5-in-a-row (×1.4).
	StreakCap = 4
)

// UserStats accumulates one member's performance across a quiz.
type UserStats struct {
	Score          int
	CurrentStreak  int
	MaxStreak      int
	CorrectAnswers int
	TotalAnswered  int
	TotalTimeMs    int64
}

// AvgTimeMs returns the mean response time over answered questions.
func (s UserStats) AvgTimeMs() int64 {
	if s.TotalAnswered == 0 {
		return 0
	}
	return s.TotalTimeMs / int64(s.TotalAnswered)
}

// Delta computes the score for a single answer. timeTakenMs is clamped to
// [0, durationMs]; streakAfter is the consecutive-correct count including
// this answer. Incorrect answers are always worth zero.
func Delta(correct bool, timeTakenMs, durationMs int64, streakAfter int) int {
	if !correct || durationMs <= 0 {
		return 0
	}
	if timeTakenMs < 0 {
		timeTakenMs = 0
	}
	if timeTakenMs > durationMs {
		timeTakenMs = durationMs
	}

	timeFactor := 1 - TimePenalty*float64(timeTakenMs)/float64(durationMs)
	multiplier := 1 + StreakStep*float64(min(streakAfter-1, StreakCap))
	return int(math.Round(BaseScore * timeFactor * multiplier))
}

// ApplyAnswer folds one graded answer into stats and returns the score delta.
// The streak increments before the delta is computed, so the bonus applies to
// the answer that extends the streak.
func ApplyAnswer(stats *UserStats, correct bool, timeTakenMs, durationMs int64) int {
	stats.TotalAnswered++
	stats.TotalTimeMs += clampTime(timeTakenMs, durationMs)

	if !correct {
		stats.CurrentStreak = 0
		return 0
	}

	stats.CorrectAnswers++
	stats.CurrentStreak++
	if stats.CurrentStreak > stats.MaxStreak {
		stats.MaxStreak = stats.CurrentStreak
	}
	delta := Delta(true, timeTakenMs, durationMs, stats.CurrentStreak)
	stats.Score += delta
	return delta
}

func clampTime(timeTakenMs, durationMs int64) int64 {
	if timeTakenMs < 0 {
		return 0
	}
	if durationMs > 0 && timeTakenMs > durationMs {
		return durationMs
	}
	return timeTakenMs
}
