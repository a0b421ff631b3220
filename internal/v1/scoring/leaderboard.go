package scoring

import "sort"

// Player is the input row for ranking: identity plus accumulated stats.
type Player struct {
	UserID      string
	DisplayName string
	Stats       UserStats
}

// Entry is one ranked leaderboard row.
type Entry struct {
	Rank        int
	UserID      string
	DisplayName string
	Score       int
	Correct     int
	Total       int
	AvgTimeMs   int64
}

// Leaderboard ranks players under the canonical total order:
// score desc, correct answers desc, average response time asc, user ID asc.
// Ranks are dense (1..N with no gaps). The same ordering is used for every
// reveal and for the final standings, so the two can never disagree.
func Leaderboard(players []Player) []Entry {
	entries := make([]Entry, 0, len(players))
	for _, p := range players {
		entries = append(entries, Entry{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Score:       p.Stats.Score,
			Correct:     p.Stats.CorrectAnswers,
			Total:       p.Stats.TotalAnswered,
			AvgTimeMs:   p.Stats.AvgTimeMs(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Correct != b.Correct {
			return a.Correct > b.Correct
		}
		if a.AvgTimeMs != b.AvgTimeMs {
			return a.AvgTimeMs < b.AvgTimeMs
		}
		return a.UserID < b.UserID
	})

	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

// QuizStats are the aggregates reported in the end message.
type QuizStats struct {
	TotalQuestions    int
	TotalParticipants int
	AverageScore      float64
	CompletionRate    float64
	DurationMs        int64
}

// ComputeQuizStats aggregates over the scored participants (players only,
// unless the host plays — the caller filters). CompletionRate is the fraction
// of (participant, question) pairs that received an answer.
func ComputeQuizStats(players []Player, totalQuestions int, durationMs int64) QuizStats {
	stats := QuizStats{
		TotalQuestions:    totalQuestions,
		TotalParticipants: len(players),
		DurationMs:        durationMs,
	}
	if len(players) == 0 {
		return stats
	}

	var scoreSum, answeredSum int
	for _, p := range players {
		scoreSum += p.Stats.Score
		answeredSum += p.Stats.TotalAnswered
	}
	stats.AverageScore = float64(scoreSum) / float64(len(players))
	if totalQuestions > 0 {
		stats.CompletionRate = float64(answeredSum) / float64(len(players)*totalQuestions)
	}
	return stats
}
