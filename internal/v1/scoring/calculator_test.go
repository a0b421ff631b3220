package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDelta(t *testing.T) {
	tests := []struct {
		name        string
		correct     bool
		timeTakenMs int64
		durationMs  int64
		streakAfter int
		want        int
	}{
		{"instant answer full score", true, 0, 10000, 1, 1000},
		{"answer at deadline half score", true, 10000, 10000, 1, 500},
		{"fifth of the window", true, 2000, 10000, 1, 900},
		{"second in a row gets streak bonus", true, 2000, 10000, 2, 990},
		{"streak bonus caps at five in a row", true, 0, 10000, 9, 1400},
		{"incorrect is always zero", false, 0, 10000, 3, 0},
		{"negative time clamps to zero", true, -50, 10000, 1, 1000},
		{"late answer clamps to deadline", true, 99999, 10000, 1, 500},
		{"zero duration yields zero", true, 0, 0, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Delta(tt.correct, tt.timeTakenMs, tt.durationMs, tt.streakAfter)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyAnswer(t *testing.T) {
	var stats UserStats

	delta := ApplyAnswer(&stats, true, 2000, 10000)
	assert.Equal(t, 900, delta)
	assert.Equal(t, 900, stats.Score)
	assert.Equal(t, 1, stats.CurrentStreak)
	assert.Equal(t, 1, stats.CorrectAnswers)

	// Second correct in a row picks up the streak multiplier.
	delta = ApplyAnswer(&stats, true, 2000, 10000)
	assert.Equal(t, 990, delta)
	assert.Equal(t, 1890, stats.Score)
	assert.Equal(t, 2, stats.CurrentStreak)
	assert.Equal(t, 2, stats.MaxStreak)

	// An incorrect answer breaks the streak but still counts as answered.
	delta = ApplyAnswer(&stats, false, 5000, 10000)
	assert.Equal(t, 0, delta)
	assert.Equal(t, 1890, stats.Score)
	assert.Equal(t, 0, stats.CurrentStreak)
	assert.Equal(t, 2, stats.MaxStreak)
	assert.Equal(t, 3, stats.TotalAnswered)

	assert.Equal(t, int64(3000), stats.AvgTimeMs())
}

func TestApplyAnswerStreakResumesFromOne(t *testing.T) {
	var stats UserStats

	ApplyAnswer(&stats, true, 0, 10000)
	ApplyAnswer(&stats, false, 0, 10000)
	delta := ApplyAnswer(&stats, true, 0, 10000)

	// The first correct after a miss gets no bonus.
	assert.Equal(t, 1000, delta)
	assert.Equal(t, 1, stats.CurrentStreak)
}
