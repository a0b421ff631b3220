package room

import (
	"strconv"
	"strings"

	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/metrics"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/protocol"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/scoring"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/types"
)

func (r *Room) handleAnswer(c answerCmd) {
	m, ok := r.members[c.userID]
	if !ok {
		r.sendError(c.userID, protocol.ErrCodeNotFound, "not a member of this room")
		return
	}
	if r.phase != types.PhaseQuestion {
		r.sendError(c.userID, protocol.ErrCodeState, "not accepting answers right now")
		return
	}
	if c.questionIndex != r.qIndex {
		r.sendError(c.userID, protocol.ErrCodeState, "answer is for a different question")
		return
	}
	if !r.isEligible(m) {
		r.sendError(c.userID, protocol.ErrCodeForbidden, "host is not playing in this room")
		return
	}
	if r.answered.Has(string(c.userID)) {
		r.sendError(c.userID, protocol.ErrCodeState, "already answered this question")
		return
	}

	q := r.questions[r.qIndex]
	choice := choiceIndex(c.choice, q.Options)
	if choice < 0 {
		// An unreadable choice is rejected before grading: the member keeps
		// their one submission and their streak.
		r.sendError(c.userID, protocol.ErrCodeValidation, "choice matches no option")
		return
	}

	timeTaken := c.receivedAt.Sub(r.qStartedAt).Milliseconds()
	correct := choice == q.CorrectIndex
	delta := scoring.ApplyAnswer(&m.Stats, correct, timeTaken, r.qDurationMs)

	if r.answers[r.qIndex] == nil {
		r.answers[r.qIndex] = make(map[types.UserIDType]*answerRecord)
	}
	r.answers[r.qIndex][c.userID] = &answerRecord{
		Choice:      c.choice,
		Correct:     correct,
		TimeTakenMs: timeTaken,
		Delta:       delta,
	}
	r.answered.Insert(string(c.userID))

	result := "incorrect"
	if correct {
		result = "correct"
	}
	metrics.AnswersGraded.WithLabelValues(result).Inc()

	// Without a shared leaderboard each member still sees their own running
	// score after every answer.
	if !r.settings.ShowLeaderboard {
		r.sendTo(c.userID, protocol.MustMessage(protocol.TypeScore, protocol.ScorePayload{
			UserID: string(c.userID),
			Score:  m.Stats.Score,
			Delta:  delta,
			Streak: m.Stats.CurrentStreak,
		}).WithRoom(string(r.id)))
	}

	r.maybeAdvanceEarly()
}

// choiceIndex resolves a submitted choice to an option index. Clients may
// send the option text, a zero-based index, or an option letter (A, B, ...).
// Returns -1 when the choice matches no option.
func choiceIndex(choice string, options []string) int {
	c := strings.TrimSpace(choice)
	if c == "" {
		return -1
	}

	for i, opt := range options {
		if strings.EqualFold(c, strings.TrimSpace(opt)) {
			return i
		}
	}

	if n, err := strconv.Atoi(c); err == nil {
		if n >= 0 && n < len(options) {
			return n
		}
		return -1
	}

	if len(c) == 1 {
		upper := c[0] &^ 0x20 // fold to upper case for letter choices
		if upper >= 'A' && int(upper-'A') < len(options) {
			return int(upper - 'A')
		}
	}

	return -1
}
