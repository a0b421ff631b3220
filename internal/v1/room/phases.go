package room

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/logging"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/metrics"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/protocol"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/repository"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/scoring"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/types"
)

// repoTimeout bounds every repository call made from the driver so a slow
// database can never wedge the room.
const repoTimeout = 5 * time.Second

func (r *Room) repoCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.ctx, repoTimeout)
}

// --- Join / leave / presence ---

// handleJoin reports whether the user is a member once the command has been
// processed, so the gateway only binds a connection to a room it entered.
func (r *Room) handleJoin(c joinCmd) bool {
	if m, ok := r.members[c.userID]; ok {
		// Rejoin of an existing member.
		if r.phase != types.PhaseLobby && !*r.settings.AllowReconnect {
			r.sendError(c.userID, protocol.ErrCodeState, "reconnecting is disabled for this room")
			return false
		}
		m.Online = true
		if c.displayName != "" {
			m.DisplayName = c.displayName
		}
		r.addPresence(c.userID)
		if r.phase == types.PhaseLobby {
			r.disarmTimer()
		}
		// Snapshot goes to the rejoiner only; everyone else sees the presence
		// flip on the next broadcast.
		r.sendTo(c.userID, r.stateMessage())
		return true
	}

	switch {
	case r.phase == types.PhaseEnded:
		r.sendError(c.userID, protocol.ErrCodeState, "quiz has ended")
		return false
	case r.phase != types.PhaseLobby:
		r.sendError(c.userID, protocol.ErrCodeState, "quiz already in progress")
		return false
	case len(r.members) >= r.settings.MaxParticipants:
		r.sendError(c.userID, protocol.ErrCodeRoomFull, "room is full")
		return false
	}

	role := types.RoleTypePlayer
	if c.userID == r.hostID {
		role = types.RoleTypeHost
	}
	m := &Member{
		UserID:      c.userID,
		DisplayName: c.displayName,
		Role:        role,
		JoinedAt:    time.Now().UTC(),
		Online:      true,
	}
	r.members[c.userID] = m

	ctx, cancel := r.repoCtx()
	err := r.deps.Repo.AddMember(ctx, &repository.MemberRow{
		RoomID:      string(r.id),
		UserID:      string(c.userID),
		DisplayName: c.displayName,
		Role:        string(role),
		JoinedAt:    m.JoinedAt,
	})
	cancel()
	if err != nil {
		// Undo the in-memory insert so state never drifts from the database.
		delete(r.members, c.userID)
		logging.Error(r.ctx, "failed to persist membership", zap.Error(err), zap.String("user_id", string(c.userID)))
		r.sendError(c.userID, protocol.ErrCodeState, "could not join room")
		return false
	}

	r.addPresence(c.userID)
	r.disarmTimer()
	metrics.RoomParticipants.WithLabelValues(string(r.id)).Set(float64(len(r.members)))

	joined := protocol.MustMessage(protocol.TypeJoined, protocol.JoinedPayload{
		User: r.wireMember(m),
	}).WithRoom(string(r.id))
	r.broadcast(joined)
	r.broadcastState()
	return true
}

// handleLeave removes membership permanently. reason distinguishes voluntary
// leaves from kicks in the left broadcast.
func (r *Room) handleLeave(userID types.UserIDType, reason string) {
	m, ok := r.members[userID]
	if !ok {
		r.sendError(userID, protocol.ErrCodeNotFound, "not a member of this room")
		return
	}

	delete(r.members, userID)
	r.removePresence(userID)
	r.answered.Delete(string(userID))

	ctx, cancel := r.repoCtx()
	if err := r.deps.Repo.RemoveMember(ctx, string(r.id), string(userID), reason); err != nil {
		logging.Error(r.ctx, "failed to remove membership", zap.Error(err), zap.String("user_id", string(userID)))
	}
	cancel()

	if len(r.members) == 0 {
		// Last member out closes the room. A finished quiz keeps its row and
		// results; an abandoned one is removed entirely.
		r.close(r.phase != types.PhaseEnded)
		return
	}

	if m.Role == types.RoleTypeHost {
		r.transferHost(userID)
	}

	metrics.RoomParticipants.WithLabelValues(string(r.id)).Set(float64(len(r.members)))

	left := protocol.MustMessage(protocol.TypeLeft, protocol.LeftPayload{
		UserID: string(userID),
		Reason: reason,
	}).WithRoom(string(r.id))
	r.broadcast(left)
	r.broadcastState()

	if r.phase == types.PhaseQuestion {
		r.maybeAdvanceEarly()
	}
}

// transferHost promotes the earliest-joined remaining member, breaking join
// time ties by user ID, and persists both role changes in one transaction.
func (r *Room) transferHost(old types.UserIDType) {
	members := r.sortedMembers()
	next := members[0]

	ctx, cancel := r.repoCtx()
	err := r.deps.Repo.TransferHost(ctx, string(r.id), string(old), string(next.UserID))
	cancel()
	if err != nil {
		logging.Error(r.ctx, "failed to persist host transfer", zap.Error(err),
			zap.String("new_host", string(next.UserID)))
	}

	r.hostID = next.UserID
	next.Role = types.RoleTypeHost
	logging.Info(r.ctx, "host transferred", zap.String("new_host", string(next.UserID)))
}

func (r *Room) handleDisconnect(c disconnectCmd) {
	m, ok := r.members[c.userID]
	if !ok {
		return
	}
	m.Online = false
	r.removePresence(c.userID)
	r.broadcastState()

	// A fully offline lobby or ended room gets reaped after the idle window.
	// Active quiz phases keep their own timer and advance regardless.
	if (r.phase == types.PhaseLobby || r.phase == types.PhaseEnded) && !r.anyOnline() {
		r.armTimer(idleTimeout)
	}
}

// --- Quiz lifecycle ---

func (r *Room) handleStart(c startCmd) {
	if c.userID != r.hostID {
		r.sendError(c.userID, protocol.ErrCodeForbidden, "only the host can start the quiz")
		return
	}
	if r.phase != types.PhaseLobby {
		r.sendError(c.userID, protocol.ErrCodeState, "quiz already started")
		return
	}
	if len(r.members) < minMembersToStart {
		r.sendError(c.userID, protocol.ErrCodeState, "need at least 2 members to start")
		return
	}

	ctx, cancel := r.repoCtx()
	questions, err := r.deps.Repo.GetQuizContent(ctx, r.quizID)
	cancel()
	if err != nil {
		logging.Error(r.ctx, "failed to load quiz content", zap.Error(err), zap.String("quiz_id", r.quizID))
		r.sendError(c.userID, protocol.ErrCodeNotFound, "quiz content unavailable")
		return
	}
	r.questions = questions

	ctx, cancel = r.repoCtx()
	err = r.deps.Repo.SetRoomStatus(ctx, string(r.id), repository.StatusActive, time.Now().UTC())
	cancel()
	if err != nil {
		logging.Error(r.ctx, "failed to mark room active", zap.Error(err))
		r.sendError(c.userID, protocol.ErrCodeState, "could not start quiz")
		return
	}

	r.startedAt = time.Now()
	metrics.QuizzesStarted.Inc()
	logging.Info(r.ctx, "quiz started", zap.Int("questions", len(r.questions)), zap.Int("members", len(r.members)))

	r.enterQuestion(0)
}

func (r *Room) enterQuestion(index int) {
	q := r.questions[index]

	r.phase = types.PhaseQuestion
	r.qIndex = index
	r.qStartedAt = time.Now()
	r.answered = set.New[string]()

	durationMs := r.settings.QuestionDurationMs
	if q.DurationMs > 0 {
		durationMs = q.DurationMs
	}
	r.qDurationMs = int64(durationMs)
	r.deadline = r.qStartedAt.Add(time.Duration(durationMs) * time.Millisecond)
	r.armTimer(time.Duration(durationMs) * time.Millisecond)

	// State first so clients see the phase change before the question body.
	r.broadcastState()

	question := protocol.MustMessage(protocol.TypeQuestion, protocol.QuestionPayload{
		Index:      index,
		Question:   q.Prompt,
		Options:    q.Options,
		DeadlineMs: r.deadline.UnixMilli(),
		DurationMs: durationMs,
	}).WithRoom(string(r.id))
	r.broadcast(question)
}

func (r *Room) enterReveal() {
	q := r.questions[r.qIndex]
	r.phase = types.PhaseReveal
	r.deadline = time.Now().Add(time.Duration(r.settings.RevealDurationMs) * time.Millisecond)
	r.armTimer(time.Duration(r.settings.RevealDurationMs) * time.Millisecond)

	payload := protocol.RevealPayload{
		Index:         r.qIndex,
		CorrectChoice: q.CorrectAnswer,
		CorrectIndex:  q.CorrectIndex,
		Explanation:   q.Explanation,
		UserStats:     r.revealUserStats(),
	}
	if r.settings.ShowLeaderboard {
		payload.Leaderboard = wireLeaderboard(scoring.Leaderboard(r.leaderboardPlayers()))
	}

	r.broadcastState()
	r.broadcast(protocol.MustMessage(protocol.TypeReveal, payload).WithRoom(string(r.id)))
}

func (r *Room) enterIntermission() {
	r.phase = types.PhaseIntermission
	d := time.Duration(r.settings.IntermissionMs) * time.Millisecond
	r.deadline = time.Now().Add(d)
	r.armTimer(d)
	r.broadcastState()
}

func (r *Room) endQuiz() {
	r.disarmTimer()
	r.phase = types.PhaseEnded
	r.deadline = time.Time{}

	ctx, cancel := r.repoCtx()
	if err := r.deps.Repo.SetRoomStatus(ctx, string(r.id), repository.StatusEnded, time.Now().UTC()); err != nil {
		logging.Error(r.ctx, "failed to mark room ended", zap.Error(err))
	}
	cancel()

	// The leaderboard ranks every member; aggregate stats count only the
	// scored participants.
	entries := scoring.Leaderboard(r.leaderboardPlayers())
	durationMs := time.Since(r.startedAt).Milliseconds()
	stats := scoring.ComputeQuizStats(r.scoringPlayers(), len(r.questions), durationMs)

	results := make([]repository.UserResult, 0, len(entries))
	for _, e := range entries {
		m := r.members[types.UserIDType(e.UserID)]
		results = append(results, repository.UserResult{
			UserID:        e.UserID,
			DisplayName:   e.DisplayName,
			Rank:          e.Rank,
			FinalScore:    e.Score,
			CorrectCount:  e.Correct,
			TotalAnswered: e.Total,
			MaxStreak:     m.Stats.MaxStreak,
			AvgResponseMs: e.AvgTimeMs,
		})
	}
	ctx, cancel = r.repoCtx()
	if err := r.deps.Repo.PersistFinalResults(ctx, string(r.id), results); err != nil {
		logging.Error(r.ctx, "failed to persist final results", zap.Error(err))
	}
	cancel()

	metrics.QuizzesCompleted.Inc()
	logging.Info(r.ctx, "quiz ended", zap.Int64("duration_ms", durationMs), zap.Int("participants", stats.TotalParticipants))

	r.broadcastState()
	r.broadcast(protocol.MustMessage(protocol.TypeEnd, protocol.EndPayload{
		FinalLeaderboard: wireLeaderboard(entries),
		QuizStats: protocol.QuizStats{
			TotalQuestions:    stats.TotalQuestions,
			TotalParticipants: stats.TotalParticipants,
			AverageScore:      stats.AverageScore,
			CompletionRate:    stats.CompletionRate,
			DurationMs:        stats.DurationMs,
		},
	}).WithRoom(string(r.id)))

	// Leave the standings up for a while, then reap the room.
	r.armTimer(idleTimeout)
}

func (r *Room) handleKick(c kickCmd) {
	if c.requesterID != r.hostID {
		r.sendError(c.requesterID, protocol.ErrCodeForbidden, "only the host can kick members")
		return
	}
	if c.targetID == r.hostID {
		r.sendError(c.requesterID, protocol.ErrCodeState, "host cannot kick themselves")
		return
	}
	if _, ok := r.members[c.targetID]; !ok {
		r.sendError(c.requesterID, protocol.ErrCodeNotFound, "member not found")
		return
	}

	reason := c.reason
	if reason == "" {
		reason = "kicked by host"
	}

	// The target hears about it first, then loses the connection.
	r.sendTo(c.targetID, protocol.MustMessage(protocol.TypeKicked, protocol.KickedPayload{
		UserID: string(c.targetID),
		Reason: reason,
	}).WithRoom(string(r.id)))
	r.deps.Broadcaster.DisconnectUser(c.targetID, 1000, "kicked")

	r.handleLeave(c.targetID, "kicked")
}

// handleTick advances whatever phase the armed timer belonged to. Generation
// checking in the driver guarantees this only runs for the latest timer.
func (r *Room) handleTick() {
	switch r.phase {
	case types.PhaseQuestion:
		r.enterReveal()
	case types.PhaseReveal:
		r.advanceAfterReveal()
	case types.PhaseIntermission:
		r.enterQuestion(r.qIndex + 1)
	case types.PhaseLobby:
		// Idle lobby with nobody online.
		r.close(true)
	case types.PhaseEnded:
		r.close(false)
	}
}

func (r *Room) advanceAfterReveal() {
	if r.qIndex+1 >= len(r.questions) {
		r.endQuiz()
		return
	}
	if r.settings.IntermissionMs > r.settings.RevealDurationMs {
		r.enterIntermission()
		return
	}
	r.enterQuestion(r.qIndex + 1)
}

// maybeAdvanceEarly cuts the question short once every eligible member has
// answered.
func (r *Room) maybeAdvanceEarly() {
	eligible := 0
	for _, m := range r.members {
		if r.isEligible(m) {
			eligible++
		}
	}
	if eligible > 0 && r.answered.Len() >= eligible {
		r.enterReveal()
	}
}

// --- Views and outbound helpers ---

// isEligible reports whether the member participates in scoring.
func (r *Room) isEligible(m *Member) bool {
	return m.Role == types.RoleTypePlayer || r.settings.HostPlays
}

func (r *Room) anyOnline() bool {
	for _, m := range r.members {
		if m.Online {
			return true
		}
	}
	return false
}

// sortedMembers returns members ordered by join time, then user ID.
func (r *Room) sortedMembers() []*Member {
	members := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if !members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].JoinedAt.Before(members[j].JoinedAt)
		}
		return members[i].UserID < members[j].UserID
	})
	return members
}

// scoringPlayers returns the members that count toward aggregate stats.
func (r *Room) scoringPlayers() []scoring.Player {
	var players []scoring.Player
	for _, m := range r.sortedMembers() {
		if r.isEligible(m) {
			players = append(players, scoring.Player{
				UserID:      string(m.UserID),
				DisplayName: m.DisplayName,
				Stats:       m.Stats,
			})
		}
	}
	return players
}

// leaderboardPlayers returns every member, so a non-playing host still shows
// up ranked (at zero) in reveals and final standings.
func (r *Room) leaderboardPlayers() []scoring.Player {
	players := make([]scoring.Player, 0, len(r.members))
	for _, m := range r.sortedMembers() {
		players = append(players, scoring.Player{
			UserID:      string(m.UserID),
			DisplayName: m.DisplayName,
			Stats:       m.Stats,
		})
	}
	return players
}

func (r *Room) revealUserStats() []protocol.UserStat {
	records := r.answers[r.qIndex]
	stats := make([]protocol.UserStat, 0, len(r.members))
	for _, m := range r.sortedMembers() {
		if !r.isEligible(m) {
			continue
		}
		stat := protocol.UserStat{
			UserID:      string(m.UserID),
			DisplayName: m.DisplayName,
		}
		if rec, ok := records[m.UserID]; ok {
			stat.Answer = rec.Choice
			stat.IsCorrect = rec.Correct
			stat.TimeTakenMs = rec.TimeTakenMs
			stat.ScoreDelta = rec.Delta
		}
		stats = append(stats, stat)
	}
	return stats
}

func wireLeaderboard(entries []scoring.Entry) []protocol.LeaderEntry {
	out := make([]protocol.LeaderEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, protocol.LeaderEntry{
			Rank:        e.Rank,
			UserID:      e.UserID,
			DisplayName: e.DisplayName,
			Score:       e.Score,
			Correct:     e.Correct,
			Total:       e.Total,
			AvgTimeMs:   e.AvgTimeMs,
		})
	}
	return out
}

func (r *Room) wireMember(m *Member) protocol.Member {
	return protocol.Member{
		ID:            string(m.UserID),
		DisplayName:   m.DisplayName,
		Role:          string(m.Role),
		Score:         m.Stats.Score,
		CurrentStreak: m.Stats.CurrentStreak,
		IsOnline:      m.Online,
		JoinedAt:      m.JoinedAt.UnixMilli(),
	}
}

func (r *Room) statePayload() protocol.StatePayload {
	members := r.sortedMembers()
	wire := make([]protocol.Member, 0, len(members))
	for _, m := range members {
		wire = append(wire, r.wireMember(m))
	}

	p := protocol.StatePayload{
		Phase:          string(r.phase),
		RoomID:         string(r.id),
		PIN:            r.pin,
		HostID:         string(r.hostID),
		QuestionIndex:  r.qIndex,
		TotalQuestions: len(r.questions),
		Members:        wire,
		Settings:       r.settings,
	}
	if !r.deadline.IsZero() && r.phase != types.PhaseLobby && r.phase != types.PhaseEnded {
		d := r.deadline.UnixMilli()
		p.PhaseDeadline = &d
	}
	return p
}

func (r *Room) stateMessage() *protocol.Message {
	return protocol.MustMessage(protocol.TypeState, r.statePayload()).WithRoom(string(r.id))
}

func (r *Room) broadcastState() {
	r.broadcast(r.stateMessage())
}

func (r *Room) broadcast(msg *protocol.Message) {
	ids := make([]types.UserIDType, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	r.deps.Broadcaster.BroadcastToUsers(ids, msg)
}

func (r *Room) sendTo(userID types.UserIDType, msg *protocol.Message) {
	r.deps.Broadcaster.SendToUser(userID, msg)
}

func (r *Room) sendError(userID types.UserIDType, code, msg string) {
	r.sendTo(userID, protocol.NewErrorMessage(code, msg).WithRoom(string(r.id)))
}

func (r *Room) addPresence(userID types.UserIDType) {
	ctx, cancel := r.repoCtx()
	defer cancel()
	if err := r.deps.Cache.AddPresence(ctx, string(r.id), string(userID)); err != nil {
		logging.Warn(r.ctx, "failed to record presence", zap.Error(err))
	}
}

func (r *Room) removePresence(userID types.UserIDType) {
	ctx, cancel := r.repoCtx()
	defer cancel()
	if err := r.deps.Cache.RemovePresence(ctx, string(r.id), string(userID)); err != nil {
		logging.Warn(r.ctx, "failed to clear presence", zap.Error(err))
	}
}
