// Package room implements the authoritative quiz room state machine.
//
// Each room is driven by a single goroutine that consumes commands from an
// inbox channel. All room state is owned by that goroutine, so there is no
// locking anywhere in this package; the gateway and hub talk to a room only
// by submitting commands. At most one phase timer is armed at a time, and
// every timer fire is tagged with a generation so a tick that raced a manual
// phase change is ignored.
package room

import (
	"context"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/logging"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/metrics"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/protocol"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/repository"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/scoring"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/store"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/types"
)

const (
	// inboxSize bounds the command queue feeding the driver goroutine.
	inboxSize = 128
	// idleTimeout closes a room once every member has been offline this long,
	// and tears an ended room down after the final standings have been read.
	idleTimeout = 5 * time.Minute
	// minMembersToStart is the smallest lobby that can start a quiz.
	minMembersToStart = 2
)

// Member is one participant as the driver sees it.
type Member struct {
	UserID      types.UserIDType
	DisplayName string
	Role        types.RoleType
	JoinedAt    time.Time
	Online      bool
	Stats       scoring.UserStats
}

// answerRecord is one graded submission for one question.
type answerRecord struct {
	Choice      string
	Correct     bool
	TimeTakenMs int64
	Delta       int
}

// Deps are the collaborators a room needs. OnClose is invoked exactly once,
// from the driver goroutine, after the room has shut down.
type Deps struct {
	Repo        repository.Store
	Cache       *store.Service
	Broadcaster types.Broadcaster
	OnClose     func(roomID types.RoomIDType)

	DefaultQuestionMs int
	DefaultRevealMs   int
	DefaultMaxMembers int
}

// Room is a live quiz room. All fields below the inbox are owned by the
// driver goroutine and must never be touched from outside it.
type Room struct {
	id     types.RoomIDType
	pin    string
	quizID string

	deps     Deps
	settings protocol.Settings

	inbox chan command
	done  chan struct{}

	phase       types.Phase
	hostID      types.UserIDType
	members     map[types.UserIDType]*Member
	questions   []repository.Question
	qIndex      int
	qStartedAt  time.Time
	qDurationMs int64
	deadline    time.Time
	answers     map[int]map[types.UserIDType]*answerRecord
	answered    set.Set[string]

	timer    *time.Timer
	timerGen uint64

	startedAt time.Time
	ctx       context.Context
}

// NewRoom builds a room from its persisted row and membership and starts the
// driver goroutine. Members loaded from the repository begin offline; they
// flip online as their connections rejoin.
func NewRoom(row *repository.RoomRow, members []repository.MemberRow, settings protocol.Settings, deps Deps) *Room {
	applyDefaults(&settings, deps)

	r := &Room{
		id:       types.RoomIDType(row.ID),
		pin:      row.PIN,
		quizID:   row.QuizID,
		deps:     deps,
		settings: settings,
		inbox:    make(chan command, inboxSize),
		done:     make(chan struct{}),
		phase:    phaseFromStatus(row.Status),
		hostID:   types.UserIDType(row.HostUserID),
		members:  make(map[types.UserIDType]*Member),
		qIndex:   -1,
		answers:  make(map[int]map[types.UserIDType]*answerRecord),
		answered: set.New[string](),
		ctx:      context.WithValue(context.Background(), logging.RoomIDKey, row.ID),
	}

	for _, m := range members {
		r.members[types.UserIDType(m.UserID)] = &Member{
			UserID:      types.UserIDType(m.UserID),
			DisplayName: m.DisplayName,
			Role:        types.RoleType(m.Role),
			JoinedAt:    m.JoinedAt,
			Online:      false,
		}
	}

	metrics.ActiveRooms.Inc()
	go r.run()
	return r
}

func applyDefaults(s *protocol.Settings, deps Deps) {
	if s.QuestionDurationMs <= 0 {
		s.QuestionDurationMs = deps.DefaultQuestionMs
	}
	if s.RevealDurationMs <= 0 {
		s.RevealDurationMs = deps.DefaultRevealMs
	}
	if s.MaxParticipants <= 0 {
		s.MaxParticipants = deps.DefaultMaxMembers
	}
	// Reconnecting into a running quiz is allowed unless the room explicitly
	// opts out.
	if s.AllowReconnect == nil {
		allow := true
		s.AllowReconnect = &allow
	}
}

func phaseFromStatus(status string) types.Phase {
	switch status {
	case repository.StatusActive:
		// A room reloaded mid-quiz has lost its in-flight question state;
		// it resumes as ended rather than guessing at a deadline.
		return types.PhaseEnded
	case repository.StatusEnded:
		return types.PhaseEnded
	default:
		return types.PhaseLobby
	}
}

// ID returns the room identifier.
func (r *Room) ID() types.RoomIDType { return r.id }

// PIN returns the room join code.
func (r *Room) PIN() string { return r.pin }

// --- Commands ---

type command interface{ commandTag() }

type joinCmd struct {
	userID      types.UserIDType
	displayName string
	// reply receives whether the user is a member once the command has been
	// processed. Buffered, so the driver never blocks on it.
	reply chan<- bool
}

type leaveCmd struct {
	userID types.UserIDType
}

type disconnectCmd struct {
	userID types.UserIDType
}

type startCmd struct {
	userID types.UserIDType
}

type answerCmd struct {
	userID        types.UserIDType
	questionIndex int
	choice        string
	receivedAt    time.Time
}

type kickCmd struct {
	requesterID types.UserIDType
	targetID    types.UserIDType
	reason      string
}

type tickCmd struct {
	gen uint64
}

type shutdownCmd struct{}

func (joinCmd) commandTag()       {}
func (leaveCmd) commandTag()      {}
func (disconnectCmd) commandTag() {}
func (startCmd) commandTag()      {}
func (answerCmd) commandTag()     {}
func (kickCmd) commandTag()       {}
func (tickCmd) commandTag()       {}
func (shutdownCmd) commandTag()   {}

// submit hands a command to the driver. Returns false once the room has shut
// down; callers treat that the same as a closed room.
func (r *Room) submit(cmd command) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.inbox <- cmd:
		return true
	case <-r.done:
		return false
	}
}

// Join adds the user to the room, or resyncs them if they are already a
// member. The result reports whether the user is a member afterwards, so a
// rejected join never leaves a connection bound to the room; rejections also
// surface to the user as error frames.
func (r *Room) Join(userID types.UserIDType, displayName string) bool {
	reply := make(chan bool, 1)
	if !r.submit(joinCmd{userID: userID, displayName: displayName, reply: reply}) {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-r.done:
		// The reply may have raced the shutdown.
		select {
		case ok := <-reply:
			return ok
		default:
			return false
		}
	}
}

// Leave removes the user from the room permanently.
func (r *Room) Leave(userID types.UserIDType) bool {
	return r.submit(leaveCmd{userID: userID})
}

// Disconnect marks the user offline without removing membership, so they can
// reconnect into a running quiz.
func (r *Room) Disconnect(userID types.UserIDType) bool {
	return r.submit(disconnectCmd{userID: userID})
}

// Start begins the quiz. Host only, lobby only.
func (r *Room) Start(userID types.UserIDType) bool {
	return r.submit(startCmd{userID: userID})
}

// Answer submits an answer for the given question index. The receive time is
// captured here so queueing delay inside the driver never inflates the
// member's response time.
func (r *Room) Answer(userID types.UserIDType, questionIndex int, choice string) bool {
	return r.submit(answerCmd{
		userID:        userID,
		questionIndex: questionIndex,
		choice:        choice,
		receivedAt:    time.Now(),
	})
}

// Kick removes another member. Host only.
func (r *Room) Kick(requesterID, targetID types.UserIDType, reason string) bool {
	return r.submit(kickCmd{requesterID: requesterID, targetID: targetID, reason: reason})
}

// Shutdown closes the room and releases its resources. Used on server drain.
func (r *Room) Shutdown() {
	r.submit(shutdownCmd{})
}

// Done is closed when the driver goroutine has exited.
func (r *Room) Done() <-chan struct{} { return r.done }

// --- Driver ---

func (r *Room) run() {
	defer func() {
		metrics.ActiveRooms.Dec()
		metrics.RoomParticipants.DeleteLabelValues(string(r.id))
		if r.deps.OnClose != nil {
			r.deps.OnClose(r.id)
		}
	}()

	for cmd := range r.inbox {
		start := time.Now()
		closed := r.handle(cmd)
		metrics.MessageProcessingDuration.WithLabelValues(commandName(cmd)).Observe(time.Since(start).Seconds())
		if closed {
			return
		}
	}
}

// handle dispatches one command. Returns true once the room is closed and the
// driver should exit.
func (r *Room) handle(cmd command) bool {
	switch c := cmd.(type) {
	case joinCmd:
		ok := r.handleJoin(c)
		if c.reply != nil {
			c.reply <- ok
		}
	case leaveCmd:
		r.handleLeave(c.userID, "left")
	case disconnectCmd:
		r.handleDisconnect(c)
	case startCmd:
		r.handleStart(c)
	case answerCmd:
		r.handleAnswer(c)
	case kickCmd:
		r.handleKick(c)
	case tickCmd:
		if c.gen == r.timerGen {
			r.handleTick()
		}
	case shutdownCmd:
		r.close(false)
	}
	return r.phase == types.PhaseClosed
}

func commandName(cmd command) string {
	switch cmd.(type) {
	case joinCmd:
		return "join"
	case leaveCmd:
		return "leave"
	case disconnectCmd:
		return "disconnect"
	case startCmd:
		return "start"
	case answerCmd:
		return "answer"
	case kickCmd:
		return "kick"
	case tickCmd:
		return "tick"
	default:
		return "shutdown"
	}
}

// armTimer schedules the single phase timer. Arming always invalidates any
// previously scheduled fire via the generation counter.
func (r *Room) armTimer(d time.Duration) {
	r.timerGen++
	gen := r.timerGen
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(d, func() {
		r.submit(tickCmd{gen: gen})
	})
}

// disarmTimer cancels any pending fire without scheduling a new one.
func (r *Room) disarmTimer() {
	r.timerGen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// close finishes the room. When deleteRow is set the room row is removed
// entirely (a room abandoned before its quiz finished); otherwise the row is
// kept for history and only the live resources are released.
func (r *Room) close(deleteRow bool) {
	if r.phase == types.PhaseClosed {
		return
	}
	r.disarmTimer()
	r.phase = types.PhaseClosed

	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()

	if deleteRow {
		if err := r.deps.Repo.DeleteRoom(ctx, string(r.id)); err != nil {
			logging.Error(r.ctx, "failed to delete room row", zap.Error(err))
		}
	}
	if err := r.deps.Cache.ReleasePIN(ctx, r.pin); err != nil {
		logging.Warn(r.ctx, "failed to release pin reservation", zap.Error(err))
	}
	if err := r.deps.Cache.ClearPresence(ctx, string(r.id)); err != nil {
		logging.Warn(r.ctx, "failed to clear presence set", zap.Error(err))
	}

	close(r.done)
	logging.Info(r.ctx, "room closed", zap.String("pin", r.pin))
}
