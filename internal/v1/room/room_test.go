package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/protocol"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/repository"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- Fakes ---

// fakeBroadcaster records every frame per recipient so tests can await and
// inspect what the room sent.
type fakeBroadcaster struct {
	mu           sync.Mutex
	frames       map[types.UserIDType][]*protocol.Message
	disconnected []types.UserIDType
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{frames: make(map[types.UserIDType][]*protocol.Message)}
}

func (b *fakeBroadcaster) BroadcastToUsers(userIDs []types.UserIDType, msg *protocol.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range userIDs {
		b.frames[id] = append(b.frames[id], msg)
	}
}

func (b *fakeBroadcaster) SendToUser(userID types.UserIDType, msg *protocol.Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames[userID] = append(b.frames[userID], msg)
	return true
}

func (b *fakeBroadcaster) DisconnectUser(userID types.UserIDType, code int, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnected = append(b.disconnected, userID)
}

func (b *fakeBroadcaster) lastOfType(userID types.UserIDType, msgType string) (*protocol.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	frames := b.frames[userID]
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Type == msgType {
			return frames[i], true
		}
	}
	return nil, false
}

func (b *fakeBroadcaster) countOfType(userID types.UserIDType, msgType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, f := range b.frames[userID] {
		if f.Type == msgType {
			n++
		}
	}
	return n
}

func (b *fakeBroadcaster) wasDisconnected(userID types.UserIDType) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.disconnected {
		if id == userID {
			return true
		}
	}
	return false
}

// awaitFrame blocks until the user has received a frame of the given type.
func awaitFrame(t *testing.T, b *fakeBroadcaster, userID types.UserIDType, msgType string) *protocol.Message {
	t.Helper()
	var msg *protocol.Message
	require.Eventually(t, func() bool {
		m, ok := b.lastOfType(userID, msgType)
		msg = m
		return ok
	}, 2*time.Second, 5*time.Millisecond, "no %s frame for %s", msgType, userID)
	return msg
}

// awaitErrorCode blocks until the user has received an error frame carrying
// the given code.
func awaitErrorCode(t *testing.T, b *fakeBroadcaster, userID types.UserIDType, code string) {
	t.Helper()
	require.Eventually(t, func() bool {
		msg, ok := b.lastOfType(userID, protocol.TypeError)
		if !ok {
			return false
		}
		var p protocol.ErrorPayload
		if err := msg.UnmarshalData(&p); err != nil {
			return false
		}
		return p.Code == code
	}, 2*time.Second, 5*time.Millisecond, "no %s error for %s", code, userID)
}

// fakeRepo is an in-memory Store.
type fakeRepo struct {
	mu        sync.Mutex
	questions []repository.Question
	members   map[string]repository.MemberRow
	statuses  []string
	results   []repository.UserResult
	transfers [][2]string
	deleted   bool
}

func newFakeRepo(questions []repository.Question) *fakeRepo {
	return &fakeRepo{
		questions: questions,
		members:   make(map[string]repository.MemberRow),
	}
}

func (f *fakeRepo) LookupRoomByPIN(ctx context.Context, pin string) (*repository.RoomRow, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeRepo) CreateRoom(ctx context.Context, row *repository.RoomRow) error { return nil }

func (f *fakeRepo) LoadRoom(ctx context.Context, roomID string) (*repository.RoomRow, []repository.MemberRow, error) {
	return nil, nil, repository.ErrNotFound
}

func (f *fakeRepo) AddMember(ctx context.Context, m *repository.MemberRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[m.UserID] = *m
	return nil
}

func (f *fakeRepo) RemoveMember(ctx context.Context, roomID, userID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members, userID)
	return nil
}

func (f *fakeRepo) TransferHost(ctx context.Context, roomID, oldHost, newHost string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, [2]string{oldHost, newHost})
	return nil
}

func (f *fakeRepo) SetRoomStatus(ctx context.Context, roomID, status string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeRepo) DeleteRoom(ctx context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = true
	return nil
}

func (f *fakeRepo) PersistFinalResults(ctx context.Context, roomID string, results []repository.UserResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = results
	return nil
}

func (f *fakeRepo) GetQuizContent(ctx context.Context, quizID string) ([]repository.Question, error) {
	if len(f.questions) == 0 {
		return nil, repository.ErrNotFound
	}
	return f.questions, nil
}

func (f *fakeRepo) Close() {}

func (f *fakeRepo) wasDeleted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleted
}

func (f *fakeRepo) finalResults() []repository.UserResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results
}

func (f *fakeRepo) hostTransfers() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transfers
}

// --- Harness ---

var testQuestions = []repository.Question{
	{Index: 0, Prompt: "Capital of France?", Options: []string{"Paris", "Lyon", "Nice", "Lille"}, CorrectAnswer: "Paris", CorrectIndex: 0},
	{Index: 1, Prompt: "2 + 2?", Options: []string{"3", "4", "5", "6"}, CorrectAnswer: "4", CorrectIndex: 1},
}

func testRow() *repository.RoomRow {
	return &repository.RoomRow{
		ID:         "room-1",
		PIN:        "482913",
		QuizID:     "quiz-1",
		HostUserID: "host",
		Status:     repository.StatusLobby,
		CreatedAt:  time.Now().UTC(),
	}
}

func startRoom(t *testing.T, repo *fakeRepo, bc *fakeBroadcaster, settings protocol.Settings) *Room {
	t.Helper()
	r := NewRoom(testRow(), nil, settings, Deps{
		Repo:              repo,
		Cache:             nil,
		Broadcaster:       bc,
		DefaultQuestionMs: 10000,
		DefaultRevealMs:   30,
		DefaultMaxMembers: 100,
	})
	t.Cleanup(func() {
		r.Shutdown()
		select {
		case <-r.Done():
		case <-time.After(2 * time.Second):
			t.Error("room driver did not exit")
		}
	})
	return r
}

// --- Tests ---

func TestJoinBroadcastsMembership(t *testing.T) {
	repo := newFakeRepo(testQuestions)
	bc := newFakeBroadcaster()
	r := startRoom(t, repo, bc, protocol.Settings{})

	require.True(t, r.Join("host", "Rose"))
	require.True(t, r.Join("p1", "Avery"))

	awaitFrame(t, bc, "host", protocol.TypeJoined)
	state := awaitFrame(t, bc, "p1", protocol.TypeState)

	var p protocol.StatePayload
	require.NoError(t, state.UnmarshalData(&p))
	assert.Equal(t, string(types.PhaseLobby), p.Phase)
	assert.Equal(t, "host", p.HostID)
	assert.Equal(t, "482913", p.PIN)
	require.Len(t, p.Members, 2)
	assert.Equal(t, "host", p.Members[0].ID)
	assert.Equal(t, string(types.RoleTypeHost), p.Members[0].Role)
	assert.Equal(t, string(types.RoleTypePlayer), p.Members[1].Role)
}

func TestRoomFullRejectsJoin(t *testing.T) {
	repo := newFakeRepo(testQuestions)
	bc := newFakeBroadcaster()
	r := startRoom(t, repo, bc, protocol.Settings{MaxParticipants: 2})

	require.True(t, r.Join("host", "Rose"))
	require.True(t, r.Join("p1", "Avery"))
	// The join result reflects the rejection, not just the error frame.
	assert.False(t, r.Join("p2", "Blake"))

	awaitErrorCode(t, bc, "p2", protocol.ErrCodeRoomFull)
}

func TestStartIsHostOnly(t *testing.T) {
	repo := newFakeRepo(testQuestions)
	bc := newFakeBroadcaster()
	r := startRoom(t, repo, bc, protocol.Settings{})

	r.Join("host", "Rose")
	r.Join("p1", "Avery")
	awaitFrame(t, bc, "p1", protocol.TypeState)

	r.Start("p1")
	awaitErrorCode(t, bc, "p1", protocol.ErrCodeForbidden)
}

func TestStartNeedsTwoMembers(t *testing.T) {
	repo := newFakeRepo(testQuestions)
	bc := newFakeBroadcaster()
	r := startRoom(t, repo, bc, protocol.Settings{})

	r.Join("host", "Rose")
	awaitFrame(t, bc, "host", protocol.TypeState)

	r.Start("host")
	awaitErrorCode(t, bc, "host", protocol.ErrCodeState)
}

func TestQuestionPayloadHidesAnswer(t *testing.T) {
	repo := newFakeRepo(testQuestions)
	bc := newFakeBroadcaster()
	r := startRoom(t, repo, bc, protocol.Settings{})

	r.Join("host", "Rose")
	r.Join("p1", "Avery")
	awaitFrame(t, bc, "p1", protocol.TypeState)

	r.Start("host")
	q := awaitFrame(t, bc, "p1", protocol.TypeQuestion)

	var p protocol.QuestionPayload
	require.NoError(t, q.UnmarshalData(&p))
	assert.Equal(t, 0, p.Index)
	assert.Equal(t, "Capital of France?", p.Question)
	assert.Len(t, p.Options, 4)
	assert.NotContains(t, string(q.Data), "correct")
}

func TestFullQuizFlow(t *testing.T) {
	repo := newFakeRepo(testQuestions)
	bc := newFakeBroadcaster()
	r := startRoom(t, repo, bc, protocol.Settings{ShowLeaderboard: true, ShowCorrectness: true})

	r.Join("host", "Rose")
	r.Join("p1", "Avery")
	r.Join("p2", "Blake")
	awaitFrame(t, bc, "p2", protocol.TypeState)

	r.Start("host")
	awaitFrame(t, bc, "p1", protocol.TypeQuestion)

	// Both players answer question 0; p1 correct, p2 wrong. All eligible
	// members answering cuts the question short.
	r.Answer("p1", 0, "Paris")
	r.Answer("p2", 0, "Lyon")

	reveal := awaitFrame(t, bc, "p1", protocol.TypeReveal)
	var rp protocol.RevealPayload
	require.NoError(t, reveal.UnmarshalData(&rp))
	assert.Equal(t, 0, rp.Index)
	assert.Equal(t, "Paris", rp.CorrectChoice)
	require.Len(t, rp.UserStats, 2)
	// The leaderboard ranks everyone, including the non-playing host at zero.
	require.Len(t, rp.Leaderboard, 3)
	assert.Equal(t, "p1", rp.Leaderboard[0].UserID)
	assert.Equal(t, 1, rp.Leaderboard[0].Rank)
	assert.Positive(t, rp.Leaderboard[0].Score)
	assert.Zero(t, rp.Leaderboard[1].Score)
	assert.Zero(t, rp.Leaderboard[2].Score)

	// The reveal timer advances to question 1 on its own.
	require.Eventually(t, func() bool {
		return bc.countOfType("p1", protocol.TypeQuestion) == 2
	}, 2*time.Second, 5*time.Millisecond)

	r.Answer("p1", 1, "4")
	r.Answer("p2", 1, "4")
	awaitFrame(t, bc, "p2", protocol.TypeReveal)

	end := awaitFrame(t, bc, "p2", protocol.TypeEnd)
	var ep protocol.EndPayload
	require.NoError(t, end.UnmarshalData(&ep))
	require.Len(t, ep.FinalLeaderboard, 3)
	assert.Equal(t, "p1", ep.FinalLeaderboard[0].UserID)
	assert.Equal(t, 2, ep.FinalLeaderboard[0].Correct)
	assert.Equal(t, "p2", ep.FinalLeaderboard[1].UserID)
	assert.Equal(t, 1, ep.FinalLeaderboard[1].Correct)
	assert.Equal(t, "host", ep.FinalLeaderboard[2].UserID)
	// Aggregate stats count only the playing members.
	assert.Equal(t, 2, ep.QuizStats.TotalQuestions)
	assert.Equal(t, 2, ep.QuizStats.TotalParticipants)
	assert.InDelta(t, 1.0, ep.QuizStats.CompletionRate, 0.001)

	require.Eventually(t, func() bool {
		return len(repo.finalResults()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	results := repo.finalResults()
	assert.Equal(t, "p1", results[0].UserID)
	assert.Equal(t, 1, results[0].Rank)
	assert.Equal(t, 2, results[0].MaxStreak)
}

func TestDuplicateAnswerRejected(t *testing.T) {
	repo := newFakeRepo(testQuestions)
	bc := newFakeBroadcaster()
	r := startRoom(t, repo, bc, protocol.Settings{})

	r.Join("host", "Rose")
	r.Join("p1", "Avery")
	r.Join("p2", "Blake")
	awaitFrame(t, bc, "p2", protocol.TypeState)

	r.Start("host")
	awaitFrame(t, bc, "p1", protocol.TypeQuestion)

	r.Answer("p1", 0, "Paris")
	r.Answer("p1", 0, "Lyon")

	awaitErrorCode(t, bc, "p1", protocol.ErrCodeState)
	// p2 never answered, so the first answer alone must not advance the phase.
	assert.Equal(t, 0, bc.countOfType("p1", protocol.TypeReveal))
}

func TestHostNotPlayingCannotAnswer(t *testing.T) {
	repo := newFakeRepo(testQuestions)
	bc := newFakeBroadcaster()
	r := startRoom(t, repo, bc, protocol.Settings{})

	r.Join("host", "Rose")
	r.Join("p1", "Avery")
	awaitFrame(t, bc, "p1", protocol.TypeState)

	r.Start("host")
	awaitFrame(t, bc, "host", protocol.TypeQuestion)

	r.Answer("host", 0, "Paris")
	awaitErrorCode(t, bc, "host", protocol.ErrCodeForbidden)
}

func TestAnswerByIndexAndLetter(t *testing.T) {
	repo := newFakeRepo(testQuestions)
	bc := newFakeBroadcaster()
	r := startRoom(t, repo, bc, protocol.Settings{ShowLeaderboard: true})

	r.Join("host", "Rose")
	r.Join("p1", "Avery")
	r.Join("p2", "Blake")
	awaitFrame(t, bc, "p2", protocol.TypeState)

	r.Start("host")
	awaitFrame(t, bc, "p1", protocol.TypeQuestion)

	// p1 answers with a zero-based index, p2 with an option letter.
	r.Answer("p1", 0, "0")
	r.Answer("p2", 0, "a")

	reveal := awaitFrame(t, bc, "p1", protocol.TypeReveal)
	var rp protocol.RevealPayload
	require.NoError(t, reveal.UnmarshalData(&rp))
	for _, stat := range rp.UserStats {
		assert.True(t, stat.IsCorrect, "user %s should be graded correct", stat.UserID)
	}
}

func TestHostLeaveTransfersToEarliestJoiner(t *testing.T) {
	repo := newFakeRepo(testQuestions)
	bc := newFakeBroadcaster()
	r := startRoom(t, repo, bc, protocol.Settings{})

	r.Join("host", "Rose")
	awaitFrame(t, bc, "host", protocol.TypeState)
	r.Join("p1", "Avery")
	awaitFrame(t, bc, "p1", protocol.TypeState)
	r.Join("p2", "Blake")
	awaitFrame(t, bc, "p2", protocol.TypeState)

	r.Leave("host")
	awaitFrame(t, bc, "p1", protocol.TypeLeft)

	state := awaitFrame(t, bc, "p1", protocol.TypeState)
	var p protocol.StatePayload
	require.NoError(t, state.UnmarshalData(&p))
	assert.Equal(t, "p1", p.HostID)

	require.Eventually(t, func() bool {
		return len(repo.hostTransfers()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, [2]string{"host", "p1"}, repo.hostTransfers()[0])
}

func TestLastMemberLeavingDeletesAbandonedRoom(t *testing.T) {
	repo := newFakeRepo(testQuestions)
	bc := newFakeBroadcaster()
	r := startRoom(t, repo, bc, protocol.Settings{})

	r.Join("host", "Rose")
	awaitFrame(t, bc, "host", protocol.TypeState)
	r.Leave("host")

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("room did not close after last member left")
	}
	assert.True(t, repo.wasDeleted())
}

func TestKickRemovesTargetAndDisconnects(t *testing.T) {
	repo := newFakeRepo(testQuestions)
	bc := newFakeBroadcaster()
	r := startRoom(t, repo, bc, protocol.Settings{})

	r.Join("host", "Rose")
	r.Join("p1", "Avery")
	r.Join("p2", "Blake")
	awaitFrame(t, bc, "p2", protocol.TypeState)

	r.Kick("host", "p1", "being rude")

	kicked := awaitFrame(t, bc, "p1", protocol.TypeKicked)
	var kp protocol.KickedPayload
	require.NoError(t, kicked.UnmarshalData(&kp))
	assert.Equal(t, "being rude", kp.Reason)

	awaitFrame(t, bc, "p2", protocol.TypeLeft)
	assert.True(t, bc.wasDisconnected("p1"))

	state := awaitFrame(t, bc, "p2", protocol.TypeState)
	var sp protocol.StatePayload
	require.NoError(t, state.UnmarshalData(&sp))
	assert.Len(t, sp.Members, 2)
}

func TestKickIsHostOnly(t *testing.T) {
	repo := newFakeRepo(testQuestions)
	bc := newFakeBroadcaster()
	r := startRoom(t, repo, bc, protocol.Settings{})

	r.Join("host", "Rose")
	r.Join("p1", "Avery")
	r.Join("p2", "Blake")
	awaitFrame(t, bc, "p2", protocol.TypeState)

	r.Kick("p1", "p2", "")
	awaitErrorCode(t, bc, "p1", protocol.ErrCodeForbidden)
	assert.False(t, bc.wasDisconnected("p2"))
}

func TestRejoinGetsSnapshot(t *testing.T) {
	repo := newFakeRepo(testQuestions)
	bc := newFakeBroadcaster()
	r := startRoom(t, repo, bc, protocol.Settings{})

	r.Join("host", "Rose")
	r.Join("p1", "Avery")
	awaitFrame(t, bc, "p1", protocol.TypeState)

	r.Disconnect("p1")
	require.Eventually(t, func() bool {
		msg, ok := bc.lastOfType("host", protocol.TypeState)
		if !ok {
			return false
		}
		var p protocol.StatePayload
		if err := msg.UnmarshalData(&p); err != nil {
			return false
		}
		for _, m := range p.Members {
			if m.ID == "p1" {
				return !m.IsOnline
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	before := bc.countOfType("p1", protocol.TypeState)
	r.Join("p1", "Avery")
	require.Eventually(t, func() bool {
		return bc.countOfType("p1", protocol.TypeState) > before
	}, 2*time.Second, 5*time.Millisecond)

	state, _ := bc.lastOfType("p1", protocol.TypeState)
	var p protocol.StatePayload
	require.NoError(t, state.UnmarshalData(&p))
	for _, m := range p.Members {
		if m.ID == "p1" {
			assert.True(t, m.IsOnline)
		}
	}
}

func TestMidQuizReconnectAllowedByDefault(t *testing.T) {
	repo := newFakeRepo(testQuestions)
	bc := newFakeBroadcaster()
	r := startRoom(t, repo, bc, protocol.Settings{})

	r.Join("host", "Rose")
	r.Join("p1", "Avery")
	awaitFrame(t, bc, "p1", protocol.TypeState)

	r.Start("host")
	awaitFrame(t, bc, "p1", protocol.TypeQuestion)

	r.Disconnect("p1")
	before := bc.countOfType("p1", protocol.TypeState)

	require.True(t, r.Join("p1", "Avery"), "reconnecting mid-quiz must work without opting in")
	require.Eventually(t, func() bool {
		return bc.countOfType("p1", protocol.TypeState) > before
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMidQuizReconnectRespectsOptOut(t *testing.T) {
	repo := newFakeRepo(testQuestions)
	bc := newFakeBroadcaster()
	noReconnect := false
	r := startRoom(t, repo, bc, protocol.Settings{AllowReconnect: &noReconnect})

	r.Join("host", "Rose")
	r.Join("p1", "Avery")
	awaitFrame(t, bc, "p1", protocol.TypeState)

	r.Start("host")
	awaitFrame(t, bc, "p1", protocol.TypeQuestion)

	r.Disconnect("p1")
	assert.False(t, r.Join("p1", "Avery"))
	awaitErrorCode(t, bc, "p1", protocol.ErrCodeState)
}

func TestUnrecognizedAnswerKeepsSubmission(t *testing.T) {
	repo := newFakeRepo(testQuestions)
	bc := newFakeBroadcaster()
	r := startRoom(t, repo, bc, protocol.Settings{})

	r.Join("host", "Rose")
	r.Join("p1", "Avery")
	r.Join("p2", "Blake")
	awaitFrame(t, bc, "p2", protocol.TypeState)

	r.Start("host")
	awaitFrame(t, bc, "p1", protocol.TypeQuestion)

	// A choice matching no option is rejected outright and must not consume
	// the member's submission.
	r.Answer("p1", 0, "Atlantis")
	awaitErrorCode(t, bc, "p1", protocol.ErrCodeValidation)

	r.Answer("p1", 0, "Paris")
	r.Answer("p2", 0, "Lyon")

	reveal := awaitFrame(t, bc, "p1", protocol.TypeReveal)
	var rp protocol.RevealPayload
	require.NoError(t, reveal.UnmarshalData(&rp))
	for _, stat := range rp.UserStats {
		if stat.UserID == "p1" {
			assert.True(t, stat.IsCorrect, "the retried answer must grade normally")
			assert.Positive(t, stat.ScoreDelta)
		}
	}
}

func TestJoinMidQuizRejected(t *testing.T) {
	repo := newFakeRepo(testQuestions)
	bc := newFakeBroadcaster()
	r := startRoom(t, repo, bc, protocol.Settings{})

	r.Join("host", "Rose")
	r.Join("p1", "Avery")
	awaitFrame(t, bc, "p1", protocol.TypeState)

	r.Start("host")
	awaitFrame(t, bc, "p1", protocol.TypeQuestion)

	r.Join("late", "Casey")
	awaitErrorCode(t, bc, "late", protocol.ErrCodeState)
}

func TestShutdownClosesDriver(t *testing.T) {
	repo := newFakeRepo(testQuestions)
	bc := newFakeBroadcaster()
	r := startRoom(t, repo, bc, protocol.Settings{})

	r.Join("host", "Rose")
	awaitFrame(t, bc, "host", protocol.TypeState)

	r.Shutdown()
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("room did not shut down")
	}
	assert.False(t, r.Join("p9", "late"), "commands after shutdown must be refused")
}
