package hub

import (
	"context"
	"sync"
	"sync/atomic"
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

// fakeConn is an in-memory ClientConn.
type fakeConn struct {
	userID types.UserIDType

	mu          sync.Mutex
	msgs        []*protocol.Message
	closed      bool
	closeCode   int
	closeReason string
}

func (c *fakeConn) UserID() types.UserIDType           { return c.userID }
func (c *fakeConn) DisplayName() types.DisplayNameType { return types.DisplayNameType(c.userID) }

func (c *fakeConn) Send(msg *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeConn) CloseWithStatus(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
}

func (c *fakeConn) isClosed() (bool, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode, c.closeReason
}

func (c *fakeConn) messageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

// slowStore serves LoadRoom with a delay so concurrent loads overlap.
type slowStore struct {
	loadCalls atomic.Int64
	loadDelay time.Duration
	created   atomic.Int64
}

func (s *slowStore) LookupRoomByPIN(ctx context.Context, pin string) (*repository.RoomRow, error) {
	return nil, repository.ErrNotFound
}

func (s *slowStore) CreateRoom(ctx context.Context, row *repository.RoomRow) error {
	s.created.Add(1)
	return nil
}

func (s *slowStore) LoadRoom(ctx context.Context, roomID string) (*repository.RoomRow, []repository.MemberRow, error) {
	s.loadCalls.Add(1)
	time.Sleep(s.loadDelay)
	return &repository.RoomRow{
		ID:         roomID,
		PIN:        "482913",
		QuizID:     "quiz-1",
		HostUserID: "host",
		Status:     repository.StatusLobby,
		CreatedAt:  time.Now().UTC(),
	}, []repository.MemberRow{{RoomID: roomID, UserID: "host", DisplayName: "Rose", Role: "host", JoinedAt: time.Now().UTC()}}, nil
}

func (s *slowStore) AddMember(ctx context.Context, m *repository.MemberRow) error { return nil }

func (s *slowStore) RemoveMember(ctx context.Context, roomID, userID, reason string) error {
	return nil
}

func (s *slowStore) TransferHost(ctx context.Context, roomID, oldHost, newHost string) error {
	return nil
}

func (s *slowStore) SetRoomStatus(ctx context.Context, roomID, status string, at time.Time) error {
	return nil
}

func (s *slowStore) DeleteRoom(ctx context.Context, roomID string) error { return nil }
func (s *slowStore) PersistFinalResults(ctx context.Context, id string, r []repository.UserResult) error {
	return nil
}
func (s *slowStore) GetQuizContent(ctx context.Context, quizID string) ([]repository.Question, error) {
	return []repository.Question{{Prompt: "q", Options: []string{"a", "b"}, CorrectIndex: 0}}, nil
}
func (s *slowStore) Close() {}

func testHub(t *testing.T, repo repository.Store) *Hub {
	t.Helper()
	h := New(repo, nil, RoomDefaults{QuestionDurationMs: 10000, RevealDurationMs: 30, MaxParticipants: 100})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.Shutdown(ctx)
	})
	return h
}

func TestRegisterSupersedesOlderConnection(t *testing.T) {
	h := testHub(t, &slowStore{})

	first := &fakeConn{userID: "u1"}
	second := &fakeConn{userID: "u1"}

	h.Register(first)
	h.Register(second)

	closed, code, reason := first.isClosed()
	assert.True(t, closed)
	assert.Equal(t, 1000, code)
	assert.Equal(t, "superseded", reason)
	// The superseded connection is told why before the close.
	require.Equal(t, 1, first.messageCount())

	current, ok := h.Connection("u1")
	require.True(t, ok)
	assert.Same(t, types.ClientConn(second), current)
}

func TestUnregisterOnlyRemovesCurrent(t *testing.T) {
	h := testHub(t, &slowStore{})

	first := &fakeConn{userID: "u1"}
	second := &fakeConn{userID: "u1"}
	h.Register(first)
	h.Register(second)

	// The superseded connection's cleanup must not evict its replacement.
	h.Unregister(first)
	current, ok := h.Connection("u1")
	require.True(t, ok)
	assert.Same(t, types.ClientConn(second), current)

	h.Unregister(second)
	_, ok = h.Connection("u1")
	assert.False(t, ok)
}

func TestBroadcastSkipsMissingConnections(t *testing.T) {
	h := testHub(t, &slowStore{})

	a := &fakeConn{userID: "a"}
	b := &fakeConn{userID: "b"}
	h.Register(a)
	h.Register(b)

	msg := protocol.NewErrorMessage(protocol.ErrCodeState, "test")
	h.BroadcastToUsers([]types.UserIDType{"a", "b", "ghost"}, msg)

	assert.Equal(t, 1, a.messageCount())
	assert.Equal(t, 1, b.messageCount())
}

func TestSendToUser(t *testing.T) {
	h := testHub(t, &slowStore{})

	a := &fakeConn{userID: "a"}
	h.Register(a)

	msg := protocol.NewErrorMessage(protocol.ErrCodeState, "test")
	assert.True(t, h.SendToUser("a", msg))
	assert.False(t, h.SendToUser("ghost", msg))
	assert.Equal(t, 1, a.messageCount())
}

func TestDisconnectUser(t *testing.T) {
	h := testHub(t, &slowStore{})

	a := &fakeConn{userID: "a"}
	h.Register(a)

	h.DisconnectUser("a", 1000, "kicked")
	closed, code, reason := a.isClosed()
	assert.True(t, closed)
	assert.Equal(t, 1000, code)
	assert.Equal(t, "kicked", reason)

	// Unknown users are a no-op.
	h.DisconnectUser("ghost", 1000, "kicked")
}

func TestGetOrLoadRoomCollapsesConcurrentLoads(t *testing.T) {
	store := &slowStore{loadDelay: 50 * time.Millisecond}
	h := testHub(t, store)

	const waiters = 8
	rooms := make([]interface{ ID() types.RoomIDType }, waiters)
	errs := make([]error, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rooms[i], errs[i] = h.GetOrLoadRoom(context.Background(), "room-1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
	}

	assert.Equal(t, int64(1), store.loadCalls.Load(), "concurrent loads must hit the repository once")
	for i := 1; i < waiters; i++ {
		assert.Same(t, rooms[0], rooms[i])
	}
}

func TestGetOrLoadRoomReturnsCached(t *testing.T) {
	store := &slowStore{}
	h := testHub(t, store)

	r1, err := h.GetOrLoadRoom(context.Background(), "room-1")
	require.NoError(t, err)
	r2, err := h.GetOrLoadRoom(context.Background(), "room-1")
	require.NoError(t, err)

	assert.Same(t, r1, r2)
	assert.Equal(t, int64(1), store.loadCalls.Load())
}

func TestCreateRoomAllocatesPINAndRegisters(t *testing.T) {
	store := &slowStore{}
	h := testHub(t, store)

	r, err := h.CreateRoom(context.Background(), "quiz-1", "host", protocol.Settings{})
	require.NoError(t, err)
	require.NotNil(t, r)

	assert.Equal(t, int64(1), store.created.Load())
	assert.Len(t, r.PIN(), 6)

	got, ok := h.Room(r.ID())
	require.True(t, ok)
	assert.Same(t, r, got)
}

func TestRoomCloseRemovesFromRegistry(t *testing.T) {
	store := &slowStore{}
	h := testHub(t, store)

	r, err := h.CreateRoom(context.Background(), "quiz-1", "host", protocol.Settings{})
	require.NoError(t, err)

	r.Shutdown()
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("room did not shut down")
	}

	require.Eventually(t, func() bool {
		_, ok := h.Room(r.ID())
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}
