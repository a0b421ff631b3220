// Package hub tracks live connections and live rooms. It owns the
// user-to-connection registry (one connection per user, newest wins) and the
// room registry, and implements the Broadcaster interface rooms send through.
//
// Both registries are plain maps behind an RWMutex. No I/O ever happens while
// a lock is held: enqueueing to a connection is a non-blocking channel send,
// and room construction I/O runs outside the critical section under a
// per-room loading guard.
package hub

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/logging"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/protocol"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/repository"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/room"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/store"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/types"
)

// RoomDefaults carries the server-side fallbacks applied to room settings.
type RoomDefaults struct {
	QuestionDurationMs int
	RevealDurationMs   int
	MaxParticipants    int
}

// Hub is the connection and room registry shared by all WebSocket handlers.
type Hub struct {
	repo     repository.Store
	cache    *store.Service
	defaults RoomDefaults

	mu    sync.RWMutex
	conns map[types.UserIDType]types.ClientConn
	rooms map[types.RoomIDType]*room.Room

	// loading serializes concurrent loads of the same room so only one
	// goroutine hits the repository per room ID.
	loadMu  sync.Mutex
	loading map[types.RoomIDType]chan struct{}
}

// New creates an empty hub.
func New(repo repository.Store, cache *store.Service, defaults RoomDefaults) *Hub {
	return &Hub{
		repo:     repo,
		cache:    cache,
		defaults: defaults,
		conns:    make(map[types.UserIDType]types.ClientConn),
		rooms:    make(map[types.RoomIDType]*room.Room),
		loading:  make(map[types.RoomIDType]chan struct{}),
	}
}

// --- Connection registry ---

// Register installs the connection as the user's current one. If the user
// already has a connection it is superseded deterministically: the old
// connection receives an error frame and is closed, the new one wins.
func (h *Hub) Register(conn types.ClientConn) {
	userID := conn.UserID()

	h.mu.Lock()
	prev := h.conns[userID]
	h.conns[userID] = conn
	h.mu.Unlock()

	if prev != nil {
		_ = prev.Send(protocol.NewErrorMessage(protocol.ErrCodeState, "superseded by a newer connection"))
		prev.CloseWithStatus(1000, "superseded")
		logging.Info(context.Background(), "connection superseded", zap.String("user_id", string(userID)))
	}
}

// Unregister removes the connection if it is still the user's current one.
// A connection superseded by a newer one unregisters as a no-op.
func (h *Hub) Unregister(conn types.ClientConn) {
	userID := conn.UserID()

	h.mu.Lock()
	current, ok := h.conns[userID]
	if ok && current == conn {
		delete(h.conns, userID)
	}
	h.mu.Unlock()
}

// Connection returns the user's current connection, if any.
func (h *Hub) Connection(userID types.UserIDType) (types.ClientConn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[userID]
	return conn, ok
}

// BroadcastToUsers enqueues msg on every listed user's connection. Users
// without a live connection are skipped; send failures are the connection's
// own problem (it closes itself on overflow).
func (h *Hub) BroadcastToUsers(userIDs []types.UserIDType, msg *protocol.Message) {
	h.mu.RLock()
	conns := make([]types.ClientConn, 0, len(userIDs))
	for _, id := range userIDs {
		if conn, ok := h.conns[id]; ok {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Send(msg)
	}
}

// SendToUser enqueues msg on one user's connection. Reports whether a
// connection was found.
func (h *Hub) SendToUser(userID types.UserIDType, msg *protocol.Message) bool {
	h.mu.RLock()
	conn, ok := h.conns[userID]
	h.mu.RUnlock()

	if !ok {
		return false
	}
	_ = conn.Send(msg)
	return true
}

// DisconnectUser closes the user's connection with the given close code.
func (h *Hub) DisconnectUser(userID types.UserIDType, code int, reason string) {
	h.mu.RLock()
	conn, ok := h.conns[userID]
	h.mu.RUnlock()

	if ok {
		conn.CloseWithStatus(code, reason)
	}
}

var _ types.Broadcaster = (*Hub)(nil)

// --- Room registry ---

// AddRoom installs a freshly created room.
func (h *Hub) AddRoom(r *room.Room) {
	h.mu.Lock()
	h.rooms[r.ID()] = r
	h.mu.Unlock()
}

// Room returns a live room by ID.
func (h *Hub) Room(roomID types.RoomIDType) (*room.Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[roomID]
	return r, ok
}

// RemoveRoom drops a room from the registry. Called by the room's OnClose.
func (h *Hub) RemoveRoom(roomID types.RoomIDType) {
	h.mu.Lock()
	delete(h.rooms, roomID)
	h.mu.Unlock()
}

// GetOrLoadRoom returns the live room, loading it from the repository if this
// is the first reference since the process started. Concurrent loads of the
// same room collapse into one repository read.
func (h *Hub) GetOrLoadRoom(ctx context.Context, roomID types.RoomIDType) (*room.Room, error) {
	if r, ok := h.Room(roomID); ok {
		return r, nil
	}

	// Claim or await the loading slot for this room ID.
	for {
		h.loadMu.Lock()
		if r, ok := h.Room(roomID); ok {
			h.loadMu.Unlock()
			return r, nil
		}
		ch, inFlight := h.loading[roomID]
		if !inFlight {
			ch = make(chan struct{})
			h.loading[roomID] = ch
			h.loadMu.Unlock()
			break
		}
		h.loadMu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r, err := h.loadRoom(ctx, roomID)

	h.loadMu.Lock()
	ch := h.loading[roomID]
	delete(h.loading, roomID)
	h.loadMu.Unlock()
	close(ch)

	return r, err
}

func (h *Hub) loadRoom(ctx context.Context, roomID types.RoomIDType) (*room.Room, error) {
	row, members, err := h.repo.LoadRoom(ctx, string(roomID))
	if err != nil {
		return nil, err
	}

	settings, err := room.DecodeSettings(row.Settings)
	if err != nil {
		logging.Warn(ctx, "room settings unreadable, using defaults", zap.Error(err), zap.String("room_id", row.ID))
	}

	r := room.NewRoom(row, members, settings, h.roomDeps())
	h.AddRoom(r)
	logging.Info(ctx, "room loaded", zap.String("room_id", row.ID), zap.Int("members", len(members)))
	return r, nil
}

// CreateRoom persists a new room with a freshly allocated PIN and registers
// it live. The caller supplies the host's user ID and the desired settings.
func (h *Hub) CreateRoom(ctx context.Context, quizID string, hostID types.UserIDType, settings protocol.Settings) (*room.Room, error) {
	row, err := room.NewRoomRow(quizID, string(hostID), settings)
	if err != nil {
		return nil, err
	}

	if err := repository.AllocateRoom(ctx, h.repo, row); err != nil {
		return nil, err
	}

	// The cache reservation is advisory; the database unique index already
	// guaranteed the PIN, so a cache miss here is only logged.
	if _, err := h.cache.ReservePIN(ctx, row.PIN, row.ID); err != nil {
		logging.Warn(ctx, "failed to reserve pin in cache", zap.Error(err), zap.String("room_id", row.ID))
	}

	r := room.NewRoom(row, nil, settings, h.roomDeps())
	h.AddRoom(r)
	logging.Info(ctx, "room created", zap.String("room_id", row.ID), zap.String("quiz_id", quizID))
	return r, nil
}

func (h *Hub) roomDeps() room.Deps {
	return room.Deps{
		Repo:              h.repo,
		Cache:             h.cache,
		Broadcaster:       h,
		OnClose:           h.RemoveRoom,
		DefaultQuestionMs: h.defaults.QuestionDurationMs,
		DefaultRevealMs:   h.defaults.RevealDurationMs,
		DefaultMaxMembers: h.defaults.MaxParticipants,
	}
}

// Rooms returns a snapshot of the live rooms.
func (h *Hub) Rooms() []*room.Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*room.Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		out = append(out, r)
	}
	return out
}

// Shutdown closes every live room and waits for their drivers to exit.
func (h *Hub) Shutdown(ctx context.Context) {
	for _, r := range h.Rooms() {
		r.Shutdown()
	}
	for _, r := range h.Rooms() {
		select {
		case <-r.Done():
		case <-ctx.Done():
			return
		}
	}
}
