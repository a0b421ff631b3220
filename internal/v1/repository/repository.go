// Package repository defines the persistence contract for rooms, members,
// final results, and quiz content, plus the tagged error taxonomy callers
// branch on. Two implementations satisfy the contract: a pgx one with
// hand-written SQL (the live room service) and a GORM one (model-driven,
// sharing the catalog schema). The room driver only ever sees the interface.
package repository

import (
	"context"
	"errors"
	"time"
)

// Tagged errors. Implementations wrap storage-specific failures into these so
// callers can branch with errors.Is; anything else is an infrastructure error.
var (
	ErrNotFound = errors.New("repository: not found")
	ErrConflict = errors.New("repository: conflict")
)

// Room statuses as persisted.
const (
	StatusLobby  = "lobby"
	StatusActive = "active"
	StatusEnded  = "ended"
)

// RoomRow is the durable shape of a room.
type RoomRow struct {
	ID         string
	PIN        string
	QuizID     string
	HostUserID string
	Status     string
	Settings   []byte // settings JSON, opaque to the store
	CreatedAt  time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time
}

// MemberRow is the durable shape of a (room, user) membership.
// UNIQUE(room_id, user_id) is enforced by the schema.
type MemberRow struct {
	RoomID      string
	UserID      string
	DisplayName string
	Role        string
	JoinedAt    time.Time
}

// Question is one catalog question. CorrectIndex and CorrectAnswer are
// server-only and never serialized to clients during the question phase.
type Question struct {
	Index         int
	Prompt        string
	Options       []string
	CorrectAnswer string
	CorrectIndex  int
	Explanation   string
	DurationMs    int // optional per-question override; 0 means room default
}

// UserResult is one member's final line persisted after a quiz ends.
type UserResult struct {
	UserID        string
	DisplayName   string
	Rank          int
	FinalScore    int
	CorrectCount  int
	TotalAnswered int
	MaxStreak     int
	AvgResponseMs int64
}

// Store is the persistence contract the room core depends on.
type Store interface {
	// LookupRoomByPIN resolves a join PIN. ErrNotFound if absent.
	LookupRoomByPIN(ctx context.Context, pin string) (*RoomRow, error)
	// CreateRoom inserts a room row. A PIN collision is ErrConflict; the
	// caller retries with a fresh PIN (see AllocateRoom).
	CreateRoom(ctx context.Context, row *RoomRow) error
	// LoadRoom returns the room row plus its current members.
	LoadRoom(ctx context.Context, roomID string) (*RoomRow, []MemberRow, error)
	// AddMember inserts a membership row. Any stale row for the same
	// (room, user) is deleted first so rejoin never hits the unique key.
	AddMember(ctx context.Context, m *MemberRow) error
	// RemoveMember physically deletes the membership row.
	RemoveMember(ctx context.Context, roomID, userID, reason string) error
	// TransferHost updates the room's host pointer and both member roles in
	// a single transaction.
	TransferHost(ctx context.Context, roomID, oldHost, newHost string) error
	// SetRoomStatus updates the lifecycle column; started_at/ended_at are
	// stamped when entering active/ended.
	SetRoomStatus(ctx context.Context, roomID, status string, at time.Time) error
	// DeleteRoom removes the room; members cascade.
	DeleteRoom(ctx context.Context, roomID string) error
	// PersistFinalResults writes the post-quiz result rows. Best effort from
	// the room's perspective; failures are surfaced for logging only.
	PersistFinalResults(ctx context.Context, roomID string, results []UserResult) error
	// GetQuizContent loads the ordered questions for a quiz.
	// ErrNotFound if the quiz does not exist or has no questions.
	GetQuizContent(ctx context.Context, quizID string) ([]Question, error)
	// Close releases the underlying pool.
	Close()
}
