// Package types holds the identifier types and cross-package interfaces shared
// by the gateway, hub, and room packages. Keeping them here avoids import
// cycles between the transport layer and the game logic.
package types

import (
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/auth"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/protocol"
)

// UserIDType represents a unique identifier for an authenticated user.
type UserIDType string

// RoomIDType represents a unique identifier for a quiz room.
type RoomIDType string

// DisplayNameType represents the human-readable name for a member.
type DisplayNameType string

// RoleType defines the two member roles inside a room.
type RoleType string

const (
	RoleTypeHost   RoleType = "host"
	RoleTypePlayer RoleType = "player"
)

// Phase is the room state-machine position.
type Phase string

const (
	PhaseLobby        Phase = "lobby"
	PhaseQuestion     Phase = "question"
	PhaseReveal       Phase = "reveal"
	PhaseIntermission Phase = "intermission"
	PhaseEnded        Phase = "ended"
	PhaseClosed       Phase = "closed"
)

// TokenValidator defines the interface for JWT token authentication services.
// In production this is the Auth0 JWKS validator; tests and development mode
// substitute mock implementations.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// ClientConn is the hub's and room's view of a live connection. The gateway
// Client satisfies it; tests use in-memory fakes.
type ClientConn interface {
	UserID() UserIDType
	DisplayName() DisplayNameType
	// Send enqueues a message on the connection's bounded send queue.
	// It never blocks; a full queue marks the connection stuck.
	Send(msg *protocol.Message) error
	// CloseWithStatus closes the underlying connection with a WebSocket
	// close code and reason. Safe to call more than once.
	CloseWithStatus(code int, reason string)
}

// Broadcaster is the room's outbound channel to connected members. The hub
// implements it; rooms never touch connections directly.
type Broadcaster interface {
	// BroadcastToUsers enqueues msg to every listed user that currently has
	// a live connection. Missing connections are skipped silently.
	BroadcastToUsers(userIDs []UserIDType, msg *protocol.Message)
	// SendToUser is point-to-point; reports whether a connection was found.
	SendToUser(userID UserIDType, msg *protocol.Message) bool
	// DisconnectUser closes the user's connection, if any, with the given
	// WebSocket close code. Queued messages are flushed first.
	DisconnectUser(userID UserIDType, code int, reason string)
}
