// Package protocol defines the wire protocol for the quiz room service: a
// versioned JSON envelope carrying a closed set of typed payloads.
//
// Every frame, in either direction, is:
//
//	{ "v": 1, "type": "<tag>", "msg_id": "<opaque>", "room_id": "<uuid|null>", "data": { ... } }
//
// Client payloads are decoded through DecodeClientData, which rejects unknown
// tags and malformed data at the edge so nothing downstream ever handles an
// unchecked payload.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Version is the only protocol version this server speaks.
const Version = 1

// Client → server message tags.
const (
	TypeCreateRoom = "create_room"
	TypeJoin       = "join"
	TypeStart      = "start"
	TypeAnswer     = "answer"
	TypeLeave      = "leave"
	TypeKick       = "kick"
	TypePing       = "ping"
	TypePong       = "pong"
)

// Server → client message tags.
const (
	TypeState    = "state"
	TypeJoined   = "joined"
	TypeLeft     = "left"
	TypeKicked   = "kicked"
	TypeQuestion = "question"
	TypeReveal   = "reveal"
	TypeScore    = "score"
	TypeEnd      = "end"
	TypeError    = "error"
)

// Message is the wire envelope. Data is left raw until the type tag has been
// checked; server-originated messages always carry a fresh MsgID.
type Message struct {
	Version int             `json:"v"`
	Type    string          `json:"type"`
	MsgID   string          `json:"msg_id"`
	RoomID  *string         `json:"room_id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds a server-originated message with a fresh message ID.
func NewMessage(msgType string, data any) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", msgType, err)
	}
	return &Message{
		Version: Version,
		Type:    msgType,
		MsgID:   uuid.New().String(),
		Data:    raw,
	}, nil
}

// MustMessage is NewMessage for payload types that cannot fail to marshal.
// All protocol payload structs fall in that category.
func MustMessage(msgType string, data any) *Message {
	msg, err := NewMessage(msgType, data)
	if err != nil {
		panic(err)
	}
	return msg
}

// WithRoom sets the room correlation field and returns the message.
func (m *Message) WithRoom(roomID string) *Message {
	m.RoomID = &roomID
	return m
}

// UnmarshalData decodes the raw data payload into v.
func (m *Message) UnmarshalData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("message %q has no data", m.Type)
	}
	return json.Unmarshal(m.Data, v)
}
