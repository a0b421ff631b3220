package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ClientPayload is the closed union of payloads a client may send. The marker
// method keeps the set closed at compile time.
type ClientPayload interface {
	clientPayload()
}

func (CreateRoomPayload) clientPayload() {}
func (JoinPayload) clientPayload()       {}
func (StartPayload) clientPayload()      {}
func (AnswerPayload) clientPayload()     {}
func (LeavePayload) clientPayload()      {}
func (KickPayload) clientPayload()       {}
func (PingPayload) clientPayload()       {}
func (PongPayload) clientPayload()       {}

// ParseClientMessage decodes raw bytes into an envelope and its typed payload.
// Any failure is a *ClientError with code VALIDATION, suitable for an error
// frame; the connection stays open.
func ParseClientMessage(raw []byte) (*Message, ClientPayload, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, nil, NewClientError(ErrCodeValidation, "invalid message format")
	}
	payload, err := DecodeClientData(&msg)
	if err != nil {
		return &msg, nil, err
	}
	return &msg, payload, nil
}

// DecodeClientData validates the envelope and decodes Data into the payload
// type selected by the type tag. Unknown tags and schema mismatches are
// VALIDATION errors; they never propagate as raw JSON.
func DecodeClientData(msg *Message) (ClientPayload, error) {
	if msg.Version != Version {
		return nil, NewClientError(ErrCodeValidation, fmt.Sprintf("unsupported protocol version %d", msg.Version))
	}
	if msg.MsgID == "" {
		return nil, NewClientError(ErrCodeValidation, "msg_id is required")
	}

	switch msg.Type {
	case TypeCreateRoom:
		var p CreateRoomPayload
		if err := strictUnmarshal(msg.Data, &p); err != nil {
			return nil, err
		}
		if p.QuizID == "" {
			return nil, NewClientError(ErrCodeValidation, "quiz_id is required")
		}
		return p, nil
	case TypeJoin:
		var p JoinPayload
		if err := strictUnmarshal(msg.Data, &p); err != nil {
			return nil, err
		}
		p.PIN = strings.TrimSpace(p.PIN)
		p.DisplayName = strings.TrimSpace(p.DisplayName)
		if len(p.PIN) != 6 {
			return nil, NewClientError(ErrCodeValidation, "pin must be 6 digits")
		}
		return p, nil
	case TypeStart:
		return StartPayload{}, nil
	case TypeAnswer:
		var p AnswerPayload
		if err := strictUnmarshal(msg.Data, &p); err != nil {
			return nil, err
		}
		if p.QuestionIndex < 0 {
			return nil, NewClientError(ErrCodeValidation, "question_index must be >= 0")
		}
		if strings.TrimSpace(p.Choice) == "" {
			return nil, NewClientError(ErrCodeValidation, "choice is required")
		}
		return p, nil
	case TypeLeave:
		return LeavePayload{}, nil
	case TypeKick:
		var p KickPayload
		if err := strictUnmarshal(msg.Data, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, NewClientError(ErrCodeValidation, "user_id is required")
		}
		return p, nil
	case TypePing:
		var p PingPayload
		if err := strictUnmarshal(msg.Data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypePong:
		var p PongPayload
		if err := strictUnmarshal(msg.Data, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, NewClientError(ErrCodeValidation, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// strictUnmarshal decodes with unknown-field rejection so schema drift is
// caught at the edge rather than silently ignored.
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return NewClientError(ErrCodeValidation, "data is required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return NewClientError(ErrCodeValidation, "invalid data payload")
	}
	return nil
}
