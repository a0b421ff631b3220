package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientMessageJoin(t *testing.T) {
	raw := []byte(`{"v":1,"type":"join","msg_id":"m1","data":{"pin":" 482913 ","display_name":" Rose "}}`)

	msg, payload, err := ParseClientMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeJoin, msg.Type)

	join, ok := payload.(JoinPayload)
	require.True(t, ok)
	assert.Equal(t, "482913", join.PIN)
	assert.Equal(t, "Rose", join.DisplayName)
}

func TestParseClientMessageAnswer(t *testing.T) {
	raw := []byte(`{"v":1,"type":"answer","msg_id":"m2","room_id":"r1","data":{"question_index":2,"choice":"B"}}`)

	msg, payload, err := ParseClientMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, msg.RoomID)
	assert.Equal(t, "r1", *msg.RoomID)

	ans, ok := payload.(AnswerPayload)
	require.True(t, ok)
	assert.Equal(t, 2, ans.QuestionIndex)
	assert.Equal(t, "B", ans.Choice)
}

func TestParseClientMessageRejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"wrong version", `{"v":2,"type":"join","msg_id":"m","data":{"pin":"123456"}}`},
		{"missing msg_id", `{"v":1,"type":"join","data":{"pin":"123456"}}`},
		{"unknown type", `{"v":1,"type":"dance","msg_id":"m","data":{}}`},
		{"short pin", `{"v":1,"type":"join","msg_id":"m","data":{"pin":"123"}}`},
		{"unknown field", `{"v":1,"type":"answer","msg_id":"m","data":{"question_index":0,"choice":"A","bonus":true}}`},
		{"negative question index", `{"v":1,"type":"answer","msg_id":"m","data":{"question_index":-1,"choice":"A"}}`},
		{"empty choice", `{"v":1,"type":"answer","msg_id":"m","data":{"question_index":0,"choice":"  "}}`},
		{"kick without user", `{"v":1,"type":"kick","msg_id":"m","data":{}}`},
		{"create without quiz", `{"v":1,"type":"create_room","msg_id":"m","data":{"settings":{}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, payload, err := ParseClientMessage([]byte(tt.raw))
			require.Error(t, err)
			assert.Nil(t, payload)

			var ce *ClientError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, ErrCodeValidation, ce.Code)
		})
	}
}

func TestParseClientMessageStartNeedsNoData(t *testing.T) {
	raw := []byte(`{"v":1,"type":"start","msg_id":"m3"}`)

	_, payload, err := ParseClientMessage(raw)
	require.NoError(t, err)
	_, ok := payload.(StartPayload)
	assert.True(t, ok)
}

func TestNewMessageAssignsID(t *testing.T) {
	msg, err := NewMessage(TypeState, StatePayload{Phase: "lobby"})
	require.NoError(t, err)
	assert.Equal(t, Version, msg.Version)
	assert.NotEmpty(t, msg.MsgID)
	assert.Nil(t, msg.RoomID)

	msg.WithRoom("r9")
	require.NotNil(t, msg.RoomID)
	assert.Equal(t, "r9", *msg.RoomID)
}

func TestErrorMessageFrom(t *testing.T) {
	msg := ErrorMessageFrom(NewClientError(ErrCodeRoomFull, "room is full"))
	var p ErrorPayload
	require.NoError(t, msg.UnmarshalData(&p))
	assert.Equal(t, ErrCodeRoomFull, p.Code)
	assert.Equal(t, "room is full", p.Msg)

	// Plain errors never leak their text to the client.
	msg = ErrorMessageFrom(errors.New("pq: connection refused"))
	require.NoError(t, msg.UnmarshalData(&p))
	assert.Equal(t, ErrCodeState, p.Code)
	assert.NotContains(t, p.Msg, "pq:")
}
