package room

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/protocol"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/repository"
)

// DecodeSettings reads the settings JSON stored on a room row. An empty or
// unreadable blob yields zero settings; defaults are applied at room
// construction either way.
func DecodeSettings(raw []byte) (protocol.Settings, error) {
	var s protocol.Settings
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return protocol.Settings{}, fmt.Errorf("failed to decode room settings: %w", err)
	}
	return s, nil
}

// NewRoomRow assembles the durable row for a brand-new room. The PIN is left
// empty; repository.AllocateRoom fills it during insert.
func NewRoomRow(quizID, hostID string, settings protocol.Settings) (*repository.RoomRow, error) {
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to encode room settings: %w", err)
	}
	return &repository.RoomRow{
		ID:         uuid.New().String(),
		QuizID:     quizID,
		HostUserID: hostID,
		Status:     repository.StatusLobby,
		Settings:   raw,
		CreatedAt:  time.Now().UTC(),
	}, nil
}
