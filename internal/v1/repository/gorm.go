package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GORM models. These mirror the SQL schema the pgx store targets so either
// implementation can run against the same database.

type roomModel struct {
	ID         string `gorm:"primaryKey;type:uuid"`
	PIN        string `gorm:"column:pin;uniqueIndex;size:6;not null"`
	QuizID     string `gorm:"type:uuid;not null"`
	HostUserID string `gorm:"not null"`
	Status     string `gorm:"not null;default:lobby"`
	Settings   []byte `gorm:"type:jsonb"`
	CreatedAt  time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time
}

func (roomModel) TableName() string { return "rooms" }

type roomMemberModel struct {
	RoomID      string `gorm:"primaryKey;type:uuid"`
	UserID      string `gorm:"primaryKey"`
	DisplayName string `gorm:"not null"`
	Role        string `gorm:"not null;default:player"`
	JoinedAt    time.Time
}

func (roomMemberModel) TableName() string { return "room_members" }

type quizQuestionModel struct {
	QuizID        string `gorm:"primaryKey;type:uuid"`
	QuestionIndex int    `gorm:"primaryKey"`
	Prompt        string `gorm:"not null"`
	Options       []byte `gorm:"type:jsonb;not null"`
	CorrectAnswer string `gorm:"not null"`
	CorrectIndex  int    `gorm:"not null"`
	Explanation   string
	DurationMs    int
}

func (quizQuestionModel) TableName() string { return "quiz_questions" }

type sessionResultModel struct {
	RoomID        string `gorm:"primaryKey;type:uuid"`
	UserID        string `gorm:"primaryKey"`
	DisplayName   string `gorm:"not null"`
	Rank          int
	FinalScore    int
	CorrectCount  int
	TotalAnswered int
	MaxStreak     int
	AvgResponseMs int64
	RecordedAt    time.Time
}

func (sessionResultModel) TableName() string { return "session_results" }

// GormStore is the model-driven Store used where the service shares a schema
// with the quiz catalog. Same contract, same semantics as PostgresStore.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore opens a GORM connection and migrates the room-service tables.
func NewGormStore(databaseURL string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&roomModel{}, &roomMemberModel{}, &quizQuestionModel{}, &sessionResultModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

// NewGormStoreFromDB wraps an existing connection, used by tests.
func NewGormStoreFromDB(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&roomModel{}, &roomMemberModel{}, &quizQuestionModel{}, &sessionResultModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Ping reports database reachability for readiness probes.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() {
	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func (s *GormStore) LookupRoomByPIN(ctx context.Context, pin string) (*RoomRow, error) {
	var m roomModel
	err := s.db.WithContext(ctx).Where("pin = ?", pin).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up room by pin: %w", err)
	}
	return roomFromModel(&m), nil
}

func (s *GormStore) CreateRoom(ctx context.Context, r *RoomRow) error {
	m := roomModel{
		ID: r.ID, PIN: r.PIN, QuizID: r.QuizID, HostUserID: r.HostUserID,
		Status: r.Status, Settings: r.Settings, CreatedAt: r.CreatedAt,
	}
	err := s.db.WithContext(ctx).Create(&m).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("room pin %s taken: %w", r.PIN, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}
	return nil
}

func (s *GormStore) LoadRoom(ctx context.Context, roomID string) (*RoomRow, []MemberRow, error) {
	var m roomModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", roomID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load room: %w", err)
	}

	var memberModels []roomMemberModel
	if err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("joined_at ASC, user_id ASC").
		Find(&memberModels).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to load room members: %w", err)
	}
	members := make([]MemberRow, 0, len(memberModels))
	for _, mm := range memberModels {
		members = append(members, MemberRow{
			RoomID: mm.RoomID, UserID: mm.UserID, DisplayName: mm.DisplayName,
			Role: mm.Role, JoinedAt: mm.JoinedAt,
		})
	}
	return roomFromModel(&m), members, nil
}

func (s *GormStore) AddMember(ctx context.Context, m *MemberRow) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ? AND user_id = ?", m.RoomID, m.UserID).
			Delete(&roomMemberModel{}).Error; err != nil {
			return fmt.Errorf("failed to clear stale membership: %w", err)
		}
		mm := roomMemberModel{
			RoomID: m.RoomID, UserID: m.UserID, DisplayName: m.DisplayName,
			Role: m.Role, JoinedAt: m.JoinedAt,
		}
		if err := tx.Create(&mm).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("member already in room: %w", ErrConflict)
			}
			return fmt.Errorf("failed to add room member: %w", err)
		}
		return nil
	})
}

func (s *GormStore) RemoveMember(ctx context.Context, roomID, userID, reason string) error {
	res := s.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Delete(&roomMemberModel{})
	if res.Error != nil {
		return fmt.Errorf("failed to remove room member (%s): %w", reason, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("member %s not in room %s: %w", userID, roomID, ErrNotFound)
	}
	return nil
}

func (s *GormStore) TransferHost(ctx context.Context, roomID, oldHost, newHost string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&roomModel{}).
			Where("id = ? AND host_user_id = ?", roomID, oldHost).
			Update("host_user_id", newHost)
		if res.Error != nil {
			return fmt.Errorf("failed to update room host: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("room %s with host %s: %w", roomID, oldHost, ErrNotFound)
		}
		if err := tx.Model(&roomMemberModel{}).
			Where("room_id = ? AND user_id = ?", roomID, oldHost).
			Update("role", "player").Error; err != nil {
			return fmt.Errorf("failed to demote previous host: %w", err)
		}
		res = tx.Model(&roomMemberModel{}).
			Where("room_id = ? AND user_id = ?", roomID, newHost).
			Update("role", "host")
		if res.Error != nil {
			return fmt.Errorf("failed to promote new host: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("new host %s not in room %s: %w", newHost, roomID, ErrNotFound)
		}
		return nil
	})
}

func (s *GormStore) SetRoomStatus(ctx context.Context, roomID, status string, at time.Time) error {
	updates := map[string]any{"status": status}
	switch status {
	case StatusActive:
		updates["started_at"] = at
	case StatusEnded:
		updates["ended_at"] = at
	}
	res := s.db.WithContext(ctx).Model(&roomModel{}).Where("id = ?", roomID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to set room status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	return nil
}

func (s *GormStore) DeleteRoom(ctx context.Context, roomID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", roomID).Delete(&roomMemberModel{}).Error; err != nil {
			return fmt.Errorf("failed to delete room members: %w", err)
		}
		if err := tx.Delete(&roomModel{}, "id = ?", roomID).Error; err != nil {
			return fmt.Errorf("failed to delete room: %w", err)
		}
		return nil
	})
}

func (s *GormStore) PersistFinalResults(ctx context.Context, roomID string, results []UserResult) error {
	if len(results) == 0 {
		return nil
	}
	models := make([]sessionResultModel, 0, len(results))
	now := time.Now().UTC()
	for _, r := range results {
		models = append(models, sessionResultModel{
			RoomID: roomID, UserID: r.UserID, DisplayName: r.DisplayName,
			Rank: r.Rank, FinalScore: r.FinalScore, CorrectCount: r.CorrectCount,
			TotalAnswered: r.TotalAnswered, MaxStreak: r.MaxStreak,
			AvgResponseMs: r.AvgResponseMs, RecordedAt: now,
		})
	}
	if err := s.db.WithContext(ctx).Save(&models).Error; err != nil {
		return fmt.Errorf("failed to persist final results: %w", err)
	}
	return nil
}

func (s *GormStore) GetQuizContent(ctx context.Context, quizID string) ([]Question, error) {
	var models []quizQuestionModel
	if err := s.db.WithContext(ctx).
		Where("quiz_id = ?", quizID).
		Order("question_index ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to load quiz questions: %w", err)
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("quiz %s: %w", quizID, ErrNotFound)
	}

	questions := make([]Question, 0, len(models))
	for _, m := range models {
		q := Question{
			Index: m.QuestionIndex, Prompt: m.Prompt, CorrectAnswer: m.CorrectAnswer,
			CorrectIndex: m.CorrectIndex, Explanation: m.Explanation, DurationMs: m.DurationMs,
		}
		if err := json.Unmarshal(m.Options, &q.Options); err != nil {
			return nil, fmt.Errorf("failed to decode question options: %w", err)
		}
		questions = append(questions, q)
	}
	return questions, nil
}

func roomFromModel(m *roomModel) *RoomRow {
	return &RoomRow{
		ID: m.ID, PIN: m.PIN, QuizID: m.QuizID, HostUserID: m.HostUserID,
		Status: m.Status, Settings: m.Settings, CreatedAt: m.CreatedAt,
		StartedAt: m.StartedAt, EndedAt: m.EndedAt,
	}
}
