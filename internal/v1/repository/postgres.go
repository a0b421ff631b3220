package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the pgx-backed Store with hand-written SQL. It is the
// implementation the service runs against a managed Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects a pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Ping reports database reachability for readiness probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (s *PostgresStore) LookupRoomByPIN(ctx context.Context, pin string) (*RoomRow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, pin, quiz_id, host_user_id, status, settings, created_at, started_at, ended_at
		FROM rooms WHERE pin = $1`, pin)
	return scanRoom(row)
}

func (s *PostgresStore) CreateRoom(ctx context.Context, r *RoomRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rooms (id, pin, quiz_id, host_user_id, status, settings, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.PIN, r.QuizID, r.HostUserID, r.Status, r.Settings, r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("room pin %s taken: %w", r.PIN, ErrConflict)
		}
		return fmt.Errorf("failed to create room: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadRoom(ctx context.Context, roomID string) (*RoomRow, []MemberRow, error) {
	room, err := scanRoom(s.pool.QueryRow(ctx, `
		SELECT id, pin, quiz_id, host_user_id, status, settings, created_at, started_at, ended_at
		FROM rooms WHERE id = $1`, roomID))
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT room_id, user_id, display_name, role, joined_at
		FROM room_members WHERE room_id = $1
		ORDER BY joined_at ASC, user_id ASC`, roomID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load room members: %w", err)
	}
	defer rows.Close()

	var members []MemberRow
	for rows.Next() {
		var m MemberRow
		if err := rows.Scan(&m.RoomID, &m.UserID, &m.DisplayName, &m.Role, &m.JoinedAt); err != nil {
			return nil, nil, fmt.Errorf("failed to scan room member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate room members: %w", err)
	}
	return room, members, nil
}

// AddMember deletes any stale row for the same (room, user) before inserting,
// so a rejoin after an earlier leave never trips the unique constraint.
func (s *PostgresStore) AddMember(ctx context.Context, m *MemberRow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`,
		m.RoomID, m.UserID); err != nil {
		return fmt.Errorf("failed to clear stale membership: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO room_members (room_id, user_id, display_name, role, joined_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.RoomID, m.UserID, m.DisplayName, m.Role, m.JoinedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("member already in room: %w", ErrConflict)
		}
		return fmt.Errorf("failed to add room member: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) RemoveMember(ctx context.Context, roomID, userID, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove room member (%s): %w", reason, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("member %s not in room %s: %w", userID, roomID, ErrNotFound)
	}
	return nil
}

// TransferHost repoints the room's host and swaps both roles atomically.
func (s *PostgresStore) TransferHost(ctx context.Context, roomID, oldHost, newHost string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE rooms SET host_user_id = $1 WHERE id = $2 AND host_user_id = $3`,
		newHost, roomID, oldHost)
	if err != nil {
		return fmt.Errorf("failed to update room host: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("room %s with host %s: %w", roomID, oldHost, ErrNotFound)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE room_members SET role = 'player' WHERE room_id = $1 AND user_id = $2`,
		roomID, oldHost); err != nil {
		return fmt.Errorf("failed to demote previous host: %w", err)
	}
	tag, err = tx.Exec(ctx,
		`UPDATE room_members SET role = 'host' WHERE room_id = $1 AND user_id = $2`,
		roomID, newHost)
	if err != nil {
		return fmt.Errorf("failed to promote new host: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("new host %s not in room %s: %w", newHost, roomID, ErrNotFound)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) SetRoomStatus(ctx context.Context, roomID, status string, at time.Time) error {
	var query string
	switch status {
	case StatusActive:
		query = `UPDATE rooms SET status = $1, started_at = $3 WHERE id = $2`
	case StatusEnded:
		query = `UPDATE rooms SET status = $1, ended_at = $3 WHERE id = $2`
	default:
		query = `UPDATE rooms SET status = $1 WHERE id = $2`
	}

	var tag pgconn.CommandTag
	var err error
	if status == StatusActive || status == StatusEnded {
		tag, err = s.pool.Exec(ctx, query, status, roomID, at)
	} else {
		tag, err = s.pool.Exec(ctx, query, status, roomID)
	}
	if err != nil {
		return fmt.Errorf("failed to set room status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteRoom(ctx context.Context, roomID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM room_members WHERE room_id = $1`, roomID); err != nil {
		return fmt.Errorf("failed to delete room members: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, roomID); err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) PersistFinalResults(ctx context.Context, roomID string, results []UserResult) error {
	if len(results) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range results {
		batch.Queue(`
			INSERT INTO session_results
				(room_id, user_id, display_name, rank, final_score, correct_count,
				 total_answered, max_streak, avg_response_ms, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (room_id, user_id) DO UPDATE SET
				rank = EXCLUDED.rank, final_score = EXCLUDED.final_score,
				correct_count = EXCLUDED.correct_count, total_answered = EXCLUDED.total_answered,
				max_streak = EXCLUDED.max_streak, avg_response_ms = EXCLUDED.avg_response_ms,
				recorded_at = EXCLUDED.recorded_at`,
			roomID, r.UserID, r.DisplayName, r.Rank, r.FinalScore, r.CorrectCount,
			r.TotalAnswered, r.MaxStreak, r.AvgResponseMs, time.Now().UTC())
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range results {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to persist final results: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetQuizContent(ctx context.Context, quizID string) ([]Question, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT question_index, prompt, options, correct_answer, correct_index,
		       COALESCE(explanation, ''), COALESCE(duration_ms, 0)
		FROM quiz_questions WHERE quiz_id = $1
		ORDER BY question_index ASC`, quizID)
	if err != nil {
		return nil, fmt.Errorf("failed to load quiz questions: %w", err)
	}
	defer rows.Close()

	var questions []Question
	for rows.Next() {
		var q Question
		var options []byte
		if err := rows.Scan(&q.Index, &q.Prompt, &options, &q.CorrectAnswer,
			&q.CorrectIndex, &q.Explanation, &q.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan quiz question: %w", err)
		}
		if err := json.Unmarshal(options, &q.Options); err != nil {
			return nil, fmt.Errorf("failed to decode question options: %w", err)
		}
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate quiz questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("quiz %s: %w", quizID, ErrNotFound)
	}
	return questions, nil
}

func scanRoom(row pgx.Row) (*RoomRow, error) {
	var r RoomRow
	err := row.Scan(&r.ID, &r.PIN, &r.QuizID, &r.HostUserID, &r.Status,
		&r.Settings, &r.CreatedAt, &r.StartedAt, &r.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan room: %w", err)
	}
	return &r, nil
}
