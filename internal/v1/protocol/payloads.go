package protocol

// Settings carries the room configuration chosen at create time. Zero values
// are replaced with server defaults before the room is created.
type Settings struct {
	QuestionDurationMs int  `json:"question_duration_ms"`
	RevealDurationMs   int  `json:"reveal_duration_ms,omitempty"`
	IntermissionMs     int  `json:"intermission_ms,omitempty"`
	ShowCorrectness    bool `json:"show_correctness"`
	ShowLeaderboard    bool `json:"show_leaderboard"`
	// AllowReconnect defaults to true when absent; a pointer keeps an
	// explicit false distinguishable from an omitted field.
	AllowReconnect  *bool `json:"allow_reconnect,omitempty"`
	HostPlays       bool  `json:"host_plays"`
	MaxParticipants int   `json:"max_participants,omitempty"`
}

// --- Client → server payloads ---

type CreateRoomPayload struct {
	QuizID   string   `json:"quiz_id"`
	Settings Settings `json:"settings"`
}

type JoinPayload struct {
	PIN         string `json:"pin"`
	DisplayName string `json:"display_name"`
}

type StartPayload struct{}

type AnswerPayload struct {
	QuestionIndex int    `json:"question_index"`
	Choice        string `json:"choice"`
}

type LeavePayload struct{}

type KickPayload struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// --- Server → client payloads ---

// Member is the wire shape of a room member inside state/joined messages.
type Member struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name"`
	Role          string `json:"role"`
	Score         int    `json:"score"`
	CurrentStreak int    `json:"current_streak"`
	IsOnline      bool   `json:"is_online"`
	JoinedAt      int64  `json:"joined_at"`
}

// StatePayload is the full room snapshot sent on every state change and on
// reconnect.
type StatePayload struct {
	Phase          string   `json:"phase"`
	RoomID         string   `json:"room_id"`
	PIN            string   `json:"pin"`
	HostID         string   `json:"host_id"`
	QuestionIndex  int      `json:"question_index"`
	TotalQuestions int      `json:"total_questions"`
	PhaseDeadline  *int64   `json:"phase_deadline_ms,omitempty"`
	Members        []Member `json:"members"`
	Settings       Settings `json:"settings"`
}

type JoinedPayload struct {
	User Member `json:"user"`
}

type LeftPayload struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

type KickedPayload struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// QuestionPayload never contains the correct answer.
type QuestionPayload struct {
	Index      int      `json:"index"`
	Question   string   `json:"question"`
	Options    []string `json:"options"`
	DeadlineMs int64    `json:"deadline_ms"`
	DurationMs int      `json:"duration_ms"`
}

// UserStat is the per-user outcome of one question inside a reveal.
type UserStat struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Answer      string `json:"answer,omitempty"`
	IsCorrect   bool   `json:"is_correct"`
	TimeTakenMs int64  `json:"time_taken_ms"`
	ScoreDelta  int    `json:"score_delta"`
}

// LeaderEntry is one row of a leaderboard. Ranks are dense, starting at 1.
type LeaderEntry struct {
	Rank        int    `json:"rank"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Score       int    `json:"score"`
	Correct     int    `json:"correct"`
	Total       int    `json:"total"`
	AvgTimeMs   int64  `json:"avg_time_ms"`
}

type RevealPayload struct {
	Index         int           `json:"index"`
	CorrectChoice string        `json:"correct_choice"`
	CorrectIndex  int           `json:"correct_index"`
	Explanation   string        `json:"explanation,omitempty"`
	UserStats     []UserStat    `json:"user_stats"`
	Leaderboard   []LeaderEntry `json:"leaderboard"`
}

// ScorePayload is the optional interim per-user score push.
type ScorePayload struct {
	UserID string `json:"user_id"`
	Score  int    `json:"score"`
	Delta  int    `json:"delta"`
	Streak int    `json:"streak"`
}

// QuizStats are the aggregate statistics attached to the end message.
type QuizStats struct {
	TotalQuestions    int     `json:"total_questions"`
	TotalParticipants int     `json:"total_participants"`
	AverageScore      float64 `json:"average_score"`
	CompletionRate    float64 `json:"completion_rate"`
	DurationMs        int64   `json:"duration_ms"`
}

type EndPayload struct {
	FinalLeaderboard []LeaderEntry `json:"final_leaderboard"`
	QuizStats        QuizStats     `json:"quiz_stats"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Msg     string `json:"msg"`
	Details string `json:"details,omitempty"`
}
