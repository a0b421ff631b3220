package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the realtime quiz platform.
//
// Naming convention: namespace_subsystem_name
// - namespace: quiz_room (application-level grouping)
// - subsystem: websocket, room, quiz (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, participants)
// - Counter: Cumulative events (messages processed, errors)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quiz_room",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of live rooms on this instance
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quiz_room",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks the number of members in each room.
	// Gauge rather than Histogram because we want the current count per room,
	// not a distribution of historical counts.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "quiz_room",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of members in each room",
	}, []string{"room_id"})

	// WebsocketEvents tracks the total number of protocol messages processed
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quiz_room",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time a room command spends in the driver
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quiz_room",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// QuizzesStarted counts quizzes that left the lobby
	QuizzesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quiz_room",
		Subsystem: "quiz",
		Name:      "started_total",
		Help:      "Total quizzes started",
	})

	// QuizzesCompleted counts quizzes that reached the end of their question list
	QuizzesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quiz_room",
		Subsystem: "quiz",
		Name:      "completed_total",
		Help:      "Total quizzes that ran to completion",
	})

	// AnswersGraded counts graded answer submissions by correctness
	AnswersGraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quiz_room",
		Subsystem: "quiz",
		Name:      "answers_graded_total",
		Help:      "Total answers graded",
	}, []string{"result"})

	// RateLimitRequests counts requests that passed the rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quiz_room",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Total requests checked by the rate limiter",
	}, []string{"endpoint"})

	// RateLimitExceeded counts rejected requests by endpoint and limit type
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quiz_room",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by the rate limiter",
	}, []string{"endpoint", "limit_type"})

	// CircuitBreakerState reports breaker state per backend (0 closed, 1 open, 2 half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "quiz_room",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts operations dropped by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quiz_room",
		Subsystem: "breaker",
		Name:      "failures_total",
		Help:      "Operations rejected while the circuit breaker was open",
	}, []string{"backend"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
