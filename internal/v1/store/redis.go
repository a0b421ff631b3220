// Package store wraps Redis for the cross-cutting room caches: PIN
// reservations and per-room presence sets. All calls degrade gracefully in
// single-instance mode (nil Service) and behind an open circuit breaker, so
// the room core never blocks on Redis.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/metrics"
)

// presenceTTL bounds how long a stale presence set can outlive its room.
const presenceTTL = 2 * time.Hour

// pinTTL bounds how long an allocated PIN stays reserved in the cache.
const pinTTL = 12 * time.Hour

// Service handles all interaction with Redis.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a Redis connection and verifies it immediately.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// NewServiceFromClient wraps an existing client, used by tests with miniredis.
func NewServiceFromClient(client *redis.Client) *Service {
	return &Service{
		client: client,
		cb:     gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "redis"}),
	}
}

func pinKey(pin string) string { return "quizroom:pin:" + pin }

func presenceKey(roomID string) string { return "quizroom:presence:" + roomID }

// ReservePIN claims a PIN in the cache with SET NX. Returns false when the
// PIN is already held by another room. In single-instance mode every claim
// succeeds; the database unique index is the real arbiter either way.
func (s *Service) ReservePIN(ctx context.Context, pin, roomID string) (bool, error) {
	if s == nil || s.client == nil {
		return true, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SetNX(ctx, pinKey(pin), roomID, pinTTL).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: skipping pin reservation", "pin", pin)
			return true, nil
		}
		slog.Error("Redis ReservePIN failed", "pin", pin, "error", err)
		return false, fmt.Errorf("failed to reserve pin: %w", err)
	}
	return res.(bool), nil
}

// ReleasePIN frees a PIN reservation when its room closes.
func (s *Service) ReleasePIN(ctx context.Context, pin string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, pinKey(pin)).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: skipping pin release", "pin", pin)
			return nil
		}
		slog.Error("Redis ReleasePIN failed", "pin", pin, "error", err)
		return fmt.Errorf("failed to release pin: %w", err)
	}
	return nil
}

// AddPresence records a user as online in the room's presence set and
// refreshes the set's TTL.
func (s *Service) AddPresence(ctx context.Context, roomID, userID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		key := presenceKey(roomID)
		if err := s.client.SAdd(ctx, key, userID).Err(); err != nil {
			return nil, err
		}
		return nil, s.client.Expire(ctx, key, presenceTTL).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: skipping presence add", "roomID", roomID)
			return nil
		}
		slog.Error("Redis AddPresence failed", "roomID", roomID, "userID", userID, "error", err)
		return fmt.Errorf("failed to add presence: %w", err)
	}
	return nil
}

// RemovePresence removes a user from the room's presence set.
func (s *Service) RemovePresence(ctx context.Context, roomID, userID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SRem(ctx, presenceKey(roomID), userID).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: skipping presence remove", "roomID", roomID)
			return nil
		}
		slog.Error("Redis RemovePresence failed", "roomID", roomID, "userID", userID, "error", err)
		return fmt.Errorf("failed to remove presence: %w", err)
	}
	return nil
}

// Presence lists the users currently marked online in the room.
func (s *Service) Presence(ctx context.Context, roomID string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, presenceKey(roomID)).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: returning empty presence", "roomID", roomID)
			return nil, nil
		}
		slog.Error("Redis Presence failed", "roomID", roomID, "error", err)
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}
	return res.([]string), nil
}

// ClearPresence drops the whole presence set when a room closes.
func (s *Service) ClearPresence(ctx context.Context, roomID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, presenceKey(roomID)).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil
		}
		slog.Error("Redis ClearPresence failed", "roomID", roomID, "error", err)
		return fmt.Errorf("failed to clear presence: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity, used by the readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
