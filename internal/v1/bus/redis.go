// Package bus is the optional Redis event mirror. When enabled, every
// user-visible coordinator event is republished on bandroom:room:<id> or
// bandroom:lobby so dashboards and future multi-pod fan-out can observe room
// traffic. The mirror is write-only for this process: nothing published here
// is ever read back into room state. Metronome ticks are not mirrored.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/openjam/bandroom/backend/go/internal/v1/metrics"
)

// PubSubPayload is the standardized container for messages on the mirror.
type PubSubPayload struct {
	RoomID   string          `json:"roomId,omitempty"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId,omitempty"` // Used to prevent echo when consumed cross-pod
}

// Service handles all interaction with the Redis cluster.
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

// NewService creates a robust Redis connection with automatic retries.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0, // Default DB
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
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

	slog.Info("Connected to Redis Pub/Sub", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// publish wraps the payload and sends it through the breaker.
func (s *Service) publish(ctx context.Context, channel string, msg PubSubPayload, payload any) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inner payload: %w", err)
		}
		msg.Payload = innerBytes

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}

		return nil, s.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: dropping publish", "channel", channel)
			return nil // Graceful degradation: drop message, don't crash caller
		}
		slog.Error("Redis Publish Failed", "channel", channel, "error", err)
		return err
	}

	return nil
}

// Publish mirrors a room event to all subscribers of the room's channel.
// Channel schema: "bandroom:room:{id}"
func (s *Service) Publish(ctx context.Context, roomID string, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	msg := PubSubPayload{
		RoomID:   roomID,
		Event:    event,
		SenderID: senderID,
	}
	return s.publish(ctx, fmt.Sprintf("bandroom:room:%s", roomID), msg, payload)
}

// PublishLobby mirrors a lobby-wide event (room created, room closed).
// Channel schema: "bandroom:lobby"
func (s *Service) PublishLobby(ctx context.Context, event string, payload any) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	msg := PubSubPayload{Event: event}
	return s.publish(ctx, "bandroom:lobby", msg, payload)
}

// Subscribe starts a background goroutine that listens for messages on a
// room's mirror channel.
// handler: A function that will be executed for every valid message received.
func (s *Service) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	if s == nil || s.client == nil {
		return // Single-instance mode, no Redis available
	}

	channel := fmt.Sprintf("bandroom:room:%s", roomID)

	// Create the subscription
	pubsub := s.client.Subscribe(ctx, channel)

	// Start the listener loop in a goroutine
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("Subscribed to Redis channel", "channel", channel)

		ch := pubsub.Channel()

		// Read indefinitely until the context is cancelled or connection dies
		for {
			select {
			case <-ctx.Done():
				return // Stop listening if the room closes
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Redis subscription channel closed", "channel", channel)
					return
				}

				var payload PubSubPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					slog.Error("Failed to unmarshal Redis message", "error", err, "raw", msg.Payload)
					continue
				}

				// Pass the data back up to the application layer
				handler(payload)
			}
		}
	}()
}

// Ping checks Redis connectivity using the PING command
// Used by health checks to verify Redis is reachable
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
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

// Close gracefully shuts down the Redis connection
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}
	return s.client.Close()
}
