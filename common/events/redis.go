package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/flowengine/common/logger"
)

// RedisMirror republishes every broadcast frame onto a Redis channel so
// out-of-process consumers can follow the live stream. It is registered as
// a plain observer; publish failures evict it like any other.
type RedisMirror struct {
	client  *redis.Client
	channel string
	log     *logger.Logger
}

// NewRedisMirror connects to Redis and verifies the connection.
func NewRedisMirror(addr, channel string, log *logger.Logger) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis at %s: %w", addr, err)
	}

	log.Info("redis event mirror connected", "addr", addr, "channel", channel)
	return &RedisMirror{client: client, channel: channel, log: log}, nil
}

// ID implements Observer.
func (m *RedisMirror) ID() string {
	return "redis-mirror"
}

// Send implements Observer by publishing the frame as JSON.
func (m *RedisMirror) Send(event map[string]any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.client.Publish(ctx, m.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", m.channel, err)
	}
	return nil
}

// Close releases the Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
