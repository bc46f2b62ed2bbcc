package events

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis channel events are published to.
const DefaultChannel = "togglemetrics:client-events"

// RedisPublisher publishes events with Redis PUBLISH.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(addr, password string, db int, channel string) (*RedisPublisher, error) {
	if addr == "" {
		return nil, errors.New("redis address required")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisPublisher{client: client, channel: channel}, nil
}

// Publish sends payload to the configured channel.
func (p *RedisPublisher) Publish(ctx context.Context, payload []byte) error {
	return p.client.Publish(ctx, p.channel, payload).Err()
}

// Channel returns the channel name.
func (p *RedisPublisher) Channel() string {
	return p.channel
}

// Close releases the Redis connection.
func (p *RedisPublisher) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}
