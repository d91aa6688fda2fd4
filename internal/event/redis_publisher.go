package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	// FileEventChannel is the Redis pub/sub channel for per-file events.
	FileEventChannel = "tierkeeper:events:files"
	// GroupEventChannel is the Redis pub/sub channel for group events.
	GroupEventChannel = "tierkeeper:events:groups"
)

// RedisPublisher broadcasts events over Redis pub/sub so that other services
// can react to file availability and storage outcomes.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher creates a publisher using the given Redis client.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) PublishFileEvent(ctx context.Context, ev FileEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal file event: %w", err)
	}
	if err := p.client.Publish(ctx, FileEventChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish file event: %w", err)
	}
	return nil
}

func (p *RedisPublisher) PublishGroupEvent(ctx context.Context, ev GroupEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal group event: %w", err)
	}
	if err := p.client.Publish(ctx, GroupEventChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish group event: %w", err)
	}
	return nil
}
