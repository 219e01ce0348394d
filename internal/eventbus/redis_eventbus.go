package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisEventBus implements EventBus over Redis pub/sub.
type RedisEventBus struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisEventBus connects to Redis and returns an event bus.
func NewRedisEventBus(addr, password string, db int, logger *zap.Logger) (*RedisEventBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisEventBus{client: client, logger: logger}, nil
}

// Publish publishes an event to a topic.
func (r *RedisEventBus) Publish(ctx context.Context, topic string, event interface{}) error {
	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	result := r.client.Publish(ctx, topic, eventData)
	if result.Err() != nil {
		return fmt.Errorf("failed to publish event to Redis: %w", result.Err())
	}

	r.logger.Debug("event published",
		zap.String("topic", topic),
		zap.Int64("recipients", result.Val()))

	return nil
}

// PublishAsync publishes an event without blocking the caller.
func (r *RedisEventBus) PublishAsync(ctx context.Context, topic string, event interface{}) error {
	go func() {
		if err := r.Publish(context.Background(), topic, event); err != nil {
			r.logger.Error("async event publish failed",
				zap.String("topic", topic),
				zap.Error(err))
		}
	}()
	return nil
}

// Close shuts down the Redis connection.
func (r *RedisEventBus) Close() error {
	return r.client.Close()
}
