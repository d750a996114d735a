package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/franzego/notifyrelay/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisLedger remembers the outcome decided for each correlation id so a
// redelivered envelope is answered without delivering twice.
type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, ttl: ttl}
}

func ledgerKey(correlationID string) string {
	return fmt.Sprintf("delivery:outcome:%s", correlationID)
}

func (l *RedisLedger) Recall(ctx context.Context, correlationID string) (models.Status, bool, error) {
	v, err := l.client.Get(ctx, ledgerKey(correlationID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("recall outcome: %w", err)
	}
	return models.Status(v), true, nil
}

func (l *RedisLedger) Remember(ctx context.Context, correlationID string, status models.Status) error {
	if err := l.client.Set(ctx, ledgerKey(correlationID), string(status), l.ttl).Err(); err != nil {
		return fmt.Errorf("remember outcome: %w", err)
	}
	return nil
}
