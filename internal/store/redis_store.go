package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/franzego/notifyrelay/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const idsKey = "notifications:ids"

// RedisStore keeps each notification as a JSON document under
// notification:{id} and indexes ids in a set.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func notificationKey(id string) string {
	return fmt.Sprintf("notification:%s", id)
}

// Add assigns n a fresh id and stores it.
func (s *RedisStore) Add(ctx context.Context, n *models.Notification) error {
	n.ID = uuid.New().String()
	by, err := json.Marshal(n)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, notificationKey(n.ID), by, 0)
	pipe.SAdd(ctx, idsKey, n.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store notification: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (models.Notification, error) {
	raw, err := s.client.Get(ctx, notificationKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Notification{}, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	if err != nil {
		return models.Notification{}, fmt.Errorf("load notification: %w", err)
	}
	var n models.Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return models.Notification{}, fmt.Errorf("decode notification %s: %w", id, err)
	}
	return n, nil
}

// Update overwrites an existing notification.
func (s *RedisStore) Update(ctx context.Context, n models.Notification) error {
	by, err := json.Marshal(n)
	if err != nil {
		return err
	}
	ok, err := s.client.SetXX(ctx, notificationKey(n.ID), by, redis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrNotFound, n.ID)
	}
	return nil
}

const maxStatusRetries = 5

// SetStatus changes only the status of the stored notification. The record is
// read and written under WATCH so a concurrent Update is never overwritten
// with stale fields.
func (s *RedisStore) SetStatus(ctx context.Context, id string, status models.Status) error {
	key := notificationKey(id)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", models.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("load notification: %w", err)
		}
		var n models.Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			return fmt.Errorf("decode notification %s: %w", id, err)
		}
		n.Status = status
		by, err := json.Marshal(n)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, by, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < maxStatusRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			// the record changed between read and write
			continue
		}
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("set status: %w", err)
		}
		return err
	}
	return fmt.Errorf("set status %s: %w", id, redis.TxFailedErr)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, notificationKey(id))
	pipe.SRem(ctx, idsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	return nil
}

// List returns all notifications ordered by id.
func (s *RedisStore) List(ctx context.Context) ([]models.Notification, error) {
	ids, err := s.client.SMembers(ctx, idsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list notification ids: %w", err)
	}
	if len(ids) == 0 {
		return []models.Notification{}, nil
	}
	slices.Sort(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = notificationKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load notifications: %w", err)
	}

	out := make([]models.Notification, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// index entry without a document
			continue
		}
		var n models.Notification
		if err := json.Unmarshal([]byte(str), &n); err != nil {
			return nil, fmt.Errorf("decode notification %s: %w", ids[i], err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *RedisStore) ListPending(ctx context.Context) ([]models.Notification, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	pending := make([]models.Notification, 0, len(all))
	for _, n := range all {
		if n.Status == models.StatusPending {
			pending = append(pending, n)
		}
	}
	return pending, nil
}
