package sw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisQueueKey  = "swcore:sync-queue"
	redisQueueMaxAttempts = 5
)

// RedisQueueSlot stores the queue under one Redis string key, so every
// replica and the host see the same queue.
type RedisQueueSlot struct {
	Client redis.UniversalClient
	Key    string
}

// NewRedisQueueSlot creates a slot at key, or the default key when empty.
func NewRedisQueueSlot(client redis.UniversalClient, key string) (*RedisQueueSlot, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(key) == "" {
		key = defaultRedisQueueKey
	}
	return &RedisQueueSlot{Client: client, Key: key}, nil
}

func (s *RedisQueueSlot) Read(ctx context.Context) ([]byte, error) {
	raw, err := s.Client.Get(ctx, s.Key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return raw, nil
}

// Append is an optimistic WATCH/MULTI update retried on concurrent writes.
func (s *RedisQueueSlot) Append(ctx context.Context, item SyncQueueItem) error {
	for attempt := 1; attempt <= redisQueueMaxAttempts; attempt++ {
		err := s.Client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, s.Key).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			next, err := appendSyncQueue(raw, item)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.Key, next, 0)
				return nil
			})
			return err
		}, s.Key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if err := sleepWithContext(ctx, backoffForAttempt(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("append to %s: too many concurrent writers", s.Key)
}

func (s *RedisQueueSlot) Clear(ctx context.Context) error {
	return s.Client.Del(ctx, s.Key).Err()
}
