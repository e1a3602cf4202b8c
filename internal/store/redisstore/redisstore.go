// Package redisstore keeps the pending-job markers keyed by task id.
// AMQP cannot remove a single queued message, so stop-before-pickup is
// implemented here: a stop request deletes the marker, and a worker that
// fails to claim the marker at pickup drops the delivery without running it.
package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingTTL = 24 * time.Hour

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (s *Store) Close() error { return s.rdb.Close() }

func pendingKey(taskID string) string { return "task:pending:" + taskID }

// MarkPending records that a job for taskID sits in the queue unclaimed.
func (s *Store) MarkPending(ctx context.Context, taskID string) error {
	return s.rdb.Set(ctx, pendingKey(taskID), "1", pendingTTL).Err()
}

// RemovePending withdraws the job. Returns false if a worker already claimed
// it (or it never existed).
func (s *Store) RemovePending(ctx context.Context, taskID string) (bool, error) {
	n, err := s.rdb.Del(ctx, pendingKey(taskID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Claim atomically takes the marker at pickup time. False means the job was
// withdrawn and must not run.
func (s *Store) Claim(ctx context.Context, taskID string) (bool, error) {
	_, err := s.rdb.GetDel(ctx, pendingKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
