package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/slotwatch/bookerd/internal/tasks"
)

const (
	redisIDSetKey      = "bookerd:bookings"
	redisBookingKeyFmt = "bookerd:booking:%s"
)

// RedisStore keeps one serialized record per booking plus an id set for
// listing. The scheduler is the only writer, so read-modify-write on a single
// record does not race.
type RedisStore struct {
	rdb   *redis.Client
	codec Codec
}

func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func bookingKey(id string) string {
	return fmt.Sprintf(redisBookingKeyFmt, id)
}

func (s *RedisStore) Put(ctx context.Context, task tasks.Task) error {
	data, err := s.codec.Encode(task)
	if err != nil {
		return fmt.Errorf("encode booking: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, bookingKey(task.ID), data, 0)
	pipe.SAdd(ctx, redisIDSetKey, task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store booking: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (tasks.Task, error) {
	data, err := s.rdb.Get(ctx, bookingKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return tasks.Task{}, ErrNotFound
		}
		return tasks.Task{}, fmt.Errorf("load booking: %w", err)
	}
	var task tasks.Task
	if err := s.codec.Decode(data, &task); err != nil {
		return tasks.Task{}, fmt.Errorf("decode booking: %w", err)
	}
	return task, nil
}

func (s *RedisStore) All(ctx context.Context) ([]tasks.Task, error) {
	ids, err := s.rdb.SMembers(ctx, redisIDSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list booking ids: %w", err)
	}
	out := make([]tasks.Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Record expired or was deleted between SMEMBERS and GET.
				continue
			}
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	removed, err := s.rdb.Del(ctx, bookingKey(id)).Result()
	if err != nil {
		return fmt.Errorf("delete booking: %w", err)
	}
	if err := s.rdb.SRem(ctx, redisIDSetKey, id).Err(); err != nil {
		return fmt.Errorf("remove booking id: %w", err)
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) AppendLog(ctx context.Context, id string, entry tasks.LogEntry) error {
	task, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	task.Logs = append(task.Logs, entry)
	task.UpdatedAt = entry.At
	return s.Put(ctx, task)
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
