package repository

import (
	"context"

	"github.com/go-redis/redis/v8"

	"github.com/example/binary-classifier/internal/verdict"
)

// RedisStore keeps counts in one hash. HINCRBY makes each increment atomic on
// the server, and HSETNX seeds missing fields without touching existing ones.
type RedisStore struct {
	client *redis.Client
	key    string
}

var _ CountStore = (*RedisStore)(nil)

// NewRedisStore constructs a Redis-backed count store under key.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

// Read implements CountStore.
func (s *RedisStore) Read(ctx context.Context) (CountRecord, error) {
	var all *redis.StringStringMapCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.seed(ctx, pipe)
		all = pipe.HGetAll(ctx, s.key)
		return nil
	})
	if err != nil {
		return CountRecord{}, storageError("read counts", err)
	}

	rec, err := recordFromStrings(all.Val())
	if err != nil {
		return CountRecord{}, storageError("decode counts", err)
	}
	return rec, nil
}

// Increment implements CountStore. A non-integer field makes HINCRBY fail, so
// a corrupted hash surfaces as an error instead of restarting from zero.
func (s *RedisStore) Increment(ctx context.Context, label verdict.Label) error {
	if err := checkLabel(label); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.seed(ctx, pipe)
		pipe.HIncrBy(ctx, s.key, label.Key(), 1)
		return nil
	})
	if err != nil {
		return storageError("increment "+label.Key(), err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) seed(ctx context.Context, pipe redis.Pipeliner) {
	for _, l := range verdict.Labels {
		pipe.HSetNX(ctx, s.key, l.Key(), 0)
	}
}
