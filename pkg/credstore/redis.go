package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps credentials as fields of one Redis hash. Batches run in a
// MULTI/EXEC transaction.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore creates a store in the hash "credentials:<namespace>". The
// store owns client and closes it on Close.
func NewRedisStore(client redis.UniversalClient, namespace string) *RedisStore {
	return &RedisStore{
		client: client,
		key:    "credentials:" + namespace,
	}
}

func (s *RedisStore) Get(ctx context.Context, key Key) (string, bool, error) {
	value, err := s.client.HGet(ctx, s.key, string(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("credstore: failed to read '%s': %w", key, err)
	}
	return value, true, nil
}

func (s *RedisStore) Apply(ctx context.Context, batch Batch) error {
	if batch.Empty() {
		return nil
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(batch.Delete) > 0 {
			fields := make([]string, len(batch.Delete))
			for i, key := range batch.Delete {
				fields[i] = string(key)
			}
			pipe.HDel(ctx, s.key, fields...)
		}
		if len(batch.Set) > 0 {
			values := make(map[string]any, len(batch.Set))
			for key, value := range batch.Set {
				values[string(key)] = value
			}
			pipe.HSet(ctx, s.key, values)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("credstore: failed to apply batch: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
