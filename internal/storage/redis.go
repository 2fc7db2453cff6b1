package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/hyperline/hyperline/internal/observability/log"
)

// RedisPairStore is the production PairStore, holding customer/agent
// associations in redis so pairings survive server-side reconnects.
type RedisPairStore struct {
	client *redis.Client
	logger log.Log
}

// NewRedisPairStore dials redis and verifies it with a bounded number of
// ping attempts separated by a fixed backoff. Exhausting the attempts is
// fatal to startup; the caller exits.
func NewRedisPairStore(ctx context.Context, addr string, attempts int, backoff time.Duration, logger log.Log) (*RedisPairStore, error) {
	if attempts <= 0 {
		attempts = 1
	}

	client := redis.NewClient(&redis.Options{Addr: addr})

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = client.Ping(ctx).Err(); err == nil {
			return &RedisPairStore{
				client: client,
				logger: logger.With(log.String("component", "pair_store")),
			}, nil
		}
		logger.Warn("Redis ping failed",
			log.String("addr", addr),
			log.Int("attempt", attempt),
			log.Error(err))
		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	_ = client.Close()
	return nil, errors.Wrapf(err, "redis unreachable after %d attempts", attempts)
}

func (s *RedisPairStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "redis get failed")
	}
	return val, true, nil
}

func (s *RedisPairStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return errors.Wrap(err, "redis set failed")
	}
	return nil
}

func (s *RedisPairStore) Close() error {
	return s.client.Close()
}
