package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const redisPrefix = "idem:"

// RedisStore shares records between instances. Keys carry a Redis TTL, so
// Purge has nothing to do.
type RedisStore struct {
	client *redis.Client
}

// NewRedisClient parses url, applies pool settings and verifies the connection.
func NewRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 5
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, err
	}

	log.Info().Msg("Connected to Redis")
	return client, nil
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Claim uses SET NX so only one instance can own a key.
func (s *RedisStore) Claim(ctx context.Context, rec Record) (Record, bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, false, err
	}

	ttl := rec.ExpiresAt.Sub(rec.CreatedAt)
	ok, err := s.client.SetNX(ctx, redisPrefix+rec.Key, data, ttl).Result()
	if err != nil {
		return Record{}, false, err
	}
	if ok {
		return rec, true, nil
	}

	raw, err := s.client.Get(ctx, redisPrefix+rec.Key).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET.
		return s.Claim(ctx, rec)
	}
	if err != nil {
		return Record{}, false, err
	}
	var existing Record
	if err := json.Unmarshal(raw, &existing); err != nil {
		return Record{}, false, fmt.Errorf("decode idempotency record: %w", err)
	}
	return existing, false, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, response []byte) error {
	raw, err := s.client.Get(ctx, redisPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return err
	}
	rec.Status = StatusCompleted
	rec.Response = response

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisPrefix+key, data, redis.KeepTTL).Err()
}

func (s *RedisStore) Abandon(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisPrefix+key).Err()
}

func (s *RedisStore) Purge(context.Context, time.Time) (int, error) {
	return 0, nil
}
