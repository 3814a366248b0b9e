package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"pkt.systems/pslog"
)

const redisOpTimeout = 2 * time.Second

// RedisStore is a durable store kept as one Redis hash per origin, letting
// tabs on different hosts share the same session cache.
type RedisStore struct {
	rdb  *redis.Client
	hash string
	log  pslog.Logger
}

// NewRedisStore connects to url and scopes the store to origin.
func NewRedisStore(ctx context.Context, url, origin string, logger pslog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStoreFromClient(rdb, origin, logger), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb *redis.Client, origin string, logger pslog.Logger) *RedisStore {
	hash := "statusdesk:durable:" + sanitize(origin)
	if logger != nil {
		logger = logger.With("durable_store", hash)
	}
	return &RedisStore{rdb: rdb, hash: hash, log: logger}
}

// Get implements Store.
func (s *RedisStore) Get(key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	value, err := s.rdb.HGet(ctx, s.hash, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		s.warn("redis get failed", key, err)
		return "", false, err
	}
	return value, true, nil
}

// Set implements Store.
func (s *RedisStore) Set(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := s.rdb.HSet(ctx, s.hash, key, value).Err(); err != nil {
		s.warn("redis set failed", key, err)
		return err
	}
	return nil
}

// Remove implements Store.
func (s *RedisStore) Remove(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := s.rdb.HDel(ctx, s.hash, key).Err(); err != nil {
		s.warn("redis remove failed", key, err)
		return err
	}
	return nil
}

// Keys implements Store.
func (s *RedisStore) Keys() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	keys, err := s.rdb.HKeys(ctx, s.hash).Result()
	if err != nil {
		s.warn("redis keys failed", "", err)
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear implements Store.
func (s *RedisStore) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := s.rdb.Del(ctx, s.hash).Err(); err != nil {
		s.warn("redis clear failed", "", err)
		return err
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) warn(msg, key string, err error) {
	if s.log == nil {
		return
	}
	if key != "" {
		s.log.Warn(msg, "key", key, "err", err)
		return
	}
	s.log.Warn(msg, "err", err)
}
