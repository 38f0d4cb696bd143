package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis is a Redis-backed Store. Values are stored as JSON, so callers
// sharing a Redis instance across processes must use JSON-compatible types.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	opTimeout time.Duration
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects to Redis and returns a Store backed by it.
func NewRedis(cfg RedisConfig, logger zerolog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to redis cache")
	return &Redis{client: client, logger: logger, opTimeout: 2 * time.Second}, nil
}

func (r *Redis) Get(key string) (any, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()

	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		r.misses.Add(1)
		return nil, false
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("redis get failed")
		r.misses.Add(1)
		return nil, false
	}

	var out any
	if err := json.Unmarshal(val, &out); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("cached value unmarshal failed")
		r.misses.Add(1)
		return nil, false
	}
	r.hits.Add(1)
	return out, true
}

func (r *Redis) Set(key string, value any, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()

	data, err := json.Marshal(value)
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("cached value marshal failed")
		return
	}
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("redis set failed")
		return
	}
	r.sets.Add(1)
}

func (r *Redis) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("redis delete failed")
	}
}

func (r *Redis) Flush() {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	if err := r.client.FlushDB(ctx).Err(); err != nil {
		r.logger.Warn().Err(err).Msg("redis flush failed")
	}
}

func (r *Redis) Stats() Stats {
	return Stats{
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
		Sets:   r.sets.Load(),
	}
}

// Close releases the underlying Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Store = (*Redis)(nil)
