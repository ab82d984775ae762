package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig captures the settings for the visit queue's Redis connection.
type RedisConfig struct {
	Addr    string
	DB      int
	Timeout time.Duration
}

// Redis wraps the Redis client backing the visit event queue.
type Redis struct {
	Client *redis.Client
}

// ConnectRedis builds a client with short timeouts and checks it with a ping.
// An unreachable server is logged, not fatal: go-redis dials lazily and the
// queue retries on its own.
func ConnectRedis(ctx context.Context, cfg RedisConfig, log zerolog.Logger) *Redis {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	r := &Redis{Client: client}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := r.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Addr).Msg("redis not reachable yet")
	} else {
		log.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("redis connected")
	}
	return r
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if r == nil || r.Client == nil {
		return fmt.Errorf("redis: no client")
	}
	return r.Client.Ping(ctx).Err()
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	return r.Ping(ctx) == nil
}

func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}
