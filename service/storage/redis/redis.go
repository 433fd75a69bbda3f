package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisManager struct {
	client *redis.Client
}

// Config for one redis client.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// PingTimeout bounds the liveness check done on open. Default 3s.
	PingTimeout time.Duration
}

// NewRedisManager opens a client and pings it once so a dead server fails here.
func NewRedisManager(ctx context.Context, c Config) (*RedisManager, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	timeout := c.PingTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &RedisManager{client: rdb}, nil
}

// Client returns the underlying go-redis client.
func (m *RedisManager) Client() *redis.Client {
	return m.client
}

func (m *RedisManager) Close() error {
	if m != nil && m.client != nil {
		return m.client.Close()
	}
	return nil
}
