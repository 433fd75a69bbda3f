package channel

import (
	"context"
	"fmt"
	"sync"

	"marketsync/logger"
	redisstore "marketsync/service/storage/redis"
	"marketsync/tools/errs"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // channels: <prefix>:user:<id> inbound, <prefix>:cmd outbound
}

// RedisTransport reaches the gateway through Redis pub/sub.
type RedisTransport struct {
	cfg RedisConfig
}

func NewRedisTransport(cfg RedisConfig) *RedisTransport {
	if cfg.Prefix == "" {
		cfg.Prefix = "push"
	}
	return &RedisTransport{cfg: cfg}
}

func (t *RedisTransport) Name() string { return "redis" }

func (t *RedisTransport) Dial(ctx context.Context, userID, _ string) (Conn, error) {
	mgr, err := redisstore.NewRedisManager(ctx, redisstore.Config{
		Addr:     t.cfg.Addr,
		Password: t.cfg.Password,
		DB:       t.cfg.DB,
		PoolSize: 4,
	})
	if err != nil {
		return nil, errs.ErrNetwork.WrapMsg("dial redis", "addr", t.cfg.Addr, "err", err)
	}

	channel := fmt.Sprintf("%s:user:%s", t.cfg.Prefix, userID)
	ps := mgr.Client().Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		_ = mgr.Close()
		return nil, errs.ErrNetwork.WrapMsg("subscribe", "channel", channel, "err", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	return &redisConn{
		mgr:    mgr,
		ps:     ps,
		ctx:    connCtx,
		cancel: cancel,
		cmd:    t.cfg.Prefix + ":cmd",
	}, nil
}

type redisConn struct {
	mgr       *redisstore.RedisManager
	ps        *redis.PubSub
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	cmd       string
}

func (c *redisConn) ReadFrame() (Frame, error) {
	for {
		msg, err := c.ps.ReceiveMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return Frame{}, ErrConnClosed
			}
			return Frame{}, err
		}
		f, err := DecodeFrame([]byte(msg.Payload))
		if err != nil {
			logger.Warn("[REDIS] drop undecodable frame", zap.String("channel", msg.Channel),
				zap.String("raw", sample([]byte(msg.Payload))), zap.Error(err))
			continue
		}
		return f, nil
	}
}

func (c *redisConn) WriteFrame(f Frame) error {
	if c.ctx.Err() != nil {
		return ErrConnClosed
	}
	b, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	if err := c.mgr.Client().Publish(c.ctx, c.cmd, b).Err(); err != nil {
		return errs.ErrNetwork.WrapMsg("publish", "channel", c.cmd, "err", err)
	}
	return nil
}

func (c *redisConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ps.Close()
		_ = c.mgr.Close()
	})
	return nil
}
