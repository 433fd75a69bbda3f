package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketsync/logger"
	"marketsync/service/natsx"
	"marketsync/tools/errs"

	"go.uber.org/zap"
)

type NatsConfig struct {
	Servers   []string
	Prefix    string // subjects: <prefix>.user.<id> inbound, <prefix>.cmd outbound
	Timeout   time.Duration
	InboxSize int
	DedupTTL  time.Duration // redelivered frames with the same id inside this window are dropped
}

// NatsTransport reaches the gateway through a NATS bridge. The client never
// reconnects on its own; a drop surfaces as a read error so the adapter's
// bounded retry policy applies.
type NatsTransport struct {
	cfg NatsConfig
}

func NewNatsTransport(cfg NatsConfig) *NatsTransport {
	if cfg.Prefix == "" {
		cfg.Prefix = "push"
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultSendQueue
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 2 * time.Minute
	}
	return &NatsTransport{cfg: cfg}
}

func (t *NatsTransport) Name() string { return "nats" }

func (t *NatsTransport) userSubject(userID string) string {
	return fmt.Sprintf("%s.user.%s", t.cfg.Prefix, userID)
}

func (t *NatsTransport) Dial(ctx context.Context, userID, credential string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.ErrNetwork.WrapMsg("dial nats", "err", err)
	}
	client, err := natsx.NewNatsxClient(natsx.NatsxConfig{
		Servers:       t.cfg.Servers,
		Name:          "marketsync-" + userID,
		Token:         credential,
		Timeout:       t.cfg.Timeout,
		MaxReconnects: 0,
	})
	if err != nil {
		return nil, errs.ErrNetwork.WrapMsg("dial nats", "servers", t.cfg.Servers, "err", err)
	}

	idemCtx, cancel := context.WithCancel(context.Background())
	c := &natsConn{
		client:  client,
		inbox:   make(chan Frame, t.cfg.InboxSize),
		done:    make(chan struct{}),
		cancel:  cancel,
		cmd:     t.cfg.Prefix + ".cmd",
		subject: t.userSubject(userID),
	}
	err = client.Subscribe(c.subject, c.deliver,
		natsx.NatsxRecover(),
		natsx.NatsxLogErrors(),
		natsx.NatsxIdemMiddleware(natsx.NewMemIdem(idemCtx, t.cfg.DedupTTL), 0))
	if err != nil {
		_ = c.Close()
		return nil, errs.ErrNetwork.WrapMsg("subscribe", "subject", c.subject, "err", err)
	}
	return c, nil
}

type natsConn struct {
	client    *natsx.NatsxClient
	inbox     chan Frame
	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
	cmd       string
	subject   string
}

func (c *natsConn) deliver(_ context.Context, msg natsx.NatsxMessage) error {
	f, err := DecodeFrame(msg.Data)
	if err != nil {
		logger.Warn("[NATS] drop undecodable frame", zap.String("subject", msg.Subject),
			zap.String("raw", sample(msg.Data)), zap.Error(err))
		return err
	}
	select {
	case c.inbox <- f:
	case <-c.done:
	}
	return nil
}

func (c *natsConn) ReadFrame() (Frame, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	case <-c.client.Closed():
		return Frame{}, ErrConnClosed
	case <-c.done:
		return Frame{}, ErrConnClosed
	}
}

func (c *natsConn) WriteFrame(f Frame) error {
	b, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	hdr := map[string]string{"Nats-Msg-Id": f.ID}
	if err := c.client.Publish(context.Background(), c.cmd, b, hdr); err != nil {
		return errs.ErrNetwork.WrapMsg("publish", "subject", c.cmd, "err", err)
	}
	return nil
}

func (c *natsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		_ = c.client.Close()
	})
	return nil
}
