package natsx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NatsxConfig configures one nats connection.
type NatsxConfig struct {
	Servers       []string
	Name          string
	Token         string // optional auth token
	ReconnectWait time.Duration
	Timeout       time.Duration
	// MaxReconnects is handed to nats.go as-is: -1 retries forever, 0 never
	// reconnects so the owner sees the drop and applies its own policy.
	MaxReconnects int
}

// NatsxClient wraps one core NATS connection and the subscriptions made on it.
type NatsxClient struct {
	cfg NatsxConfig
	nc  *nats.Conn

	mu     sync.Mutex
	subs   map[string]*nats.Subscription // subject -> sub
	closed chan struct{}
}

// NewNatsxClient connects to nats.
func NewNatsxClient(cfg NatsxConfig) (*NatsxClient, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}

	c := &NatsxClient{
		cfg:    cfg,
		subs:   make(map[string]*nats.Subscription),
		closed: make(chan struct{}),
	}
	var once sync.Once
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.ClosedHandler(func(*nats.Conn) {
			once.Do(func() { close(c.closed) })
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, err
	}
	c.nc = nc
	return c, nil
}

// Closed is closed once the underlying connection is gone for good.
func (c *NatsxClient) Closed() <-chan struct{} { return c.closed }

// Subscribe registers h, wrapped in mws, on a core subject. A second call for
// the same subject replaces the first subscription.
func (c *NatsxClient) Subscribe(subject string, h NatsxHandler, mws ...NatsxMiddleware) error {
	h = NatsxChain(h, mws...)
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		_ = h(context.Background(), NatsxMessage{
			Subject: m.Subject,
			Data:    m.Data,
			Header:  fromHeader(m.Header),
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.mu.Lock()
	if old, ok := c.subs[subject]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// Publish sends a core message with headers.
func (c *NatsxClient) Publish(ctx context.Context, subject string, data []byte, hdr map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Add(k, v)
	}
	if err := c.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// Close unsubscribes everything and closes the connection.
func (c *NatsxClient) Close() error {
	c.mu.Lock()
	for subject, sub := range c.subs {
		_ = sub.Unsubscribe()
		delete(c.subs, subject)
	}
	c.mu.Unlock()
	if c.nc != nil {
		c.nc.Close()
	}
	return nil
}

func fromHeader(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
