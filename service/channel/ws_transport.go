package channel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"marketsync/logger"
	"marketsync/tools/errs"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteWait = 10 * time.Second
	firstPingDelay   = 5 * time.Second
	defaultSendQueue = 256
)

type WSConfig struct {
	URL          string
	DialTimeout  time.Duration
	WriteWait    time.Duration
	PingInterval time.Duration // 0 disables keepalive pings
	SendQueue    int
}

// WSTransport dials the gateway over a websocket. The credential travels in
// the Authorization header of the upgrade request.
type WSTransport struct {
	cfg    WSConfig
	dialer *websocket.Dialer
}

func NewWSTransport(cfg WSConfig) *WSTransport {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	return &WSTransport{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
	}
}

func (t *WSTransport) Name() string { return "websocket" }

func (t *WSTransport) Dial(ctx context.Context, userID, credential string) (Conn, error) {
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+credential)
	hdr.Set("X-User-Id", userID)

	c, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, hdr)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errs.ErrAuth.WrapMsg("gateway refused credential", "status", resp.StatusCode)
		}
		return nil, errs.ErrNetwork.WrapMsg("dial gateway", "url", t.cfg.URL, "err", err)
	}

	wc := &wsConn{
		conn:      c,
		send:      make(chan []byte, t.cfg.SendQueue),
		done:      make(chan struct{}),
		writeWait: t.cfg.WriteWait,
		userID:    userID,
	}
	if t.cfg.PingInterval > 0 {
		pongWait := t.cfg.PingInterval * 3
		_ = c.SetReadDeadline(time.Now().Add(pongWait))
		c.SetPongHandler(func(string) error {
			return c.SetReadDeadline(time.Now().Add(pongWait))
		})
		wc.readWait = pongWait
	}
	go wc.writeLoop(t.cfg.PingInterval)
	return wc, nil
}

type wsConn struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	writeWait time.Duration
	readWait  time.Duration
	userID    string
}

func (c *wsConn) ReadFrame() (Frame, error) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		if c.readWait > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.readWait))
		}
		f, err := DecodeFrame(raw)
		if err != nil {
			logger.Warn("[WS] drop undecodable frame", zap.String("user", c.userID),
				zap.String("raw", sample(raw)), zap.Error(err))
			continue
		}
		return f, nil
	}
}

func (c *wsConn) WriteFrame(f Frame) error {
	b, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return errs.ErrNetwork.WrapMsg("send queue full", "event", f.Event)
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// writeLoop owns every write on the socket: queued frames first, then pings.
// It sends the close frame and releases the socket when done is closed.
func (c *wsConn) writeLoop(pingInterval time.Duration) {
	var (
		tick  <-chan time.Time
		first <-chan time.Time
	)
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		tick = ticker.C
		delay := firstPingDelay
		if delay > pingInterval {
			delay = pingInterval
		}
		firstTimer := time.NewTimer(delay)
		defer firstTimer.Stop()
		first = firstTimer.C
	}

	defer func() {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.conn.Close()
		c.closeOnce.Do(func() { close(c.done) })
	}()

	ping := func() bool {
		if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.writeWait)); err != nil {
			logger.Warn("[WS] ping failed", zap.String("user", c.userID), zap.Error(err))
			return false
		}
		return true
	}

	write := func(payload []byte) bool {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			logger.Warn("[WS] write failed", zap.String("user", c.userID), zap.Error(err))
			return false
		}
		return true
	}

	for {
		select {
		case <-c.done:
			// flush what was queued before Close, e.g. leave-order on logout
			for {
				select {
				case payload := <-c.send:
					if !write(payload) {
						return
					}
				default:
					return
				}
			}
		case payload := <-c.send:
			if !write(payload) {
				return
			}
		case <-first:
			if !ping() {
				return
			}
		case <-tick:
			if !ping() {
				return
			}
		}
	}
}
