package channel

import (
	"context"
	"sync"
	"time"

	"marketsync/logger"
	"marketsync/module/market/model"
	"marketsync/service/metrics"
	"marketsync/tools/decode"
	"marketsync/tools/errs"
	"marketsync/tools/safe"
	"marketsync/tools/security"

	"go.uber.org/zap"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOnline
	StateOffline // retries exhausted; only Reconnect or Connect leave this state
	StateClosed
)

var stateNames = []string{"disconnected", "connecting", "online", "offline", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

type Options struct {
	MaxAttempts int
	RetryDelay  time.Duration
	Auth        security.Options
}

type stateListener struct {
	id uint64
	fn func(State)
}

// Adapter keeps one authenticated push connection alive. Inbound frames are
// dispatched one at a time, in arrival order, on the connection's read loop.
type Adapter struct {
	transport Transport
	opts      Options
	disp      *Dispatcher
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	credential string
	identity   security.Identity
	conn       Conn
	gen        uint64 // bumps on every attach/detach; stale readers compare against it
	dialing    bool
	listeners  []stateListener
	nextID     uint64
}

func NewAdapter(t Transport, opts Options) *Adapter {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		transport: t,
		opts:      opts,
		disp:      NewDispatcher(),
		log:       logger.Named("channel").With(zap.String("transport", t.Name())),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Connect authenticates with credential and dials, retrying up to
// MaxAttempts times. A missing credential fails immediately.
func (a *Adapter) Connect(ctx context.Context, credential string) error {
	id, err := security.ParseIdentity(a.opts.Auth, credential)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return errs.ErrUnrecoverable.WrapMsg("channel closed")
	}
	if a.dialing {
		a.mu.Unlock()
		return errs.ErrNetwork.WrapMsg("connect already in progress")
	}
	old := a.conn
	a.conn = nil
	a.gen++
	a.credential = credential
	a.identity = id
	a.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return a.dial(ctx)
}

// Reconnect retries after the adapter went Offline. It is a no-op when online.
func (a *Adapter) Reconnect(ctx context.Context) error {
	a.mu.Lock()
	st, cred := a.state, a.credential
	a.mu.Unlock()

	switch {
	case st == StateClosed:
		return errs.ErrUnrecoverable.WrapMsg("channel closed")
	case st == StateOnline:
		return nil
	case cred == "":
		return errs.ErrUnrecoverable.WrapMsg("no session credential")
	}
	return a.dial(ctx)
}

func (a *Adapter) dial(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return errs.ErrUnrecoverable.WrapMsg("channel closed")
	}
	if a.dialing {
		a.mu.Unlock()
		return errs.ErrNetwork.WrapMsg("connect already in progress")
	}
	a.dialing = true
	cred, uid := a.credential, a.identity.UserID
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.dialing = false
		a.mu.Unlock()
	}()

	a.setState(StateConnecting)

	var (
		lastErr  error
		attempts int
	)
retry:
	for attempts = 1; ; attempts++ {
		conn, err := a.open(ctx, uid, cred)
		if err == nil {
			metrics.ChannelDialAttempts.WithLabelValues("ok").Inc()
			return a.attach(conn)
		}
		metrics.ChannelDialAttempts.WithLabelValues("error").Inc()
		lastErr = err
		a.log.Warn("dial failed", zap.Int("attempt", attempts),
			zap.Int("max", a.opts.MaxAttempts), zap.Error(err))

		if errs.IsAuth(err) || attempts >= a.opts.MaxAttempts {
			break
		}
		timer := time.NewTimer(a.opts.RetryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			lastErr = ctx.Err()
			break retry
		case <-a.ctx.Done():
			timer.Stop()
			return errs.ErrUnrecoverable.WrapMsg("channel closed")
		}
	}

	a.setState(StateOffline)
	if errs.IsAuth(lastErr) {
		return lastErr
	}
	return errs.ErrNetwork.WrapMsg("push channel offline", "attempts", attempts, "err", lastErr)
}

// open dials once and announces the session on the new connection.
func (a *Adapter) open(ctx context.Context, uid, cred string) (Conn, error) {
	conn, err := a.transport.Dial(ctx, uid, cred)
	if err != nil {
		return nil, err
	}
	join := NewFrame(model.CmdJoinSession, model.JoinSession{UserID: uid}, uid)
	if err := conn.WriteFrame(join); err != nil {
		_ = conn.Close()
		return nil, errs.ErrNetwork.WrapMsg("join session", "err", err)
	}
	return conn, nil
}

func (a *Adapter) attach(conn Conn) error {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		_ = conn.Close()
		return errs.ErrUnrecoverable.WrapMsg("channel closed")
	}
	a.gen++
	g := a.gen
	a.conn = conn
	a.mu.Unlock()

	go a.readLoop(conn, g)
	a.setState(StateOnline)
	return nil
}

func (a *Adapter) readLoop(conn Conn, g uint64) {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			a.handleDrop(g, err)
			return
		}
		a.disp.Dispatch(f)
	}
}

// handleDrop starts the bounded reconnect unless the connection was already
// replaced or the adapter closed.
func (a *Adapter) handleDrop(g uint64, cause error) {
	a.mu.Lock()
	if g != a.gen || a.state == StateClosed {
		a.mu.Unlock()
		return
	}
	conn := a.conn
	a.conn = nil
	a.gen++
	a.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	a.log.Warn("connection lost, reconnecting", zap.Error(cause))
	a.setState(StateDisconnected)
	if err := a.dial(a.ctx); err != nil {
		a.log.Error("reconnect gave up", zap.Error(err))
	}
}

// Emit sends a command to the gateway. It fails with a network error while
// the adapter is not online; nothing is queued.
func (a *Adapter) Emit(kind string, payload any) error {
	a.mu.Lock()
	conn, st, uid := a.conn, a.state, a.identity.UserID
	a.mu.Unlock()

	if st != StateOnline || conn == nil {
		return errs.ErrNetwork.WrapMsg("channel not online", "event", kind, "state", st.String())
	}
	if err := conn.WriteFrame(NewFrame(kind, payload, uid)); err != nil {
		if errs.Code(err) != 0 {
			return err
		}
		return errs.ErrNetwork.WrapMsg("emit", "event", kind, "err", err)
	}
	return nil
}

// Subscribe installs the handler for kind. A second Subscribe for the same
// kind replaces the first, so re-registering never double-applies an event.
func (a *Adapter) Subscribe(kind string, h Handler) { a.disp.Register(kind, h) }

func (a *Adapter) Unsubscribe(kind string) { a.disp.Unregister(kind) }

// OnStateChange registers fn for every state transition and returns a
// function that removes it.
func (a *Adapter) OnStateChange(fn func(State)) (remove func()) {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.listeners = append(a.listeners, stateListener{id: id, fn: fn})
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, l := range a.listeners {
			if l.id == id {
				a.listeners = append(a.listeners[:i], a.listeners[i+1:]...)
				return
			}
		}
	}
}

func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Adapter) Identity() security.Identity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity
}

func (a *Adapter) setState(s State) {
	a.mu.Lock()
	if a.state == s || a.state == StateClosed {
		a.mu.Unlock()
		return
	}
	prev := a.state
	a.state = s
	ls := append([]stateListener(nil), a.listeners...)
	a.mu.Unlock()

	a.notify(prev, s, ls)
}

func (a *Adapter) notify(prev, s State, ls []stateListener) {
	metrics.SetChannelState(s.String(), stateNames...)
	a.log.Info("state changed", zap.Stringer("from", prev), zap.Stringer("to", s))
	for _, l := range ls {
		fn := l.fn
		_ = safe.Call("channel.state", func() { fn(s) })
	}
}

// Close tears the connection down for good. Handlers and listeners stay
// registered but never fire again.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return nil
	}
	prev := a.state
	a.state = StateClosed
	conn := a.conn
	a.conn = nil
	a.gen++
	ls := append([]stateListener(nil), a.listeners...)
	a.mu.Unlock()

	a.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	a.notify(prev, StateClosed, ls)
	return nil
}

// On subscribes a typed handler. The frame payload is decoded into T; frames
// that do not decode are logged and dropped, as are handler errors.
func On[T any](a *Adapter, kind string, fn func(T) error) {
	a.Subscribe(kind, func(f Frame) {
		m, ok := f.Data.(map[string]any)
		if !ok {
			a.log.Warn("drop frame with non-object payload", zap.String("event", kind), zap.String("id", f.ID))
			metrics.ChannelEvents.WithLabelValues(kind, "bad_payload").Inc()
			return
		}
		v, err := decode.Map[T](m)
		if err != nil {
			a.log.Warn("drop undecodable payload", zap.String("event", kind), zap.String("id", f.ID), zap.Error(err))
			metrics.ChannelEvents.WithLabelValues(kind, "bad_payload").Inc()
			return
		}
		if err := fn(*v); err != nil {
			a.log.Warn("handler failed", zap.String("event", kind), zap.String("id", f.ID), zap.Error(err))
			metrics.ChannelEvents.WithLabelValues(kind, "failed").Inc()
		}
	})
}
