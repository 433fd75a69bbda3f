package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"marketsync/global/config"
	"marketsync/logger"
	"marketsync/module/attachment"
	"marketsync/module/conversation"
	"marketsync/module/market/model"
	"marketsync/module/message"
	"marketsync/module/order"
	"marketsync/service/backend"
	"marketsync/service/channel"
	"marketsync/tools/errs"
	"marketsync/tools/safe"
	"marketsync/tools/security"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const resyncTimeout = 30 * time.Second

type Options struct {
	// Transport overrides the one named in the channel config.
	Transport channel.Transport
	Notifier  order.Notifier
}

// Session owns the services of one signed-in user. Everything is built by
// Open and torn down by Close; nothing outlives it.
type Session struct {
	Identity security.Identity
	Role     model.Role

	Backend       *backend.Client
	Channel       *channel.Adapter
	Messages      *message.Store
	Conversations *conversation.Index
	Orders        *order.Engine
	Attachments   *attachment.Resolver

	log *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	resync    chan struct{}
	unlisten  func()
	closeOnce sync.Once

	mu      sync.Mutex
	started bool // set once the initial connect returned
}

// Open authenticates credential, wires the services, connects the push
// channel and loads orders and conversations.
//
// A channel that cannot be reached within its retry budget does not fail
// Open: the session starts offline and keeps itself current by polling.
// A missing or rejected credential does.
func Open(ctx context.Context, cfg *config.AppConfig, credential string, opts Options) (*Session, error) {
	authOpts := security.Options{Alg: cfg.Auth.Alg}
	if cfg.Auth.Secret != "" {
		authOpts.Secret = []byte(cfg.Auth.Secret)
	}
	id, err := security.ParseIdentity(authOpts, credential)
	if err != nil {
		return nil, err
	}
	role := model.Role(cfg.Role)
	if role == "" {
		role = model.Role(id.Role)
	}
	if !role.Valid() {
		return nil, errs.ErrValidation.WrapMsg("session role must be buyer or seller", "role", role)
	}

	transport := opts.Transport
	if transport == nil {
		if transport, err = NewTransport(cfg.Channel); err != nil {
			return nil, err
		}
	}

	client := backend.NewClient(backend.Config{
		BaseURL:   cfg.Backend.BaseURL,
		Timeout:   cfg.Backend.Timeout,
		UserAgent: cfg.Backend.UserAgent,
	}, credential)
	ch := channel.NewAdapter(transport, channel.Options{
		MaxAttempts: cfg.Channel.MaxAttempts,
		RetryDelay:  cfg.Channel.RetryDelay,
		Auth:        authOpts,
	})
	index := conversation.NewIndex(client)

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		Identity:      id,
		Role:          role,
		Backend:       client,
		Channel:       ch,
		Messages:      message.NewStore(client, index, id.UserID),
		Conversations: index,
		Orders:        order.NewEngine(client, ch, role, id.UserID, opts.Notifier),
		Attachments:   attachment.NewResolver(client),
		log:           logger.Named("session").With(zap.String("user", id.UserID), zap.String("role", string(role))),
		ctx:           sctx,
		cancel:        cancel,
		resync:        make(chan struct{}, 1),
	}
	s.subscribe()
	s.unlisten = ch.OnStateChange(s.onState)

	if err := ch.Connect(ctx, credential); err != nil {
		if errs.IsAuth(err) || errs.HasCode(err, errs.UnrecoverableError) {
			s.Close()
			return nil, err
		}
		s.log.Warn("push channel unavailable, starting offline", zap.Error(err))
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Orders.Fetch(gctx) })
	g.Go(func() error { return s.Conversations.Refresh(gctx) })
	if err := g.Wait(); err != nil {
		s.Close()
		return nil, err
	}

	s.wg.Add(2)
	safe.Go("session.index", func() {
		defer s.wg.Done()
		s.Conversations.Run(s.ctx, cfg.Sync.ConversationRefresh)
	})
	safe.Go("session.resync", func() {
		defer s.wg.Done()
		s.resyncLoop()
	})

	s.log.Info("session open", zap.Stringer("channel", ch.State()),
		zap.Int("orders", len(s.Orders.Active())), zap.Int("unread", s.Conversations.TotalUnread()))
	return s, nil
}

func (s *Session) subscribe() {
	channel.On(s.Channel, model.EventNewMessage, func(ev model.NewMessageEvent) error {
		s.Messages.Receive(ev.Message)
		return nil
	})
	channel.On(s.Channel, model.EventOrderUpdated, s.Orders.OnUpdated)
	channel.On(s.Channel, model.EventOrderCancelled, s.Orders.OnCancelled)
	channel.On(s.Channel, model.EventOrderRejected, s.Orders.OnRejected)
	channel.On(s.Channel, model.EventOrderCancelledByBuyer, s.Orders.OnCancelledByBuyer)
	channel.On(s.Channel, model.EventOrderRejectedByOtherSeller, s.Orders.OnRejectedByOtherSeller)
}

// onState runs on the goroutine that changed the channel state, so the
// network work is handed to resyncLoop. Every Online after the initial
// connect is a reconnect.
func (s *Session) onState(st channel.State) {
	switch st {
	case channel.StateOnline:
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if started {
			select {
			case s.resync <- struct{}{}:
			default:
			}
		}
	case channel.StateOffline:
		s.log.Warn("push channel offline, polling only until reconnect")
	}
}

func (s *Session) resyncLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.resync:
		}
		ctx, cancel := context.WithTimeout(s.ctx, resyncTimeout)
		s.Resync(ctx)
		cancel()
	}
}

// Resync catches up on whatever the push channel missed while it was down.
func (s *Session) Resync(ctx context.Context) {
	if err := s.Orders.RejoinScopes(); err != nil {
		s.log.Warn("rejoin order scopes", zap.Error(err))
	}
	if err := s.Orders.Fetch(ctx); err != nil {
		s.log.Warn("refetch orders", zap.Error(err))
	}
	if peer := s.Messages.ActivePeer(); peer != "" {
		if _, err := s.Messages.FetchConversation(ctx, peer); err != nil && !errors.Is(err, message.ErrSuperseded) {
			s.log.Warn("refetch conversation", zap.String("peer", peer), zap.Error(err))
		}
	}
	s.Conversations.Trigger()
	s.log.Info("resynced after reconnect")
}

// OpenConversation makes peerID the active conversation and marks it read.
func (s *Session) OpenConversation(ctx context.Context, peerID string) ([]model.Message, error) {
	msgs, err := s.Messages.FetchConversation(ctx, peerID)
	if err != nil {
		return nil, err
	}
	s.Messages.MarkRead(ctx, peerID)
	return msgs, nil
}

// Reconnect asks an offline channel to try again.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.Channel.Reconnect(ctx)
}

// Close leaves all order scopes, closes the channel, stops the loops and
// clears local state. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.unlisten != nil {
			s.unlisten()
		}
		s.cancel()
		s.Orders.Close()
		_ = s.Channel.Close()
		s.wg.Wait()
		s.Messages.Reset()
		s.Conversations.Reset()
		s.log.Info("session closed")
	})
}
