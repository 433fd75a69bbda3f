package conversation

import (
	"context"
	"sync"
	"time"

	"marketsync/logger"
	"marketsync/module/market/model"

	"go.uber.org/zap"
)

type API interface {
	GetConversations(ctx context.Context) ([]model.Conversation, error)
}

// Index is the conversation summary list with per-peer unread counters.
// Refreshes are full refetches; one that finishes after a newer one started
// is dropped.
type Index struct {
	api API
	log *zap.Logger

	trigger chan struct{}

	mu      sync.RWMutex
	gen     uint64
	applied uint64 // gen of the refresh currently shown
	convs   []model.Conversation
}

func NewIndex(api API) *Index {
	return &Index{
		api:     api,
		log:     logger.Named("conversations"),
		trigger: make(chan struct{}, 1),
	}
}

// Refresh refetches the whole list.
func (x *Index) Refresh(ctx context.Context) error {
	x.mu.Lock()
	x.gen++
	g := x.gen
	x.mu.Unlock()

	convs, err := x.api.GetConversations(ctx)
	if err != nil {
		x.log.Warn("refresh failed", zap.Error(err))
		return err
	}
	for i := range convs {
		if convs[i].UnreadCount < 0 {
			convs[i].UnreadCount = 0
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if g < x.applied {
		x.log.Debug("drop overtaken refresh", zap.Uint64("gen", g), zap.Uint64("applied", x.applied))
		return nil
	}
	x.applied = g
	x.convs = convs
	return nil
}

// Trigger asks Run for a refresh. Requests made while one is pending are
// coalesced; it never blocks.
func (x *Index) Trigger() {
	select {
	case x.trigger <- struct{}{}:
	default:
	}
}

// Run services Trigger and refetches every interval until ctx ends.
// interval <= 0 disables the periodic refetch.
func (x *Index) Run(ctx context.Context, interval time.Duration) {
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-x.trigger:
		case <-tick:
		}
		_ = x.Refresh(ctx)
	}
}

func (x *Index) Conversations() []model.Conversation {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]model.Conversation(nil), x.convs...)
}

func (x *Index) Get(peerID string) (model.Conversation, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, c := range x.convs {
		if c.PeerID == peerID {
			return c, true
		}
	}
	return model.Conversation{}, false
}

// TotalUnread is the sum of the per-conversation unread counts.
func (x *Index) TotalUnread() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	total := 0
	for _, c := range x.convs {
		total += c.UnreadCount
	}
	return total
}

func (x *Index) ZeroUnread(peerID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for i := range x.convs {
		if x.convs[i].PeerID == peerID {
			x.convs[i].UnreadCount = 0
		}
	}
}

// Reset clears the list; refreshes already in flight are dropped.
func (x *Index) Reset() {
	x.mu.Lock()
	x.gen++
	x.applied = x.gen
	x.convs = nil
	x.mu.Unlock()
}
