package message

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"marketsync/logger"
	"marketsync/module/market/model"
	"marketsync/service/metrics"
	"marketsync/tools/errs"

	"go.uber.org/zap"
)

// ErrSuperseded is returned by a conversation fetch that finished after a
// newer fetch started; its result was thrown away.
var ErrSuperseded = errors.New("conversation fetch superseded")

// API is the slice of the backend the store needs.
type API interface {
	GetConversation(ctx context.Context, peerID string) ([]model.Message, error)
	SendMessage(ctx context.Context, d model.Draft) (model.Message, error)
	MarkRead(ctx context.Context, peerID string) error
	DeleteMessage(ctx context.Context, messageID string) error
}

// Index is notified whenever message activity may have changed the
// conversation summaries.
type Index interface {
	Trigger()
	ZeroUnread(peerID string)
}

// Store holds the message log of the one active conversation.
//
// Every message id that entered the log is remembered in a seen set until
// the next conversation switch, so a push echo of a message we just sent,
// a redelivered push or a late echo of a deleted message is never applied
// twice.
type Store struct {
	api   API
	index Index
	self  string
	log   *zap.Logger

	mu   sync.Mutex
	gen  uint64 // bumps on every conversation switch
	peer string
	msgs []model.Message
	seen map[string]struct{}
}

func NewStore(api API, index Index, selfID string) *Store {
	return &Store{
		api:   api,
		index: index,
		self:  selfID,
		log:   logger.Named("messages"),
		seen:  make(map[string]struct{}),
	}
}

// FetchConversation makes peerID the active conversation and loads its
// history. Pushes that arrive while the request is in flight are kept.
func (s *Store) FetchConversation(ctx context.Context, peerID string) ([]model.Message, error) {
	if isPlaceholder(peerID) {
		return nil, errs.ErrValidation.WrapMsg("invalid conversation peer", "peer", peerID)
	}

	s.mu.Lock()
	s.gen++
	g := s.gen
	s.peer = peerID
	s.msgs = nil
	s.seen = make(map[string]struct{})
	s.mu.Unlock()

	history, err := s.api.GetConversation(ctx, peerID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if g != s.gen {
		s.log.Debug("discard superseded fetch", zap.String("peer", peerID))
		return nil, ErrSuperseded
	}
	if err != nil {
		return nil, err
	}

	merged := make([]model.Message, 0, len(history)+len(s.msgs))
	seen := make(map[string]struct{}, len(history)+len(s.msgs))
	for _, batch := range [][]model.Message{history, s.msgs} {
		for _, m := range batch {
			if m.ID != "" {
				if _, dup := seen[m.ID]; dup {
					continue
				}
				seen[m.ID] = struct{}{}
			}
			merged = append(merged, m)
		}
	}
	sortByCreated(merged)

	s.msgs = merged
	s.seen = seen
	return slices.Clone(merged), nil
}

// Send validates the draft locally, posts it and appends the stored message
// to the log unless a push already delivered it.
func (s *Store) Send(ctx context.Context, d model.Draft) (model.Message, error) {
	if err := ValidateDraft(d); err != nil {
		return model.Message{}, err
	}

	msg, err := s.api.SendMessage(ctx, d)
	if err != nil {
		return model.Message{}, err
	}

	s.mu.Lock()
	s.appendLocked(msg)
	s.mu.Unlock()

	s.index.Trigger()
	return msg, nil
}

// Receive applies a pushed message. It reports whether the message was
// appended to the active log.
func (s *Store) Receive(msg model.Message) bool {
	s.mu.Lock()
	if msg.ID != "" {
		if _, dup := s.seen[msg.ID]; dup {
			s.mu.Unlock()
			metrics.DuplicateMessages.Inc()
			s.log.Debug("drop duplicate message", zap.String("id", msg.ID))
			return false
		}
	}
	appended := s.appendLocked(msg)
	s.mu.Unlock()

	s.index.Trigger()
	return appended
}

// appendLocked adds msg when it belongs to the active conversation and is unseen.
func (s *Store) appendLocked(msg model.Message) bool {
	if s.peer == "" || !msg.Between(s.self, s.peer) {
		return false
	}
	if msg.ID != "" {
		if _, dup := s.seen[msg.ID]; dup {
			return false
		}
		s.seen[msg.ID] = struct{}{}
	}
	s.msgs = append(s.msgs, msg)
	if n := len(s.msgs); n > 1 && s.msgs[n-1].CreatedAt.Before(s.msgs[n-2].CreatedAt) {
		sortByCreated(s.msgs)
	}
	return true
}

// MarkRead zeroes the local unread counter first; a failed backend call is
// only logged. After the backend accepted it the list is refreshed, so a
// refresh that started before the mark cannot leave the old count behind.
func (s *Store) MarkRead(ctx context.Context, peerID string) {
	s.index.ZeroUnread(peerID)
	if err := s.api.MarkRead(ctx, peerID); err != nil {
		s.log.Warn("mark read failed", zap.String("peer", peerID), zap.Error(err))
		return
	}
	s.index.Trigger()
}

// DeleteMessage removes the message locally and on the backend. The local
// removal is not undone when the backend refuses.
func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	s.mu.Lock()
	s.msgs = slices.DeleteFunc(s.msgs, func(m model.Message) bool { return m.ID == messageID })
	s.seen[messageID] = struct{}{}
	s.mu.Unlock()

	err := s.api.DeleteMessage(ctx, messageID)
	s.index.Trigger()
	if err != nil {
		s.log.Warn("delete failed on backend", zap.String("id", messageID), zap.Error(err))
		return err
	}
	return nil
}

func (s *Store) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.msgs)
}

func (s *Store) ActivePeer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *Store) Seen(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[messageID]
	return ok
}

// Reset leaves the active conversation. In-flight fetches are discarded.
func (s *Store) Reset() {
	s.mu.Lock()
	s.gen++
	s.peer = ""
	s.msgs = nil
	s.seen = make(map[string]struct{})
	s.mu.Unlock()
}

func sortByCreated(msgs []model.Message) {
	slices.SortStableFunc(msgs, func(a, b model.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

var placeholders = []string{"undefined", "null", "nil", "none", "0"}

// isPlaceholder catches ids that are empty or a stringified missing value.
func isPlaceholder(id string) bool {
	id = strings.ToLower(strings.TrimSpace(id))
	return id == "" || slices.Contains(placeholders, id)
}

// ValidateDraft rejects drafts the backend would refuse, before any network call.
func ValidateDraft(d model.Draft) error {
	if isPlaceholder(d.ReceiverID) {
		return errs.ErrValidation.WrapMsg("invalid receiver", "receiver", d.ReceiverID)
	}
	if strings.TrimSpace(d.Content) == "" && len(d.Attachments) == 0 {
		return errs.ErrValidation.WrapMsg("message has neither content nor attachments")
	}
	for i, a := range d.Attachments {
		if len(a.Data) == 0 {
			return errs.ErrValidation.WrapMsg("empty attachment", "index", i, "filename", a.Filename)
		}
	}
	return nil
}
