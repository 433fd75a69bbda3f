package message

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketsync/module/market/model"
	"marketsync/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func msg(id, from, to string, minute int) model.Message {
	return model.Message{ID: id, SenderID: from, ReceiverID: to, Content: id, CreatedAt: t0.Add(time.Duration(minute) * time.Minute)}
}

type fakeAPI struct {
	mu        sync.Mutex
	history   map[string][]model.Message
	gates     map[string]chan struct{} // GetConversation blocks until the gate closes
	sendResp  model.Message
	sendErr   error
	sendCalls int
	markErr   error
	marked    []string
	deleteErr error
	deleted   []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{history: map[string][]model.Message{}, gates: map[string]chan struct{}{}}
}

func (f *fakeAPI) GetConversation(ctx context.Context, peerID string) ([]model.Message, error) {
	f.mu.Lock()
	gate := f.gates[peerID]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Message(nil), f.history[peerID]...), nil
}

func (f *fakeAPI) SendMessage(_ context.Context, _ model.Draft) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	return f.sendResp, f.sendErr
}

func (f *fakeAPI) MarkRead(_ context.Context, peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, peerID)
	return f.markErr
}

func (f *fakeAPI) DeleteMessage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.deleteErr
}

type fakeIndex struct {
	triggers atomic.Int32
	zeroed   []string
}

func (f *fakeIndex) Trigger()                 { f.triggers.Add(1) }
func (f *fakeIndex) ZeroUnread(peerID string) { f.zeroed = append(f.zeroed, peerID) }

func ids(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestFetchSortsAndDedups(t *testing.T) {
	api := newFakeAPI()
	api.history["u1"] = []model.Message{
		msg("m3", "u1", "me", 3),
		msg("m1", "me", "u1", 1),
		msg("m2", "u1", "me", 2),
		msg("m1", "me", "u1", 1),
	}
	s := NewStore(api, &fakeIndex{}, "me")

	got, err := s.FetchConversation(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(got))
	assert.True(t, s.Seen("m2"))
	assert.Equal(t, "u1", s.ActivePeer())
}

func TestFetchRejectsPlaceholderPeer(t *testing.T) {
	s := NewStore(newFakeAPI(), &fakeIndex{}, "me")
	for _, p := range []string{"", "undefined", "NULL", " 0 "} {
		_, err := s.FetchConversation(context.Background(), p)
		assert.True(t, errs.IsValidation(err), p)
	}
}

func TestSwitchClearsSeenSet(t *testing.T) {
	api := newFakeAPI()
	api.history["u1"] = []model.Message{msg("m1", "u1", "me", 1)}
	api.history["u2"] = []model.Message{msg("m9", "u2", "me", 1)}
	s := NewStore(api, &fakeIndex{}, "me")

	_, err := s.FetchConversation(context.Background(), "u1")
	require.NoError(t, err)
	_, err = s.FetchConversation(context.Background(), "u2")
	require.NoError(t, err)

	assert.False(t, s.Seen("m1"))
	assert.Equal(t, []string{"m9"}, ids(s.Messages()))
}

func TestRapidSwitchDiscardsStaleFetch(t *testing.T) {
	api := newFakeAPI()
	api.history["u1"] = []model.Message{msg("a1", "u1", "me", 1)}
	api.history["u2"] = []model.Message{msg("b1", "u2", "me", 1)}
	gate := make(chan struct{})
	api.gates["u1"] = gate
	s := NewStore(api, &fakeIndex{}, "me")

	errc := make(chan error, 1)
	go func() {
		_, err := s.FetchConversation(context.Background(), "u1")
		errc <- err
	}()
	require.Eventually(t, func() bool { return s.ActivePeer() == "u1" }, time.Second, time.Millisecond)

	_, err := s.FetchConversation(context.Background(), "u2")
	require.NoError(t, err)
	close(gate)

	assert.ErrorIs(t, <-errc, ErrSuperseded)
	assert.Equal(t, "u2", s.ActivePeer())
	assert.Equal(t, []string{"b1"}, ids(s.Messages()))
}

func TestPushDuringFetchIsMerged(t *testing.T) {
	api := newFakeAPI()
	api.history["u1"] = []model.Message{msg("m1", "u1", "me", 1), msg("m2", "u1", "me", 2)}
	gate := make(chan struct{})
	api.gates["u1"] = gate
	s := NewStore(api, &fakeIndex{}, "me")

	done := make(chan []model.Message, 1)
	go func() {
		got, _ := s.FetchConversation(context.Background(), "u1")
		done <- got
	}()
	require.Eventually(t, func() bool { return s.ActivePeer() == "u1" }, time.Second, time.Millisecond)

	assert.True(t, s.Receive(msg("m3", "u1", "me", 3)))
	assert.True(t, s.Receive(msg("m2", "u1", "me", 2)))
	close(gate)

	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(<-done))
}

func TestSendValidatesBeforeNetwork(t *testing.T) {
	api := newFakeAPI()
	s := NewStore(api, &fakeIndex{}, "me")

	cases := []model.Draft{
		{ReceiverID: "", Content: "hi"},
		{ReceiverID: "undefined", Content: "hi"},
		{ReceiverID: "null", Content: "hi"},
		{ReceiverID: "u1", Content: "   "},
		{ReceiverID: "u1", Attachments: []model.AttachmentDraft{{Filename: "x"}}},
	}
	for _, d := range cases {
		_, err := s.Send(context.Background(), d)
		assert.True(t, errs.IsValidation(err), "%+v", d)
	}
	assert.Equal(t, 0, api.sendCalls)
}

func TestSendThenEchoAppearsOnce(t *testing.T) {
	api := newFakeAPI()
	idx := &fakeIndex{}
	s := NewStore(api, idx, "me")
	_, err := s.FetchConversation(context.Background(), "u1")
	require.NoError(t, err)

	api.sendResp = msg("m42", "me", "u1", 5)
	sent, err := s.Send(context.Background(), model.Draft{ReceiverID: "u1", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "m42", sent.ID)

	assert.False(t, s.Receive(msg("m42", "me", "u1", 5)))
	assert.Equal(t, []string{"m42"}, ids(s.Messages()))
	assert.Equal(t, int32(1), idx.triggers.Load())
}

func TestEchoBeforeSendReturnsAppearsOnce(t *testing.T) {
	api := newFakeAPI()
	s := NewStore(api, &fakeIndex{}, "me")
	_, err := s.FetchConversation(context.Background(), "u1")
	require.NoError(t, err)

	assert.True(t, s.Receive(msg("m42", "me", "u1", 5)))
	api.sendResp = msg("m42", "me", "u1", 5)
	_, err = s.Send(context.Background(), model.Draft{ReceiverID: "u1", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m42"}, ids(s.Messages()))
}

func TestSendFailureLeavesLogUntouched(t *testing.T) {
	api := newFakeAPI()
	api.sendErr = errs.ErrNetwork.WrapMsg("down")
	s := NewStore(api, &fakeIndex{}, "me")
	_, _ = s.FetchConversation(context.Background(), "u1")

	_, err := s.Send(context.Background(), model.Draft{ReceiverID: "u1", Content: "hi"})
	assert.True(t, errs.IsNetwork(err))
	assert.Empty(t, s.Messages())
}

func TestReceiveForOtherConversation(t *testing.T) {
	idx := &fakeIndex{}
	s := NewStore(newFakeAPI(), idx, "me")
	_, _ = s.FetchConversation(context.Background(), "u1")

	assert.False(t, s.Receive(msg("x1", "u2", "me", 1)))
	assert.Empty(t, s.Messages())
	assert.False(t, s.Seen("x1"))
	assert.Equal(t, int32(1), idx.triggers.Load())
}

func TestReceiveKeepsCreationOrder(t *testing.T) {
	s := NewStore(newFakeAPI(), &fakeIndex{}, "me")
	_, _ = s.FetchConversation(context.Background(), "u1")

	s.Receive(msg("m2", "u1", "me", 2))
	s.Receive(msg("m1", "me", "u1", 1))
	s.Receive(msg("m3", "u1", "me", 3))
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(s.Messages()))
}

func TestDeleteKeepsIdentitySeen(t *testing.T) {
	api := newFakeAPI()
	api.history["u1"] = []model.Message{msg("m1", "u1", "me", 1), msg("m2", "u1", "me", 2)}
	idx := &fakeIndex{}
	s := NewStore(api, idx, "me")
	_, _ = s.FetchConversation(context.Background(), "u1")

	require.NoError(t, s.DeleteMessage(context.Background(), "m1"))
	assert.Equal(t, []string{"m2"}, ids(s.Messages()))

	assert.False(t, s.Receive(msg("m1", "u1", "me", 1)))
	assert.Equal(t, []string{"m2"}, ids(s.Messages()))
	assert.Equal(t, []string{"m1"}, api.deleted)
	assert.Equal(t, int32(1), idx.triggers.Load())
}

func TestDeleteFailureIsSurfacedWithoutRestore(t *testing.T) {
	api := newFakeAPI()
	api.history["u1"] = []model.Message{msg("m1", "u1", "me", 1)}
	api.deleteErr = errs.ErrNetwork.WrapMsg("down")
	s := NewStore(api, &fakeIndex{}, "me")
	_, _ = s.FetchConversation(context.Background(), "u1")

	err := s.DeleteMessage(context.Background(), "m1")
	assert.True(t, errs.IsNetwork(err))
	assert.Empty(t, s.Messages())
}

func TestMarkReadSwallowsFailure(t *testing.T) {
	api := newFakeAPI()
	api.markErr = errors.New("boom")
	idx := &fakeIndex{}
	s := NewStore(api, idx, "me")

	s.MarkRead(context.Background(), "u1")
	assert.Equal(t, []string{"u1"}, idx.zeroed)
	assert.Equal(t, []string{"u1"}, api.marked)
	assert.Zero(t, idx.triggers.Load())
}

func TestMarkReadRefreshesIndexAfterBackend(t *testing.T) {
	api := newFakeAPI()
	idx := &fakeIndex{}
	s := NewStore(api, idx, "me")

	s.MarkRead(context.Background(), "u1")
	assert.Equal(t, []string{"u1"}, idx.zeroed)
	assert.Equal(t, []string{"u1"}, api.marked)
	assert.Equal(t, int32(1), idx.triggers.Load())
}

func TestResetDiscardsInflightFetch(t *testing.T) {
	api := newFakeAPI()
	api.history["u1"] = []model.Message{msg("m1", "u1", "me", 1)}
	gate := make(chan struct{})
	api.gates["u1"] = gate
	s := NewStore(api, &fakeIndex{}, "me")

	errc := make(chan error, 1)
	go func() {
		_, err := s.FetchConversation(context.Background(), "u1")
		errc <- err
	}()
	require.Eventually(t, func() bool { return s.ActivePeer() == "u1" }, time.Second, time.Millisecond)
	s.Reset()
	close(gate)

	assert.ErrorIs(t, <-errc, ErrSuperseded)
	assert.Empty(t, s.Messages())
	assert.Equal(t, "", s.ActivePeer())
}
