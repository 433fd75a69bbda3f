package order

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketsync/module/market/model"
	"marketsync/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu        sync.Mutex
	orders    []model.Order
	fetches   atomic.Int32
	updateErr error
	cancelErr error
	gate      chan struct{} // mutations block until closed when set
	cancels   []string
}

func (f *fakeAPI) GetOrders(context.Context, model.Role) ([]model.Order, error) {
	f.fetches.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Order, 0, len(f.orders))
	for _, o := range f.orders {
		out = append(out, o.Clone())
	}
	return out, nil
}

func (f *fakeAPI) wait() {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

func (f *fakeAPI) UpdateOrderStatus(_ context.Context, id string, status model.Status) (model.Order, error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return model.Order{}, f.updateErr
	}
	o := ord(id, status)
	for _, cur := range f.orders {
		if cur.ID == id {
			o = cur.Clone()
			o.Status = status
		}
	}
	o.Number = "srv"
	return o, nil
}

func (f *fakeAPI) CancelOrder(_ context.Context, id string, role model.Role, reason string) (model.Order, error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id+":"+string(role))
	if f.cancelErr != nil {
		return model.Order{}, f.cancelErr
	}
	status := model.StatusCancelled
	if role == model.RoleSeller {
		status = model.StatusRejected
	}
	o := ord(id, status)
	o.Reason = reason
	return o, nil
}

func (f *fakeAPI) setOrders(orders ...model.Order) {
	f.mu.Lock()
	f.orders = orders
	f.mu.Unlock()
}

type scopeLog struct {
	mu   sync.Mutex
	cmds []string
	err  error
}

func (s *scopeLog) Emit(kind string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.cmds = append(s.cmds, kind+":"+payload.(model.OrderScope).OrderID)
	return nil
}

func (s *scopeLog) take() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.cmds
	s.cmds = nil
	return out
}

type inbox struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *inbox) Notify(x Notification) {
	n.mu.Lock()
	n.notes = append(n.notes, x)
	n.mu.Unlock()
}

func (n *inbox) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.notes...)
}

func newEngine(t *testing.T, role model.Role, self string, orders ...model.Order) (*Engine, *fakeAPI, *scopeLog, *inbox) {
	t.Helper()
	api := &fakeAPI{orders: orders}
	scopes := &scopeLog{}
	notes := &inbox{}
	e := NewEngine(api, scopes, role, self, notes)
	t.Cleanup(e.Close)
	require.NoError(t, e.Fetch(context.Background()))
	return e, api, scopes, notes
}

func status(t *testing.T, e *Engine, id string) model.Status {
	t.Helper()
	o, ok := e.Get(id)
	require.True(t, ok, id)
	return o.Status
}

func TestFetchReconcilesScopes(t *testing.T) {
	e, api, scopes, _ := newEngine(t, model.RoleBuyer, "b1", ord("o1", model.StatusPending), ord("o2", model.StatusPending))
	assert.Equal(t, []string{"join-order:o1", "join-order:o2"}, scopes.take())

	api.setOrders(ord("o2", model.StatusConfirmed), ord("o3", model.StatusPending))
	require.NoError(t, e.Fetch(context.Background()))
	assert.Equal(t, []string{"join-order:o3", "leave-order:o1"}, scopes.take())
	assert.Equal(t, model.StatusConfirmed, status(t, e, "o2"))

	require.NoError(t, e.RejoinScopes())
	assert.Equal(t, []string{"join-order:o2", "join-order:o3"}, scopes.take())
}

func TestBuyerCancelOptimistic(t *testing.T) {
	e, api, _, _ := newEngine(t, model.RoleBuyer, "b1", ord("o1", model.StatusConfirmed))
	api.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- e.Cancel(context.Background(), "o1", "changed mind") }()

	require.Eventually(t, func() bool { return status(t, e, "o1") == model.StatusCancelled }, time.Second, time.Millisecond)
	close(api.gate)
	require.NoError(t, <-done)

	o, _ := e.Get("o1")
	assert.Equal(t, model.StatusCancelled, o.Status)
	assert.Equal(t, "changed mind", o.Reason)
	assert.Equal(t, []string{"o1:buyer"}, api.cancels)
	assert.Equal(t, []string{"o1"}, idsOf(e.Closed()))
}

func TestCancelFailureRestoresSnapshot(t *testing.T) {
	e, api, _, _ := newEngine(t, model.RoleBuyer, "b1", ord("o1", model.StatusProcessing))
	api.cancelErr = errs.ErrNetwork.WrapMsg("down")

	err := e.Cancel(context.Background(), "o1", "x")
	assert.True(t, errs.IsNetwork(err))
	o, _ := e.Get("o1")
	assert.Equal(t, model.StatusProcessing, o.Status)
	assert.Empty(t, o.Reason)
}

func TestConflictSchedulesRefetch(t *testing.T) {
	e, api, _, _ := newEngine(t, model.RoleSeller, "s1", ord("o1", model.StatusPending, "s1"))
	api.updateErr = errs.ErrConflict.WrapMsg("already confirmed")
	api.setOrders(ord("o1", model.StatusProcessing, "s1"))

	err := e.UpdateStatus(context.Background(), "o1", model.StatusConfirmed)
	assert.True(t, errs.IsConflict(err))

	require.Eventually(t, func() bool {
		o, _ := e.Get("o1")
		return o.Status == model.StatusProcessing
	}, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, api.fetches.Load(), int32(2))
}

func TestPushDuringOptimisticWindowWins(t *testing.T) {
	e, api, _, _ := newEngine(t, model.RoleBuyer, "b1", ord("o1", model.StatusPending))
	api.gate = make(chan struct{})
	api.cancelErr = errs.ErrNetwork.WrapMsg("timeout")
	api.setOrders(ord("o1", model.StatusRejected))

	done := make(chan error, 1)
	go func() { done <- e.Cancel(context.Background(), "o1", "changed mind") }()
	require.Eventually(t, func() bool { return status(t, e, "o1") == model.StatusCancelled }, time.Second, time.Millisecond)

	// the seller rejected first; the push disagrees with the optimistic value
	require.NoError(t, e.OnRejected(model.OrderStatusEvent{OrderID: "o1", Status: model.StatusRejected}))
	require.Eventually(t, func() bool { return status(t, e, "o1") == model.StatusRejected }, time.Second, time.Millisecond)

	close(api.gate)
	assert.True(t, errs.IsNetwork(<-done))
	assert.Equal(t, model.StatusRejected, status(t, e, "o1"))
}

func TestSellerOnlyAdvancesOneStep(t *testing.T) {
	e, _, _, _ := newEngine(t, model.RoleSeller, "s1", ord("o1", model.StatusPending, "s1"))

	err := e.UpdateStatus(context.Background(), "o1", model.StatusShipped)
	assert.True(t, errs.IsValidation(err))

	require.NoError(t, e.UpdateStatus(context.Background(), "o1", model.StatusConfirmed))
	o, _ := e.Get("o1")
	assert.Equal(t, model.StatusConfirmed, o.Status)
	assert.Equal(t, "srv", o.Number)

	require.NoError(t, e.UpdateStatus(context.Background(), "o1", model.StatusConfirmed))
	assert.True(t, errs.IsNotFound(e.UpdateStatus(context.Background(), "zz", model.StatusConfirmed)))
}

func TestBuyerCannotAdvance(t *testing.T) {
	e, _, _, _ := newEngine(t, model.RoleBuyer, "b1", ord("o1", model.StatusPending))
	assert.True(t, errs.IsValidation(e.UpdateStatus(context.Background(), "o1", model.StatusConfirmed)))
}

func TestSellerRejectsOwnItemsOnly(t *testing.T) {
	e, api, _, _ := newEngine(t, model.RoleSeller, "s1",
		ord("mine", model.StatusPending, "s1", "s2"),
		ord("theirs", model.StatusPending, "s2"))

	require.NoError(t, e.Cancel(context.Background(), "mine", "no stock"))
	assert.Equal(t, model.StatusRejected, status(t, e, "mine"))
	assert.True(t, errs.IsValidation(e.Cancel(context.Background(), "theirs", "x")))
	assert.Equal(t, []string{"mine:seller"}, api.cancels)
}

func TestPushedUpdateNotifies(t *testing.T) {
	e, _, _, notes := newEngine(t, model.RoleBuyer, "b1", ord("o1", model.StatusConfirmed))

	next := ord("o1", model.StatusProcessing)
	next.Number = "A-7"
	require.NoError(t, e.OnUpdated(model.OrderUpdatedEvent{Order: next}))
	require.NoError(t, e.OnUpdated(model.OrderUpdatedEvent{Order: next}))

	got := notes.all()
	require.Len(t, got, 1)
	assert.Equal(t, model.StatusProcessing, got[0].Status)
	assert.Equal(t, "Order A-7 is being prepared", got[0].Text)
}

func TestNonEdgePushIgnoredAndRefetched(t *testing.T) {
	e, api, _, notes := newEngine(t, model.RoleBuyer, "b1", ord("o1", model.StatusShipped))
	api.setOrders(ord("o1", model.StatusDelivered))

	require.NoError(t, e.OnCancelled(model.OrderStatusEvent{OrderID: "o1", Status: model.StatusCancelled}))
	assert.Empty(t, notes.all())

	require.Eventually(t, func() bool {
		o, _ := e.Get("o1")
		return o.Status == model.StatusDelivered
	}, time.Second, time.Millisecond)
}

func TestPushedNewOrderJoinsScope(t *testing.T) {
	e, _, scopes, _ := newEngine(t, model.RoleSeller, "s1")
	scopes.take()

	require.NoError(t, e.OnUpdated(model.OrderUpdatedEvent{Order: ord("o5", model.StatusPending, "s1")}))
	assert.Equal(t, []string{"join-order:o5"}, scopes.take())
	assert.Equal(t, []string{"o5"}, idsOf(e.Active()))
}

func TestCancelledByBuyerRemovesForSeller(t *testing.T) {
	e, _, scopes, notes := newEngine(t, model.RoleSeller, "s1", ord("o1", model.StatusConfirmed, "s1"))
	scopes.take()

	require.NoError(t, e.OnCancelledByBuyer(model.OrderStatusEvent{OrderID: "o1", Reason: "changed mind"}))
	_, ok := e.Get("o1")
	assert.False(t, ok)
	assert.Equal(t, []string{"leave-order:o1"}, scopes.take())
	require.Len(t, notes.all(), 1)
	assert.Equal(t, model.StatusCancelled, notes.all()[0].Status)
	assert.Empty(t, e.Closed())
}

func TestCancelledByBuyerIgnoredForBuyer(t *testing.T) {
	e, _, _, _ := newEngine(t, model.RoleBuyer, "b1", ord("o1", model.StatusConfirmed))
	require.NoError(t, e.OnCancelledByBuyer(model.OrderStatusEvent{OrderID: "o1"}))
	assert.Equal(t, model.StatusConfirmed, status(t, e, "o1"))
}

func TestRejectedByOtherSellerPatches(t *testing.T) {
	e, _, _, _ := newEngine(t, model.RoleSeller, "s1", ord("o1", model.StatusPending, "s1", "s2"))

	require.NoError(t, e.OnRejectedByOtherSeller(model.OrderStatusEvent{OrderID: "o1", SellerID: "s2", Reason: "no stock"}))
	o, ok := e.Get("o1")
	require.True(t, ok)
	assert.Equal(t, model.StatusRejected, o.Status)
	assert.Equal(t, "no stock", o.Reason)
	assert.Equal(t, []string{"o1"}, idsOf(e.Closed()))
}

func TestOfflineScopeCommandsDoNotFail(t *testing.T) {
	api := &fakeAPI{orders: []model.Order{ord("o1", model.StatusPending)}}
	scopes := &scopeLog{err: errs.ErrNetwork.WrapMsg("offline")}
	e := NewEngine(api, scopes, model.RoleBuyer, "b1", nil)
	defer e.Close()

	require.NoError(t, e.Fetch(context.Background()))
	assert.Error(t, e.RejoinScopes())
	assert.Len(t, e.Active(), 1)
}

func TestCloseLeavesAllScopes(t *testing.T) {
	api := &fakeAPI{orders: []model.Order{ord("o1", model.StatusPending), ord("o2", model.StatusPending)}}
	scopes := &scopeLog{}
	e := NewEngine(api, scopes, model.RoleBuyer, "b1", nil)
	require.NoError(t, e.Fetch(context.Background()))
	scopes.take()

	e.Close()
	assert.Equal(t, []string{"leave-order:o1", "leave-order:o2"}, scopes.take())
	assert.Empty(t, e.Active())
}

func TestConfirmSurvivesStaleFetch(t *testing.T) {
	e, api, _, _ := newEngine(t, model.RoleSeller, "s1", ord("o1", model.StatusPending, "s1"))
	api.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- e.UpdateStatus(context.Background(), "o1", model.StatusConfirmed) }()
	require.Eventually(t, func() bool { return status(t, e, "o1") == model.StatusConfirmed }, time.Second, time.Millisecond)

	// a resync lands while the update is in flight and still reports pending
	require.NoError(t, e.Fetch(context.Background()))
	assert.Equal(t, model.StatusPending, status(t, e, "o1"))

	close(api.gate)
	require.NoError(t, <-done)
	o, _ := e.Get("o1")
	assert.Equal(t, model.StatusConfirmed, o.Status)
	assert.Equal(t, "srv", o.Number)
}

func TestConfirmDoesNotUndoNewerPush(t *testing.T) {
	e, api, _, _ := newEngine(t, model.RoleSeller, "s1", ord("o1", model.StatusPending, "s1"))
	api.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- e.UpdateStatus(context.Background(), "o1", model.StatusConfirmed) }()
	require.Eventually(t, func() bool { return status(t, e, "o1") == model.StatusConfirmed }, time.Second, time.Millisecond)

	require.NoError(t, e.OnUpdated(model.OrderUpdatedEvent{Order: ord("o1", model.StatusProcessing, "s1")}))
	close(api.gate)
	require.NoError(t, <-done)
	assert.Equal(t, model.StatusProcessing, status(t, e, "o1"))
}

func TestUpdateFailureRevertsToPending(t *testing.T) {
	e, api, _, notes := newEngine(t, model.RoleSeller, "s1", ord("o1", model.StatusPending, "s1"))
	api.updateErr = errs.ErrNetwork.WrapMsg("connection reset")

	err := e.UpdateStatus(context.Background(), "o1", model.StatusConfirmed)
	assert.True(t, errs.IsNetwork(err))
	assert.Equal(t, model.StatusPending, status(t, e, "o1"))
	assert.Equal(t, []string{"o1"}, idsOf(e.Active()))
	assert.Empty(t, notes.all())
	assert.Equal(t, int32(1), api.fetches.Load(), "network errors do not refetch")
}

func TestSellerCannotAdvanceOthersOrder(t *testing.T) {
	e, api, _, _ := newEngine(t, model.RoleSeller, "s1", ord("o1", model.StatusPending, "s2"))
	api.gate = make(chan struct{}) // never opened: the backend must not be reached

	err := e.UpdateStatus(context.Background(), "o1", model.StatusConfirmed)
	assert.True(t, errs.IsValidation(err))
	assert.Equal(t, model.StatusPending, status(t, e, "o1"))
}

func TestBuyerCancelThenEchoPushIsSilent(t *testing.T) {
	e, _, _, notes := newEngine(t, model.RoleBuyer, "b1", ord("o1", model.StatusPending))

	require.NoError(t, e.Cancel(context.Background(), "o1", "changed mind"))
	assert.Empty(t, e.Active())
	assert.Equal(t, []string{"o1"}, idsOf(e.Closed()))
	before, _ := e.Get("o1")

	require.NoError(t, e.OnCancelled(model.OrderStatusEvent{OrderID: "o1", Status: model.StatusCancelled}))
	after, _ := e.Get("o1")
	assert.Equal(t, before, after)
	assert.Equal(t, "changed mind", after.Reason)
	assert.Empty(t, notes.all())
	assert.Empty(t, e.Active())
}
