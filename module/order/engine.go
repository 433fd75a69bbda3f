package order

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"marketsync/logger"
	"marketsync/module/market/model"
	"marketsync/service/metrics"
	"marketsync/tools/errs"
	"marketsync/tools/safe"

	"go.uber.org/zap"
)

const refetchTimeout = 15 * time.Second

type API interface {
	GetOrders(ctx context.Context, role model.Role) ([]model.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status model.Status) (model.Order, error)
	CancelOrder(ctx context.Context, orderID string, role model.Role, reason string) (model.Order, error)
}

// Emitter sends scope commands over the push channel.
type Emitter interface {
	Emit(kind string, payload any) error
}

// Engine keeps the session's orders in step with the backend. Local
// mutations are applied optimistically and rolled back when the backend
// refuses them; pushed changes are checked against the status lattice.
type Engine struct {
	api      API
	ch       Emitter
	notifier Notifier
	role     model.Role
	self     string
	log      *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	refetch chan struct{}

	mu       sync.Mutex
	book     *Book
	joined   map[string]struct{}
	fetchGen uint64
}

// NewEngine starts the background refetch worker; Close stops it.
func NewEngine(api API, ch Emitter, role model.Role, selfID string, notifier Notifier) *Engine {
	if notifier == nil {
		notifier = NotifierFunc(func(Notification) {})
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		api:      api,
		ch:       ch,
		notifier: notifier,
		role:     role,
		self:     selfID,
		log:      logger.Named("orders").With(zap.String("role", string(role))),
		ctx:      ctx,
		cancel:   cancel,
		refetch:  make(chan struct{}, 1),
		book:     NewBook(role, selfID),
		joined:   make(map[string]struct{}),
	}
	safe.Go("orders.refetch", e.refetchLoop)
	return e
}

func (e *Engine) Role() model.Role { return e.role }

// Fetch replaces the book with the backend's list and reconciles scopes:
// new orders are joined, vanished ones left.
func (e *Engine) Fetch(ctx context.Context) error {
	e.mu.Lock()
	e.fetchGen++
	g := e.fetchGen
	e.mu.Unlock()

	orders, err := e.api.GetOrders(ctx, e.role)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if g != e.fetchGen {
		e.mu.Unlock()
		e.log.Debug("drop superseded order fetch")
		return nil
	}
	e.book.Replace(orders)
	var join, leave []string
	want := make(map[string]struct{}, e.book.Len())
	for _, id := range e.book.IDs() {
		want[id] = struct{}{}
		if _, ok := e.joined[id]; !ok {
			join = append(join, id)
		}
	}
	for id := range e.joined {
		if _, ok := want[id]; !ok {
			leave = append(leave, id)
		}
	}
	e.joined = want
	e.mu.Unlock()

	sort.Strings(leave)
	for _, id := range join {
		e.emitScope(model.CmdJoinOrder, id)
	}
	for _, id := range leave {
		e.emitScope(model.CmdLeaveOrder, id)
	}
	return nil
}

// UpdateStatus advances an order one step along the fulfilment path.
// Only sellers advance orders.
func (e *Engine) UpdateStatus(ctx context.Context, orderID string, status model.Status) error {
	if e.role != model.RoleSeller {
		return errs.ErrValidation.WrapMsg("only sellers advance orders", "order", orderID)
	}

	e.mu.Lock()
	cur, ok := e.book.Get(orderID)
	if !ok {
		e.mu.Unlock()
		return errs.ErrNotFound.WrapMsg("unknown order", "order", orderID)
	}
	if !cur.HasSeller(e.self) {
		e.mu.Unlock()
		return errs.ErrValidation.WrapMsg("no line item of this seller", "order", orderID)
	}
	if cur.Status == status {
		e.mu.Unlock()
		return nil
	}
	if !IsForward(cur.Status, status) {
		e.mu.Unlock()
		return errs.ErrValidation.WrapMsg("not a single forward step", "order", orderID,
			"from", cur.Status, "to", status)
	}
	snap, _ := e.book.SetStatus(orderID, status, cur.Reason)
	e.mu.Unlock()

	updated, err := e.api.UpdateOrderStatus(ctx, orderID, status)
	if err != nil {
		e.rollback("update_status", orderID, snap, status, err)
		return err
	}
	e.confirm(orderID, status, updated)
	return nil
}

// Cancel cancels an order as its buyer, or rejects it as a seller.
func (e *Engine) Cancel(ctx context.Context, orderID, reason string) error {
	e.mu.Lock()
	target, err := e.book.CancelTarget(orderID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	cur, _ := e.book.Get(orderID)
	if cur.Status == target {
		e.mu.Unlock()
		return nil
	}
	snap, _ := e.book.SetStatus(orderID, target, reason)
	e.mu.Unlock()

	updated, err := e.api.CancelOrder(ctx, orderID, e.role, reason)
	if err != nil {
		e.rollback("cancel", orderID, snap, target, err)
		return err
	}
	e.confirm(orderID, target, updated)
	return nil
}

// confirm adopts the backend's record. If a fetch replaced the book while the
// call was in flight the record goes through the lattice check instead, so a
// stale list cannot undo the accepted change while a push that moved the
// order further still wins.
func (e *Engine) confirm(orderID string, optimistic model.Status, updated model.Order) {
	if updated.ID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.book.Get(orderID)
	if !ok {
		return
	}
	if cur.Status == optimistic {
		if updated.Status == optimistic {
			e.book.Put(updated)
		}
		return
	}
	out := e.book.ApplyUpdated(updated)
	e.log.Debug("reconcile confirmed change", zap.String("order", orderID),
		zap.String("local", string(cur.Status)), zap.String("backend", string(updated.Status)), zap.Stringer("outcome", out))
}

func (e *Engine) rollback(op, orderID string, snap Snapshot, optimistic model.Status, cause error) {
	e.mu.Lock()
	restored := e.book.Restore(orderID, snap, optimistic)
	e.mu.Unlock()

	if restored {
		metrics.OrderRollbacks.WithLabelValues(op).Inc()
	}
	e.log.Warn("backend refused order change", zap.String("op", op), zap.String("order", orderID),
		zap.Bool("restored", restored), zap.Error(cause))
	if errs.IsConflict(cause) {
		e.scheduleRefetch()
	}
}

// OnUpdated applies an order-updated push.
func (e *Engine) OnUpdated(ev model.OrderUpdatedEvent) error {
	o := ev.Order
	e.mu.Lock()
	prev, existed := e.book.Get(o.ID)
	out := e.book.ApplyUpdated(o)
	_, inScope := e.joined[o.ID]
	if out == Applied && !inScope {
		e.joined[o.ID] = struct{}{}
	}
	e.mu.Unlock()

	if out != Applied {
		e.ignored(model.EventOrderUpdated, o.ID, out)
		return nil
	}
	if !inScope {
		e.emitScope(model.CmdJoinOrder, o.ID)
	}
	if !existed || prev.Status != o.Status {
		e.notifier.Notify(newNotification(o))
	}
	return nil
}

func (e *Engine) OnCancelled(ev model.OrderStatusEvent) error {
	e.patch(model.EventOrderCancelled, ev.OrderID, model.StatusCancelled, ev.Reason)
	return nil
}

func (e *Engine) OnRejected(ev model.OrderStatusEvent) error {
	e.patch(model.EventOrderRejected, ev.OrderID, model.StatusRejected, ev.Reason)
	return nil
}

// OnRejectedByOtherSeller marks a multi-seller order rejected without
// removing it from this seller's book.
func (e *Engine) OnRejectedByOtherSeller(ev model.OrderStatusEvent) error {
	if e.role != model.RoleSeller {
		metrics.OrderPushesIgnored.WithLabelValues("wrong_role").Inc()
		return nil
	}
	e.patch(model.EventOrderRejectedByOtherSeller, ev.OrderID, model.StatusRejected, ev.Reason)
	return nil
}

// OnCancelledByBuyer drops the order from a seller's book and leaves its scope.
func (e *Engine) OnCancelledByBuyer(ev model.OrderStatusEvent) error {
	if e.role != model.RoleSeller {
		metrics.OrderPushesIgnored.WithLabelValues("wrong_role").Inc()
		return nil
	}
	e.mu.Lock()
	o, ok := e.book.Get(ev.OrderID)
	e.book.Remove(ev.OrderID)
	_, inScope := e.joined[ev.OrderID]
	delete(e.joined, ev.OrderID)
	e.mu.Unlock()

	if !ok {
		e.ignored(model.EventOrderCancelledByBuyer, ev.OrderID, Unknown)
	} else {
		o.Status = model.StatusCancelled
		if ev.Reason != "" {
			o.Reason = ev.Reason
		}
		e.notifier.Notify(newNotification(o))
	}
	if inScope {
		e.emitScope(model.CmdLeaveOrder, ev.OrderID)
	}
	return nil
}

func (e *Engine) patch(kind, orderID string, status model.Status, reason string) {
	e.mu.Lock()
	out := e.book.ApplyStatus(orderID, status, reason)
	o, _ := e.book.Get(orderID)
	e.mu.Unlock()

	switch out {
	case Applied:
		e.notifier.Notify(newNotification(o))
	case Unchanged:
	default:
		e.ignored(kind, orderID, out)
	}
}

// ignored records a push that was not applied. A lattice violation means our
// view drifted, so the authoritative list is refetched.
func (e *Engine) ignored(kind, orderID string, out Outcome) {
	reason := "not_edge"
	if out == Unknown {
		reason = "unknown_order"
	}
	metrics.OrderPushesIgnored.WithLabelValues(reason).Inc()
	e.log.Info("push not applied", zap.String("event", kind), zap.String("order", orderID), zap.Stringer("outcome", out))
	if out == Ignored {
		e.scheduleRefetch()
	}
}

func (e *Engine) scheduleRefetch() {
	select {
	case e.refetch <- struct{}{}:
	default:
	}
}

func (e *Engine) refetchLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.refetch:
		}
		ctx, cancel := context.WithTimeout(e.ctx, refetchTimeout)
		if err := e.Fetch(ctx); err != nil {
			e.log.Warn("authoritative refetch failed", zap.Error(err))
		}
		cancel()
	}
}

func (e *Engine) emitScope(cmd, orderID string) {
	if err := e.ch.Emit(cmd, model.OrderScope{OrderID: orderID}); err != nil {
		e.log.Debug("scope command not sent", zap.String("cmd", cmd), zap.String("order", orderID), zap.Error(err))
	}
}

// RejoinScopes re-announces every tracked order after a reconnect.
func (e *Engine) RejoinScopes() error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.joined))
	for id := range e.joined {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)

	var errList []error
	for _, id := range ids {
		if err := e.ch.Emit(model.CmdJoinOrder, model.OrderScope{OrderID: id}); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

func (e *Engine) Get(orderID string) (model.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Get(orderID)
}

func (e *Engine) Active() []model.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Active()
}

func (e *Engine) Delivered() []model.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Delivered()
}

func (e *Engine) Closed() []model.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Closed()
}

// Close leaves every scope, stops the refetch worker and empties the book.
func (e *Engine) Close() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.joined))
	for id := range e.joined {
		ids = append(ids, id)
	}
	e.joined = make(map[string]struct{})
	e.fetchGen++
	e.book.Replace(nil)
	e.mu.Unlock()

	e.cancel()
	sort.Strings(ids)
	for _, id := range ids {
		e.emitScope(model.CmdLeaveOrder, id)
	}
}
