package order

import (
	"slices"
	"sort"
	"strings"

	"marketsync/module/market/model"
	"marketsync/tools/errs"
)

// Outcome of applying a change to the book.
type Outcome int

const (
	Applied   Outcome = iota
	Unchanged         // same status; nothing to do
	Ignored           // not a lattice edge
	Unknown           // order not in the book
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Unchanged:
		return "unchanged"
	case Ignored:
		return "ignored"
	case Unknown:
		return "unknown"
	}
	return "invalid"
}

// Snapshot is what an optimistic mutation may have to put back.
type Snapshot struct {
	Status model.Status
	Reason string
}

// Book is the in-memory order set of one session. It does no I/O and is not
// safe for concurrent use; Engine serializes access.
type Book struct {
	role   model.Role
	self   string
	orders map[string]model.Order
}

func NewBook(role model.Role, selfID string) *Book {
	return &Book{role: role, self: selfID, orders: make(map[string]model.Order)}
}

// Replace swaps the whole set for an authoritative list.
func (b *Book) Replace(orders []model.Order) {
	b.orders = make(map[string]model.Order, len(orders))
	for _, o := range orders {
		if o.ID == "" {
			continue
		}
		b.orders[o.ID] = o.Clone()
	}
}

func (b *Book) Get(id string) (model.Order, bool) {
	o, ok := b.orders[id]
	if !ok {
		return model.Order{}, false
	}
	return o.Clone(), true
}

func (b *Book) Len() int { return len(b.orders) }

// IDs returns the order ids in a stable order.
func (b *Book) IDs() []string {
	ids := make([]string, 0, len(b.orders))
	for id := range b.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *Book) Put(o model.Order) { b.orders[o.ID] = o.Clone() }

func (b *Book) Remove(id string) bool {
	if _, ok := b.orders[id]; !ok {
		return false
	}
	delete(b.orders, id)
	return true
}

// ApplyUpdated replaces an order wholesale with a pushed record. A record
// whose status is neither the current one nor a lattice edge away is refused.
// Unknown orders are added.
func (b *Book) ApplyUpdated(o model.Order) Outcome {
	if o.ID == "" {
		return Ignored
	}
	cur, ok := b.orders[o.ID]
	if ok && cur.Status != o.Status && !CanTransition(cur.Status, o.Status) {
		return Ignored
	}
	b.orders[o.ID] = o.Clone()
	return Applied
}

// ApplyStatus patches status and reason of a known order.
func (b *Book) ApplyStatus(id string, status model.Status, reason string) Outcome {
	cur, ok := b.orders[id]
	if !ok {
		return Unknown
	}
	if cur.Status == status {
		if reason != "" && cur.Reason != reason {
			cur.Reason = reason
			b.orders[id] = cur
		}
		return Unchanged
	}
	if !CanTransition(cur.Status, status) {
		return Ignored
	}
	cur.Status = status
	if reason != "" {
		cur.Reason = reason
	}
	b.orders[id] = cur
	return Applied
}

// CancelTarget checks that this session may cancel order id and returns the
// status the order moves to: cancelled for its buyer, rejected for a seller
// owning at least one line item.
func (b *Book) CancelTarget(id string) (model.Status, error) {
	o, ok := b.orders[id]
	if !ok {
		return "", errs.ErrNotFound.WrapMsg("unknown order", "order", id)
	}

	var target model.Status
	switch b.role {
	case model.RoleBuyer:
		if o.BuyerID != "" && o.BuyerID != b.self {
			return "", errs.ErrValidation.WrapMsg("order belongs to another buyer", "order", id)
		}
		target = model.StatusCancelled
	case model.RoleSeller:
		if !o.HasSeller(b.self) {
			return "", errs.ErrValidation.WrapMsg("no line item of this seller", "order", id)
		}
		target = model.StatusRejected
	default:
		return "", errs.ErrValidation.WrapMsg("unknown role", "role", b.role)
	}

	if o.Status != target && !o.Status.Cancellable() {
		return "", errs.ErrValidation.WrapMsg("order can no longer be cancelled", "order", id, "status", o.Status)
	}
	return target, nil
}

// SetStatus overwrites the status unconditionally and returns what was there.
// Used for optimistic mutations the caller already validated.
func (b *Book) SetStatus(id string, status model.Status, reason string) (Snapshot, bool) {
	cur, ok := b.orders[id]
	if !ok {
		return Snapshot{}, false
	}
	snap := Snapshot{Status: cur.Status, Reason: cur.Reason}
	cur.Status = status
	cur.Reason = reason
	b.orders[id] = cur
	return snap, true
}

// Restore puts snap back, but only while the order still carries the
// optimistic status; anything newer that landed meanwhile wins.
func (b *Book) Restore(id string, snap Snapshot, optimistic model.Status) bool {
	cur, ok := b.orders[id]
	if !ok || cur.Status != optimistic {
		return false
	}
	cur.Status = snap.Status
	cur.Reason = snap.Reason
	b.orders[id] = cur
	return true
}

// Active holds orders that can still change.
func (b *Book) Active() []model.Order {
	return b.filter(func(o model.Order) bool { return !o.Status.Terminal() })
}

func (b *Book) Delivered() []model.Order {
	return b.filter(func(o model.Order) bool { return o.Status == model.StatusDelivered })
}

// Closed holds rejected orders, and for buyers also cancelled ones. Sellers
// drop buyer-cancelled orders from the book entirely.
func (b *Book) Closed() []model.Order {
	return b.filter(func(o model.Order) bool {
		if o.Status == model.StatusRejected {
			return true
		}
		return b.role == model.RoleBuyer && o.Status == model.StatusCancelled
	})
}

// filter returns matching orders, newest first.
func (b *Book) filter(keep func(model.Order) bool) []model.Order {
	out := make([]model.Order, 0)
	for _, o := range b.orders {
		if keep(o) {
			out = append(out, o.Clone())
		}
	}
	slices.SortFunc(out, func(x, y model.Order) int {
		if c := y.CreatedAt.Compare(x.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(x.ID, y.ID)
	})
	return out
}
