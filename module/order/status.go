package order

import "marketsync/module/market/model"

// forward holds the single-step edges of the fulfilment path.
var forward = map[model.Status]model.Status{
	model.StatusPending:    model.StatusConfirmed,
	model.StatusConfirmed:  model.StatusProcessing,
	model.StatusProcessing: model.StatusShipped,
	model.StatusShipped:    model.StatusDelivered,
}

// Next returns the status that follows s on the fulfilment path.
func Next(s model.Status) (model.Status, bool) {
	n, ok := forward[s]
	return n, ok
}

// IsForward reports whether to is the single step after from.
func IsForward(from, to model.Status) bool {
	n, ok := forward[from]
	return ok && n == to
}

// CanTransition reports whether from -> to is an edge of the status lattice.
// Staying on the same status is not an edge; callers treat it as a no-op.
func CanTransition(from, to model.Status) bool {
	if from == to || !to.Valid() {
		return false
	}
	if to == model.StatusCancelled || to == model.StatusRejected {
		return from.Cancellable()
	}
	return IsForward(from, to)
}
