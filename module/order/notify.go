package order

import (
	"fmt"

	"marketsync/module/market/model"
)

// Notification is raised when a pushed change moves an order to a new status.
type Notification struct {
	OrderID string
	Status  model.Status
	Text    string
}

type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

var statusTexts = map[model.Status]string{
	model.StatusPending:    "Order %s was placed",
	model.StatusConfirmed:  "Order %s was confirmed",
	model.StatusProcessing: "Order %s is being prepared",
	model.StatusShipped:    "Order %s has shipped",
	model.StatusDelivered:  "Order %s was delivered",
	model.StatusCancelled:  "Order %s was cancelled",
	model.StatusRejected:   "Order %s was rejected",
}

func newNotification(o model.Order) Notification {
	label := o.Number
	if label == "" {
		label = o.ID
	}
	format, ok := statusTexts[o.Status]
	if !ok {
		format = "Order %s changed"
	}
	text := fmt.Sprintf(format, label)
	if o.Reason != "" && (o.Status == model.StatusCancelled || o.Status == model.StatusRejected) {
		text += ": " + o.Reason
	}
	return Notification{OrderID: o.ID, Status: o.Status, Text: text}
}
