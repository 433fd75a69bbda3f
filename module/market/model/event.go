package model

import "time"

// Push events consumed from the gateway.
const (
	EventNewMessage                 = "new-message"
	EventOrderUpdated               = "order-updated"
	EventOrderCancelled             = "order-cancelled"
	EventOrderRejected              = "order-rejected"
	EventOrderCancelledByBuyer      = "order-cancelled-by-buyer"       // seller-facing
	EventOrderRejectedByOtherSeller = "order-rejected-by-other-seller" // seller-facing, multi-seller orders
)

// Commands emitted to the gateway.
const (
	CmdJoinSession = "join-session"
	CmdJoinOrder   = "join-order"
	CmdLeaveOrder  = "leave-order"
)

type NewMessageEvent struct {
	Message   Message   `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type OrderUpdatedEvent struct {
	Order     Order     `json:"order"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderStatusEvent carries a status patch without the full record.
type OrderStatusEvent struct {
	OrderID   string    `json:"orderId"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	SellerID  string    `json:"sellerId,omitempty"` // the seller that rejected, for multi-seller orders
	Timestamp time.Time `json:"timestamp"`
}

type JoinSession struct {
	UserID string `json:"userId"`
}

type OrderScope struct {
	OrderID string `json:"orderId"`
}
