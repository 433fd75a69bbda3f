package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusRejected   Status = "rejected"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusProcessing, StatusShipped,
		StatusDelivered, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Terminal statuses accept no further transition.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusRejected
}

// Cancellable statuses may still move to cancelled or rejected.
func (s Status) Cancellable() bool {
	return s == StatusPending || s == StatusConfirmed || s == StatusProcessing
}

// Role is the side of the marketplace the session acts for.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

func (r Role) Valid() bool { return r == RoleBuyer || r == RoleSeller }

type LineItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	SellerID  string          `json:"sellerId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

func (li LineItem) Amount() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

type Order struct {
	ID          string          `json:"id"`
	Number      string          `json:"orderNumber"`
	BuyerID     string          `json:"buyerId"`
	Status      Status          `json:"status"`
	Items       []LineItem      `json:"items"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	ShippingFee decimal.Decimal `json:"shippingFee"`
	Total       decimal.Decimal `json:"total"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Reason      string          `json:"reason,omitempty"` // cancellation or rejection reason
}

// ComputeTotals derives Subtotal and Total from the line items.
func (o *Order) ComputeTotals() {
	sub := decimal.Zero
	for _, li := range o.Items {
		sub = sub.Add(li.Amount())
	}
	o.Subtotal = sub
	o.Total = sub.Add(o.ShippingFee)
}

// HasSeller reports whether at least one line item belongs to sellerID.
func (o Order) HasSeller(sellerID string) bool {
	for _, li := range o.Items {
		if li.SellerID == sellerID {
			return true
		}
	}
	return false
}

// SellerSubtotal is the part of the order that belongs to one seller.
func (o Order) SellerSubtotal(sellerID string) decimal.Decimal {
	sub := decimal.Zero
	for _, li := range o.Items {
		if li.SellerID == sellerID {
			sub = sub.Add(li.Amount())
		}
	}
	return sub
}

// Clone returns a copy that shares no slices with o.
func (o Order) Clone() Order {
	o.Items = append([]LineItem(nil), o.Items...)
	return o
}
