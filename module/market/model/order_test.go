package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestComputeTotals(t *testing.T) {
	o := Order{
		ShippingFee: decimal.RequireFromString("4.50"),
		Items: []LineItem{
			{SellerID: "s1", Quantity: 2, UnitPrice: decimal.RequireFromString("10.25")},
			{SellerID: "s2", Quantity: 1, UnitPrice: decimal.RequireFromString("3.10")},
		},
	}
	o.ComputeTotals()

	assert.True(t, o.Subtotal.Equal(decimal.RequireFromString("23.60")))
	assert.True(t, o.Total.Equal(decimal.RequireFromString("28.10")))
	assert.True(t, o.SellerSubtotal("s1").Equal(decimal.RequireFromString("20.50")))
	assert.True(t, o.HasSeller("s2"))
	assert.False(t, o.HasSeller("s3"))
}

func TestStatusClasses(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusConfirmed, StatusProcessing} {
		assert.True(t, s.Cancellable(), s)
		assert.False(t, s.Terminal(), s)
	}
	for _, s := range []Status{StatusDelivered, StatusCancelled, StatusRejected} {
		assert.True(t, s.Terminal(), s)
		assert.False(t, s.Cancellable(), s)
	}
	assert.False(t, StatusShipped.Cancellable())
	assert.False(t, Status("lost").Valid())
}

func TestCloneDoesNotShareItems(t *testing.T) {
	o := Order{Items: []LineItem{{Name: "a"}}}
	c := o.Clone()
	c.Items[0].Name = "b"
	assert.Equal(t, "a", o.Items[0].Name)
}

func TestMessageBetween(t *testing.T) {
	m := Message{SenderID: "me", ReceiverID: "u1"}
	assert.True(t, m.Between("u1", "me"))
	assert.False(t, m.Between("me", "u2"))
}
