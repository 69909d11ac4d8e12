package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseOrderStatus(t *testing.T) {
	cases := []struct {
		raw  string
		want OrderStatus
		ok   bool
	}{
		{"created", OrderStatusCreated, true},
		{" Shipping ", OrderStatusShipping, true},
		{"DELIVERED", OrderStatusDelivered, true},
		{"cancelled", OrderStatusCancelled, true},
		{"canceled", "", false},
		{"new", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseOrderStatus(tc.raw)
		assert.Equal(t, tc.ok, ok, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}

func TestOrderStatusHappyPathIsLinear(t *testing.T) {
	var path []OrderStatus
	for status := OrderStatusCreated; ; {
		path = append(path, status)
		next, ok := status.Next()
		if !ok {
			break
		}
		status = next
	}

	assert.Equal(t, []OrderStatus{OrderStatusCreated, OrderStatusProcessing, OrderStatusShipping, OrderStatusDelivered}, path)
	_, ok := OrderStatusCancelled.Next()
	assert.False(t, ok)
}

func TestOrderStatusCancellationReachability(t *testing.T) {
	assert.True(t, OrderStatusCreated.CanCancel())
	assert.True(t, OrderStatusProcessing.CanCancel())
	assert.True(t, OrderStatusShipping.CanCancel())
	assert.False(t, OrderStatusDelivered.CanCancel())
	assert.False(t, OrderStatusCancelled.CanCancel())
	assert.False(t, OrderStatus("bogus").CanCancel())
}

func TestComputeTotal(t *testing.T) {
	items := []OrderItem{
		{ProductID: "p1", UnitPrice: 10.0, Quantity: 2},
		{ProductID: "p2", UnitPrice: 0.1, Quantity: 3},
	}
	assert.Equal(t, 20.3, ComputeTotal(items))
	assert.Equal(t, 0.0, ComputeTotal(nil))
}

func TestOrderItemValidate(t *testing.T) {
	assert.NoError(t, OrderItem{ProductID: "p1", UnitPrice: 0, Quantity: 1}.Validate())
	assert.Error(t, OrderItem{ProductID: " ", UnitPrice: 1, Quantity: 1}.Validate())
	assert.Error(t, OrderItem{ProductID: "p1", UnitPrice: 1, Quantity: 0}.Validate())
	assert.Error(t, OrderItem{ProductID: "p1", UnitPrice: -1, Quantity: 1}.Validate())
}

func TestDeliveryDurationGuards(t *testing.T) {
	created := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	d, ok := Order{CreatedAt: created, UpdatedAt: created.Add(42 * time.Second)}.DeliveryDuration()
	assert.True(t, ok)
	assert.Equal(t, 42*time.Second, d)

	_, ok = Order{CreatedAt: created}.DeliveryDuration()
	assert.False(t, ok)

	_, ok = Order{UpdatedAt: created}.DeliveryDuration()
	assert.False(t, ok)

	_, ok = Order{CreatedAt: created, UpdatedAt: created.Add(-time.Second)}.DeliveryDuration()
	assert.False(t, ok)
}

func TestOrderCloneIsDeep(t *testing.T) {
	eta := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	original := Order{
		Items:             []OrderItem{{ProductID: "p1", Quantity: 1}},
		EstimatedDelivery: &eta,
	}
	clone := original.Clone()
	clone.Items[0].Quantity = 5
	*clone.EstimatedDelivery = eta.Add(time.Hour)

	assert.Equal(t, 1, original.Items[0].Quantity)
	assert.Equal(t, eta, *original.EstimatedDelivery)
}
