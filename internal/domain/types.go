package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusCreated is assigned when the order is accepted and the lifecycle has not yet advanced.
	OrderStatusCreated OrderStatus = "created"
	// OrderStatusProcessing indicates the order is being prepared.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipping indicates the order has been handed to the carrier.
	OrderStatusShipping OrderStatus = "shipping"
	// OrderStatusDelivered indicates the order reached the customer. Terminal.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled by its owner or an administrator. Terminal.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderStatuses lists every recognised status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderStatusCreated,
	OrderStatusProcessing,
	OrderStatusShipping,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

// ParseOrderStatus normalises raw input into a recognised status.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	candidate := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if candidate.Valid() {
		return candidate, true
	}
	return "", false
}

// Valid reports whether the status is one of the five recognised values.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusCreated, OrderStatusProcessing, OrderStatusShipping, OrderStatusDelivered, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no automatic transition leaves the status.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// CanCancel reports whether the cancellation escape hatch is reachable from the status.
func (s OrderStatus) CanCancel() bool {
	return s.Valid() && !s.IsTerminal()
}

// Next returns the automatic successor along the happy path.
func (s OrderStatus) Next() (OrderStatus, bool) {
	switch s {
	case OrderStatusCreated:
		return OrderStatusProcessing, true
	case OrderStatusProcessing:
		return OrderStatusShipping, true
	case OrderStatusShipping:
		return OrderStatusDelivered, true
	default:
		return "", false
	}
}

// Order captures an order record as owned by the order store.
type Order struct {
	ID                string
	UserID            string
	Items             []OrderItem
	Total             float64
	Status            OrderStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
	EstimatedDelivery *time.Time
}

// OrderItem is one purchased line. Items never change after creation.
type OrderItem struct {
	ProductID string
	Name      string
	UnitPrice float64
	Quantity  int
}

// LineTotal returns unit price multiplied by quantity.
func (i OrderItem) LineTotal() float64 {
	return i.UnitPrice * float64(i.Quantity)
}

// Clone returns a deep copy so callers never share slices or pointers with the store.
func (o Order) Clone() Order {
	clone := o
	if o.Items != nil {
		clone.Items = make([]OrderItem, len(o.Items))
		copy(clone.Items, o.Items)
	}
	if o.EstimatedDelivery != nil {
		eta := *o.EstimatedDelivery
		clone.EstimatedDelivery = &eta
	}
	return clone
}

// IsOwnedBy reports whether userID owns the order.
func (o Order) IsOwnedBy(userID string) bool {
	return strings.TrimSpace(userID) != "" && o.UserID == userID
}

// ComputeTotal sums the line totals, rounded to cents.
func ComputeTotal(items []OrderItem) float64 {
	var sum float64
	for _, item := range items {
		sum += item.LineTotal()
	}
	return RoundCents(sum)
}

// RoundCents rounds a currency amount to two decimals.
func RoundCents(amount float64) float64 {
	return math.Round(amount*100) / 100
}

// Validate checks a single line item.
func (i OrderItem) Validate() error {
	switch {
	case strings.TrimSpace(i.ProductID) == "":
		return fmt.Errorf("product_id is required")
	case i.Quantity <= 0:
		return fmt.Errorf("quantity for %s must be positive", i.ProductID)
	case i.UnitPrice < 0 || math.IsNaN(i.UnitPrice) || math.IsInf(i.UnitPrice, 0):
		return fmt.Errorf("price for %s must be a non-negative amount", i.ProductID)
	}
	return nil
}

// DeliveryDuration returns UpdatedAt minus CreatedAt. ok is false when either timestamp is unset
// or the difference is negative.
func (o Order) DeliveryDuration() (time.Duration, bool) {
	if o.CreatedAt.IsZero() || o.UpdatedAt.IsZero() {
		return 0, false
	}
	d := o.UpdatedAt.Sub(o.CreatedAt)
	if d < 0 {
		return 0, false
	}
	return d, true
}
