package services

import (
	"context"

	domain "github.com/storefront-lab/orders/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order       = domain.Order
	OrderItem   = domain.OrderItem
	OrderStatus = domain.OrderStatus
)

// OrderService is the order API surface. Every operation except ListStatuses requires a resolved
// actor; ownership and role checks happen here rather than in transport code.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string, actor Actor) (Order, error)
	ListOrders(ctx context.Context, filter ListOrdersFilter) ([]Order, error)
	SetStatus(ctx context.Context, cmd SetStatusCommand) (Order, error)
	CancelOrder(ctx context.Context, orderID string, actor Actor) (Order, error)
	DeleteOrder(ctx context.Context, orderID string, actor Actor) error
	ListStatuses(ctx context.Context, acceptLanguage string) (StatusLabels, error)
}

// Notifier delivers a best-effort status notification. Implementations never report failure.
type Notifier interface {
	Notify(ctx context.Context, order Order)
}

// Actor is the caller an operation runs on behalf of.
type Actor struct {
	UserID string
	Admin  bool
}

// Anonymous reports whether no identity was resolved.
func (a Actor) Anonymous() bool {
	return a.UserID == ""
}

type CreateOrderCommand struct {
	Actor Actor
	// OwnerID is the user_id supplied in the request body. Empty means the actor.
	OwnerID string
	Items   []OrderItem
	// Total is the client-computed total, nil when omitted.
	Total *float64
}

type ListOrdersFilter struct {
	Actor Actor
	Skip  int
	Limit int
}

type SetStatusCommand struct {
	OrderID string
	Status  string
	Actor   Actor
}

// StatusLabels maps each status code to its display label in the negotiated locale.
type StatusLabels struct {
	Locale string
	Labels map[string]string
}
