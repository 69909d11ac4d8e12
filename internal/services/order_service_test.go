package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/storefront-lab/orders/internal/domain"
	"github.com/storefront-lab/orders/internal/repositories"
	"github.com/storefront-lab/orders/internal/repositories/memory"
)

func floatPtr(v float64) *float64 { return &v }

func TestCreateOrderValidation(t *testing.T) {
	item := OrderItem{ProductID: "p1", Name: "Widget", UnitPrice: 10, Quantity: 2}

	tests := []struct {
		name    string
		cmd     CreateOrderCommand
		wantErr error
	}{
		{
			name:    "anonymous",
			cmd:     CreateOrderCommand{Items: []OrderItem{item}},
			wantErr: ErrOrderUnauthenticated,
		},
		{
			name:    "no items",
			cmd:     CreateOrderCommand{Actor: Actor{UserID: "u1"}},
			wantErr: ErrOrderInvalidInput,
		},
		{
			name: "missing product id",
			cmd: CreateOrderCommand{Actor: Actor{UserID: "u1"}, Items: []OrderItem{
				{ProductID: " ", Name: "x", UnitPrice: 1, Quantity: 1},
			}},
			wantErr: ErrOrderInvalidInput,
		},
		{
			name: "zero quantity",
			cmd: CreateOrderCommand{Actor: Actor{UserID: "u1"}, Items: []OrderItem{
				{ProductID: "p1", UnitPrice: 1, Quantity: 0},
			}},
			wantErr: ErrOrderInvalidInput,
		},
		{
			name: "negative price",
			cmd: CreateOrderCommand{Actor: Actor{UserID: "u1"}, Items: []OrderItem{
				{ProductID: "p1", UnitPrice: -1, Quantity: 1},
			}},
			wantErr: ErrOrderInvalidInput,
		},
		{
			name:    "total mismatch",
			cmd:     CreateOrderCommand{Actor: Actor{UserID: "u1"}, Items: []OrderItem{item}, Total: floatPtr(19.5)},
			wantErr: ErrOrderInvalidInput,
		},
		{
			name:    "ordering for someone else",
			cmd:     CreateOrderCommand{Actor: Actor{UserID: "u1"}, OwnerID: "u2", Items: []OrderItem{item}},
			wantErr: ErrOrderForbidden,
		},
		{
			name: "sub-cent price rounding half up",
			cmd:  subCentOrder(0.125, OrderItem{ProductID: "p1", UnitPrice: 0.125, Quantity: 1}),
		},
		{
			name: "sub-cent price below float half",
			cmd:  subCentOrder(2.675, OrderItem{ProductID: "p1", UnitPrice: 2.675, Quantity: 1}),
		},
		{
			name: "sub-cent price three eighths",
			cmd:  subCentOrder(0.375, OrderItem{ProductID: "p1", UnitPrice: 0.375, Quantity: 1}),
		},
		{
			name: "unrounded float sum",
			cmd: subCentOrder(0.1+0.2+0.335,
				OrderItem{ProductID: "p1", UnitPrice: 0.1, Quantity: 1},
				OrderItem{ProductID: "p2", UnitPrice: 0.2, Quantity: 1},
				OrderItem{ProductID: "p3", UnitPrice: 0.335, Quantity: 1},
			),
		},
		{
			name:    "sub-cent total off by a cent",
			cmd:     subCentOrder(0.135, OrderItem{ProductID: "p1", UnitPrice: 0.125, Quantity: 1}),
			wantErr: ErrOrderInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			order, err := h.svc.CreateOrder(context.Background(), tt.cmd)
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, domain.ComputeTotal(tt.cmd.Items), order.Total)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)

			all, err := h.repo.ListAll(context.Background())
			require.NoError(t, err)
			assert.Empty(t, all, "rejected orders never reach the store")
			assert.Equal(t, 0, h.registry.Active())
		})
	}
}

func subCentOrder(total float64, items ...OrderItem) CreateOrderCommand {
	return CreateOrderCommand{Actor: Actor{UserID: "u1"}, Items: items, Total: &total}
}

func TestCreateOrderNormalisesInput(t *testing.T) {
	h := newHarness(t)

	order, err := h.svc.CreateOrder(context.Background(), CreateOrderCommand{
		Actor: Actor{UserID: "u1"},
		Items: []OrderItem{
			{ProductID: " p1 ", Name: "<b>Widget</b><script>alert(1)</script>", UnitPrice: 10, Quantity: 2},
			{ProductID: "p2", Name: "Gadget", UnitPrice: 0.333, Quantity: 3},
		},
		Total: floatPtr(21.003),
	})
	require.NoError(t, err)

	assert.Equal(t, "ord_TEST01", order.ID)
	assert.Equal(t, "u1", order.UserID)
	assert.Equal(t, 21.0, order.Total)
	assert.Equal(t, "p1", order.Items[0].ProductID)
	assert.Equal(t, "Widget", order.Items[0].Name)
	assert.Equal(t, 1, h.registry.Active())

	stored, err := h.repo.Get(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, order, stored)
}

func TestCreateOrderAdminOnBehalfOfUser(t *testing.T) {
	h := newHarness(t)

	cmd := widgetOrder("ops")
	cmd.Actor.Admin = true
	cmd.OwnerID = "u2"
	order, err := h.svc.CreateOrder(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, "u2", order.UserID)

	_, err = h.svc.GetOrder(context.Background(), order.ID, Actor{UserID: "u2"})
	require.NoError(t, err)
}

func TestGetOrderChecksExistenceBeforeOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order, err := h.svc.CreateOrder(ctx, widgetOrder("u1"))
	require.NoError(t, err)

	_, err = h.svc.GetOrder(ctx, "ord_missing", Actor{UserID: "stranger"})
	require.ErrorIs(t, err, ErrOrderNotFound)

	_, err = h.svc.GetOrder(ctx, order.ID, Actor{UserID: "stranger"})
	require.ErrorIs(t, err, ErrOrderForbidden)

	_, err = h.svc.GetOrder(ctx, order.ID, Actor{UserID: "ops", Admin: true})
	require.NoError(t, err)

	_, err = h.svc.GetOrder(ctx, order.ID, Actor{})
	require.ErrorIs(t, err, ErrOrderUnauthenticated)
}

func TestListOrdersScopesAndPages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, user := range []string{"u1", "u2", "u1", "u1"} {
		_, err := h.svc.CreateOrder(ctx, widgetOrder(user))
		require.NoError(t, err)
	}

	mine, err := h.svc.ListOrders(ctx, ListOrdersFilter{Actor: Actor{UserID: "u1"}})
	require.NoError(t, err)
	require.Len(t, mine, 3)
	for _, order := range mine {
		assert.Equal(t, "u1", order.UserID)
	}

	all, err := h.svc.ListOrders(ctx, ListOrdersFilter{Actor: Actor{UserID: "ops", Admin: true}})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	page, err := h.svc.ListOrders(ctx, ListOrdersFilter{Actor: Actor{UserID: "ops", Admin: true}, Skip: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[1].ID, page[0].ID)
	assert.Equal(t, all[2].ID, page[1].ID)

	past, err := h.svc.ListOrders(ctx, ListOrdersFilter{Actor: Actor{UserID: "u1"}, Skip: 10})
	require.NoError(t, err)
	assert.Empty(t, past)

	_, err = h.svc.ListOrders(ctx, ListOrdersFilter{Actor: Actor{UserID: "u1"}, Skip: -1})
	require.ErrorIs(t, err, ErrOrderInvalidInput)

	_, err = h.svc.ListOrders(ctx, ListOrdersFilter{Actor: Actor{UserID: "u1"}, Limit: -5})
	require.ErrorIs(t, err, ErrOrderInvalidInput)

	_, err = h.svc.ListOrders(ctx, ListOrdersFilter{})
	require.ErrorIs(t, err, ErrOrderUnauthenticated)
}

func TestSetStatusRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order, err := h.svc.CreateOrder(ctx, widgetOrder("u1"))
	require.NoError(t, err)

	_, err = h.svc.SetStatus(ctx, SetStatusCommand{OrderID: order.ID, Status: "delivered", Actor: Actor{UserID: "u1"}})
	require.ErrorIs(t, err, ErrOrderForbidden)
	assert.Equal(t, domain.OrderStatusCreated, h.status(t, order.ID))

	_, err = h.svc.SetStatus(ctx, SetStatusCommand{OrderID: "ord_missing", Status: "delivered", Actor: Actor{UserID: "u1"}})
	require.ErrorIs(t, err, ErrOrderForbidden, "role is checked before existence")
}

func TestSetStatusChecksExistenceBeforeValue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admin := Actor{UserID: "ops", Admin: true}

	order, err := h.svc.CreateOrder(ctx, widgetOrder("u1"))
	require.NoError(t, err)

	_, err = h.svc.SetStatus(ctx, SetStatusCommand{OrderID: "ord_missing", Status: "bogus", Actor: admin})
	require.ErrorIs(t, err, ErrOrderNotFound)

	_, err = h.svc.SetStatus(ctx, SetStatusCommand{OrderID: order.ID, Status: "bogus", Actor: admin})
	require.ErrorIs(t, err, ErrOrderInvalidStatus)
	assert.Contains(t, err.Error(), "created, processing, shipping, delivered, cancelled")
	assert.Equal(t, domain.OrderStatusCreated, h.status(t, order.ID))
}

func TestSetStatusOverridesWithoutGraph(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admin := Actor{UserID: "ops", Admin: true}

	order, err := h.svc.CreateOrder(ctx, widgetOrder("u1"))
	require.NoError(t, err)
	require.Equal(t, 1, h.registry.Active())

	updated, err := h.svc.SetStatus(ctx, SetStatusCommand{OrderID: order.ID, Status: " DELIVERED ", Actor: admin})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusDelivered, updated.Status)
	assert.Equal(t, 0, h.registry.Active(), "an override releases the lifecycle task immediately")
	h.notifier.await(t, domain.OrderStatusDelivered)

	updated, err = h.svc.SetStatus(ctx, SetStatusCommand{OrderID: order.ID, Status: "created", Actor: admin})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCreated, updated.Status)
	h.notifier.await(t, domain.OrderStatusCreated)
}

func TestSetStatusCancelledStopsLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order, err := h.svc.CreateOrder(ctx, widgetOrder("u1"))
	require.NoError(t, err)
	require.Equal(t, 1, h.registry.Active())

	_, err = h.svc.SetStatus(ctx, SetStatusCommand{OrderID: order.ID, Status: "cancelled", Actor: Actor{UserID: "ops", Admin: true}})
	require.NoError(t, err)
	assert.Equal(t, 0, h.registry.Active())
	h.notifier.await(t, domain.OrderStatusCancelled)
}

func TestCancelOrderRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order, err := h.svc.CreateOrder(ctx, widgetOrder("u1"))
	require.NoError(t, err)

	_, err = h.svc.CancelOrder(ctx, "ord_missing", Actor{UserID: "u1"})
	require.ErrorIs(t, err, ErrOrderNotFound)

	_, err = h.svc.CancelOrder(ctx, order.ID, Actor{UserID: "stranger"})
	require.ErrorIs(t, err, ErrOrderForbidden)
	assert.Equal(t, domain.OrderStatusCreated, h.status(t, order.ID))

	cancelled, err := h.svc.CancelOrder(ctx, order.ID, Actor{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 0, h.registry.Active())

	_, err = h.svc.CancelOrder(ctx, order.ID, Actor{UserID: "u1"})
	require.ErrorIs(t, err, ErrOrderInvalidTransition)
	assert.Contains(t, err.Error(), "cancelled")
	assert.Equal(t, domain.OrderStatusCancelled, h.status(t, order.ID))

	h.notifier.await(t, domain.OrderStatusCancelled)
}

func TestCancelOrderByAdmin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order, err := h.svc.CreateOrder(ctx, widgetOrder("u1"))
	require.NoError(t, err)

	_, err = h.svc.CancelOrder(ctx, order.ID, Actor{UserID: "ops", Admin: true})
	require.NoError(t, err)
}

func TestDeleteOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admin := Actor{UserID: "ops", Admin: true}

	order, err := h.svc.CreateOrder(ctx, widgetOrder("u1"))
	require.NoError(t, err)

	require.ErrorIs(t, h.svc.DeleteOrder(ctx, order.ID, Actor{UserID: "u1"}), ErrOrderForbidden)
	require.ErrorIs(t, h.svc.DeleteOrder(ctx, "ord_missing", admin), ErrOrderNotFound)

	require.NoError(t, h.svc.DeleteOrder(ctx, order.ID, admin))
	assert.Equal(t, 0, h.registry.Active())

	_, err = h.svc.GetOrder(ctx, order.ID, admin)
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestListStatusesNegotiatesLocale(t *testing.T) {
	h := newHarness(t)

	english, err := h.svc.ListStatuses(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "en", english.Locale)
	assert.Equal(t, map[string]string{
		"created":    "Created",
		"processing": "Processing",
		"shipping":   "Shipping",
		"delivered":  "Delivered",
		"cancelled":  "Cancelled",
	}, english.Labels)

	russian, err := h.svc.ListStatuses(context.Background(), "ru-RU,ru;q=0.9,en;q=0.8")
	require.NoError(t, err)
	assert.Equal(t, "ru", russian.Locale)
	assert.Equal(t, "Доставлен", russian.Labels["delivered"])
	assert.Len(t, russian.Labels, len(domain.OrderStatuses))

	fallback, err := h.svc.ListStatuses(context.Background(), "fr-FR")
	require.NoError(t, err)
	assert.Equal(t, "en", fallback.Locale)
}

type unavailableError struct{}

func (unavailableError) Error() string       { return "store offline" }
func (unavailableError) IsNotFound() bool    { return false }
func (unavailableError) IsConflict() bool    { return false }
func (unavailableError) IsUnavailable() bool { return true }

type offlineRepository struct {
	repositories.OrderRepository
}

func (offlineRepository) ListByUser(context.Context, string) ([]domain.Order, error) {
	return nil, unavailableError{}
}

func TestOrderServiceMapsUnavailableStore(t *testing.T) {
	registry := NewLifecycleRegistry(nil)
	t.Cleanup(func() { require.NoError(t, registry.Shutdown(context.Background())) })

	repo := offlineRepository{OrderRepository: memory.NewOrderRepository()}
	lifecycle, err := NewOrderLifecycle(OrderLifecycleDeps{Orders: repo, Registry: registry})
	require.NoError(t, err)
	svc, err := NewOrderService(OrderServiceDeps{Orders: repo, Lifecycle: lifecycle})
	require.NoError(t, err)

	_, err = svc.ListOrders(context.Background(), ListOrdersFilter{Actor: Actor{UserID: "u1"}})
	require.ErrorIs(t, err, ErrOrderUnavailable)
	var repoErr repositories.RepositoryError
	assert.False(t, errors.As(err, &repoErr), "repository detail is flattened into the message")
}

func TestNewOrderServiceRequiresDeps(t *testing.T) {
	_, err := NewOrderService(OrderServiceDeps{})
	require.Error(t, err)

	_, err = NewOrderService(OrderServiceDeps{Orders: memory.NewOrderRepository()})
	require.Error(t, err)
}
