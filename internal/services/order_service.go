package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/storefront-lab/orders/internal/domain"
	"github.com/storefront-lab/orders/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"
	orderEventCancelled     = "order.cancelled"
	orderEventDeleted       = "order.deleted"

	orderIDPrefix = "ord_"

	DefaultListLimit = 100
	MaxListLimit     = 500

	// centEpsilon absorbs float noise when comparing currency amounts.
	centEpsilon = 1e-9
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderForbidden indicates the caller is neither the owner nor an administrator.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderUnauthenticated indicates no identity accompanied the request.
	ErrOrderUnauthenticated = errors.New("order: authentication required")
	// ErrOrderInvalidStatus indicates an unrecognised status value.
	ErrOrderInvalidStatus = errors.New("order: invalid status")
	// ErrOrderInvalidTransition indicates the order is already in a terminal status.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates a duplicate order id.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the order store could not serve the request.
	ErrOrderUnavailable = errors.New("order: store unavailable")
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders    repositories.OrderRepository
	Lifecycle *OrderLifecycle
	Notifier  Notifier
	Statuses  *StatusCatalog
	// Sanitizer cleans free-text item names. Defaults to bluemonday's strict policy.
	Sanitizer   func(string) string
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders    repositories.OrderRepository
	lifecycle *OrderLifecycle
	notifier  Notifier
	statuses  *StatusCatalog
	sanitize  func(string) string
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Lifecycle == nil {
		return nil, errors.New("order service: lifecycle is required")
	}

	statuses := deps.Statuses
	if statuses == nil {
		catalog, err := DefaultStatusCatalog()
		if err != nil {
			return nil, fmt.Errorf("order service: %w", err)
		}
		statuses = catalog
	}

	notifier := deps.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}

	sanitize := deps.Sanitizer
	if sanitize == nil {
		sanitize = bluemonday.StrictPolicy().Sanitize
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:    deps.Orders,
		lifecycle: deps.Lifecycle,
		notifier:  notifier,
		statuses:  statuses,
		sanitize:  sanitize,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	if cmd.Actor.Anonymous() {
		return Order{}, ErrOrderUnauthenticated
	}
	if len(cmd.Items) == 0 {
		return Order{}, fmt.Errorf("%w: order must contain at least one item", ErrOrderInvalidInput)
	}

	ownerID := strings.TrimSpace(cmd.OwnerID)
	if ownerID == "" {
		ownerID = cmd.Actor.UserID
	}
	if ownerID != cmd.Actor.UserID && !cmd.Actor.Admin {
		return Order{}, fmt.Errorf("%w: cannot create orders for another user", ErrOrderForbidden)
	}

	items := make([]OrderItem, 0, len(cmd.Items))
	for i, item := range cmd.Items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		item.Name = strings.TrimSpace(s.sanitize(item.Name))
		if err := item.Validate(); err != nil {
			return Order{}, fmt.Errorf("%w: items[%d]: %v", ErrOrderInvalidInput, i, err)
		}
		items = append(items, item)
	}

	total := domain.ComputeTotal(items)
	if cmd.Total != nil && !totalMatches(*cmd.Total, items, total) {
		return Order{}, fmt.Errorf("%w: total %g does not match item total %.2f", ErrOrderInvalidInput, *cmd.Total, total)
	}

	now := s.now()
	plan := s.lifecycle.Plan(now)
	eta := plan.EstimatedDelivery
	order := Order{
		ID:                s.nextOrderID(),
		UserID:            ownerID,
		Items:             items,
		Total:             total,
		Status:            domain.OrderStatusCreated,
		CreatedAt:         now,
		UpdatedAt:         now,
		EstimatedDelivery: &eta,
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if err := s.lifecycle.Start(order.ID, plan); err != nil {
		s.logger(ctx, "order.lifecycle.start.failed", map[string]any{
			"order": order.ID,
			"error": err.Error(),
		})
	}

	s.logger(ctx, orderEventCreated, map[string]any{
		"order":             order.ID,
		"user":              order.UserID,
		"actor":             cmd.Actor.UserID,
		"items":             len(order.Items),
		"total":             order.Total,
		"estimatedDelivery": eta,
	})
	return order.Clone(), nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string, actor Actor) (Order, error) {
	if actor.Anonymous() {
		return Order{}, ErrOrderUnauthenticated
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if !actor.Admin && !order.IsOwnedBy(actor.UserID) {
		return Order{}, fmt.Errorf("%w: order %s belongs to another user", ErrOrderForbidden, orderID)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter ListOrdersFilter) ([]Order, error) {
	if filter.Actor.Anonymous() {
		return nil, ErrOrderUnauthenticated
	}
	if filter.Skip < 0 {
		return nil, fmt.Errorf("%w: skip must not be negative", ErrOrderInvalidInput)
	}
	limit := filter.Limit
	switch {
	case limit < 0:
		return nil, fmt.Errorf("%w: limit must not be negative", ErrOrderInvalidInput)
	case limit == 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	var (
		orders []Order
		err    error
	)
	if filter.Actor.Admin {
		orders, err = s.orders.ListAll(ctx)
	} else {
		orders, err = s.orders.ListByUser(ctx, filter.Actor.UserID)
	}
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}

	if filter.Skip >= len(orders) {
		return []Order{}, nil
	}
	end := filter.Skip + limit
	if end > len(orders) {
		end = len(orders)
	}
	return orders[filter.Skip:end], nil
}

func (s *orderService) SetStatus(ctx context.Context, cmd SetStatusCommand) (Order, error) {
	if cmd.Actor.Anonymous() {
		return Order{}, ErrOrderUnauthenticated
	}
	if !cmd.Actor.Admin {
		return Order{}, fmt.Errorf("%w: administrator role required", ErrOrderForbidden)
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	status, valid := domain.ParseOrderStatus(cmd.Status)
	var previous OrderStatus
	updated, err := s.orders.Update(ctx, orderID, func(order *domain.Order) error {
		if !valid {
			return fmt.Errorf("%w: %q must be one of %s", ErrOrderInvalidStatus, cmd.Status, statusList())
		}
		previous = order.Status
		order.Status = status
		order.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	// The processor never resumes after an override.
	s.lifecycle.Stop(orderID)

	s.logger(ctx, orderEventStatusChanged, map[string]any{
		"order":          orderID,
		"previousStatus": string(previous),
		"status":         string(updated.Status),
		"actor":          cmd.Actor.UserID,
	})
	s.notifyAsync(ctx, updated)
	return updated, nil
}

func (s *orderService) CancelOrder(ctx context.Context, orderID string, actor Actor) (Order, error) {
	if actor.Anonymous() {
		return Order{}, ErrOrderUnauthenticated
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var previous OrderStatus
	updated, err := s.orders.Update(ctx, orderID, func(order *domain.Order) error {
		if !actor.Admin && !order.IsOwnedBy(actor.UserID) {
			return fmt.Errorf("%w: order %s belongs to another user", ErrOrderForbidden, orderID)
		}
		if !order.Status.CanCancel() {
			return fmt.Errorf("%w: cannot cancel order with status %s", ErrOrderInvalidTransition, order.Status)
		}
		previous = order.Status
		order.Status = domain.OrderStatusCancelled
		order.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.lifecycle.Stop(orderID)
	s.logger(ctx, orderEventCancelled, map[string]any{
		"order":          orderID,
		"previousStatus": string(previous),
		"actor":          actor.UserID,
	})
	s.notifyAsync(ctx, updated)
	return updated, nil
}

func (s *orderService) DeleteOrder(ctx context.Context, orderID string, actor Actor) error {
	if actor.Anonymous() {
		return ErrOrderUnauthenticated
	}
	if !actor.Admin {
		return fmt.Errorf("%w: administrator role required", ErrOrderForbidden)
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	if _, err := s.orders.Get(ctx, orderID); err != nil {
		return s.mapRepositoryError(err)
	}
	s.lifecycle.Stop(orderID)
	if err := s.orders.Delete(ctx, orderID); err != nil {
		return s.mapRepositoryError(err)
	}

	s.logger(ctx, orderEventDeleted, map[string]any{
		"order": orderID,
		"actor": actor.UserID,
	})
	return nil
}

func (s *orderService) ListStatuses(_ context.Context, acceptLanguage string) (StatusLabels, error) {
	return s.statuses.Labels(acceptLanguage), nil
}

// notifyAsync hands the notification to the lifecycle registry so the request returns without
// waiting on the user service, while shutdown still waits for delivery.
func (s *orderService) notifyAsync(ctx context.Context, order Order) {
	order = order.Clone()
	err := s.lifecycle.Dispatch(func(taskCtx context.Context) {
		s.notifier.Notify(taskCtx, order)
	})
	if err != nil {
		s.logger(ctx, "order.notify.skipped", map[string]any{
			"order":  order.ID,
			"status": string(order.Status),
			"error":  err.Error(),
		})
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}

	return err
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

// totalMatches accepts a client total that equals the item total at cent precision, or that equals
// the unrounded item sum up to float noise.
func totalMatches(supplied float64, items []OrderItem, total float64) bool {
	if math.IsNaN(supplied) || math.IsInf(supplied, 0) {
		return false
	}
	if math.Abs(domain.RoundCents(supplied)-total) < centEpsilon {
		return true
	}
	var sum float64
	for _, item := range items {
		sum += item.LineTotal()
	}
	return math.Abs(supplied-sum) <= centEpsilon*math.Max(1, math.Abs(sum))
}

func statusList() string {
	names := make([]string, 0, len(domain.OrderStatuses))
	for _, status := range domain.OrderStatuses {
		names = append(names, string(status))
	}
	return strings.Join(names, ", ")
}
