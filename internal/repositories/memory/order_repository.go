package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	domain "github.com/storefront-lab/orders/internal/domain"
	"github.com/storefront-lab/orders/internal/repositories"
)

// OrderRepository keeps orders in a mutex-guarded map. State is lost on restart.
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository returns an empty store.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: make(map[string]domain.Order)}
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("memory: order id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[id]; exists {
		return conflict("orders.insert", id)
	}
	r.orders[id] = order.Clone()
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, orderID string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, notFound("orders.get", orderID)
	}
	return order.Clone(), nil
}

// Update runs mutate on a private copy of the latest state while holding the write lock, and
// commits the copy only when mutate succeeds. ID, owner, items and creation time are restored
// after mutate so a mutator cannot rewrite them.
func (r *OrderRepository) Update(ctx context.Context, orderID string, mutate repositories.OrderMutator) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	if mutate == nil {
		return domain.Order{}, errors.New("memory: mutator is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, notFound("orders.update", orderID)
	}

	next := current.Clone()
	if err := mutate(&next); err != nil {
		return domain.Order{}, err
	}
	next.ID = current.ID
	next.UserID = current.UserID
	next.Items = current.Clone().Items
	next.Total = current.Total
	next.CreatedAt = current.CreatedAt

	r.orders[orderID] = next
	return next.Clone(), nil
}

func (r *OrderRepository) Delete(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.orders, orderID)
	r.mu.Unlock()
	return nil
}

func (r *OrderRepository) DeleteIf(ctx context.Context, orderID string, remove func(domain.Order) bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.orders[orderID]
	if !ok {
		return false, nil
	}
	if remove != nil && !remove(current.Clone()) {
		return false, nil
	}
	delete(r.orders, orderID)
	return true, nil
}

func (r *OrderRepository) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	return r.list(ctx, func(o domain.Order) bool { return o.UserID == userID })
}

func (r *OrderRepository) ListAll(ctx context.Context) ([]domain.Order, error) {
	return r.list(ctx, nil)
}

func (r *OrderRepository) list(ctx context.Context, match func(domain.Order) bool) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	result := make([]domain.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if match != nil && !match(order) {
			continue
		}
		result = append(result, order.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}
