package repositories

import (
	"context"

	domain "github.com/storefront-lab/orders/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderMutator changes an order in place. Returning an error aborts the write and the error is
// handed back to the caller of Update unchanged.
type OrderMutator func(order *domain.Order) error

// OrderRepository is the single source of truth for order state. Implementations must be safe for
// concurrent use by request handlers and any number of lifecycle tasks, and must never hand out
// references into their internal state.
type OrderRepository interface {
	// Insert stores a new order. A RepositoryError with IsConflict is returned when the id exists.
	Insert(ctx context.Context, order domain.Order) error
	// Get returns the order or a RepositoryError with IsNotFound.
	Get(ctx context.Context, orderID string) (domain.Order, error)
	// Update applies mutate atomically against the latest stored state.
	Update(ctx context.Context, orderID string, mutate OrderMutator) (domain.Order, error)
	// Delete removes the order. Deleting a missing order is not an error.
	Delete(ctx context.Context, orderID string) error
	// DeleteIf removes the order only when remove reports true for the latest stored state.
	DeleteIf(ctx context.Context, orderID string, remove func(domain.Order) bool) (bool, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Order, error)
	ListAll(ctx context.Context) ([]domain.Order, error)
}
