package services

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	domain "github.com/storefront-lab/orders/internal/domain"
	"github.com/storefront-lab/orders/internal/platform/observability"
	"github.com/storefront-lab/orders/internal/repositories"
)

const (
	DefaultProcessingDelay = 10 * time.Second
	DefaultShippingDelay   = 10 * time.Second
	DefaultDeliveryMin     = 10 * time.Second
	DefaultDeliveryMax     = 30 * time.Second
	DefaultExpiryDelay     = 60 * time.Second
)

var errTransitionSuperseded = errors.New("lifecycle: transition superseded")

// LifecycleTimings controls how long an order dwells in each automatic state.
type LifecycleTimings struct {
	ProcessingDelay time.Duration
	ShippingDelay   time.Duration
	DeliveryMin     time.Duration
	DeliveryMax     time.Duration
	ExpiryDelay     time.Duration
}

// LifecyclePlan is the schedule drawn for one order when its lifecycle starts.
type LifecyclePlan struct {
	ProcessingDelay   time.Duration
	ShippingDelay     time.Duration
	DeliveryDelay     time.Duration
	EstimatedDelivery time.Time
}

// OrderLifecycleDeps bundles collaborators required to construct the lifecycle processor.
type OrderLifecycleDeps struct {
	Orders   repositories.OrderRepository
	Registry *LifecycleRegistry
	Notifier Notifier
	Timings  LifecycleTimings
	Clock    func() time.Time
	// After returns a channel that fires once d has elapsed. Defaults to time.After.
	After func(d time.Duration) <-chan time.Time
	// Draw picks the delivery dwell in [lo, hi]. Defaults to a uniform draw.
	Draw    func(lo, hi time.Duration) time.Duration
	Metrics *observability.LifecycleMetrics
	Logger  *zap.Logger
}

// OrderLifecycle drives orders through created, processing, shipping and delivered, then removes
// delivered orders after the expiry delay. Each order runs as a registry task; cancellation of
// that task wakes the processor at whatever dwell it is in.
type OrderLifecycle struct {
	orders   repositories.OrderRepository
	registry *LifecycleRegistry
	notifier Notifier
	timings  LifecycleTimings
	clock    func() time.Time
	after    func(time.Duration) <-chan time.Time
	draw     func(time.Duration, time.Duration) time.Duration
	metrics  *observability.LifecycleMetrics
	logger   *zap.Logger
}

type lifecycleStep struct {
	from  domain.OrderStatus
	to    domain.OrderStatus
	delay time.Duration
}

// NewOrderLifecycle validates deps and fills defaults.
func NewOrderLifecycle(deps OrderLifecycleDeps) (*OrderLifecycle, error) {
	if deps.Orders == nil {
		return nil, errors.New("order lifecycle: order repository is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("order lifecycle: registry is required")
	}

	timings := deps.Timings.withDefaults()
	if timings.DeliveryMax < timings.DeliveryMin {
		return nil, errors.New("order lifecycle: delivery max must not be below delivery min")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	after := deps.After
	if after == nil {
		after = time.After
	}
	draw := deps.Draw
	if draw == nil {
		draw = uniformDuration
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}

	return &OrderLifecycle{
		orders:   deps.Orders,
		registry: deps.Registry,
		notifier: notifier,
		timings:  timings,
		clock: func() time.Time {
			return clock().UTC()
		},
		after:   after,
		draw:    draw,
		metrics: deps.Metrics,
		logger:  logger.Named("lifecycle"),
	}, nil
}

// Plan draws the dwell schedule for an order starting at start.
func (l *OrderLifecycle) Plan(start time.Time) LifecyclePlan {
	delivery := l.draw(l.timings.DeliveryMin, l.timings.DeliveryMax)
	return LifecyclePlan{
		ProcessingDelay:   l.timings.ProcessingDelay,
		ShippingDelay:     l.timings.ShippingDelay,
		DeliveryDelay:     delivery,
		EstimatedDelivery: start.Add(l.timings.ProcessingDelay + l.timings.ShippingDelay + delivery).UTC(),
	}
}

// Start launches the lifecycle for orderID on the registry and returns immediately.
func (l *OrderLifecycle) Start(orderID string, plan LifecyclePlan) error {
	return l.registry.Start(orderID, func(ctx context.Context) {
		l.run(ctx, orderID, plan)
	})
}

// Stop cancels the running lifecycle for orderID, if any.
func (l *OrderLifecycle) Stop(orderID string) bool {
	return l.registry.Cancel(orderID)
}

// Dispatch runs fn on the registry as a tracked background job.
func (l *OrderLifecycle) Dispatch(fn func(ctx context.Context)) error {
	return l.registry.Go(fn)
}

func (l *OrderLifecycle) run(ctx context.Context, orderID string, plan LifecyclePlan) {
	logger := l.logger.With(zap.String("orderId", orderID))
	steps := []lifecycleStep{
		{from: domain.OrderStatusCreated, to: domain.OrderStatusProcessing, delay: plan.ProcessingDelay},
		{from: domain.OrderStatusProcessing, to: domain.OrderStatusShipping, delay: plan.ShippingDelay},
		{from: domain.OrderStatusShipping, to: domain.OrderStatusDelivered, delay: plan.DeliveryDelay},
	}

	var order domain.Order
	for _, step := range steps {
		if !l.wait(ctx, step.delay) {
			logger.Debug("lifecycle cancelled", zap.String("waitingFor", string(step.to)))
			return
		}
		next, ok := l.advance(ctx, logger, orderID, step)
		if !ok {
			return
		}
		order = next
		l.metrics.RecordTransition(ctx, string(step.to))
		l.notifier.Notify(ctx, order)
	}

	l.recordDelivery(ctx, logger, order)

	if !l.wait(ctx, l.timings.ExpiryDelay) {
		logger.Debug("lifecycle cancelled before expiry")
		return
	}
	removed, err := l.orders.DeleteIf(ctx, orderID, func(o domain.Order) bool {
		return o.Status == domain.OrderStatusDelivered
	})
	switch {
	case err != nil:
		logger.Warn("delivered order expiry failed", zap.Error(err))
	case removed:
		logger.Info("delivered order expired")
	default:
		logger.Debug("delivered order already gone or changed")
	}
}

// advance commits one transition. The status check and the write happen inside a single Update,
// so a cancellation or override that lands first always wins.
func (l *OrderLifecycle) advance(ctx context.Context, logger *zap.Logger, orderID string, step lifecycleStep) (domain.Order, bool) {
	updated, err := l.orders.Update(ctx, orderID, func(order *domain.Order) error {
		if order.Status != step.from {
			return errTransitionSuperseded
		}
		order.Status = step.to
		order.UpdatedAt = l.clock()
		return nil
	})
	if err == nil {
		logger.Info("order status advanced", zap.String("from", string(step.from)), zap.String("to", string(step.to)))
		return updated, true
	}

	var repoErr repositories.RepositoryError
	switch {
	case errors.Is(err, errTransitionSuperseded):
		logger.Debug("lifecycle stopped: status changed elsewhere", zap.String("expected", string(step.from)))
	case errors.As(err, &repoErr) && repoErr.IsNotFound():
		logger.Debug("lifecycle stopped: order removed")
	case errors.Is(err, context.Canceled):
		logger.Debug("lifecycle stopped: cancelled")
	default:
		logger.Warn("lifecycle transition failed", zap.String("to", string(step.to)), zap.Error(err))
	}
	return domain.Order{}, false
}

func (l *OrderLifecycle) recordDelivery(ctx context.Context, logger *zap.Logger, order domain.Order) {
	d, ok := order.DeliveryDuration()
	if !ok {
		logger.Debug("delivery duration unavailable",
			zap.Time("createdAt", order.CreatedAt),
			zap.Time("updatedAt", order.UpdatedAt),
		)
		return
	}
	l.metrics.RecordDeliveryDuration(ctx, d)
	logger.Info("order delivered", zap.Duration("deliveryDuration", d))
}

func (l *OrderLifecycle) wait(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-l.after(d):
		return true
	}
}

func (t LifecycleTimings) withDefaults() LifecycleTimings {
	if t.ProcessingDelay <= 0 {
		t.ProcessingDelay = DefaultProcessingDelay
	}
	if t.ShippingDelay <= 0 {
		t.ShippingDelay = DefaultShippingDelay
	}
	if t.DeliveryMin <= 0 {
		t.DeliveryMin = DefaultDeliveryMin
	}
	if t.DeliveryMax <= 0 {
		t.DeliveryMax = DefaultDeliveryMax
	}
	if t.ExpiryDelay <= 0 {
		t.ExpiryDelay = DefaultExpiryDelay
	}
	return t
}

func uniformDuration(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, domain.Order) {}
