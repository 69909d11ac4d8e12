// Package notify delivers order status changes to downstream consumers. Delivery is best effort:
// failures are logged and never surface to the caller.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/storefront-lab/orders/internal/domain"
)

const DefaultTimeout = 2 * time.Second

// Payload is the status-change message shared by every sink.
type Payload struct {
	OrderID   string    `json:"order_id"`
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PayloadFor builds the message for the order's current state.
func PayloadFor(order domain.Order) Payload {
	return Payload{
		OrderID:   order.ID,
		UserID:    order.UserID,
		Status:    string(order.Status),
		UpdatedAt: order.UpdatedAt.UTC(),
	}
}

// Sink is one delivery channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, payload Payload) error
	Close() error
}

// Fanout delivers every notification to all configured sinks concurrently. A failing or slow sink
// does not affect the others; each call is bounded by the fanout timeout.
type Fanout struct {
	sinks   []Sink
	timeout time.Duration
	logger  *zap.Logger
}

// NewFanout builds a Fanout. nil sinks are skipped; with no sinks Notify is a no-op.
func NewFanout(logger *zap.Logger, timeout time.Duration, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	active := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			active = append(active, sink)
		}
	}
	return &Fanout{sinks: active, timeout: timeout, logger: logger}
}

// Notify sends the order's current status. It returns once every sink finished or timed out.
// The caller's cancellation does not abort an in-flight delivery; only the timeout does.
func (f *Fanout) Notify(ctx context.Context, order domain.Order) {
	if f == nil || len(f.sinks) == 0 {
		return
	}
	payload := PayloadFor(order)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()

	var g errgroup.Group
	for _, sink := range f.sinks {
		g.Go(func() error {
			start := time.Now()
			err := sink.Deliver(ctx, payload)
			fields := []zap.Field{
				zap.String("sink", sink.Name()),
				zap.String("order_id", payload.OrderID),
				zap.String("status", payload.Status),
				zap.Duration("latency", time.Since(start)),
			}
			if err != nil {
				f.logger.Warn("order status notification failed", append(fields, zap.Error(err))...)
				return nil
			}
			f.logger.Debug("order status notification delivered", fields...)
			return nil
		})
	}
	_ = g.Wait()
}

// Sinks lists the configured sink names.
func (f *Fanout) Sinks() []string {
	names := make([]string, 0, len(f.sinks))
	for _, sink := range f.sinks {
		names = append(names, sink.Name())
	}
	return names
}

// Close releases every sink.
func (f *Fanout) Close() error {
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
