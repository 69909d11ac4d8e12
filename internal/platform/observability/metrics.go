package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const meterName = "github.com/storefront-lab/orders/internal/services"

// LifecycleMetrics records order lifecycle instruments on an OpenTelemetry meter.
type LifecycleMetrics struct {
	transitions      metric.Int64Counter
	deliveryDuration metric.Float64Histogram
}

// NewLifecycleMetrics registers the instruments on meter, or on the global provider when meter is
// nil. Instruments that fail to register are skipped and logged.
func NewLifecycleMetrics(meter metric.Meter, logger *zap.Logger) *LifecycleMetrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &LifecycleMetrics{}
	transitions, err := meter.Int64Counter(
		"orders.lifecycle.transitions",
		metric.WithDescription("Status transitions committed by the lifecycle processor"),
	)
	if err != nil {
		logger.Warn("metrics: unable to register transition counter", zap.Error(err))
	} else {
		m.transitions = transitions
	}

	duration, err := meter.Float64Histogram(
		"orders.lifecycle.delivery_duration",
		metric.WithUnit("s"),
		metric.WithDescription("Seconds between order creation and delivery"),
	)
	if err != nil {
		logger.Warn("metrics: unable to register delivery histogram", zap.Error(err))
	} else {
		m.deliveryDuration = duration
	}
	return m
}

func (m *LifecycleMetrics) RecordTransition(ctx context.Context, status string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *LifecycleMetrics) RecordDeliveryDuration(ctx context.Context, d time.Duration) {
	if m == nil || m.deliveryDuration == nil {
		return
	}
	m.deliveryDuration.Record(ctx, d.Seconds())
}
