// Package metrics holds the OpenTelemetry instruments of the offline layer.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is the meter name used by Default.
const InstrumentationName = "github.com/huykn/offline-cache"

type Metrics struct {
	routerRequestsTotal metric.Int64Counter
	queueEnqueuedTotal  metric.Int64Counter
	queueAbandonedTotal metric.Int64Counter
	syncAttemptsTotal   metric.Int64Counter
	syncDrainDuration   metric.Float64Histogram
	notificationsTotal  metric.Int64Counter
	cachesDeletedTotal  metric.Int64Counter
}

// Default creates the instruments on the global meter provider.
func Default() (*Metrics, error) {
	return NewMetrics(otel.GetMeterProvider().Meter(InstrumentationName))
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.routerRequestsTotal, err = meter.Int64Counter(
		"offline_router_requests_total",
		metric.WithDescription("Requests handled by the cache router by strategy and outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create offline_router_requests_total counter: %w", err)
	}

	m.queueEnqueuedTotal, err = meter.Int64Counter(
		"offline_queue_enqueued_total",
		metric.WithDescription("Mutating requests handed to the pending-request queue"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create offline_queue_enqueued_total counter: %w", err)
	}

	m.queueAbandonedTotal, err = meter.Int64Counter(
		"offline_queue_abandoned_total",
		metric.WithDescription("Queued requests moved to the abandoned log"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create offline_queue_abandoned_total counter: %w", err)
	}

	m.syncAttemptsTotal, err = meter.Int64Counter(
		"offline_sync_attempts_total",
		metric.WithDescription("Replay attempts made by the sync orchestrator"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create offline_sync_attempts_total counter: %w", err)
	}

	m.syncDrainDuration, err = meter.Float64Histogram(
		"offline_sync_drain_duration_seconds",
		metric.WithDescription("Duration of drain cycles"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create offline_sync_drain_duration histogram: %w", err)
	}

	m.notificationsTotal, err = meter.Int64Counter(
		"offline_notifications_total",
		metric.WithDescription("Notifications shown and actions selected"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create offline_notifications_total counter: %w", err)
	}

	m.cachesDeletedTotal, err = meter.Int64Counter(
		"offline_caches_deleted_total",
		metric.WithDescription("Outdated caches deleted on activation"),
		metric.WithUnit("{cache}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create offline_caches_deleted_total counter: %w", err)
	}

	return m, nil
}

// RecordRouterRequest counts one routed request. strategy is
// "network-first", "cache-first" or "mutation"; outcome describes how it
// was answered (network, hit, stale, queued, unavailable...).
func (m *Metrics) RecordRouterRequest(ctx context.Context, strategy, outcome string) {
	if m == nil {
		return
	}
	m.routerRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordEnqueued(ctx context.Context, coalesced bool) {
	if m == nil {
		return
	}
	m.queueEnqueuedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("coalesced", coalesced),
	))
}

func (m *Metrics) RecordAbandoned(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.queueAbandonedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

func (m *Metrics) RecordSyncAttempt(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.syncAttemptsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordDrainDuration(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.syncDrainDuration.Record(ctx, d.Seconds())
}

// RecordNotification counts a notification event ("shown", "replaced",
// "navigate", "dismiss").
func (m *Metrics) RecordNotification(ctx context.Context, event string) {
	if m == nil {
		return
	}
	m.notificationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
	))
}

func (m *Metrics) RecordCachesDeleted(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.cachesDeletedTotal.Add(ctx, int64(n))
}
