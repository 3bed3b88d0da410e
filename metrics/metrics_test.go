package metrics

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics() failed: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Failed to collect metrics: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumTotal(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("Expected Sum[int64] data type for %s", m.Name)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	if m.routerRequestsTotal == nil || m.syncDrainDuration == nil || m.cachesDeletedTotal == nil {
		t.Fatal("Instruments must be initialized")
	}
}

func TestDefault(t *testing.T) {
	m, err := Default()
	if err != nil {
		t.Fatalf("Default() failed: %v", err)
	}
	m.RecordRouterRequest(context.Background(), "cache-first", "hit")
}

func TestRecordRouterRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRouterRequest(ctx, "cache-first", "hit")
	m.RecordRouterRequest(ctx, "cache-first", "hit")
	m.RecordRouterRequest(ctx, "network-first", "stale")

	got, ok := collect(t, reader)["offline_router_requests_total"]
	if !ok {
		t.Fatal("offline_router_requests_total metric not found")
	}
	sum := got.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 2 {
		t.Errorf("Expected 2 data points, got %d", len(sum.DataPoints))
	}
	if total := sumTotal(t, got); total != 3 {
		t.Errorf("Expected total 3, got %d", total)
	}
}

func TestRecordQueueAndSync(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordEnqueued(ctx, false)
	m.RecordEnqueued(ctx, true)
	m.RecordAbandoned(ctx, "rejected")
	m.RecordSyncAttempt(ctx, "delivered")
	m.RecordDrainDuration(ctx, 250*time.Millisecond)
	m.RecordNotification(ctx, "shown")
	m.RecordCachesDeleted(ctx, 2)
	m.RecordCachesDeleted(ctx, 0)

	all := collect(t, reader)
	checks := map[string]int64{
		"offline_queue_enqueued_total":  2,
		"offline_queue_abandoned_total": 1,
		"offline_sync_attempts_total":   1,
		"offline_notifications_total":   1,
		"offline_caches_deleted_total":  2,
	}
	for name, want := range checks {
		got, ok := all[name]
		if !ok {
			t.Errorf("%s metric not found", name)
			continue
		}
		if total := sumTotal(t, got); total != want {
			t.Errorf("%s: expected %d, got %d", name, want, total)
		}
	}

	hist, ok := all["offline_sync_drain_duration_seconds"]
	if !ok {
		t.Fatal("offline_sync_drain_duration_seconds metric not found")
	}
	h, ok := hist.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("Expected Histogram[float64] data type")
	}
	if len(h.DataPoints) != 1 || h.DataPoints[0].Count != 1 {
		t.Errorf("Expected one recorded duration, got %+v", h.DataPoints)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	m.RecordRouterRequest(ctx, "mutation", "queued")
	m.RecordEnqueued(ctx, true)
	m.RecordAbandoned(ctx, "exhausted")
	m.RecordSyncAttempt(ctx, "retryable")
	m.RecordDrainDuration(ctx, time.Second)
	m.RecordNotification(ctx, "navigate")
	m.RecordCachesDeleted(ctx, 1)
}
