package offlinecache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errOffline = errors.New("dial tcp: network is unreachable")

// switchTransport fails every request while offline is set.
type switchTransport struct {
	offline atomic.Bool
}

func (s *switchTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if s.offline.Load() {
		return nil, errOffline
	}
	return http.DefaultTransport.RoundTrip(req)
}

// testLogger is a simple logger implementation for testing
type testLogger struct {
	mu    sync.Mutex
	infos []string
}

func (l *testLogger) Debug(msg string, args ...any) {}
func (l *testLogger) Info(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}
func (l *testLogger) Warn(msg string, args ...any)  {}
func (l *testLogger) Error(msg string, args ...any) {}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.QueuePath = filepath.Join(t.TempDir(), "queue.db")
	cfg.EnableMetrics = false
	return cfg
}

func TestNewWithDefaults(t *testing.T) {
	layer, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("Failed to create layer with defaults: %v", err)
	}
	defer layer.Close()

	if layer.Transport() == nil || layer.Queue() == nil || layer.Store() == nil {
		t.Fatal("Layer components should not be nil")
	}
	if layer.Store().Tag() != "v1" {
		t.Errorf("Expected tag v1, got %s", layer.Store().Tag())
	}
	if err := layer.Degraded(); err != nil {
		t.Errorf("Healthy layer reported degraded: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.VersionTag != "v1" {
		t.Errorf("Expected VersionTag 'v1', got %s", cfg.VersionTag)
	}
	if cfg.Backend != "memory" {
		t.Errorf("Expected Backend 'memory', got %s", cfg.Backend)
	}
	if cfg.IdempotencyHeader != "Idempotency-Key" {
		t.Errorf("Expected IdempotencyHeader 'Idempotency-Key', got %s", cfg.IdempotencyHeader)
	}
	if cfg.EntryTTL != 24*time.Hour {
		t.Errorf("Expected EntryTTL 24h, got %v", cfg.EntryTTL)
	}
	if cfg.Retry.CeilingAttempts != 12 {
		t.Errorf("Expected retry ceiling 12, got %d", cfg.Retry.CeilingAttempts)
	}
	if cfg.ContextTimeout != 5*time.Second {
		t.Errorf("Expected ContextTimeout 5s, got %v", cfg.ContextTimeout)
	}
	if !cfg.EnableMetrics {
		t.Error("Expected EnableMetrics to be true")
	}
	if cfg.DebugMode {
		t.Error("Expected DebugMode to be false")
	}
	if cfg.Logger != nil {
		t.Error("Expected Logger to be nil (will default to no-op)")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing version", func(c *Config) { c.VersionTag = "" }},
		{"missing queue path", func(c *Config) { c.QueuePath = "" }},
		{"relative origin", func(c *Config) { c.Origin = "/app" }},
		{"bad retry policy", func(c *Config) { c.Retry.CeilingAttempts = 0 }},
		{"zero attempt timeout", func(c *Config) { c.AttemptTimeout = 0 }},
		{"unknown backend", func(c *Config) { c.Backend = "disk" }},
		{"signals without redis", func(c *Config) { c.SignalChannel = "offline:sync"; c.RedisAddr = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.modify(&cfg)
			if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestNewWithCustomLogger(t *testing.T) {
	logger := &testLogger{}
	cfg := testConfig(t)
	cfg.Logger = logger

	layer, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create layer with custom logger: %v", err)
	}
	defer layer.Close()

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.infos) == 0 || logger.infos[len(logger.infos)-1] != "Offline layer started" {
		t.Errorf("Expected startup log, got %v", logger.infos)
	}
}

func TestLayerReplaysQueuedMutation(t *testing.T) {
	var (
		mu       sync.Mutex
		received []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = append(received, r.Method+" "+r.URL.Path+" "+string(body)+" "+r.Header.Get("Idempotency-Key"))
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	transport := &switchTransport{}
	cfg := testConfig(t)
	cfg.Origin = server.URL
	cfg.Transport = transport
	layer, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create layer: %v", err)
	}
	defer layer.Close()
	ctx := context.Background()

	transport.offline.Store(true)
	_, err = layer.HTTPClient().Post(server.URL+"/orders", "application/json", strings.NewReader(`{"item":42}`))
	if !errors.Is(err, ErrQueued) {
		t.Fatalf("Expected ErrQueued, got %v", err)
	}
	if n, _ := layer.Queue().Len(ctx); n != 1 {
		t.Fatalf("Expected 1 queued request, got %d", n)
	}

	transport.offline.Store(false)
	if err := layer.Handle(ctx, Event{Kind: EventConnectivityRestored}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if n, _ := layer.Queue().Len(ctx); n != 0 {
		t.Errorf("Expected empty queue, got %d", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || !strings.HasPrefix(received[0], `POST /orders {"item":42} `) {
		t.Fatalf("Expected one replayed POST, got %v", received)
	}
	if strings.HasSuffix(received[0], " ") {
		t.Error("Expected replay to carry an idempotency key")
	}
}

func TestLayerNotifiesRejectedReplay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	transport := &switchTransport{}
	cfg := testConfig(t)
	cfg.Origin = server.URL
	cfg.Transport = transport
	layer, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create layer: %v", err)
	}
	defer layer.Close()
	ctx := context.Background()

	transport.offline.Store(true)
	req, _ := http.NewRequest(http.MethodPut, server.URL+"/api/profile", strings.NewReader(`{"name":""}`))
	if _, err := layer.HTTPClient().Do(req); !errors.Is(err, ErrQueued) {
		t.Fatalf("Expected ErrQueued, got %v", err)
	}

	transport.offline.Store(false)
	report, err := layer.Sync(ctx, "manual")
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Abandoned != 1 {
		t.Fatalf("Expected 1 abandoned request, got %+v", report)
	}

	alerts := layer.Dispatcher().Active()
	if len(alerts) != 1 {
		t.Fatalf("Expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].Payload.Title != "Change not saved" {
		t.Errorf("Unexpected alert: %+v", alerts[0].Payload)
	}

	abandoned, err := layer.Queue().ListAbandoned(ctx, 10)
	if err != nil || len(abandoned) != 1 || abandoned[0].StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected rejected entry in abandoned log, got %v, %v", abandoned, err)
	}
}

func TestLayerLifecycleEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("static:" + r.URL.Path))
	}))
	defer server.Close()

	queuePath := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	cfg := testConfig(t)
	cfg.QueuePath = queuePath
	cfg.Origin = server.URL
	cfg.Precache = []string{"/", "/app.js"}
	v1, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create layer: %v", err)
	}
	defer v1.Close()

	if err := v1.Handle(ctx, Event{Kind: EventInstall}); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if err := v1.Handle(ctx, Event{Kind: EventActivate}); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	// Served from static-v1 once the network is gone.
	server.Close()
	resp, err := v1.HTTPClient().Get(server.URL + "/app.js")
	if err != nil {
		t.Fatalf("Expected cached response, got %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "static:/app.js" {
		t.Errorf("Unexpected cached body %q", body)
	}
}

func TestLayerHandlesPushAndAction(t *testing.T) {
	cfg := testConfig(t)
	cfg.Origin = "https://app.example"
	layer, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create layer: %v", err)
	}
	defer layer.Close()
	ctx := context.Background()

	payload := `{"title":"Order Shipped","body":"On its way","data":{"actionUrl":"/orders/42"}}`
	if err := layer.Handle(ctx, Event{Kind: EventPush, Payload: []byte(payload)}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	alerts := layer.Dispatcher().Active()
	if len(alerts) != 1 {
		t.Fatalf("Expected 1 alert, got %d", len(alerts))
	}

	if err := layer.Handle(ctx, Event{Kind: EventNotificationAction, AlertID: alerts[0].ID}); err != nil {
		t.Fatalf("Action failed: %v", err)
	}
	if len(layer.Dispatcher().Active()) != 0 {
		t.Error("Expected alert to be closed after selection")
	}

	if err := layer.Handle(ctx, Event{Kind: "unknown"}); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("Expected ErrUnknownEvent, got %v", err)
	}
}

func TestLayerClosed(t *testing.T) {
	layer, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("Failed to create layer: %v", err)
	}
	if err := layer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := layer.Close(); err != nil {
		t.Errorf("Second close should be a no-op, got %v", err)
	}
	if err := layer.Handle(context.Background(), Event{Kind: EventPeriodicSync}); !errors.Is(err, ErrLayerClosed) {
		t.Errorf("Expected ErrLayerClosed, got %v", err)
	}
}

func TestNewDegradesOnStorageFailure(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("shell"))
	}))
	defer server.Close()

	// A regular file cannot hold the queue database.
	notADir := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(notADir, nil, 0o600); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	var mu sync.Mutex
	var reported []error
	transport := &switchTransport{}
	cfg := testConfig(t)
	cfg.Origin = server.URL
	cfg.Backend = "redis"
	cfg.RedisAddr = "127.0.0.1:1"
	cfg.QueuePath = filepath.Join(notADir, "queue.db")
	cfg.Transport = transport
	cfg.OnError = func(err error) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, err)
	}

	layer, err := New(cfg)
	if err != nil {
		t.Fatalf("Storage failures must not fail New: %v", err)
	}
	defer layer.Close()

	if layer.Degraded() == nil {
		t.Fatal("Expected the layer to report degraded")
	}
	mu.Lock()
	if len(reported) < 2 {
		t.Errorf("Expected the store and queue failures through OnError, got %v", reported)
	}
	mu.Unlock()
	if layer.Queue() != nil {
		t.Error("No queue should be exposed when it could not be opened")
	}

	client := layer.HTTPClient()
	for i := 0; i < 2; i++ {
		resp, err := client.Get(server.URL + "/index.html")
		if err != nil {
			t.Fatalf("Request %d failed: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if string(body) != "shell" {
			t.Fatalf("Unexpected body %q", body)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("Expected the fallback cache to serve the repeat, got %d upstream hits", n)
	}

	transport.offline.Store(true)
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/orders", strings.NewReader(`{"sku":"A1"}`))
	_, err = client.Do(req)
	if !errors.Is(err, ErrUnavailable) || errors.Is(err, ErrQueued) {
		t.Fatalf("Expected ErrUnavailable without a queue, got %v", err)
	}

	if report, err := layer.Sync(context.Background(), "periodic-sync"); err != nil || report.Attempted != 0 {
		t.Fatalf("Sync without a queue should be empty, got %+v, %v", report, err)
	}
}
