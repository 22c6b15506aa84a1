package app

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zep-us/docindexer/internal/config"
	"github.com/zep-us/docindexer/internal/indexer"
	"github.com/zep-us/docindexer/internal/transport"
)

func testConfig() *config.Config {
	return &config.Config{
		ServerPort:             8080,
		ShutdownDrainSeconds:   0,
		ShutdownTimeoutSeconds: 5,
		MaxRequestSizeMB:       1,
		Transport:              config.TransportEmbedded,
		RequestTimeoutSeconds:  5,
		WorkerPoolSize:         2,
		JobQueueSize:           16,
		IndexerMode:            config.ModeBulk,
		BulkActions:            10,
		DrainTimeoutSeconds:    5,
		BackoffPolicy:          "exponential",
		BackoffBaseDelayMS:     10,
		BackoffMaxDelayMS:      100,
		BackoffMaxAttempts:     3,
		LogLevel:               "INFO",
	}
}

// newTestApp wires the app with a private metrics registry so several apps can coexist
func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	app := NewApp(cfg)
	app.registerer = prometheus.NewRegistry()
	if err := app.injectDependency(); err != nil {
		t.Fatalf("injectDependency failed: %v", err)
	}
	t.Cleanup(func() { _ = app.indexer.Close() })
	app.setupServer()
	return app
}

func do(app *App, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	app.echo.ServeHTTP(rec, req)
	return rec
}

// TestApp_ReadinessFlag_StartsAsFalse verifies readiness flag initialization
func TestApp_ReadinessFlag_StartsAsFalse(t *testing.T) {
	app := NewApp(testConfig())

	if app.readiness.Load() {
		t.Error("expected readiness to start as false, got true")
	}
}

// TestApp_InjectDependency_CreatesHandlers verifies transport, indexer and handler wiring
func TestApp_InjectDependency_CreatesHandlers(t *testing.T) {
	app := newTestApp(t, testConfig())

	if _, ok := app.transport.(*transport.EmbeddedTransport); !ok {
		t.Errorf("expected embedded transport, got %T", app.transport)
	}
	if _, ok := app.indexer.(*indexer.BulkIndexer); !ok {
		t.Errorf("expected bulk indexer, got %T", app.indexer)
	}

	// Expected handlers: HealthHandler, IngestHandler
	if len(app.httpHandlers) != 2 {
		t.Errorf("expected 2 handlers, got %d", len(app.httpHandlers))
	}
}

// TestApp_InjectDependency_SingleMode verifies indexer_mode=single
func TestApp_InjectDependency_SingleMode(t *testing.T) {
	cfg := testConfig()
	cfg.IndexerMode = config.ModeSingle
	app := newTestApp(t, cfg)

	if _, ok := app.indexer.(*indexer.SingleIndexer); !ok {
		t.Errorf("expected single indexer, got %T", app.indexer)
	}
}

// TestApp_InjectDependency_Errors verifies wiring failures are reported
func TestApp_InjectDependency_Errors(t *testing.T) {
	cfg := testConfig()
	cfg.Transport = config.TransportHTTP
	cfg.ClusterURLs = nil
	if err := NewApp(cfg).injectDependency(); err == nil {
		t.Error("expected an error for http transport without cluster urls")
	}

	cfg = testConfig()
	cfg.BackoffPolicy = "fibonacci"
	if err := NewApp(cfg).injectDependency(); err == nil {
		t.Error("expected an error for an unknown backoff policy")
	}
}

// TestApp_IngestRoundTrip verifies a document posted over HTTP reaches the store
func TestApp_IngestRoundTrip(t *testing.T) {
	app := newTestApp(t, testConfig())
	app.readiness.Store(true)

	rec := do(app, http.MethodPost, "/v1/books/_doc/1", `{"title": "dune"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(app, http.MethodPost, "/v1/_flush", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 from flush, got %d", rec.Code)
	}

	store := app.transport.(*transport.EmbeddedTransport)
	deadline := time.Now().Add(5 * time.Second)
	for {
		ok, err := store.Contains("books", "1")
		if err != nil {
			t.Fatalf("Contains failed: %v", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("document did not reach the store")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec = do(app, http.MethodGet, "/v1/_stats", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"accepted":1`) {
		t.Errorf("unexpected stats response %d %s", rec.Code, rec.Body.String())
	}

	rec = do(app, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected /metrics to return 200, got %d", rec.Code)
	}
}

// TestApp_ReadinessMiddleware_AcceptsHealthEndpoints verifies health endpoints during shutdown
func TestApp_ReadinessMiddleware_AcceptsHealthEndpoints(t *testing.T) {
	app := newTestApp(t, testConfig())
	app.readiness.Store(false)

	if rec := do(app, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("expected /healthz 200 while not ready, got %d", rec.Code)
	}
	if rec := do(app, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected /readyz 503 while not ready, got %d", rec.Code)
	}
	if rec := do(app, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Errorf("expected /metrics 200 while not ready, got %d", rec.Code)
	}
	if rec := do(app, http.MethodPost, "/v1/books/_doc", `{"a":1}`); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected ingest 503 while not ready, got %d", rec.Code)
	}

	app.readiness.Store(true)
	if rec := do(app, http.MethodPost, "/v1/books/_doc", `{"a":1}`); rec.Code != http.StatusAccepted {
		t.Errorf("expected ingest 202 when ready, got %d", rec.Code)
	}
}

// TestBodyLimit_LargeRequest_Returns413 verifies max_request_size_mb is enforced
func TestBodyLimit_LargeRequest_Returns413(t *testing.T) {
	app := newTestApp(t, testConfig())
	app.readiness.Store(true)

	large := `{"blob": "` + strings.Repeat("x", 2*1024*1024) + `"}`
	if rec := do(app, http.MethodPost, "/v1/books/_doc", large); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 for a 2MB body, got %d", rec.Code)
	}
}

// TestApp_Shutdown_ClosesIndexer verifies the shutdown sequence drains and closes the indexer
func TestApp_Shutdown_ClosesIndexer(t *testing.T) {
	app := newTestApp(t, testConfig())
	app.readiness.Store(true)

	if rec := do(app, http.MethodPost, "/v1/books/_doc/7", `{"a":1}`); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	if err := app.shutdown(); err != nil {
		t.Fatalf("shutdown returned error: %v", err)
	}

	if app.readiness.Load() {
		t.Error("expected readiness=false after shutdown")
	}
	if stats := app.indexer.Stats(); stats.Succeeded != 1 || stats.Pending != 0 {
		t.Errorf("expected the buffered document to be flushed on shutdown, got %+v", stats)
	}
	if err := app.indexer.Index(transport.Request{Index: "books", Source: map[string]any{}}); !errors.Is(err, indexer.ErrClosed) {
		t.Errorf("expected ErrClosed after shutdown, got %v", err)
	}
}
