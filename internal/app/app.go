package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/zep-us/docindexer/internal/backoff"
	"github.com/zep-us/docindexer/internal/completion"
	"github.com/zep-us/docindexer/internal/config"
	"github.com/zep-us/docindexer/internal/handler/http/health"
	"github.com/zep-us/docindexer/internal/handler/http/ingest"
	httpiface "github.com/zep-us/docindexer/internal/handler/http/interface"
	"github.com/zep-us/docindexer/internal/indexer"
	"github.com/zep-us/docindexer/internal/metrics"
	"github.com/zep-us/docindexer/internal/transport"
	"github.com/zep-us/docindexer/pkg/logger"
)

// App represents the application with its lifecycle management
type App struct {
	config       *config.Config
	echo         *echo.Echo
	readiness    *atomic.Bool
	httpHandlers []httpiface.HttpRouter
	transport    transport.Transport
	indexer      indexer.Indexer
	registerer   prometheus.Registerer
}

// NewApp creates a new App instance with the given configuration
// Follows constructor injection pattern - all dependencies passed via parameters
func NewApp(cfg *config.Config) *App {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	return &App{
		config:     cfg,
		echo:       e,
		readiness:  atomic.NewBool(false),
		registerer: prometheus.DefaultRegisterer,
	}
}

// newTransport builds the configured cluster transport
func (a *App) newTransport() (transport.Transport, error) {
	switch a.config.Transport {
	case config.TransportEmbedded:
		return transport.NewEmbeddedTransport(transport.EmbeddedConfig{
			DataDir:         a.config.EmbeddedDataDir,
			Workers:         a.config.WorkerPoolSize,
			QueueSize:       a.config.JobQueueSize,
			ShutdownTimeout: a.config.DrainTimeout(),
		})
	default:
		return transport.NewHTTPTransport(transport.HTTPConfig{
			URLs:            a.config.ClusterURLs,
			Username:        a.config.ClusterUsername,
			Password:        a.config.ClusterPassword,
			RequestTimeout:  a.config.RequestTimeout(),
			Workers:         a.config.WorkerPoolSize,
			QueueSize:       a.config.JobQueueSize,
			ShutdownTimeout: a.config.DrainTimeout(),
		})
	}
}

// newIndexer wraps tr in the configured indexer; the metrics observer sees every outcome
func (a *App) newIndexer(tr transport.Transport) (indexer.Indexer, error) {
	sinks := []completion.Sink{metrics.NewObserver()}

	if a.config.IndexerMode == config.ModeSingle {
		return indexer.NewSingleIndexer(tr, a.config.DrainTimeout(), sinks...), nil
	}

	policy, err := backoff.FromConfig(
		a.config.BackoffPolicy,
		a.config.BackoffBaseDelay(),
		a.config.BackoffMaxDelay(),
		a.config.BackoffMaxAttempts,
		a.config.BackoffJitter,
	)
	if err != nil {
		return nil, err
	}

	return indexer.NewBulkIndexer(tr, indexer.BulkConfig{
		BulkActions:   a.config.BulkActions,
		FlushInterval: a.config.FlushInterval(),
		DrainTimeout:  a.config.DrainTimeout(),
		Backoff:       policy,
	}, sinks...)
}

// injectDependency builds the transport, the indexer and all HTTP handlers
// This centralizes handler initialization and makes it easy to add new handlers
func (a *App) injectDependency() error {
	tr, err := a.newTransport()
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	ix, err := a.newIndexer(tr)
	if err != nil {
		_ = tr.Close(context.Background())
		return fmt.Errorf("failed to create indexer: %w", err)
	}

	a.transport = tr
	a.indexer = ix
	a.httpHandlers = []httpiface.HttpRouter{
		health.NewHealthHandler(a.readiness, ix),
		ingest.NewIngestHandler(ix),
	}
	return nil
}

// preProcess is called before server starts
// Use this hook for initialization tasks that need to happen before accepting traffic
func (a *App) preProcess() {
	logger.Info("Preparing to start server: indexer_mode=%s transport=%s", a.config.IndexerMode, a.config.Transport)
}

// postProcess is called after shutdown signal is received
// Use this hook for cleanup tasks before graceful shutdown begins
func (a *App) postProcess() {
	logger.Info("Shutting down gracefully...")
}

// setupServer registers middleware and routes on the Echo instance
func (a *App) setupServer() {
	e := a.echo

	// 1. Body size limit middleware
	// Protects against memory exhaustion from large payloads
	limit := fmt.Sprintf("%dM", a.config.MaxRequestSizeMB)
	e.Use(middleware.BodyLimit(limit))

	// 2. Logging
	e.Use(middleware.Logger())

	// 3. Panic recovery
	e.Use(middleware.Recover())

	// 4. Readiness check middleware
	// This middleware rejects requests when readiness=false, except for health endpoints
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !a.readiness.Load() {
				p := c.Request().URL.Path
				// Allow health check endpoints and metrics even during shutdown
				if p != "/healthz" && p != "/readyz" && p != "/metrics" {
					logger.Info("readiness=false: reject new request path=%s", p)
					return c.NoContent(http.StatusServiceUnavailable)
				}
			}
			return next(c)
		}
	})

	// 5. Prometheus metrics middleware
	// This automatically tracks HTTP requests and exposes /metrics endpoint
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  metrics.Namespace,
		Registerer: a.registerer,
	}))
	e.GET("/metrics", echoprometheus.NewHandler())

	// 6. Setup all handler routes
	for _, handler := range a.httpHandlers {
		handler.SetupRoutes(e)
	}
}

// Run starts the Echo server and handles graceful shutdown
// This implements the full lifecycle: startup -> run -> graceful shutdown
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.injectDependency(); err != nil {
		return err
	}
	a.preProcess()
	a.setupServer()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", a.config.ServerPort)
		logger.Info("Starting docindexer server on %s", addr)

		// Mark readiness true just before starting to accept connections
		a.readiness.Store(true)

		// http.ErrServerClosed is expected during graceful shutdown, not an actual error
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("Server ready. Waiting for interrupt signal...")
		<-gctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

// shutdown runs the graceful shutdown sequence
func (a *App) shutdown() error {
	a.postProcess()

	// Step 1: Mark as not ready (load balancers will stop routing traffic)
	a.readiness.Store(false)
	drainDuration := a.config.ShutdownDrain()
	logger.Info("readiness=false: start drain window duration=%v", drainDuration)

	// Step 2: Drain period - allow load balancers to detect unhealthy state
	time.Sleep(drainDuration)

	// Step 3: Shutdown Echo server so no handler can still call Index
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout())
	defer shutdownCancel()

	logger.Info("Shutting down Echo server...")
	var errs []error
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error: %v", err)
		errs = append(errs, err)
	}

	// Step 4: Flush buffered documents and wait for in-flight operations
	logger.Info("Closing indexer (drain timeout %v)...", a.config.DrainTimeout())
	if err := a.indexer.Close(); err != nil {
		logger.Error("Indexer close: %v", err)
		errs = append(errs, err)
	}

	stats := a.indexer.Stats()
	logger.Info("Final stats: accepted=%d succeeded=%d failed=%d abandoned=%d retries=%d",
		stats.Accepted, stats.Succeeded, stats.Failed, stats.Abandoned, stats.Retries)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	logger.Info("Server stopped gracefully")
	return nil
}
