// Package main is the entry point for the statera process daemon.
// It wires per-tenant engine contexts, the background scanner, and the
// operational HTTP server together.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/statera-io/statera/internal/config"
	"github.com/statera-io/statera/internal/observability"
	"github.com/statera-io/statera/internal/scanner"
	"github.com/statera-io/statera/internal/tenant"
	"github.com/statera-io/statera/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "statera-processd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Build tenant contexts. A tenant with invalid definitions or an
	// unreachable store fails the whole boot.
	contexts := make([]*tenant.Context, 0, len(cfg.Tenants))
	for _, tcfg := range cfg.Tenants {
		tc, err := tenant.Build(ctx, tcfg, cfg.Webhook, cfg.Workflow.Enabled, logger, metrics)
		if err != nil {
			logger.Error("tenant initialization failed",
				zap.String("tenant_id", tcfg.ID),
				zap.Error(err),
			)
			return 1
		}
		contexts = append(contexts, tc)
	}
	provider := tenant.NewStaticProvider(contexts)
	defer provider.Close()

	// Step 5: Start the background scanner.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	sc := scanner.New(provider, cfg.Scanner.Interval, logger, metrics)
	go sc.Run(bgCtx)

	// Step 6: Build readiness checks.
	readinessChecks := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool {
			for _, tc := range provider.Tenants() {
				if tc.Registry.Checksum() != "" {
					return true
				}
			}
			return false
		},
	}
	var instanceCheckers, deliveryCheckers multiChecker
	for _, tc := range provider.Tenants() {
		if hc, ok := tc.Instances.(observability.HealthChecker); ok {
			instanceCheckers = append(instanceCheckers, hc)
		}
		if hc, ok := tc.Deliveries.(observability.HealthChecker); ok {
			deliveryCheckers = append(deliveryCheckers, hc)
		}
	}
	if len(instanceCheckers) > 0 {
		readinessChecks.InstanceStore = instanceCheckers
	}
	if len(deliveryCheckers) > 0 {
		readinessChecks.DeliveryStore = deliveryCheckers
	}

	// Step 7: Build the HTTP router and server.
	var metricsHandler http.Handler
	if cfg.Observability.Metrics.Enabled {
		metricsHandler = observability.Handler()
	}
	router := transport.NewRouter(transport.Dependencies{
		Tenants:        provider,
		Log:            logger,
		HealthHandler:  observability.HandleHealth(),
		ReadyHandler:   observability.HandleReady(readinessChecks),
		MetricsHandler: metricsHandler,
	})
	handler := metrics.MetricsMiddleware(observability.TracingMiddleware(router))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 8: Start the HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("tenants", len(contexts)),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop the scanner, then flush traces.
	bgCancel()
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// multiChecker fans a health check out across every tenant's store and
// fails on the first unhealthy one.
type multiChecker []observability.HealthChecker

func (m multiChecker) HealthCheck(ctx context.Context) error {
	for _, hc := range m {
		if err := hc.HealthCheck(ctx); err != nil {
			return err
		}
	}
	return nil
}
