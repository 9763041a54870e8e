// Package scanner runs the periodic background pass that times out expired
// approval steps and re-drives failed webhook deliveries.
package scanner

import (
	"context"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/statera-io/statera/internal/observability"
	"github.com/statera-io/statera/internal/tenant"
)

// Scanner ticks at a fixed interval and sweeps every tenant. Tenants are
// fault isolated: a panic or error inside one tenant's sweep is logged and
// the remaining tenants still run in the same tick.
type Scanner struct {
	tenants  tenant.Provider
	interval time.Duration
	log      *zap.Logger
	metrics  *observability.Metrics
}

// New creates a Scanner.
func New(tenants tenant.Provider, interval time.Duration, log *zap.Logger, metrics *observability.Metrics) *Scanner {
	return &Scanner{
		tenants:  tenants,
		interval: interval,
		log:      log,
		metrics:  metrics,
	}
}

// Run ticks until the context is cancelled. The first sweep happens one
// interval after start, not immediately.
func (s *Scanner) Run(ctx context.Context) {
	s.log.Info("scanner started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scanner stopped")
			return
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan performs one sweep over all tenants.
func (s *Scanner) Scan(ctx context.Context) {
	for _, tc := range s.tenants.Tenants() {
		s.scanTenant(ctx, tc)
	}
}

func (s *Scanner) scanTenant(ctx context.Context, tc *tenant.Context) {
	start := time.Now()
	status := "ok"
	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			tc.Log.Error("tenant scan panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
		if s.metrics != nil {
			s.metrics.RecordScanTick(tc.ID, status, time.Since(start))
		}
	}()

	if tc.Orchestrator != nil {
		if err := tc.Orchestrator.ProcessTimeouts(ctx); err != nil {
			status = "error"
			tc.Log.Error("timeout sweep failed", zap.Error(err))
		}
	}
	if tc.Retries != nil {
		if err := tc.Retries.Process(ctx); err != nil {
			status = "error"
			tc.Log.Error("webhook retry sweep failed", zap.Error(err))
		}
	}
}
