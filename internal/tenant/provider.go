// Package tenant builds and serves per-tenant engine contexts. Every tenant
// gets its own definition registry, stores, orchestrator, and retry
// scheduler; nothing is shared across tenants, so one tenant's bad
// definitions or store outage cannot leak into another's.
package tenant

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/statera-io/statera/internal/action"
	"github.com/statera-io/statera/internal/config"
	"github.com/statera-io/statera/internal/definition"
	"github.com/statera-io/statera/internal/engine"
	"github.com/statera-io/statera/internal/expression"
	"github.com/statera-io/statera/internal/observability"
	"github.com/statera-io/statera/internal/rules"
	"github.com/statera-io/statera/internal/statemachine"
	"github.com/statera-io/statera/internal/webhook"
	"github.com/statera-io/statera/internal/workflow"
)

// Context bundles one tenant's fully isolated engine components.
type Context struct {
	ID           string
	Registry     *definition.Registry
	Pipeline     *engine.Pipeline
	Orchestrator *workflow.Orchestrator
	Retries      *webhook.RetryScheduler
	Instances    workflow.InstanceStore
	Deliveries   webhook.DeliveryStore
	Log          *zap.Logger

	closers []func()
}

// Close releases the tenant's resources, most notably its connection pool.
func (c *Context) Close() {
	for _, f := range c.closers {
		f()
	}
}

// Provider yields tenant contexts to the scanner and the admin surface.
type Provider interface {
	Tenants() []*Context
	Tenant(id string) (*Context, bool)
}

// StaticProvider serves a fixed tenant set built at boot. Tenant onboarding
// requires a restart.
type StaticProvider struct {
	order   []string
	tenants map[string]*Context
}

// NewStaticProvider creates a StaticProvider from built contexts.
func NewStaticProvider(contexts []*Context) *StaticProvider {
	p := &StaticProvider{tenants: make(map[string]*Context, len(contexts))}
	for _, c := range contexts {
		p.order = append(p.order, c.ID)
		p.tenants[c.ID] = c
	}
	return p
}

// Tenants returns all tenant contexts in configuration order.
func (p *StaticProvider) Tenants() []*Context {
	out := make([]*Context, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.tenants[id])
	}
	return out
}

// Tenant returns the context for one tenant.
func (p *StaticProvider) Tenant(id string) (*Context, bool) {
	c, ok := p.tenants[id]
	return c, ok
}

// Close closes every tenant context.
func (p *StaticProvider) Close() {
	for _, c := range p.tenants {
		c.Close()
	}
}

// Build constructs one tenant's context from configuration: definitions are
// loaded and validated (validation failures are fatal, a tenant never boots
// on a broken definition set), stores are opened per the configured driver,
// and the full pipeline is wired on top.
func Build(
	ctx context.Context,
	tcfg config.TenantConfig,
	whcfg config.WebhookConfig,
	workflowEnabled bool,
	baseLog *zap.Logger,
	metrics *observability.Metrics,
) (*Context, error) {
	log := observability.TenantLogger(baseLog, tcfg.ID)
	exprs := expression.New()

	// Definitions.
	loader := definition.NewLoader()
	bundles, err := loader.LoadAll(tcfg.Directories)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: load definitions: %w", tcfg.ID, err)
	}
	if verrs := definition.NewValidator(exprs).Validate(bundles); len(verrs) > 0 {
		for _, ve := range verrs {
			log.Error("invalid definition",
				zap.String("path", ve.Path),
				zap.String("code", ve.Code),
				zap.String("detail", ve.Message),
			)
		}
		return nil, fmt.Errorf("tenant %s: %d invalid definitions", tcfg.ID, len(verrs))
	}
	registry := definition.NewRegistry(bundles)

	tc := &Context{ID: tcfg.ID, Registry: registry, Log: log}

	// Stores.
	var instances workflow.InstanceStore
	var deliveries webhook.DeliveryStore
	switch tcfg.Store.Driver {
	case "", "memory":
		instances = workflow.NewMemoryInstanceStore()
		deliveries = webhook.NewMemoryDeliveryStore()
	case "postgres":
		dsn := os.Getenv(tcfg.Store.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("tenant %s: environment variable %s is empty", tcfg.ID, tcfg.Store.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: parse dsn: %w", tcfg.ID, err)
		}
		if tcfg.Store.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(tcfg.Store.MaxOpenConns)
		}
		if tcfg.Store.ConnMaxLifetime > 0 {
			poolCfg.MaxConnLifetime = tcfg.Store.ConnMaxLifetime
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: open pool: %w", tcfg.ID, err)
		}
		tc.closers = append(tc.closers, pool.Close)
		instances = workflow.NewPgInstanceStore(pool)
		deliveries = webhook.NewPgDeliveryStore(pool)
	default:
		return nil, fmt.Errorf("tenant %s: unsupported store driver %q", tcfg.ID, tcfg.Store.Driver)
	}
	tc.Instances = instances
	tc.Deliveries = deliveries

	// Webhooks.
	dispatcher := webhook.NewHTTPDispatcher(whcfg.Timeout)
	retries := webhook.NewRetryScheduler(deliveries, dispatcher, log, whcfg.BaseBackoff, whcfg.MaxAttempts)
	if metrics != nil {
		retries.SetMetrics(metrics)
	}
	tc.Retries = retries

	// Engine components.
	ruleEval := rules.NewEvaluator(registry, exprs, log)
	machines := statemachine.NewEngine(registry, exprs, dispatcher, retries, log)
	if metrics != nil {
		machines.SetMetrics(metrics)
	}

	var orch *workflow.Orchestrator
	if workflowEnabled {
		actions := action.NewDefaultRegistry(action.NewLoggingMutator(log), dispatcher, retries, log)
		opts := []workflow.Option{}
		if metrics != nil {
			opts = append(opts, workflow.WithMetrics(metrics))
		}
		orch = workflow.NewOrchestrator(registry, instances, exprs, actions, log, opts...)
	}
	tc.Orchestrator = orch

	tc.Pipeline = engine.NewPipeline(registry, ruleEval, machines, orch, log, metrics)

	if metrics != nil {
		metrics.SetDefinitionsLoaded(tcfg.ID, "rules", float64(countRules(bundles)))
		metrics.SetDefinitionsLoaded(tcfg.ID, "state_machines", float64(countMachines(bundles)))
		metrics.SetDefinitionsLoaded(tcfg.ID, "workflows", float64(countWorkflows(bundles)))
	}

	log.Info("tenant context ready",
		zap.Strings("directories", tcfg.Directories),
		zap.String("store_driver", tcfg.Store.Driver),
		zap.Bool("workflows_enabled", workflowEnabled),
	)
	return tc, nil
}

func countRules(bundles []definition.Bundle) int {
	n := 0
	for _, b := range bundles {
		n += len(b.Rules)
	}
	return n
}

func countMachines(bundles []definition.Bundle) int {
	n := 0
	for _, b := range bundles {
		n += len(b.StateMachines)
	}
	return n
}

func countWorkflows(bundles []definition.Bundle) int {
	n := 0
	for _, b := range bundles {
		n += len(b.Workflows)
	}
	return n
}
