// Package engine composes rule evaluation, state machine checks, and
// workflow triggering into the write pipeline host applications call around
// their own persistence.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/statera-io/statera/internal/definition"
	"github.com/statera-io/statera/internal/observability"
	"github.com/statera-io/statera/internal/rules"
	"github.com/statera-io/statera/internal/statemachine"
	"github.com/statera-io/statera/internal/workflow"
	"github.com/statera-io/statera/model"
)

// Pipeline is the synchronous validation gate plus the post-commit workflow
// trigger. BeforeWrite and BeforeDelete run before the host persists a
// record and can veto the write; AfterCommit must run only once the write
// has durably committed.
type Pipeline struct {
	registry     *definition.Registry
	rules        *rules.Evaluator
	machines     *statemachine.Engine
	orchestrator *workflow.Orchestrator
	log          *zap.Logger
	metrics      *observability.Metrics
}

// NewPipeline creates a Pipeline. The orchestrator may be nil when workflow
// execution is disabled; AfterCommit then degrades to a no-op.
func NewPipeline(
	registry *definition.Registry,
	ruleEval *rules.Evaluator,
	machines *statemachine.Engine,
	orchestrator *workflow.Orchestrator,
	log *zap.Logger,
	metrics *observability.Metrics,
) *Pipeline {
	return &Pipeline{
		registry:     registry,
		rules:        ruleEval,
		machines:     machines,
		orchestrator: orchestrator,
		log:          log,
		metrics:      metrics,
	}
}

// BeforeWrite validates a pending create or update. Rules run first, then
// state machine transition checks; violations from both passes are
// aggregated into a single VALIDATION_ERROR so the caller sees every
// problem at once. Transition actions, including webhook dispatch, run
// only when both passes are clean: a rejected write must leave no trace,
// and a webhook cannot be un-sent on rollback. A nil return means the
// write may proceed.
func (p *Pipeline) BeforeWrite(ctx context.Context, entity string, fields, old map[string]any, isCreate bool) error {
	ctx, span := observability.StartSpan(ctx, "engine.before_write",
		observability.AttrEntity.String(entity),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	start := time.Now()

	ruleErrs, err := p.rules.Evaluate(ctx, entity, model.HookBeforeWrite, fields, old, isCreate)
	if err != nil {
		p.recordEvaluation(entity, model.HookBeforeWrite, "error", start)
		return err
	}

	machineErrs, fired, err := p.machines.Evaluate(ctx, entity, fields, old, isCreate)
	if err != nil {
		p.recordEvaluation(entity, model.HookBeforeWrite, "error", start)
		return err
	}
	if p.metrics != nil {
		outcome := "allowed"
		if len(machineErrs) > 0 {
			outcome = "blocked"
		}
		p.metrics.RecordTransitionCheck(entity, outcome)
	}

	violations := append(ruleErrs, machineErrs...)
	if len(violations) > 0 {
		p.recordEvaluation(entity, model.HookBeforeWrite, "rejected", start)
		p.log.Warn("write rejected",
			zap.String("entity", entity),
			zap.Bool("is_create", isCreate),
			zap.Int("violations", len(violations)),
		)
		if p.log.Core().Enabled(zap.DebugLevel) {
			p.log.Debug("rejected payload",
				zap.String("entity", entity),
				zap.Any("fields", observability.RedactBody(fields, nil)),
			)
		}
		err = model.NewValidationError(violations)
		return err
	}

	p.machines.Execute(ctx, fired, fields)

	p.recordEvaluation(entity, model.HookBeforeWrite, "allowed", start)
	return nil
}

// BeforeDelete validates a pending delete against before_delete rules.
// State machines do not constrain deletes.
func (p *Pipeline) BeforeDelete(ctx context.Context, entity string, record map[string]any) error {
	ctx, span := observability.StartSpan(ctx, "engine.before_delete",
		observability.AttrEntity.String(entity),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	start := time.Now()

	violations, err := p.rules.Evaluate(ctx, entity, model.HookBeforeDelete, record, nil, false)
	if err != nil {
		p.recordEvaluation(entity, model.HookBeforeDelete, "error", start)
		return err
	}
	if len(violations) > 0 {
		p.recordEvaluation(entity, model.HookBeforeDelete, "rejected", start)
		err = model.NewValidationError(violations)
		return err
	}

	p.recordEvaluation(entity, model.HookBeforeDelete, "allowed", start)
	return nil
}

// AfterCommit inspects the committed write for state transitions on
// machine-tracked fields and starts any workflows whose triggers match.
// It never returns an error: the write is already durable and workflow
// execution is a side effect, so failures are logged inside the
// orchestrator. Call it with the same fields and old maps the write was
// validated with.
func (p *Pipeline) AfterCommit(ctx context.Context, entity string, fields, old map[string]any, recordID string) []model.WorkflowInstance {
	if p.orchestrator == nil {
		return nil
	}

	ctx, span := observability.StartSpan(ctx, "engine.after_commit",
		observability.AttrEntity.String(entity),
		observability.AttrRecordID.String(recordID),
	)
	defer span.End()

	var started []model.WorkflowInstance
	for _, m := range p.registry.MachinesFor(entity) {
		raw, present := fields[m.Field]
		if !present {
			continue
		}
		newState := coerceState(raw)
		if newState == "" || newState == coerceState(old[m.Field]) {
			continue // No transition committed on this field.
		}
		started = append(started, p.orchestrator.Trigger(ctx, entity, m.Field, newState, fields, recordID)...)
	}
	return started
}

func (p *Pipeline) recordEvaluation(entity, hook, outcome string, start time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.RecordRuleEvaluation(entity, hook, outcome, time.Since(start))
}

// coerceState renders a field value as a state name. States are strings in
// well-formed definitions; anything else is stringified so a malformed
// payload still produces a comparable value.
func coerceState(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprintf("%v", s)
	}
}
