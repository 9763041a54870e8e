// Package workflow orchestrates long-running, pausable workflow instances
// triggered by committed state transitions.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/statera-io/statera/internal/action"
	"github.com/statera-io/statera/internal/definition"
	"github.com/statera-io/statera/internal/expression"
	"github.com/statera-io/statera/internal/observability"
	"github.com/statera-io/statera/model"
)

// Approval resolution verbs.
const (
	VerbApprove = "approve"
	VerbReject  = "reject"
)

// maxStepsPerAdvance bounds one advance call. Step graphs are duck-typed
// and may be cyclic; without a cap a misconfigured loop of action steps
// would spin forever.
const maxStepsPerAdvance = 64

// Orchestrator resolves workflows for committed state transitions, creates
// instances, and advances them through their step graphs until a pause or
// terminal point. Instances advance fully independently; within a single
// instance, the store's version fence makes load→mutate→persist atomic with
// respect to concurrent resume attempts.
type Orchestrator struct {
	registry *definition.Registry
	store    InstanceStore
	exprs    *expression.Engine
	actions  *action.Registry
	log      *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// Option configures optional orchestrator dependencies.
type Option func(*Orchestrator)

// WithMetrics records workflow metrics on the given instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source. For testing.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates a workflow Orchestrator.
func NewOrchestrator(
	registry *definition.Registry,
	store InstanceStore,
	exprs *expression.Engine,
	actions *action.Registry,
	log *zap.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		store:    store,
		exprs:    exprs,
		actions:  actions,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Trigger starts instances for every active workflow whose trigger matches
// the committed transition of entity.field to toState. It must only be
// called after the write has committed: workflow execution is a side
// effect, never a write precondition, so resolution errors are logged and
// skipped rather than surfaced. The created instances are returned with
// whatever progress their first advance made.
func (o *Orchestrator) Trigger(
	ctx context.Context,
	entity, field, toState string,
	record map[string]any,
	recordID string,
) []model.WorkflowInstance {
	workflows := o.registry.WorkflowsForTrigger(entity, field, toState)
	if len(workflows) == 0 {
		return nil
	}

	var started []model.WorkflowInstance
	for _, wf := range workflows {
		inst, err := o.startInstance(ctx, wf, record, recordID)
		if err != nil {
			o.log.Error("workflow trigger failed",
				zap.String("workflow_id", wf.ID),
				zap.String("entity", entity),
				zap.String("record_id", recordID),
				zap.Error(err),
			)
			continue
		}
		started = append(started, inst)
	}
	return started
}

// startInstance creates one instance and runs its first advance. A second
// trigger for a workflow already active on the same record creates another
// independent instance; there is no deduplication.
func (o *Orchestrator) startInstance(
	ctx context.Context,
	wf model.Workflow,
	record map[string]any,
	recordID string,
) (model.WorkflowInstance, error) {
	wfContext, err := resolveTriggerContext(wf, record, recordID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	now := o.now()
	inst := model.WorkflowInstance{
		ID:           uuid.New().String(),
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		Status:       model.WorkflowStatusRunning,
		CurrentStep:  wf.Steps[0].ID,
		Context:      wfContext,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := o.store.Create(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}

	if o.metrics != nil {
		o.metrics.WorkflowStartsTotal.WithLabelValues(wf.ID).Inc()
	}
	o.log.Info("workflow instance started",
		zap.String("instance_id", inst.ID),
		zap.String("workflow_id", wf.ID),
		zap.String("record_id", recordID),
	)

	if err := o.advance(ctx, &wf, &inst); err != nil {
		// The instance is persisted at its last completed step; a manual
		// resume or the scanner picks it up from there.
		o.log.Error("workflow advance halted",
			zap.String("instance_id", inst.ID),
			zap.String("step", inst.CurrentStep),
			zap.Error(err),
		)
	}
	return inst, nil
}

// advance drives the instance until it pauses at an approval step, reaches
// the terminal sentinel, fails, or hits the iteration cap. Each step
// transition appends exactly one history entry and persists the instance
// before continuing, so a crash mid-loop leaves it resumable at the last
// persisted step. The orchestrator performs no auto-retry of a failed
// action: the failure is recorded in history and the instance halts at its
// current, already-persisted step.
func (o *Orchestrator) advance(ctx context.Context, wf *model.Workflow, inst *model.WorkflowInstance) error {
	for i := 0; i < maxStepsPerAdvance; i++ {
		step := wf.FindStep(inst.CurrentStep)
		if step == nil {
			return model.NewInternalError(
				fmt.Sprintf("step %q not found in workflow %q", inst.CurrentStep, wf.ID),
			)
		}

		switch step.Type {
		case model.StepTypeAction:
			for _, a := range step.Actions {
				if err := o.actions.Execute(ctx, inst, a); err != nil {
					o.appendHistory(inst, step.ID, model.HistoryFailed, "", err.Error())
					if uerr := o.store.Update(ctx, inst); uerr != nil {
						o.log.Error("failed to persist halted instance",
							zap.String("instance_id", inst.ID), zap.Error(uerr))
					}
					return err
				}
			}
			o.appendHistory(inst, step.ID, model.HistoryCompleted, "", "")
			if err := o.follow(ctx, inst, step.Then, model.WorkflowStatusCompleted); err != nil {
				return err
			}

		case model.StepTypeCondition:
			result, err := o.exprs.EvalBoolSource(step.Expression, expression.ContextEnv(inst.Context))
			if err != nil {
				o.appendHistory(inst, step.ID, model.HistoryFailed, "", err.Error())
				if uerr := o.store.Update(ctx, inst); uerr != nil {
					o.log.Error("failed to persist halted instance",
						zap.String("instance_id", inst.ID), zap.Error(uerr))
				}
				return err
			}
			o.appendHistory(inst, step.ID, model.HistoryCompleted, "", "")
			target := step.OnTrue
			if !result {
				target = step.OnFalse
			}
			if err := o.follow(ctx, inst, target, model.WorkflowStatusCompleted); err != nil {
				return err
			}

		case model.StepTypeApproval:
			inst.Status = model.WorkflowStatusPaused
			inst.CurrentStepDeadline = nil
			if step.Timeout != "" {
				// Validated at load time; an unparsable timeout here means
				// the definition was replaced underneath us. Wait
				// indefinitely in that case.
				if d, err := time.ParseDuration(step.Timeout); err == nil {
					deadline := o.now().Add(d)
					inst.CurrentStepDeadline = &deadline
				}
			}
			return o.store.Update(ctx, inst)

		default:
			return model.NewInternalError(
				fmt.Sprintf("unknown step type %q in workflow %q", step.Type, wf.ID),
			)
		}

		if inst.Terminal() {
			if o.metrics != nil {
				o.metrics.WorkflowCompletionsTotal.WithLabelValues(wf.ID, inst.Status).Inc()
			}
			return nil
		}
	}

	err := model.NewInternalError(
		fmt.Sprintf("workflow %q exceeded %d steps in one advance", wf.ID, maxStepsPerAdvance),
	)
	o.appendHistory(inst, inst.CurrentStep, model.HistoryFailed, "", err.Message)
	if uerr := o.store.Update(ctx, inst); uerr != nil {
		o.log.Error("failed to persist capped instance",
			zap.String("instance_id", inst.ID), zap.Error(uerr))
	}
	return err
}

// follow moves the instance to a navigation target and persists it. The
// terminal sentinel sets endStatus and parks current_step at the sentinel.
func (o *Orchestrator) follow(ctx context.Context, inst *model.WorkflowInstance, target *model.StepGoto, endStatus string) error {
	if target.IsEnd() {
		inst.Status = endStatus
		inst.CurrentStep = model.GotoEnd
		inst.CurrentStepDeadline = nil
	} else {
		inst.CurrentStep = target.Goto
	}
	return o.store.Update(ctx, inst)
}

// ResolveAction applies an approve or reject verb to a paused instance. The
// instance must be paused at an approval step; anything else, including a
// duplicate call racing on the same instance, is a CONFLICT, enforced by
// the store's version fence so concurrent approve and reject can never both
// succeed.
func (o *Orchestrator) ResolveAction(ctx context.Context, instanceID, verb, actorID string) (model.WorkflowInstance, error) {
	inst, err := o.store.Get(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	if inst.Status != model.WorkflowStatusPaused {
		return model.WorkflowInstance{}, model.NewConflictError(
			fmt.Sprintf("workflow instance %q is %s, not awaiting approval", instanceID, inst.Status),
		)
	}

	wf, ok := o.registry.Workflow(inst.WorkflowID)
	if !ok {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", inst.WorkflowID),
		)
	}
	step := wf.FindStep(inst.CurrentStep)
	if step == nil || step.Type != model.StepTypeApproval {
		return model.WorkflowInstance{}, model.NewConflictError(
			fmt.Sprintf("workflow instance %q is not at an approval step", instanceID),
		)
	}

	var target *model.StepGoto
	var historyStatus, endStatus string
	switch verb {
	case VerbApprove:
		target = step.OnApprove
		historyStatus = model.HistoryApproved
		endStatus = model.WorkflowStatusCompleted
	case VerbReject:
		target = step.OnReject
		historyStatus = model.HistoryRejected
		endStatus = model.WorkflowStatusRejected
	default:
		return model.WorkflowInstance{}, model.NewBadRequestError(
			fmt.Sprintf("unknown action %q (expected approve or reject)", verb),
		)
	}

	o.appendHistory(&inst, step.ID, historyStatus, actorID, "")
	inst.CurrentStepDeadline = nil
	inst.Status = model.WorkflowStatusRunning

	if err := o.follow(ctx, &inst, target, endStatus); err != nil {
		return model.WorkflowInstance{}, err
	}

	o.log.Info("workflow approval resolved",
		zap.String("instance_id", inst.ID),
		zap.String("verb", verb),
		zap.String("actor_id", actorID),
	)

	if inst.Terminal() {
		if o.metrics != nil {
			o.metrics.WorkflowCompletionsTotal.WithLabelValues(wf.ID, inst.Status).Inc()
		}
		return inst, nil
	}

	if err := o.advance(ctx, &wf, &inst); err != nil {
		o.log.Error("workflow advance halted after approval",
			zap.String("instance_id", inst.ID),
			zap.String("step", inst.CurrentStep),
			zap.Error(err),
		)
	}
	return inst, nil
}

// Instance returns a workflow instance by ID.
func (o *Orchestrator) Instance(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	return o.store.Get(ctx, instanceID)
}

// ListPending returns instances paused awaiting approval.
func (o *Orchestrator) ListPending(ctx context.Context) ([]model.WorkflowInstance, error) {
	return o.store.ListPending(ctx)
}

// ProcessTimeouts resumes every paused instance whose deadline has passed.
// Failures are contained per instance so one bad instance cannot block the
// rest of the scan.
func (o *Orchestrator) ProcessTimeouts(ctx context.Context) error {
	expired, err := o.store.FindExpired(ctx, o.now())
	if err != nil {
		return fmt.Errorf("find expired instances: %w", err)
	}

	for i := range expired {
		if err := o.processTimeout(ctx, &expired[i]); err != nil {
			o.log.Error("workflow timeout processing failed",
				zap.String("instance_id", expired[i].ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// processTimeout handles a single expired instance. A step with no
// on_timeout target stays paused: log it, clear the deadline, and keep
// approve/reject as its only exits.
func (o *Orchestrator) processTimeout(ctx context.Context, inst *model.WorkflowInstance) error {
	wf, ok := o.registry.Workflow(inst.WorkflowID)
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", inst.WorkflowID))
	}
	step := wf.FindStep(inst.CurrentStep)
	if step == nil || step.Type != model.StepTypeApproval {
		return model.NewInternalError(
			fmt.Sprintf("instance %q paused at non-approval step %q", inst.ID, inst.CurrentStep),
		)
	}

	if step.OnTimeout == nil {
		o.log.Warn("approval step timed out without handler, leaving paused",
			zap.String("instance_id", inst.ID),
			zap.String("step", step.ID),
		)
		inst.CurrentStepDeadline = nil
		return o.store.Update(ctx, inst)
	}

	if o.metrics != nil {
		o.metrics.WorkflowTimeoutsTotal.WithLabelValues(wf.ID).Inc()
	}

	o.appendHistory(inst, step.ID, model.HistoryTimedOut, "system", "")
	inst.CurrentStepDeadline = nil
	inst.Status = model.WorkflowStatusRunning

	if err := o.follow(ctx, inst, step.OnTimeout, model.WorkflowStatusTimedOut); err != nil {
		return err
	}
	if inst.Terminal() {
		if o.metrics != nil {
			o.metrics.WorkflowCompletionsTotal.WithLabelValues(wf.ID, inst.Status).Inc()
		}
		return nil
	}
	return o.advance(ctx, &wf, inst)
}

// appendHistory records one step transition. History is append-only.
func (o *Orchestrator) appendHistory(inst *model.WorkflowInstance, step, status, by, errMsg string) {
	inst.History = append(inst.History, model.HistoryEntry{
		Step:   step,
		Status: status,
		By:     by,
		Error:  errMsg,
		At:     o.now(),
	})
}

// resolveTriggerContext builds the instance context once at trigger time.
// It is read-only thereafter. Paths are "trigger.record_id" or
// "trigger.record.<field>"; anything else is a misconfiguration.
func resolveTriggerContext(wf model.Workflow, record map[string]any, recordID string) (map[string]any, error) {
	wfContext := make(map[string]any, len(wf.Context))
	for key, path := range wf.Context {
		switch {
		case path == "trigger.record_id":
			wfContext[key] = recordID
		case strings.HasPrefix(path, "trigger.record."):
			field := strings.TrimPrefix(path, "trigger.record.")
			wfContext[key] = record[field]
		default:
			return nil, model.NewInternalError(
				fmt.Sprintf("workflow %q: unknown context path %q", wf.ID, path),
			)
		}
	}
	return wfContext, nil
}
