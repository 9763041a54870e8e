// Package statemachine validates and executes declarative field state
// machines during record writes.
package statemachine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/statera-io/statera/internal/definition"
	"github.com/statera-io/statera/internal/expression"
	"github.com/statera-io/statera/internal/observability"
	"github.com/statera-io/statera/internal/webhook"
	"github.com/statera-io/statera/model"
)

// Engine evaluates state machine transitions for one entity write. It runs
// inside the caller's write transaction, strictly after rule evaluation:
// any error returned here rolls back the whole write.
type Engine struct {
	registry   *definition.Registry
	exprs      *expression.Engine
	dispatcher webhook.Dispatcher
	retries    *webhook.RetryScheduler
	metrics    *observability.Metrics
	log        *zap.Logger
	now        func() time.Time
}

// SetMetrics enables per-action transition counters. Optional; a nil
// metrics struct leaves the engine silent.
func (e *Engine) SetMetrics(m *observability.Metrics) {
	e.metrics = m
}

// NewEngine creates a state machine Engine. The retry scheduler may be nil;
// failed webhook actions are then logged without retry tracking.
func NewEngine(
	registry *definition.Registry,
	exprs *expression.Engine,
	dispatcher webhook.Dispatcher,
	retries *webhook.RetryScheduler,
	log *zap.Logger,
) *Engine {
	return &Engine{
		registry:   registry,
		exprs:      exprs,
		dispatcher: dispatcher,
		retries:    retries,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// FiredTransition is a transition matched during Evaluate whose actions
// have not run yet. Execute runs them once the caller knows the whole
// write passed every synchronous check.
type FiredTransition struct {
	Machine    model.StateMachine
	Transition *model.Transition
	OldState   string
	NewState   string
}

// Evaluate checks every active state machine for entity against the write.
// On create, the supplied value must match the machine's initial state (if
// one is defined); no transition actions run. On update, a changed tracked
// field must match a transition whose guard (if any) evaluates true. A
// guard evaluating false blocks the transition; note this is the opposite
// convention from expression rules, where true is a violation.
//
// Matching transitions are returned as FiredTransitions, not executed:
// webhook actions are externally visible and cannot be rolled back, so the
// caller runs Execute only after the combined rule and machine checks on
// the write came back clean.
func (e *Engine) Evaluate(
	ctx context.Context,
	entity string,
	fields, old map[string]any,
	isCreate bool,
) ([]model.FieldError, []FiredTransition, error) {
	var errs []model.FieldError
	var fired []FiredTransition

	for _, m := range e.registry.MachinesFor(entity) {
		raw, present := fields[m.Field]
		if !present {
			continue // Field not part of this write; no transition attempted.
		}
		newState := stateString(raw)

		if isCreate {
			if m.Definition.Initial != "" && newState != m.Definition.Initial {
				errs = append(errs, model.FieldError{
					Field:   m.Field,
					Rule:    "initial_state",
					Message: fmt.Sprintf("%s must start as %q, got %q", m.Field, m.Definition.Initial, newState),
				})
			}
			continue
		}

		oldState := stateString(old[m.Field])
		if newState == oldState {
			continue
		}

		transition := findTransition(m.Definition.Transitions, oldState, newState)
		if transition == nil {
			errs = append(errs, model.FieldError{
				Field:   m.Field,
				Rule:    "transition",
				Message: fmt.Sprintf("Invalid transition from %s to %s", oldState, newState),
			})
			continue
		}

		if transition.Guard != "" {
			allowed, err := e.exprs.EvalBoolSource(
				transition.Guard,
				expression.WriteEnv(fields, old, false),
			)
			if err != nil {
				return errs, nil, err
			}
			if !allowed {
				errs = append(errs, model.FieldError{
					Field:   m.Field,
					Rule:    "guard",
					Message: fmt.Sprintf("transition from %s to %s blocked by guard", oldState, newState),
				})
				continue
			}
		}

		fired = append(fired, FiredTransition{
			Machine:    m,
			Transition: transition,
			OldState:   oldState,
			NewState:   newState,
		})
	}

	return errs, fired, nil
}

// Execute runs the actions of every fired transition in order. Call it
// only for a write with no violations from any check; a violation anywhere
// in the write must suppress every transition's side effects, not just the
// violating machine's.
func (e *Engine) Execute(ctx context.Context, fired []FiredTransition, fields map[string]any) {
	for i := range fired {
		f := &fired[i]
		e.executeActions(ctx, f.Machine, f.Transition, fields, f.OldState, f.NewState)
	}
}

// executeActions runs a fired transition's actions in order. set_field
// mutates the write's fields; webhook dispatches fire-and-forget and never
// blocks or fails the write; create_record and send_event are extension
// points with no built-in behavior.
func (e *Engine) executeActions(
	ctx context.Context,
	m model.StateMachine,
	t *model.Transition,
	fields map[string]any,
	oldState, newState string,
) {
	for _, a := range t.Actions {
		if e.metrics != nil {
			e.metrics.RecordTransitionAction(m.Entity, a.Type)
		}
		switch a.Type {
		case model.ActionSetField:
			v := a.Value
			if v == model.NowValue {
				// Resolved at execution time, not guard-evaluation time.
				v = e.now().Format(time.RFC3339)
			}
			fields[a.Field] = v

		case model.ActionWebhook:
			e.fireWebhook(ctx, m, a, fields, oldState, newState)

		case model.ActionCreateRecord, model.ActionSendEvent:
			e.log.Debug("transition action has no built-in executor",
				zap.String("entity", m.Entity),
				zap.String("field", m.Field),
				zap.String("type", a.Type),
			)

		default:
			e.log.Warn("unknown transition action type",
				zap.String("entity", m.Entity),
				zap.String("type", a.Type),
			)
		}
	}
}

// fireWebhook dispatches a webhook action asynchronously. The goroutine
// carries its own context so the delivery is not cancelled when the write
// request finishes; failures are logged and handed to the retry scheduler,
// never surfaced to the write.
func (e *Engine) fireWebhook(
	_ context.Context,
	m model.StateMachine,
	a model.TransitionAction,
	fields map[string]any,
	oldState, newState string,
) {
	body, err := json.Marshal(map[string]any{
		"event":  "state_change",
		"entity": m.Entity,
		"field":  m.Field,
		"from":   oldState,
		"to":     newState,
		"record": fields,
	})
	if err != nil {
		e.log.Error("webhook payload marshal failed",
			zap.String("entity", m.Entity), zap.Error(err))
		return
	}

	go func() {
		ctx := context.Background()
		status, err := e.dispatcher.Dispatch(ctx, a.URL, a.Method, nil, body)
		if err == nil {
			e.log.Info("transition webhook delivered",
				zap.String("entity", m.Entity),
				zap.String("url", a.URL),
				zap.Int("status", status),
			)
			return
		}

		e.log.Warn("transition webhook failed",
			zap.String("entity", m.Entity),
			zap.String("url", a.URL),
			zap.Int("status", status),
			zap.Error(err),
		)
		if e.retries != nil {
			if rerr := e.retries.Record(ctx, a.URL, a.Method, nil, body, err); rerr != nil {
				e.log.Error("webhook retry record failed",
					zap.String("url", a.URL), zap.Error(rerr))
			}
		}
	}()
}

// findTransition returns the first transition in definition order whose
// from set contains old and whose to equals new. There is no further
// tie-break.
func findTransition(transitions []model.Transition, oldState, newState string) *model.Transition {
	for i := range transitions {
		t := &transitions[i]
		if t.To == newState && t.From.Contains(oldState) {
			return t
		}
	}
	return nil
}

// stateString coerces a field value to its state string form.
func stateString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
