// Package action provides the open executor registry for workflow actions.
// Executors are keyed by action type so new types are additive: registering
// an executor is the only change needed to support one.
package action

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/statera-io/statera/internal/webhook"
	"github.com/statera-io/statera/model"
)

// RecordMutator mutates target-entity records on behalf of workflow
// actions. It is the only way an action touches records; an instance's own
// context is never mutated.
type RecordMutator interface {
	SetField(ctx context.Context, entity, recordID, field string, value any) error
}

// Executor performs one workflow action against one instance.
type Executor interface {
	Execute(ctx context.Context, inst *model.WorkflowInstance, a model.WorkflowAction) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, inst *model.WorkflowInstance, a model.WorkflowAction) error

func (f ExecutorFunc) Execute(ctx context.Context, inst *model.WorkflowInstance, a model.WorkflowAction) error {
	return f(ctx, inst, a)
}

// Registry dispatches workflow actions to executors by action type. An
// unknown type is logged and skipped, not fatal, so configurations may
// reference types a deployment has not wired yet.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	log       *zap.Logger
}

// NewRegistry creates an empty executor registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{executors: make(map[string]Executor), log: log}
}

// Register adds or replaces the executor for an action type.
func (r *Registry) Register(actionType string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[actionType] = e
}

// Execute dispatches a to the executor registered for its type.
func (r *Registry) Execute(ctx context.Context, inst *model.WorkflowInstance, a model.WorkflowAction) error {
	r.mu.RLock()
	e, ok := r.executors[a.Type]
	r.mu.RUnlock()

	if !ok {
		r.log.Warn("no executor for action type, skipping",
			zap.String("instance_id", inst.ID),
			zap.String("type", a.Type),
		)
		return nil
	}
	return e.Execute(ctx, inst, a)
}

// NewDefaultRegistry creates a registry with the built-in executors:
// set_field (record mutation through records), webhook (delegated to the
// dispatcher, failed deliveries handed to retries), and logged no-op stubs
// for create_record and send_event.
func NewDefaultRegistry(
	records RecordMutator,
	dispatcher webhook.Dispatcher,
	retries *webhook.RetryScheduler,
	log *zap.Logger,
) *Registry {
	r := NewRegistry(log)
	r.Register(model.ActionSetField, NewSetFieldExecutor(records))
	r.Register(model.ActionWebhook, NewWebhookExecutor(dispatcher, retries, log))
	r.Register(model.ActionCreateRecord, noopExecutor(model.ActionCreateRecord, log))
	r.Register(model.ActionSendEvent, noopExecutor(model.ActionSendEvent, log))
	return r
}

// SetFieldExecutor assigns a value to a field of a target record. The
// record is addressed by a context path expression such as
// "context.record_id" resolved against the instance's context.
type SetFieldExecutor struct {
	records RecordMutator
	now     func() time.Time
}

// NewSetFieldExecutor creates the set_field executor.
func NewSetFieldExecutor(records RecordMutator) *SetFieldExecutor {
	return &SetFieldExecutor{
		records: records,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Execute resolves the target record and assigns the field. The sentinel
// value "now" resolves to the execution-time timestamp.
func (e *SetFieldExecutor) Execute(ctx context.Context, inst *model.WorkflowInstance, a model.WorkflowAction) error {
	recordID, err := ResolveContextPath(a.RecordID, inst.Context)
	if err != nil {
		return err
	}

	value := a.Value
	if value == model.NowValue {
		value = e.now().Format(time.RFC3339)
	}

	return e.records.SetField(ctx, a.Entity, recordID, a.Field, value)
}

// LoggingMutator is the default RecordMutator for deployments where the
// engine does not own record storage. It records the requested mutation at
// info level so downstream systems can reconcile; host applications embed
// their own mutator to apply writes for real.
type LoggingMutator struct {
	log *zap.Logger
}

// NewLoggingMutator creates a LoggingMutator.
func NewLoggingMutator(log *zap.Logger) *LoggingMutator {
	return &LoggingMutator{log: log}
}

func (m *LoggingMutator) SetField(_ context.Context, entity, recordID, field string, value any) error {
	m.log.Info("record field mutation requested",
		zap.String("entity", entity),
		zap.String("record_id", recordID),
		zap.String("field", field),
		zap.Any("value", value),
	)
	return nil
}

// WebhookExecutor dispatches a webhook action synchronously with the
// dispatcher's bounded timeout. A failed dispatch is recorded for retry and
// does not halt the instance: deliveries are tracked and re-driven
// independently of workflow advancement.
type WebhookExecutor struct {
	dispatcher webhook.Dispatcher
	retries    *webhook.RetryScheduler
	log        *zap.Logger
}

// NewWebhookExecutor creates the webhook executor.
func NewWebhookExecutor(dispatcher webhook.Dispatcher, retries *webhook.RetryScheduler, log *zap.Logger) *WebhookExecutor {
	return &WebhookExecutor{dispatcher: dispatcher, retries: retries, log: log}
}

// Execute dispatches the webhook with the instance's context as payload.
func (e *WebhookExecutor) Execute(ctx context.Context, inst *model.WorkflowInstance, a model.WorkflowAction) error {
	body, err := json.Marshal(map[string]any{
		"event":       "workflow_action",
		"instance_id": inst.ID,
		"workflow_id": inst.WorkflowID,
		"step":        inst.CurrentStep,
		"context":     inst.Context,
	})
	if err != nil {
		return model.NewInternalError(fmt.Sprintf("marshal webhook payload: %v", err))
	}

	status, derr := e.dispatcher.Dispatch(ctx, a.URL, a.Method, nil, body)
	if derr == nil {
		return nil
	}

	e.log.Warn("workflow webhook failed",
		zap.String("instance_id", inst.ID),
		zap.String("url", a.URL),
		zap.Int("status", status),
		zap.Error(derr),
	)
	if e.retries != nil {
		if rerr := e.retries.Record(ctx, a.URL, a.Method, nil, body, derr); rerr != nil {
			return rerr
		}
	}
	return nil
}

func noopExecutor(actionType string, log *zap.Logger) Executor {
	return ExecutorFunc(func(_ context.Context, inst *model.WorkflowInstance, _ model.WorkflowAction) error {
		log.Debug("action type has no built-in executor",
			zap.String("instance_id", inst.ID),
			zap.String("type", actionType),
		)
		return nil
	})
}

// ResolveContextPath resolves a "context.<key>" path expression against an
// instance context and coerces the result to a string.
func ResolveContextPath(path string, instanceContext map[string]any) (string, error) {
	const prefix = "context."
	if !strings.HasPrefix(path, prefix) {
		return "", model.NewBadRequestError(fmt.Sprintf("invalid context path %q", path))
	}
	key := strings.TrimPrefix(path, prefix)
	val, ok := instanceContext[key]
	if !ok || val == nil {
		return "", model.NewBadRequestError(fmt.Sprintf("context key %q not set", key))
	}
	if s, ok := val.(string); ok {
		return s, nil
	}
	return fmt.Sprint(val), nil
}
