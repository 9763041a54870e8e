package action

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/statera-io/statera/internal/webhook"
	"github.com/statera-io/statera/model"
)

// --- test helpers ---

type mockMutator struct {
	entity, recordID, field string
	value                   any
	err                     error
}

func (m *mockMutator) SetField(_ context.Context, entity, recordID, field string, value any) error {
	m.entity, m.recordID, m.field, m.value = entity, recordID, field, value
	return m.err
}

type mockDispatcher struct {
	url    string
	method string
	body   []byte
	err    error
}

func (d *mockDispatcher) Dispatch(_ context.Context, url, method string, _ map[string]string, body []byte) (int, error) {
	d.url, d.method, d.body = url, method, body
	if d.err != nil {
		return 502, d.err
	}
	return 200, nil
}

func pausedInstance() *model.WorkflowInstance {
	return &model.WorkflowInstance{
		ID:          "inst-1",
		WorkflowID:  "wf-1",
		CurrentStep: "notify",
		Context:     map[string]any{"order_id": "ord-9", "amount": 5000.0},
	}
}

// --- ResolveContextPath ---

func TestResolveContextPath(t *testing.T) {
	ctx := map[string]any{"order_id": "ord-9", "count": 3}

	got, err := ResolveContextPath("context.order_id", ctx)
	if err != nil {
		t.Fatalf("ResolveContextPath error: %v", err)
	}
	if got != "ord-9" {
		t.Errorf("got %q, want ord-9", got)
	}

	// Non-string values are stringified.
	got, err = ResolveContextPath("context.count", ctx)
	if err != nil {
		t.Fatalf("ResolveContextPath error: %v", err)
	}
	if got != "3" {
		t.Errorf("got %q, want 3", got)
	}
}

func TestResolveContextPath_errors(t *testing.T) {
	ctx := map[string]any{"order_id": "ord-9"}

	if _, err := ResolveContextPath("order_id", ctx); err == nil {
		t.Error("expected error for path without context. prefix")
	}
	if _, err := ResolveContextPath("context.missing", ctx); err == nil {
		t.Error("expected error for unset context key")
	}
}

// --- set_field executor ---

func TestSetFieldExecutor(t *testing.T) {
	mut := &mockMutator{}
	e := NewSetFieldExecutor(mut)

	err := e.Execute(context.Background(), pausedInstance(), model.WorkflowAction{
		Type:     model.ActionSetField,
		Entity:   "orders",
		RecordID: "context.order_id",
		Field:    "status",
		Value:    "approved",
	})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if mut.entity != "orders" || mut.recordID != "ord-9" || mut.field != "status" || mut.value != "approved" {
		t.Errorf("mutation = %+v", mut)
	}
}

func TestSetFieldExecutor_nowSentinel(t *testing.T) {
	mut := &mockMutator{}
	e := NewSetFieldExecutor(mut)
	e.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	err := e.Execute(context.Background(), pausedInstance(), model.WorkflowAction{
		Type:     model.ActionSetField,
		Entity:   "orders",
		RecordID: "context.order_id",
		Field:    "approved_at",
		Value:    model.NowValue,
	})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if mut.value != "2025-06-01T12:00:00Z" {
		t.Errorf("value = %v", mut.value)
	}
}

// --- webhook executor ---

func TestWebhookExecutor_success(t *testing.T) {
	d := &mockDispatcher{}
	e := NewWebhookExecutor(d, nil, zap.NewNop())

	err := e.Execute(context.Background(), pausedInstance(), model.WorkflowAction{
		Type:   model.ActionWebhook,
		URL:    "https://hooks.example.com/wf",
		Method: "POST",
	})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(d.body, &payload); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if payload["event"] != "workflow_action" || payload["instance_id"] != "inst-1" {
		t.Errorf("payload = %v", payload)
	}
}

func TestWebhookExecutor_failureRecordsRetry(t *testing.T) {
	d := &mockDispatcher{err: errors.New("connection refused")}
	store := webhook.NewMemoryDeliveryStore()
	retries := webhook.NewRetryScheduler(store, d, zap.NewNop(), time.Second, 3)
	e := NewWebhookExecutor(d, retries, zap.NewNop())

	err := e.Execute(context.Background(), pausedInstance(), model.WorkflowAction{
		Type: model.ActionWebhook,
		URL:  "https://hooks.example.com/wf",
	})
	// Delivery failures do not fail the step; the retry scheduler owns them.
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	due, _ := store.Due(context.Background(), time.Now().Add(time.Hour), 0)
	if len(due) != 1 {
		t.Fatalf("recorded deliveries = %d, want 1", len(due))
	}
	if due[0].LastError == "" {
		t.Error("delivery has no recorded error")
	}
}

// --- registry dispatch ---

func TestRegistry_unknownTypeIsNoOp(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	err := r.Execute(context.Background(), pausedInstance(), model.WorkflowAction{Type: "teleport"})
	if err != nil {
		t.Errorf("unknown action type error = %v, want nil", err)
	}
}

func TestRegistry_routesByType(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	var got model.WorkflowAction
	r.Register("custom", ExecutorFunc(func(_ context.Context, _ *model.WorkflowInstance, a model.WorkflowAction) error {
		got = a
		return nil
	}))

	err := r.Execute(context.Background(), pausedInstance(), model.WorkflowAction{Type: "custom", Event: "ping"})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if got.Event != "ping" {
		t.Errorf("routed action = %+v", got)
	}
}

func TestLoggingMutator(t *testing.T) {
	m := NewLoggingMutator(zap.NewNop())
	if err := m.SetField(context.Background(), "orders", "ord-1", "status", "approved"); err != nil {
		t.Errorf("SetField error: %v", err)
	}
}
