package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/statera-io/statera/internal/action"
	"github.com/statera-io/statera/internal/definition"
	"github.com/statera-io/statera/internal/expression"
	"github.com/statera-io/statera/internal/rules"
	"github.com/statera-io/statera/internal/statemachine"
	"github.com/statera-io/statera/internal/workflow"
	"github.com/statera-io/statera/model"
)

// --- fixture ---

// captureDispatcher records transition webhook dispatches over a channel so
// tests can wait for the fire-and-forget goroutine.
type captureDispatcher struct {
	calls chan string
}

func newCaptureDispatcher() *captureDispatcher {
	return &captureDispatcher{calls: make(chan string, 8)}
}

func (d *captureDispatcher) Dispatch(_ context.Context, url, _ string, _ map[string]string, _ []byte) (int, error) {
	d.calls <- url
	return 200, nil
}

func testBundle() definition.Bundle {
	return definition.Bundle{
		Checksum: "test",
		Rules: []model.Rule{
			{
				ID: "order-min-total", Entity: "orders", Hook: model.HookBeforeWrite,
				Type:       model.RuleTypeField,
				Definition: model.RuleDefinition{Field: "total", Operator: model.OpMin, Value: 1},
				Active:     true,
			},
			{
				ID: "order-no-delete-paid", Entity: "orders", Hook: model.HookBeforeDelete,
				Type:       model.RuleTypeExpression,
				Definition: model.RuleDefinition{Expression: `record.status == "paid"`, Message: "paid orders cannot be deleted"},
				Active:     true,
			},
		},
		StateMachines: []model.StateMachine{
			{
				ID: "order-status", Entity: "orders", Field: "status",
				Definition: model.StateMachineDefinition{
					Initial: "draft",
					Transitions: []model.Transition{
						{
							From: model.TransitionFrom{"draft"}, To: "submitted",
							Actions: []model.TransitionAction{
								{Type: model.ActionSetField, Field: "submitted_at", Value: model.NowValue},
								{Type: model.ActionWebhook, URL: "https://hooks.example.com/orders", Method: "POST"},
							},
						},
					},
				},
				Active: true,
			},
		},
		Workflows: []model.Workflow{
			{
				ID:      "order-approval",
				Trigger: model.WorkflowTrigger{Type: "state_change", Entity: "orders", Field: "status", To: "submitted"},
				Context: map[string]string{"order_id": "trigger.record_id"},
				Steps: []model.WorkflowStep{
					{
						ID: "notify", Type: model.StepTypeAction,
						Actions: []model.WorkflowAction{{Type: model.ActionSendEvent, Event: "order.submitted"}},
						Then:    &model.StepGoto{Goto: model.GotoEnd},
					},
				},
				Active: true,
			},
		},
	}
}

func newTestPipeline(t *testing.T, withOrchestrator bool) (*Pipeline, *captureDispatcher) {
	t.Helper()
	log := zap.NewNop()
	registry := definition.NewRegistry([]definition.Bundle{testBundle()})
	exprs := expression.New()
	dispatcher := newCaptureDispatcher()

	var orch *workflow.Orchestrator
	if withOrchestrator {
		actions := action.NewRegistry(log)
		actions.Register(model.ActionSendEvent, action.ExecutorFunc(func(context.Context, *model.WorkflowInstance, model.WorkflowAction) error {
			return nil
		}))
		orch = workflow.NewOrchestrator(registry, workflow.NewMemoryInstanceStore(), exprs, actions, log)
	}

	p := NewPipeline(
		registry,
		rules.NewEvaluator(registry, exprs, log),
		statemachine.NewEngine(registry, exprs, dispatcher, nil, log),
		orch,
		log,
		nil,
	)
	return p, dispatcher
}

// --- BeforeWrite ---

func TestBeforeWrite_allows(t *testing.T) {
	p, _ := newTestPipeline(t, false)
	err := p.BeforeWrite(context.Background(), "orders",
		map[string]any{"total": 50.0, "status": "draft"}, nil, true)
	if err != nil {
		t.Fatalf("BeforeWrite error: %v", err)
	}
}

func TestBeforeWrite_aggregatesRuleAndMachineViolations(t *testing.T) {
	p, _ := newTestPipeline(t, false)

	// total violates the field rule and the status jump violates the machine.
	err := p.BeforeWrite(context.Background(), "orders",
		map[string]any{"total": 0.0, "status": "shipped"},
		map[string]any{"total": 50.0, "status": "draft"}, false)
	if model.CodeOf(err) != model.ErrValidationError {
		t.Fatalf("err = %v, want %s", err, model.ErrValidationError)
	}

	var envelope *model.ErrorEnvelope
	if !errors.As(err, &envelope) {
		t.Fatalf("err %T is not an envelope", err)
	}
	if len(envelope.Details) != 2 {
		t.Fatalf("violations = %+v, want both passes reported", envelope.Details)
	}
	fields := map[string]bool{}
	for _, fe := range envelope.Details {
		fields[fe.Field] = true
	}
	if !fields["total"] || !fields["status"] {
		t.Errorf("violation fields = %v, want total and status", fields)
	}
}

func TestBeforeWrite_rejectedWriteFiresNoActions(t *testing.T) {
	p, d := newTestPipeline(t, false)

	// total fails its min rule while status makes a valid transition that
	// carries a webhook action. The rule violation must suppress the
	// transition's side effects.
	fields := map[string]any{"total": 0.0, "status": "submitted"}
	err := p.BeforeWrite(context.Background(), "orders",
		fields, map[string]any{"total": 50.0, "status": "draft"}, false)
	if model.CodeOf(err) != model.ErrValidationError {
		t.Fatalf("err = %v, want %s", err, model.ErrValidationError)
	}
	if _, set := fields["submitted_at"]; set {
		t.Error("set_field mutated a rejected write")
	}
	select {
	case url := <-d.calls:
		t.Fatalf("webhook dispatched to %s for a rejected write", url)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBeforeWrite_allowedTransitionRunsActions(t *testing.T) {
	p, d := newTestPipeline(t, false)

	fields := map[string]any{"total": 50.0, "status": "submitted"}
	err := p.BeforeWrite(context.Background(), "orders",
		fields, map[string]any{"total": 50.0, "status": "draft"}, false)
	if err != nil {
		t.Fatalf("BeforeWrite error: %v", err)
	}
	if _, set := fields["submitted_at"]; !set {
		t.Error("set_field did not run for an allowed transition")
	}
	select {
	case url := <-d.calls:
		if url != "https://hooks.example.com/orders" {
			t.Errorf("url = %s", url)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never dispatched for an allowed transition")
	}
}

func TestBeforeWrite_unknownEntityIsNoOp(t *testing.T) {
	p, _ := newTestPipeline(t, false)
	err := p.BeforeWrite(context.Background(), "invoices",
		map[string]any{"anything": true}, nil, true)
	if err != nil {
		t.Fatalf("BeforeWrite error: %v", err)
	}
}

// --- BeforeDelete ---

func TestBeforeDelete(t *testing.T) {
	p, _ := newTestPipeline(t, false)
	ctx := context.Background()

	if err := p.BeforeDelete(ctx, "orders", map[string]any{"status": "draft"}); err != nil {
		t.Fatalf("delete of draft order rejected: %v", err)
	}

	err := p.BeforeDelete(ctx, "orders", map[string]any{"status": "paid"})
	if model.CodeOf(err) != model.ErrValidationError {
		t.Fatalf("err = %v, want %s", err, model.ErrValidationError)
	}
}

// --- AfterCommit ---

func TestAfterCommit_startsWorkflowOnTransition(t *testing.T) {
	p, _ := newTestPipeline(t, true)

	started := p.AfterCommit(context.Background(), "orders",
		map[string]any{"status": "submitted", "total": 50.0},
		map[string]any{"status": "draft"}, "ord-1")
	if len(started) != 1 {
		t.Fatalf("started = %d instances, want 1", len(started))
	}
	if started[0].WorkflowID != "order-approval" {
		t.Errorf("workflow = %s", started[0].WorkflowID)
	}
	if started[0].Context["order_id"] != "ord-1" {
		t.Errorf("context = %v", started[0].Context)
	}
}

func TestAfterCommit_ignoresUnchangedAndUntrackedFields(t *testing.T) {
	p, _ := newTestPipeline(t, true)
	ctx := context.Background()

	// Same state on both sides: no transition committed.
	if got := p.AfterCommit(ctx, "orders",
		map[string]any{"status": "submitted"},
		map[string]any{"status": "submitted"}, "ord-1"); len(got) != 0 {
		t.Errorf("unchanged state started %d instances", len(got))
	}

	// Tracked field absent from the write.
	if got := p.AfterCommit(ctx, "orders",
		map[string]any{"total": 99.0},
		map[string]any{"status": "draft"}, "ord-1"); len(got) != 0 {
		t.Errorf("write without status started %d instances", len(got))
	}

	// State with no matching trigger.
	if got := p.AfterCommit(ctx, "orders",
		map[string]any{"status": "cancelled"},
		map[string]any{"status": "draft"}, "ord-1"); len(got) != 0 {
		t.Errorf("untriggered state started %d instances", len(got))
	}
}

func TestAfterCommit_nilOrchestratorIsNoOp(t *testing.T) {
	p, _ := newTestPipeline(t, false)
	got := p.AfterCommit(context.Background(), "orders",
		map[string]any{"status": "submitted"},
		map[string]any{"status": "draft"}, "ord-1")
	if got != nil {
		t.Errorf("AfterCommit = %v, want nil with workflows disabled", got)
	}
}
