package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/statera-io/statera/internal/action"
	"github.com/statera-io/statera/internal/definition"
	"github.com/statera-io/statera/internal/expression"
	"github.com/statera-io/statera/model"
)

// --- test helpers ---

func gotoStep(id string) *model.StepGoto {
	return &model.StepGoto{Goto: id}
}

func gotoEnd() *model.StepGoto {
	return &model.StepGoto{Goto: model.GotoEnd}
}

// testWorkflow models an order approval flow: orders over 1000 need a
// manager sign-off, everything else auto-approves.
func testWorkflow() model.Workflow {
	return model.Workflow{
		ID:   "wf-order-approval",
		Name: "Order approval",
		Trigger: model.WorkflowTrigger{
			Type:   "state_change",
			Entity: "orders",
			Field:  "status",
			To:     "submitted",
		},
		Context: map[string]string{
			"order_id": "trigger.record_id",
			"amount":   "trigger.record.amount",
		},
		Steps: []model.WorkflowStep{
			{
				ID:         "check-amount",
				Type:       model.StepTypeCondition,
				Expression: "context.amount > 1000",
				OnTrue:     gotoStep("manager-approval"),
				OnFalse:    gotoStep("auto-approve"),
			},
			{
				ID:        "manager-approval",
				Type:      model.StepTypeApproval,
				Assignee:  &model.WorkflowAssignee{Type: "role", Role: "manager"},
				Timeout:   "72h",
				OnApprove: gotoStep("notify"),
				OnReject:  gotoEnd(),
				OnTimeout: gotoStep("notify"),
			},
			{
				ID:   "auto-approve",
				Type: model.StepTypeAction,
				Actions: []model.WorkflowAction{
					{Type: model.ActionSetField, Entity: "orders", RecordID: "context.order_id", Field: "status", Value: "approved"},
				},
				Then: gotoEnd(),
			},
			{
				ID:   "notify",
				Type: model.StepTypeAction,
				Actions: []model.WorkflowAction{
					{Type: model.ActionSendEvent, Event: "order.approved"},
				},
				Then: gotoEnd(),
			},
		},
		Active: true,
	}
}

// recordingExecutor captures every action routed through the registry.
type recordingExecutor struct {
	executed []model.WorkflowAction
	fail     bool
}

func (r *recordingExecutor) Execute(_ context.Context, _ *model.WorkflowInstance, a model.WorkflowAction) error {
	if r.fail {
		return model.NewInternalError("executor failed")
	}
	r.executed = append(r.executed, a)
	return nil
}

type orchestratorFixture struct {
	orch     *Orchestrator
	store    *MemoryInstanceStore
	executor *recordingExecutor
	now      time.Time
}

func newOrchestratorFixture(t *testing.T, workflows ...model.Workflow) *orchestratorFixture {
	t.Helper()

	registry := definition.NewRegistry([]definition.Bundle{{Workflows: workflows}})
	store := NewMemoryInstanceStore()
	exec := &recordingExecutor{}

	actions := action.NewRegistry(zap.NewNop())
	actions.Register(model.ActionSetField, exec)
	actions.Register(model.ActionWebhook, exec)
	actions.Register(model.ActionSendEvent, exec)
	actions.Register(model.ActionCreateRecord, exec)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	orch := NewOrchestrator(registry, store, expression.New(), actions, zap.NewNop(),
		WithClock(func() time.Time { return now }),
	)
	return &orchestratorFixture{orch: orch, store: store, executor: exec, now: now}
}

func smallOrder() map[string]any {
	return map[string]any{"id": "ord-1", "amount": 500.0, "status": "submitted"}
}

func largeOrder() map[string]any {
	return map[string]any{"id": "ord-2", "amount": 5000.0, "status": "submitted"}
}

// --- Trigger ---

func TestTrigger_noMatchingWorkflow(t *testing.T) {
	f := newOrchestratorFixture(t, testWorkflow())

	started := f.orch.Trigger(context.Background(), "orders", "status", "shipped", smallOrder(), "ord-1")
	if started != nil {
		t.Errorf("started = %v, want nil", started)
	}
	if f.store.Len() != 0 {
		t.Errorf("store has %d instances, want 0", f.store.Len())
	}
}

func TestTrigger_runsToCompletion(t *testing.T) {
	f := newOrchestratorFixture(t, testWorkflow())

	started := f.orch.Trigger(context.Background(), "orders", "status", "submitted", smallOrder(), "ord-1")
	if len(started) != 1 {
		t.Fatalf("started %d instances, want 1", len(started))
	}

	inst, err := f.orch.Instance(context.Background(), started[0].ID)
	if err != nil {
		t.Fatalf("Instance error: %v", err)
	}
	if inst.Status != model.WorkflowStatusCompleted {
		t.Errorf("status = %s, want %s", inst.Status, model.WorkflowStatusCompleted)
	}
	if inst.CurrentStep != model.GotoEnd {
		t.Errorf("current_step = %s, want %s", inst.CurrentStep, model.GotoEnd)
	}
	if len(inst.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(inst.History))
	}
	if inst.History[0].Step != "check-amount" || inst.History[0].Status != model.HistoryCompleted {
		t.Errorf("history[0] = %+v", inst.History[0])
	}
	if inst.History[1].Step != "auto-approve" || inst.History[1].Status != model.HistoryCompleted {
		t.Errorf("history[1] = %+v", inst.History[1])
	}
	if len(f.executor.executed) != 1 || f.executor.executed[0].Type != model.ActionSetField {
		t.Errorf("executed actions = %+v", f.executor.executed)
	}
}

func TestTrigger_resolvesContext(t *testing.T) {
	f := newOrchestratorFixture(t, testWorkflow())

	started := f.orch.Trigger(context.Background(), "orders", "status", "submitted", smallOrder(), "ord-1")
	if len(started) != 1 {
		t.Fatalf("started %d instances, want 1", len(started))
	}

	inst := started[0]
	if inst.Context["order_id"] != "ord-1" {
		t.Errorf("context order_id = %v, want ord-1", inst.Context["order_id"])
	}
	if inst.Context["amount"] != 500.0 {
		t.Errorf("context amount = %v, want 500", inst.Context["amount"])
	}
}

func TestTrigger_duplicateInstancesAllowed(t *testing.T) {
	f := newOrchestratorFixture(t, testWorkflow())

	f.orch.Trigger(context.Background(), "orders", "status", "submitted", smallOrder(), "ord-1")
	f.orch.Trigger(context.Background(), "orders", "status", "submitted", smallOrder(), "ord-1")

	if f.store.Len() != 2 {
		t.Errorf("store has %d instances, want 2", f.store.Len())
	}
}

func TestTrigger_badContextPathSkipsWorkflow(t *testing.T) {
	wf := testWorkflow()
	wf.Context = map[string]string{"order_id": "somewhere.else"}
	f := newOrchestratorFixture(t, wf)

	started := f.orch.Trigger(context.Background(), "orders", "status", "submitted", smallOrder(), "ord-1")
	if len(started) != 0 {
		t.Errorf("started %d instances, want 0", len(started))
	}
	if f.store.Len() != 0 {
		t.Errorf("store has %d instances, want 0", f.store.Len())
	}
}

// --- Approval pause and resume ---

func TestTrigger_pausesAtApproval(t *testing.T) {
	f := newOrchestratorFixture(t, testWorkflow())

	started := f.orch.Trigger(context.Background(), "orders", "status", "submitted", largeOrder(), "ord-2")
	if len(started) != 1 {
		t.Fatalf("started %d instances, want 1", len(started))
	}

	inst, err := f.orch.Instance(context.Background(), started[0].ID)
	if err != nil {
		t.Fatalf("Instance error: %v", err)
	}
	if inst.Status != model.WorkflowStatusPaused {
		t.Fatalf("status = %s, want %s", inst.Status, model.WorkflowStatusPaused)
	}
	if inst.CurrentStep != "manager-approval" {
		t.Errorf("current_step = %s, want manager-approval", inst.CurrentStep)
	}
	wantDeadline := f.now.Add(72 * time.Hour)
	if inst.CurrentStepDeadline == nil || !inst.CurrentStepDeadline.Equal(wantDeadline) {
		t.Errorf("deadline = %v, want %v", inst.CurrentStepDeadline, wantDeadline)
	}
	// Pausing records nothing; history gains an entry only when the
	// approval resolves.
	if len(inst.History) != 1 {
		t.Errorf("history length = %d, want 1 (condition step only)", len(inst.History))
	}

	pending, err := f.orch.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending error: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != inst.ID {
		t.Errorf("pending = %+v", pending)
	}
}

func TestResolveAction_approve(t *testing.T) {
	f := newOrchestratorFixture(t, testWorkflow())
	started := f.orch.Trigger(context.Background(), "orders", "status", "submitted", largeOrder(), "ord-2")

	inst, err := f.orch.ResolveAction(context.Background(), started[0].ID, VerbApprove, "usr-manager")
	if err != nil {
		t.Fatalf("ResolveAction error: %v", err)
	}
	if inst.Status != model.WorkflowStatusCompleted {
		t.Errorf("status = %s, want %s", inst.Status, model.WorkflowStatusCompleted)
	}
	if inst.CurrentStepDeadline != nil {
		t.Error("deadline not cleared after approval")
	}

	var approval *model.HistoryEntry
	for i := range inst.History {
		if inst.History[i].Step == "manager-approval" {
			approval = &inst.History[i]
		}
	}
	if approval == nil {
		t.Fatal("no history entry for manager-approval")
	}
	if approval.Status != model.HistoryApproved || approval.By != "usr-manager" {
		t.Errorf("approval entry = %+v", approval)
	}

	// The notify action step ran after the approval.
	if len(f.executor.executed) != 1 || f.executor.executed[0].Type != model.ActionSendEvent {
		t.Errorf("executed actions = %+v", f.executor.executed)
	}
}

func TestResolveAction_reject(t *testing.T) {
	f := newOrchestratorFixture(t, testWorkflow())
	started := f.orch.Trigger(context.Background(), "orders", "status", "submitted", largeOrder(), "ord-2")

	inst, err := f.orch.ResolveAction(context.Background(), started[0].ID, VerbReject, "usr-manager")
	if err != nil {
		t.Fatalf("ResolveAction error: %v", err)
	}
	if inst.Status != model.WorkflowStatusRejected {
		t.Errorf("status = %s, want %s", inst.Status, model.WorkflowStatusRejected)
	}
	last := inst.History[len(inst.History)-1]
	if last.Status != model.HistoryRejected || last.By != "usr-manager" {
		t.Errorf("last history entry = %+v", last)
	}
	if len(f.executor.executed) != 0 {
		t.Errorf("executed actions = %+v, want none", f.executor.executed)
	}
}

func TestResolveAction_secondResolveConflicts(t *testing.T) {
	f := newOrchestratorFixture(t, testWorkflow())
	started := f.orch.Trigger(context.Background(), "orders", "status", "submitted", largeOrder(), "ord-2")

	if _, err := f.orch.ResolveAction(context.Background(), started[0].ID, VerbApprove, "usr-a"); err != nil {
		t.Fatalf("first ResolveAction error: %v", err)
	}

	_, err := f.orch.ResolveAction(context.Background(), started[0].ID, VerbReject, "usr-b")
	if model.CodeOf(err) != model.ErrConflict {
		t.Errorf("second resolve error code = %s, want %s", model.CodeOf(err), model.ErrConflict)
	}
}

func TestResolveAction_concurrentApproveAndReject(t *testing.T) {
	f := newOrchestratorFixture(t, testWorkflow())
	started := f.orch.Trigger(context.Background(), "orders", "status", "submitted", largeOrder(), "ord-2")

	verbs := []string{VerbApprove, VerbReject}
	results := make(chan error, len(verbs))
	var wg sync.WaitGroup
	for _, verb := range verbs {
		wg.Add(1)
		go func(verb string) {
			defer wg.Done()
			_, err := f.orch.ResolveAction(context.Background(), started[0].ID, verb, "usr-"+verb)
			results <- err
		}(verb)
	}
	wg.Wait()
	close(results)

	var resolved, conflicted int
	for err := range results {
		switch {
		case err == nil:
			resolved++
		case model.CodeOf(err) == model.ErrConflict:
			conflicted++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if resolved != 1 || conflicted != 1 {
		t.Errorf("resolved = %d, conflicted = %d, want exactly one of each", resolved, conflicted)
	}

	inst, err := f.orch.Instance(context.Background(), started[0].ID)
	if err != nil {
		t.Fatalf("Instance error: %v", err)
	}
	if !inst.Terminal() {
		t.Errorf("status = %s, want terminal after the winning resolve", inst.Status)
	}
}

func TestResolveAction_notPaused(t *testing.T) {
	f := newOrchestratorFixture(t, testWorkflow())
	started := f.orch.Trigger(context.Background(), "orders", "status", "submitted", smallOrder(), "ord-1")

	_, err := f.orch.ResolveAction(context.Background(), started[0].ID, VerbApprove, "usr-a")
	if model.CodeOf(err) != model.ErrConflict {
		t.Errorf("error code = %s, want %s", model.CodeOf(err), model.ErrConflict)
	}
}

func TestResolveAction_unknownVerb(t *testing.T) {
	f := newOrchestratorFixture(t, testWorkflow())
	started := f.orch.Trigger(context.Background(), "orders", "status", "submitted", largeOrder(), "ord-2")

	_, err := f.orch.ResolveAction(context.Background(), started[0].ID, "escalate", "usr-a")
	if model.CodeOf(err) != model.ErrBadRequest {
		t.Errorf("error code = %s, want %s", model.CodeOf(err), model.ErrBadRequest)
	}
}

func TestResolveAction_unknownInstance(t *testing.T) {
	f := newOrchestratorFixture(t, testWorkflow())

	_, err := f.orch.ResolveAction(context.Background(), "missing", VerbApprove, "usr-a")
	if model.CodeOf(err) != model.ErrNotFound {
		t.Errorf("error code = %s, want %s", model.CodeOf(err), model.ErrNotFound)
	}
}

// --- Timeouts ---

func TestProcessTimeouts_followsHandler(t *testing.T) {
	f := newOrchestratorFixture(t, testWorkflow())
	started := f.orch.Trigger(context.Background(), "orders", "status", "submitted", largeOrder(), "ord-2")

	// Push the deadline into the past.
	inst, _ := f.store.Get(context.Background(), started[0].ID)
	past := f.now.Add(-time.Minute)
	inst.CurrentStepDeadline = &past
	if err := f.store.Update(context.Background(), &inst); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	if err := f.orch.ProcessTimeouts(context.Background()); err != nil {
		t.Fatalf("ProcessTimeouts error: %v", err)
	}

	after, _ := f.orch.Instance(context.Background(), started[0].ID)
	if after.Status != model.WorkflowStatusCompleted {
		t.Errorf("status = %s, want %s (on_timeout routes to notify)", after.Status, model.WorkflowStatusCompleted)
	}

	var timeoutEntry *model.HistoryEntry
	for i := range after.History {
		if after.History[i].Status == model.HistoryTimedOut {
			timeoutEntry = &after.History[i]
		}
	}
	if timeoutEntry == nil {
		t.Fatal("no timed_out history entry")
	}
	if timeoutEntry.By != "system" {
		t.Errorf("timed_out By = %q, want system", timeoutEntry.By)
	}
}

func TestProcessTimeouts_timeoutToEnd(t *testing.T) {
	wf := testWorkflow()
	wf.Steps[1].OnTimeout = gotoEnd()
	f := newOrchestratorFixture(t, wf)
	started := f.orch.Trigger(context.Background(), "orders", "status", "submitted", largeOrder(), "ord-2")

	inst, _ := f.store.Get(context.Background(), started[0].ID)
	past := f.now.Add(-time.Minute)
	inst.CurrentStepDeadline = &past
	if err := f.store.Update(context.Background(), &inst); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	if err := f.orch.ProcessTimeouts(context.Background()); err != nil {
		t.Fatalf("ProcessTimeouts error: %v", err)
	}

	after, _ := f.orch.Instance(context.Background(), started[0].ID)
	if after.Status != model.WorkflowStatusTimedOut {
		t.Errorf("status = %s, want %s", after.Status, model.WorkflowStatusTimedOut)
	}
}

func TestProcessTimeouts_withoutHandlerStaysPaused(t *testing.T) {
	wf := testWorkflow()
	wf.Steps[1].OnTimeout = nil
	f := newOrchestratorFixture(t, wf)
	started := f.orch.Trigger(context.Background(), "orders", "status", "submitted", largeOrder(), "ord-2")

	inst, _ := f.store.Get(context.Background(), started[0].ID)
	past := f.now.Add(-time.Minute)
	inst.CurrentStepDeadline = &past
	if err := f.store.Update(context.Background(), &inst); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	if err := f.orch.ProcessTimeouts(context.Background()); err != nil {
		t.Fatalf("ProcessTimeouts error: %v", err)
	}

	after, _ := f.orch.Instance(context.Background(), started[0].ID)
	if after.Status != model.WorkflowStatusPaused {
		t.Errorf("status = %s, want %s", after.Status, model.WorkflowStatusPaused)
	}
	if after.CurrentStepDeadline != nil {
		t.Error("deadline not cleared; the instance would time out again every tick")
	}
}

// --- Failure handling ---

func TestAdvance_actionFailureHalts(t *testing.T) {
	f := newOrchestratorFixture(t, testWorkflow())
	f.executor.fail = true

	started := f.orch.Trigger(context.Background(), "orders", "status", "submitted", smallOrder(), "ord-1")
	if len(started) != 1 {
		t.Fatalf("started %d instances, want 1", len(started))
	}

	inst, _ := f.orch.Instance(context.Background(), started[0].ID)
	if inst.Status != model.WorkflowStatusRunning {
		t.Errorf("status = %s, want %s (halted, not terminal)", inst.Status, model.WorkflowStatusRunning)
	}
	if inst.CurrentStep != "auto-approve" {
		t.Errorf("current_step = %s, want auto-approve", inst.CurrentStep)
	}
	last := inst.History[len(inst.History)-1]
	if last.Status != model.HistoryFailed || last.Error == "" {
		t.Errorf("last history entry = %+v, want failed with error", last)
	}
}

func TestAdvance_iterationCap(t *testing.T) {
	loop := model.Workflow{
		ID:   "wf-loop",
		Name: "Infinite loop",
		Trigger: model.WorkflowTrigger{
			Type: "state_change", Entity: "orders", Field: "status", To: "submitted",
		},
		Steps: []model.WorkflowStep{
			{ID: "a", Type: model.StepTypeAction, Then: gotoStep("b")},
			{ID: "b", Type: model.StepTypeAction, Then: gotoStep("a")},
		},
		Active: true,
	}
	f := newOrchestratorFixture(t, loop)

	started := f.orch.Trigger(context.Background(), "orders", "status", "submitted", smallOrder(), "ord-1")
	if len(started) != 1 {
		t.Fatalf("started %d instances, want 1", len(started))
	}

	inst, _ := f.orch.Instance(context.Background(), started[0].ID)
	if inst.Terminal() {
		t.Errorf("status = %s, want non-terminal halt", inst.Status)
	}
	last := inst.History[len(inst.History)-1]
	if last.Status != model.HistoryFailed {
		t.Errorf("last history entry = %+v, want failed", last)
	}
}
