package model

import (
	"encoding/json"
	"time"
)

// Workflow instance status constants.
const (
	WorkflowStatusRunning   = "running"
	WorkflowStatusPaused    = "paused"
	WorkflowStatusCompleted = "completed"
	WorkflowStatusRejected  = "rejected"
	WorkflowStatusTimedOut  = "timed_out"
)

// Workflow step types.
const (
	StepTypeAction    = "action"
	StepTypeCondition = "condition"
	StepTypeApproval  = "approval"
)

// History entry statuses.
const (
	HistoryCompleted = "completed"
	HistoryApproved  = "approved"
	HistoryRejected  = "rejected"
	HistoryTimedOut  = "timed_out"
	HistoryFailed    = "failed"
)

// GotoEnd is the terminal navigation sentinel.
const GotoEnd = "end"

// StepGoto is a navigation target: either a step ID or the terminal
// sentinel. It accepts both "end" and {"goto": "step_id"} in JSON.
type StepGoto struct {
	Goto string
}

func (s *StepGoto) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		s.Goto = str
		return nil
	}
	var obj struct {
		Goto string `json:"goto"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	s.Goto = obj.Goto
	return nil
}

func (s StepGoto) MarshalJSON() ([]byte, error) {
	if s.Goto == GotoEnd {
		return json.Marshal(GotoEnd)
	}
	return json.Marshal(struct {
		Goto string `json:"goto"`
	}{Goto: s.Goto})
}

// IsEnd reports whether the target is the terminal sentinel.
func (s *StepGoto) IsEnd() bool {
	return s == nil || s.Goto == GotoEnd
}

// WorkflowTrigger defines when a workflow starts. Only "state_change"
// triggers are supported: the workflow starts when Entity.Field transitions
// to the To state.
type WorkflowTrigger struct {
	Type   string `json:"type"`
	Entity string `json:"entity"`
	Field  string `json:"field,omitempty"`
	To     string `json:"to,omitempty"`
}

// Key returns the trigger lookup key entity:field:toState.
func (t WorkflowTrigger) Key() string {
	return t.Entity + ":" + t.Field + ":" + t.To
}

// WorkflowAssignee defines who is assigned to an approval step.
type WorkflowAssignee struct {
	Type string `json:"type"`
	Path string `json:"path,omitempty"`
	Role string `json:"role,omitempty"`
	User string `json:"user,omitempty"`
}

// WorkflowAction is an action executed within an action step. RecordID is a
// context path expression, e.g. "context.record_id".
type WorkflowAction struct {
	Type     string `json:"type"`
	Entity   string `json:"entity,omitempty"`
	RecordID string `json:"record_id,omitempty"`
	Field    string `json:"field,omitempty"`
	Value    any    `json:"value,omitempty"`
	URL      string `json:"url,omitempty"`
	Method   string `json:"method,omitempty"`
	Event    string `json:"event,omitempty"`
}

// WorkflowStep is a single node of a workflow's step graph. The meaningful
// fields depend on Type: action steps carry Actions and Then, condition
// steps carry Expression and OnTrue/OnFalse, approval steps carry Assignee,
// Timeout, and OnApprove/OnReject/OnTimeout.
type WorkflowStep struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	Actions []WorkflowAction `json:"actions,omitempty"`
	Then    *StepGoto        `json:"then,omitempty"`

	Expression string    `json:"expression,omitempty"`
	OnTrue     *StepGoto `json:"on_true,omitempty"`
	OnFalse    *StepGoto `json:"on_false,omitempty"`

	Assignee  *WorkflowAssignee `json:"assignee,omitempty"`
	Timeout   string            `json:"timeout,omitempty"`
	OnApprove *StepGoto         `json:"on_approve,omitempty"`
	OnReject  *StepGoto         `json:"on_reject,omitempty"`
	OnTimeout *StepGoto         `json:"on_timeout,omitempty"`
}

// Workflow is a declarative workflow definition. Context maps instance
// context keys to trigger paths ("trigger.record_id", "trigger.record.<f>").
type Workflow struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Trigger WorkflowTrigger   `json:"trigger"`
	Context map[string]string `json:"context,omitempty"`
	Steps   []WorkflowStep    `json:"steps"`
	Active  bool              `json:"active"`
}

// FindStep returns the step with the given ID, or nil if not found.
func (w *Workflow) FindStep(id string) *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// HistoryEntry records what happened at one step transition.
type HistoryEntry struct {
	Step   string    `json:"step"`
	Status string    `json:"status"`
	By     string    `json:"by,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// WorkflowInstance is a running or finished workflow instance. History is
// append-only. Version supports fenced concurrent updates; a stale write is
// rejected with CONFLICT by the store.
type WorkflowInstance struct {
	ID                  string         `json:"id"`
	WorkflowID          string         `json:"workflow_id"`
	WorkflowName        string         `json:"workflow_name,omitempty"`
	Status              string         `json:"status"`
	CurrentStep         string         `json:"current_step"`
	CurrentStepDeadline *time.Time     `json:"current_step_deadline,omitempty"`
	Context             map[string]any `json:"context,omitempty"`
	History             []HistoryEntry `json:"history"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	Version             int            `json:"version"`
}

// Terminal reports whether the instance has reached a terminal status.
func (i *WorkflowInstance) Terminal() bool {
	switch i.Status {
	case WorkflowStatusCompleted, WorkflowStatusRejected, WorkflowStatusTimedOut:
		return true
	}
	return false
}
