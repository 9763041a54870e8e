package definition

import (
	"fmt"
	"regexp"
	"time"

	"github.com/statera-io/statera/internal/expression"
	"github.com/statera-io/statera/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates definitions structurally and referentially: required
// fields, known types and operators, compilable expressions, and workflow
// navigation targets that resolve to existing steps or the terminal
// sentinel. It is run once at load time so misconfiguration fails at boot
// rather than mid-write.
type Validator struct {
	exprs *expression.Engine
}

// NewValidator creates a Validator that compiles expressions through the
// given engine, warming its cache as a side effect.
func NewValidator(exprs *expression.Engine) *Validator {
	return &Validator{exprs: exprs}
}

// Validate checks all bundles.
func (v *Validator) Validate(bundles []Bundle) []VError {
	var errs []VError
	for i, b := range bundles {
		prefix := fmt.Sprintf("bundles[%d]", i)
		if b.SourceFile != "" {
			prefix = b.SourceFile
		}
		errs = append(errs, v.validateBundle(prefix, b)...)
	}
	return errs
}

func (v *Validator) validateBundle(prefix string, b Bundle) []VError {
	var errs []VError
	for i, r := range b.Rules {
		errs = append(errs, v.validateRule(fmt.Sprintf("%s.rules[%d]", prefix, i), r)...)
	}
	for i, m := range b.StateMachines {
		errs = append(errs, v.validateMachine(fmt.Sprintf("%s.state_machines[%d]", prefix, i), m)...)
	}
	for i, w := range b.Workflows {
		errs = append(errs, v.validateWorkflow(fmt.Sprintf("%s.workflows[%d]", prefix, i), w)...)
	}
	return errs
}

func (v *Validator) validateRule(prefix string, r model.Rule) []VError {
	var errs []VError

	if r.Entity == "" {
		errs = append(errs, VError{Path: prefix + ".entity", Code: "REQUIRED", Message: "entity is required"})
	}
	switch r.Hook {
	case model.HookBeforeWrite, model.HookBeforeDelete:
	default:
		errs = append(errs, VError{Path: prefix + ".hook", Code: "INVALID", Message: fmt.Sprintf("unknown hook %q", r.Hook)})
	}

	switch r.Type {
	case model.RuleTypeField:
		if r.Definition.Field == "" {
			errs = append(errs, VError{Path: prefix + ".definition.field", Code: "REQUIRED", Message: "field rules require a field"})
		}
		switch r.Definition.Operator {
		case model.OpMin, model.OpMax, model.OpMinLength, model.OpMaxLength:
		case model.OpPattern:
			pattern, _ := r.Definition.Value.(string)
			if _, err := regexp.Compile(pattern); err != nil {
				errs = append(errs, VError{Path: prefix + ".definition.value", Code: "INVALID", Message: fmt.Sprintf("invalid pattern: %v", err)})
			}
		default:
			errs = append(errs, VError{Path: prefix + ".definition.operator", Code: "INVALID", Message: fmt.Sprintf("unknown operator %q", r.Definition.Operator)})
		}
	case model.RuleTypeExpression, model.RuleTypeComputed:
		if r.Definition.Expression == "" {
			errs = append(errs, VError{Path: prefix + ".definition.expression", Code: "REQUIRED", Message: "expression is required"})
		} else if _, err := v.exprs.Compile(r.Definition.Expression); err != nil {
			errs = append(errs, VError{Path: prefix + ".definition.expression", Code: "INVALID", Message: err.Error()})
		}
		if r.Type == model.RuleTypeComputed && r.Definition.Field == "" {
			errs = append(errs, VError{Path: prefix + ".definition.field", Code: "REQUIRED", Message: "computed rules require a target field"})
		}
	default:
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID", Message: fmt.Sprintf("unknown rule type %q", r.Type)})
	}

	return errs
}

func (v *Validator) validateMachine(prefix string, m model.StateMachine) []VError {
	var errs []VError

	if m.Entity == "" {
		errs = append(errs, VError{Path: prefix + ".entity", Code: "REQUIRED", Message: "entity is required"})
	}
	if m.Field == "" {
		errs = append(errs, VError{Path: prefix + ".field", Code: "REQUIRED", Message: "field is required"})
	}
	for i, t := range m.Definition.Transitions {
		tp := fmt.Sprintf("%s.definition.transitions[%d]", prefix, i)
		if len(t.From) == 0 {
			errs = append(errs, VError{Path: tp + ".from", Code: "REQUIRED", Message: "from is required"})
		}
		if t.To == "" {
			errs = append(errs, VError{Path: tp + ".to", Code: "REQUIRED", Message: "to is required"})
		}
		if t.Guard != "" {
			if _, err := v.exprs.Compile(t.Guard); err != nil {
				errs = append(errs, VError{Path: tp + ".guard", Code: "INVALID", Message: err.Error()})
			}
		}
	}

	return errs
}

func (v *Validator) validateWorkflow(prefix string, w model.Workflow) []VError {
	var errs []VError

	if w.Trigger.Type != "state_change" {
		errs = append(errs, VError{Path: prefix + ".trigger.type", Code: "INVALID", Message: fmt.Sprintf("unknown trigger type %q", w.Trigger.Type)})
	}
	if w.Trigger.Entity == "" || w.Trigger.Field == "" || w.Trigger.To == "" {
		errs = append(errs, VError{Path: prefix + ".trigger", Code: "REQUIRED", Message: "state_change triggers require entity, field, and to"})
	}
	if len(w.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
		return errs
	}

	stepIDs := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		stepIDs[s.ID] = true
	}

	checkGoto := func(path string, g *model.StepGoto, required bool) {
		if g == nil {
			if required {
				errs = append(errs, VError{Path: path, Code: "REQUIRED", Message: "navigation target is required"})
			}
			return
		}
		if g.Goto != model.GotoEnd && !stepIDs[g.Goto] {
			errs = append(errs, VError{Path: path, Code: "INVALID", Message: fmt.Sprintf("unknown step %q", g.Goto)})
		}
	}

	for i, s := range w.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "step id is required"})
		}
		switch s.Type {
		case model.StepTypeAction:
			checkGoto(sp+".then", s.Then, true)
		case model.StepTypeCondition:
			if s.Expression == "" {
				errs = append(errs, VError{Path: sp + ".expression", Code: "REQUIRED", Message: "condition steps require an expression"})
			} else if _, err := v.exprs.Compile(s.Expression); err != nil {
				errs = append(errs, VError{Path: sp + ".expression", Code: "INVALID", Message: err.Error()})
			}
			checkGoto(sp+".on_true", s.OnTrue, true)
			checkGoto(sp+".on_false", s.OnFalse, true)
		case model.StepTypeApproval:
			checkGoto(sp+".on_approve", s.OnApprove, true)
			checkGoto(sp+".on_reject", s.OnReject, true)
			checkGoto(sp+".on_timeout", s.OnTimeout, false)
			if s.Timeout != "" {
				if _, err := time.ParseDuration(s.Timeout); err != nil {
					errs = append(errs, VError{Path: sp + ".timeout", Code: "INVALID", Message: fmt.Sprintf("invalid timeout: %v", err)})
				}
			}
		default:
			errs = append(errs, VError{Path: sp + ".type", Code: "INVALID", Message: fmt.Sprintf("unknown step type %q", s.Type)})
		}
	}

	return errs
}
