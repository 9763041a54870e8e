package model

// Write hooks a rule can run in.
const (
	HookBeforeWrite  = "before_write"
	HookBeforeDelete = "before_delete"
)

// Rule types.
const (
	RuleTypeField      = "field"
	RuleTypeExpression = "expression"
	RuleTypeComputed   = "computed"
)

// Field rule operators.
const (
	OpMin       = "min"
	OpMax       = "max"
	OpMinLength = "min_length"
	OpMaxLength = "max_length"
	OpPattern   = "pattern"
)

// RuleDefinition is the JSONB payload of a rule. Which fields are meaningful
// depends on the rule type: field rules use Field/Operator/Value/Message,
// expression rules use Expression/Message/StopOnFail, and computed rules use
// Field/Expression.
type RuleDefinition struct {
	Field      string `json:"field,omitempty"`
	Operator   string `json:"operator,omitempty"`
	Value      any    `json:"value,omitempty"`
	Expression string `json:"expression,omitempty"`
	Message    string `json:"message,omitempty"`
	StopOnFail bool   `json:"stop_on_fail,omitempty"`
}

// Rule is a validation or computed-field rule scoped to one entity and hook.
type Rule struct {
	ID         string         `json:"id"`
	Entity     string         `json:"entity"`
	Hook       string         `json:"hook"`
	Type       string         `json:"type"`
	Definition RuleDefinition `json:"definition"`
	Priority   int            `json:"priority"`
	Active     bool           `json:"active"`
}
