// Package rules evaluates declarative validation and computed-field rules
// against an incoming write's field set.
package rules

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/statera-io/statera/internal/definition"
	"github.com/statera-io/statera/internal/expression"
	"github.com/statera-io/statera/model"
)

// Evaluator runs field, expression, and computed rules for one entity and
// hook. It is a pure function of its inputs and the registry snapshot:
// re-running with unchanged inputs yields identical errors.
type Evaluator struct {
	registry *definition.Registry
	exprs    *expression.Engine
	log      *zap.Logger
}

// NewEvaluator creates a rule Evaluator.
func NewEvaluator(registry *definition.Registry, exprs *expression.Engine, log *zap.Logger) *Evaluator {
	return &Evaluator{registry: registry, exprs: exprs, log: log}
}

// Evaluate runs the active rules for (entity, hook) in ascending priority
// order and returns accumulated field errors. Computed rules mutate fields
// in place; they run only while no blocking error has been recorded. An
// expression rule evaluating to true is a violation (the opposite of
// transition-guard semantics). A non-nil error is an internal failure
// (expression compile or runtime), not a validation outcome.
func (ev *Evaluator) Evaluate(
	_ context.Context,
	entity, hook string,
	fields, old map[string]any,
	isCreate bool,
) ([]model.FieldError, error) {
	var errs []model.FieldError

	for _, rule := range ev.registry.RulesFor(entity, hook) {
		switch rule.Type {
		case model.RuleTypeField:
			if fe := evalFieldRule(rule, fields); fe != nil {
				errs = append(errs, *fe)
			}

		case model.RuleTypeExpression:
			violated, err := ev.exprs.EvalBoolSource(
				rule.Definition.Expression,
				expression.WriteEnv(fields, old, isCreate),
			)
			if err != nil {
				return errs, err
			}
			if violated {
				errs = append(errs, model.FieldError{
					Field:   rule.Definition.Field,
					Rule:    "expression",
					Message: ruleMessage(rule, "expression rule failed"),
				})
				if rule.Definition.StopOnFail {
					return errs, nil
				}
			}

		case model.RuleTypeComputed:
			// Computed rules run only while the write is still viable.
			if len(errs) > 0 {
				continue
			}
			val, err := ev.exprs.EvalValueSource(
				rule.Definition.Expression,
				expression.WriteEnv(fields, old, isCreate),
			)
			if err != nil {
				return errs, err
			}
			fields[rule.Definition.Field] = val

		default:
			ev.log.Warn("skipping rule with unknown type",
				zap.String("rule_id", rule.ID),
				zap.String("type", rule.Type),
			)
		}
	}

	return errs, nil
}

// evalFieldRule applies a single field rule. An absent or null field always
// passes; required-ness is enforced elsewhere.
func evalFieldRule(rule model.Rule, fields map[string]any) *model.FieldError {
	def := rule.Definition
	val, present := fields[def.Field]
	if !present || val == nil {
		return nil
	}

	fail := func(fallback string) *model.FieldError {
		return &model.FieldError{
			Field:   def.Field,
			Rule:    def.Operator,
			Message: ruleMessage(rule, fallback),
		}
	}

	switch def.Operator {
	case model.OpMin:
		v, vok := toFloat(val)
		limit, lok := toFloat(def.Value)
		if vok && lok && v < limit {
			return fail(fmt.Sprintf("%s must be at least %v", def.Field, def.Value))
		}
	case model.OpMax:
		v, vok := toFloat(val)
		limit, lok := toFloat(def.Value)
		if vok && lok && v > limit {
			return fail(fmt.Sprintf("%s must be at most %v", def.Field, def.Value))
		}
	case model.OpMinLength:
		s, sok := val.(string)
		limit, lok := toFloat(def.Value)
		if sok && lok && len(s) < int(limit) {
			return fail(fmt.Sprintf("%s must be at least %d characters", def.Field, int(limit)))
		}
	case model.OpMaxLength:
		s, sok := val.(string)
		limit, lok := toFloat(def.Value)
		if sok && lok && len(s) > int(limit) {
			return fail(fmt.Sprintf("%s must be at most %d characters", def.Field, int(limit)))
		}
	case model.OpPattern:
		s, sok := val.(string)
		pattern, pok := def.Value.(string)
		if sok && pok {
			// Patterns are compile-checked at definition load; a failure
			// here means the value simply does not match.
			matched, err := regexp.MatchString(pattern, s)
			if err == nil && !matched {
				return fail(fmt.Sprintf("%s does not match the required format", def.Field))
			}
		}
	}

	return nil
}

// toFloat coerces numbers and numeric-looking strings to float64. JSON
// decoding produces float64 for all numbers, but definitions and payloads
// may also carry ints or numeric strings.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func ruleMessage(rule model.Rule, fallback string) string {
	if rule.Definition.Message != "" {
		return rule.Definition.Message
	}
	return fallback
}
