// Package expression compiles and evaluates the restricted expressions used
// by rule definitions, transition guards, and workflow condition steps.
// Expressions are boolean or value computations over a fixed set of named
// bindings; they cannot perform side effects.
package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/statera-io/statera/model"
)

// Engine compiles expression sources into cached programs. Compilation is
// cached by source string so repeated evaluations of the same definition
// reuse the compiled form.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates an expression Engine with an empty compilation cache.
func New() *Engine {
	return &Engine{cache: make(map[string]*vm.Program)}
}

// Compile returns the compiled program for source, compiling and caching it
// on first use. A compilation failure is an INTERNAL_ERROR: it means a
// definition carries an invalid expression.
func (e *Engine) Compile(source string) (*vm.Program, error) {
	e.mu.RLock()
	prog, ok := e.cache[source]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(source)
	if err != nil {
		return nil, model.NewInternalError(
			fmt.Sprintf("compile expression %q: %v", source, err),
		)
	}

	e.mu.Lock()
	e.cache[source] = prog
	e.mu.Unlock()
	return prog, nil
}

// EvalBool evaluates a compiled program against env and coerces the result
// to a boolean. A non-boolean result is an error: callers depend on the
// documented true/false conventions and must not guess.
func (e *Engine) EvalBool(prog *vm.Program, env map[string]any) (bool, error) {
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, model.NewInternalError(fmt.Sprintf("evaluate expression: %v", err))
	}
	b, ok := out.(bool)
	if !ok {
		return false, model.NewInternalError(
			fmt.Sprintf("expression returned %T, expected bool", out),
		)
	}
	return b, nil
}

// EvalValue evaluates a compiled program against env and returns the raw
// result.
func (e *Engine) EvalValue(prog *vm.Program, env map[string]any) (any, error) {
	out, err := expr.Run(prog, env)
	if err != nil {
		return nil, model.NewInternalError(fmt.Sprintf("evaluate expression: %v", err))
	}
	return out, nil
}

// EvalBoolSource compiles source (cached) and evaluates it as a boolean.
func (e *Engine) EvalBoolSource(source string, env map[string]any) (bool, error) {
	prog, err := e.Compile(source)
	if err != nil {
		return false, err
	}
	return e.EvalBool(prog, env)
}

// EvalValueSource compiles source (cached) and evaluates it as a value.
func (e *Engine) EvalValueSource(source string, env map[string]any) (any, error) {
	prog, err := e.Compile(source)
	if err != nil {
		return nil, err
	}
	return e.EvalValue(prog, env)
}

// WriteEnv builds the binding set for rule and guard evaluation during a
// record write. The action binding is "create" or "update".
func WriteEnv(record, old map[string]any, isCreate bool) map[string]any {
	action := "update"
	if isCreate {
		action = "create"
	}
	if record == nil {
		record = map[string]any{}
	}
	if old == nil {
		old = map[string]any{}
	}
	return map[string]any{
		"record": record,
		"old":    old,
		"action": action,
	}
}

// ContextEnv builds the binding set for workflow condition steps, which see
// only the instance's resolved context.
func ContextEnv(instanceContext map[string]any) map[string]any {
	if instanceContext == nil {
		instanceContext = map[string]any{}
	}
	return map[string]any{"context": instanceContext}
}
