// Package condition evaluates node activate conditions. The equality
// form compares a resolved reference with a literal; the expression form
// evaluates CEL over flow inputs and completed node outputs.
package condition

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/lyzr/promptflow/contracts"
	"github.com/lyzr/promptflow/executor/reference"
)

// Evaluator evaluates activate conditions, caching compiled CEL programs.
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new condition evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]cel.Program)}
}

// Evaluate returns whether the node's activate condition holds. Callers
// must ensure the condition's references are resolvable in the scope.
func (e *Evaluator) Evaluate(activate *contracts.ActivateCondition, scope *reference.Scope) (bool, error) {
	if activate == nil {
		return true, nil
	}
	if activate.Expression != "" {
		return e.evaluateCEL(activate.Expression, scope)
	}

	val, err := reference.ResolveValue(activate.When, scope)
	if err != nil {
		return false, fmt.Errorf("failed to resolve activate condition: %w", err)
	}
	return conditionEqual(val, activate.Is), nil
}

// conditionEqual compares the resolved `when` value against `is`. Values
// round-tripped through JSON carry float64 numbers, so numeric kinds are
// normalized before comparison.
func conditionEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// evaluateCEL evaluates a CEL expression with `inputs` and `outputs`
// bound to the scope.
func (e *Evaluator) evaluateCEL(expr string, scope *reference.Scope) (bool, error) {
	e.mu.RLock()
	prg, exists := e.cache[expr]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compile(expr)
		if err != nil {
			return false, err
		}
		e.mu.Lock()
		e.cache[expr] = prg
		e.mu.Unlock()
	}

	inputs := scope.FlowInputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	outputs := scope.NodeOutputs
	if outputs == nil {
		outputs = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"inputs":  inputs,
		"outputs": outputs,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return boolean, got %T", out.Value())
	}
	return result, nil
}

func (e *Evaluator) compile(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("inputs", cel.DynType),
		cel.Variable("outputs", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return prg, nil
}

// CacheSize returns the number of cached compiled expressions.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
