package workflow

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// ConditionEvaluator evaluates stage skip conditions using CEL, with a
// compiled-program cache shared across executions.
type ConditionEvaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewConditionEvaluator creates a condition evaluator with caching
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{
		cache: make(map[string]cel.Program),
	}
}

// Evaluate runs a CEL expression against the workflow input and the
// accumulated stage results. `$.field` is normalized to `input.field`.
func (e *ConditionEvaluator) Evaluate(expr string, input map[string]any, results map[string]any) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return false, fmt.Errorf("empty condition")
	}

	normalized := strings.ReplaceAll(expr, "$.", "input.")

	e.mu.RLock()
	prg, exists := e.cache[normalized]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compile(normalized)
		if err != nil {
			return false, err
		}

		e.mu.Lock()
		e.cache[normalized] = prg
		e.mu.Unlock()
	}

	if input == nil {
		input = map[string]any{}
	}
	if results == nil {
		results = map[string]any{}
	}

	out, _, err := prg.Eval(map[string]any{
		"input":   input,
		"results": results,
	})
	if err != nil {
		return false, fmt.Errorf("condition evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return boolean, got %T", out.Value())
	}
	return result, nil
}

func (e *ConditionEvaluator) compile(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("results", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("condition compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return prg, nil
}

// CacheSize returns the number of cached expressions
func (e *ConditionEvaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
