package governance

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// RuleEvaluator compiles and runs CEL predicates over action envelopes.
// Compiled programs are cached per expression.
type RuleEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewRuleEvaluator creates an evaluator with the action envelope variables
// bound.
func NewRuleEvaluator() (*RuleEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("actor_id", cel.StringType),
		cel.Variable("command_id", cel.StringType),
		cel.Variable("target_path", cel.StringType),
		cel.Variable("fields", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("governance: create CEL environment: %w", err)
	}
	return &RuleEvaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Evaluate runs a boolean CEL expression against the input. Non-boolean
// results are errors.
func (r *RuleEvaluator) Evaluate(expr string, input map[string]any) (bool, error) {
	r.mu.RLock()
	prg, hit := r.prgCache[expr]
	r.mu.RUnlock()

	if !hit {
		r.mu.Lock()
		if prg, hit = r.prgCache[expr]; !hit {
			ast, issues := r.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				r.mu.Unlock()
				return false, fmt.Errorf("governance: compile rule: %w", issues.Err())
			}
			p, err := r.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				r.mu.Unlock()
				return false, fmt.Errorf("governance: build rule program: %w", err)
			}
			r.prgCache[expr] = p
			prg = p
		}
		r.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("governance: evaluate rule: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("governance: rule result is not boolean")
	}
	return val, nil
}
