package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// CELEngine evaluates predicates for routing and filtering steps.
// Compiled programs are cached and safe for concurrent use.
//
// The environment exposes the scope built by ItemScope:
//   - json:  map(string, dyn), the current item's JSON
//   - index: int, the item's position in its input set
//   - vars:  map(string, dyn), run metadata (run_id, step)
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine over the item scope.
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("json", mapType),
		cel.Variable("index", cel.IntType),
		cel.Variable("vars", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("CEL")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, activation(data))
	if err != nil {
		return nil, evalError("CEL", expression, err)
	}
	return out.Value(), nil
}

// EvaluateBool evaluates a predicate. Non-boolean results are an error.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	v, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, evalError("CEL", expression, fmt.Errorf("result is %T, want bool", v))
	}
	return b, nil
}

func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileError("CEL", expression, issues.Err())
	}

	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, compileError("CEL", expression, err)
	}

	e.cache[expression] = prg
	return prg, nil
}

// activation fills missing scope keys so CEL never sees an unbound variable.
func activation(data map[string]any) map[string]any {
	act := map[string]any{
		"json":  map[string]any{},
		"index": int64(0),
		"vars":  map[string]any{},
	}
	for _, key := range []string{"json", "vars"} {
		if v, ok := data[key]; ok && v != nil {
			act[key] = v
		}
	}
	switch v := data["index"].(type) {
	case int:
		act["index"] = int64(v)
	case int64:
		act["index"] = v
	}
	return act
}

var _ Engine = (*CELEngine)(nil)
