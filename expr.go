package flowkit

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/cel-go/cel"
	"github.com/itchyny/gojq"

	"github.com/rendis/flowkit/pkg/schema"
)

// Expression helpers turn declarative expressions into the typed callbacks
// nodes consume. Three engines: expr-lang for general predicates and values,
// CEL for sandboxed condition routing, gojq for JSON reshaping. Compiled
// programs are cached per expression and shared across runs.
//
// Every engine evaluates against the same scope:
//
//	payload: trigger payload
//	steps:   accumulated step outputs keyed by step name
//	meta:    normalized trigger metadata
//	run:     run_id, workflow_id, version
//	item:    current loop item (nil outside loops)
//	index:   current loop index

func exprScope(rc *schema.RunContext) map[string]any {
	return map[string]any{
		"payload": orEmpty(rc.Payload),
		"steps":   rc.Outputs(),
		"meta":    orEmpty(rc.Meta),
		"run": map[string]any{
			"run_id":      rc.RunID,
			"workflow_id": rc.WorkflowID,
			"version":     rc.Version,
		},
		"item":  rc.Item,
		"index": rc.Index,
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// --- expr-lang ---

var exprPrograms = struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}{cache: make(map[string]*vm.Program)}

func compileExpr(expression string) (*vm.Program, error) {
	exprPrograms.mu.RLock()
	prg, ok := exprPrograms.cache[expression]
	exprPrograms.mu.RUnlock()
	if ok {
		return prg, nil
	}

	exprPrograms.mu.Lock()
	defer exprPrograms.mu.Unlock()
	if prg, ok := exprPrograms.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).WithCause(err)
	}
	exprPrograms.cache[expression] = prg
	return prg, nil
}

func evalExpr(expression string, rc *schema.RunContext) (any, error) {
	prg, err := compileExpr(expression)
	if err != nil {
		return nil, err
	}
	out, err := vm.Run(prg, exprScope(rc))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
			"expr evaluation failed for %q: %s", expression, err.Error()).WithCause(err)
	}
	return out, nil
}

// ExprWhen builds a Predicate from an expr-lang expression. The expression
// must yield a bool.
func ExprWhen(expression string) schema.Predicate {
	return func(ctx context.Context, rc *schema.RunContext) (bool, error) {
		out, err := evalExpr(expression, rc)
		if err != nil {
			return false, err
		}
		b, ok := out.(bool)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeValidation,
				"expr %q yielded %T, want bool", expression, out)
		}
		return b, nil
	}
}

// ExprValue builds a step handler whose output is the expression result.
func ExprValue(expression string) schema.HandlerFunc {
	return func(ctx context.Context, rc *schema.RunContext) (any, error) {
		return evalExpr(expression, rc)
	}
}

// --- CEL ---

var celEnv = struct {
	once sync.Once
	env  *cel.Env
	err  error

	mu    sync.RWMutex
	cache map[string]cel.Program
}{cache: make(map[string]cel.Program)}

func celEnvironment() (*cel.Env, error) {
	celEnv.once.Do(func() {
		mapType := cel.MapType(cel.StringType, cel.DynType)
		celEnv.env, celEnv.err = cel.NewEnv(
			cel.Variable("payload", mapType),
			cel.Variable("steps", mapType),
			cel.Variable("meta", mapType),
			cel.Variable("run", mapType),
			cel.Variable("item", cel.DynType),
			cel.Variable("index", cel.IntType),
		)
		if celEnv.err != nil {
			celEnv.err = fmt.Errorf("create CEL environment: %w", celEnv.err)
		}
	})
	return celEnv.env, celEnv.err
}

func compileCEL(expression string) (cel.Program, error) {
	celEnv.mu.RLock()
	prg, ok := celEnv.cache[expression]
	celEnv.mu.RUnlock()
	if ok {
		return prg, nil
	}

	env, err := celEnvironment()
	if err != nil {
		return nil, err
	}

	celEnv.mu.Lock()
	defer celEnv.mu.Unlock()
	if prg, ok := celEnv.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).WithCause(issues.Err())
	}
	prg, err = env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).WithCause(err)
	}
	celEnv.cache[expression] = prg
	return prg, nil
}

// CELWhen builds a Predicate from a CEL expression. The expression must yield
// a bool.
func CELWhen(expression string) schema.Predicate {
	return func(ctx context.Context, rc *schema.RunContext) (bool, error) {
		prg, err := compileCEL(expression)
		if err != nil {
			return false, err
		}
		out, _, err := prg.Eval(exprScope(rc))
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeStepFailed,
				"CEL evaluation failed for %q: %s", expression, err.Error()).WithCause(err)
		}
		b, ok := out.Value().(bool)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeValidation,
				"CEL %q yielded %T, want bool", expression, out.Value())
		}
		return b, nil
	}
}

// --- gojq ---

var jqPrograms = struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}{cache: make(map[string]*gojq.Code)}

func compileJQ(expression string) (*gojq.Code, error) {
	jqPrograms.mu.RLock()
	code, ok := jqPrograms.cache[expression]
	jqPrograms.mu.RUnlock()
	if ok {
		return code, nil
	}

	jqPrograms.mu.Lock()
	defer jqPrograms.mu.Unlock()
	if code, ok := jqPrograms.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).WithCause(err)
	}
	code, err = gojq.Compile(query,
		// Sandbox: block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).WithCause(err)
	}
	jqPrograms.cache[expression] = code
	return code, nil
}

func evalJQ(ctx context.Context, expression string, input map[string]any) (any, error) {
	code, err := compileJQ(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(input))
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if jqErr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
				"jq evaluation failed for %q: %s", expression, jqErr.Error()).WithCause(jqErr)
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// JQItems builds a SequenceFunc from a jq expression. The expression must
// yield an array; each element becomes one loop item.
func JQItems(expression string) schema.SequenceFunc {
	return func(ctx context.Context, rc *schema.RunContext) ([]any, error) {
		out, err := evalJQ(ctx, expression, exprScope(rc))
		if err != nil {
			return nil, err
		}
		switch v := out.(type) {
		case nil:
			return nil, nil
		case []any:
			return v, nil
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"jq %q yielded %T, want array", expression, out)
		}
	}
}

// JQPayload builds a subflow PayloadFunc from a jq expression. The expression
// must yield an object.
func JQPayload(expression string) schema.PayloadFunc {
	return func(ctx context.Context, rc *schema.RunContext) (map[string]any, error) {
		out, err := evalJQ(ctx, expression, exprScope(rc))
		if err != nil {
			return nil, err
		}
		switch v := out.(type) {
		case nil:
			return nil, nil
		case map[string]any:
			return v, nil
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"jq %q yielded %T, want object", expression, out)
		}
	}
}

// JQTransform builds a step handler whose output is the jq result. Multiple
// jq outputs collect into a slice.
func JQTransform(expression string) schema.HandlerFunc {
	return func(ctx context.Context, rc *schema.RunContext) (any, error) {
		return evalJQ(ctx, expression, exprScope(rc))
	}
}

// JQEventFilter builds an EventFilterFunc from a jq expression evaluated
// against the event payload. Any result other than true rejects the event.
func JQEventFilter(expression string) schema.EventFilterFunc {
	return func(payload map[string]any) bool {
		out, err := evalJQ(context.Background(), expression, orEmpty(payload))
		if err != nil {
			return false
		}
		b, ok := out.(bool)
		return ok && b
	}
}

// normalizeForJQ converts Go integer types to float64, matching jq's native
// number handling.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
