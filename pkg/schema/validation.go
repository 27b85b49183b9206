package schema

import (
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidateDefinition checks the structural invariants of a compiled workflow
// before registration. It returns a VALIDATION_ERROR describing the first
// violation found.
func ValidateDefinition(def *WorkflowDefinition) error {
	if def == nil {
		return NewError(ErrCodeValidation, "definition is nil")
	}
	if def.ID == "" {
		return NewError(ErrCodeValidation, "workflow id must not be empty")
	}
	if def.Version == "" {
		return NewError(ErrCodeValidation, "workflow version must not be empty")
	}
	if len(def.Nodes) == 0 {
		return NewErrorf(ErrCodeValidation, "workflow %s has no nodes", def.ID)
	}
	if def.Concurrency < 0 {
		return NewErrorf(ErrCodeValidation, "workflow %s: concurrency must be >= 0", def.ID)
	}
	if rl := def.RateLimit; rl != nil && (rl.Limit <= 0 || rl.Window <= 0) {
		return NewErrorf(ErrCodeValidation, "workflow %s: rate limit requires positive limit and window", def.ID)
	}
	if def.DefaultRetry != nil {
		if err := validateRetry(def.ID, "default", def.DefaultRetry); err != nil {
			return err
		}
	}
	seen := make(map[string]struct{})
	return validateNodes(def.ID, def.Nodes, seen, false)
}

func validateRetry(wf, step string, p *RetryPolicy) error {
	if p.Attempts < 1 {
		return NewErrorf(ErrCodeValidation, "workflow %s: step %s: retry attempts must be >= 1", wf, step)
	}
	switch p.Backoff {
	case "", BackoffFixed, BackoffExponential:
	default:
		return NewErrorf(ErrCodeValidation, "workflow %s: step %s: unknown backoff %q", wf, step, p.Backoff)
	}
	return nil
}

// validateNodes walks the graph recursively. concurrent is true inside
// Parallel/Race/ForEach/Batch bodies, where suspension nodes are rejected:
// a pause inside a concurrently executing branch has no single resume point.
func validateNodes(wf string, nodes []Node, seen map[string]struct{}, concurrent bool) error {
	for i := range nodes {
		n := &nodes[i]
		if err := validateNode(wf, n, seen, concurrent); err != nil {
			return err
		}
	}
	return nil
}

func validateNode(wf string, n *Node, seen map[string]struct{}, concurrent bool) error {
	if n.Name != "" {
		if _, dup := seen[n.Name]; dup {
			return NewErrorf(ErrCodeValidation, "workflow %s: duplicate node name %q", wf, n.Name)
		}
		seen[n.Name] = struct{}{}
	}

	switch n.Kind {
	case NodeStep, NodeAction:
		if n.Name == "" {
			return NewErrorf(ErrCodeValidation, "workflow %s: %s node requires a name", wf, n.Kind)
		}
		if n.Handler == nil {
			return NewErrorf(ErrCodeValidation, "workflow %s: step %s has nil handler", wf, n.Name)
		}
		if n.Retry != nil {
			if err := validateRetry(wf, n.Name, n.Retry); err != nil {
				return err
			}
		}
		if n.Cache != nil && n.Cache.Key == nil {
			return NewErrorf(ErrCodeValidation, "workflow %s: step %s cache requires a key function", wf, n.Name)
		}

	case NodeCondition:
		if len(n.Branches) == 0 {
			return NewErrorf(ErrCodeValidation, "workflow %s: condition %s has no branches", wf, n.Name)
		}
		for bi, br := range n.Branches {
			if br.When == nil && bi != len(n.Branches)-1 {
				return NewErrorf(ErrCodeValidation, "workflow %s: condition %s: else branch must be last", wf, n.Name)
			}
			if err := validateNodes(wf, br.Nodes, seen, concurrent); err != nil {
				return err
			}
		}

	case NodeWhile:
		if n.Condition == nil {
			return NewErrorf(ErrCodeValidation, "workflow %s: while %s requires a condition", wf, n.Name)
		}
		if err := validateNodes(wf, n.Body, seen, concurrent); err != nil {
			return err
		}

	case NodeForEach:
		if n.Items == nil {
			return NewErrorf(ErrCodeValidation, "workflow %s: forEach %s requires an items source", wf, n.Name)
		}
		if err := validateNodes(wf, n.Body, seen, true); err != nil {
			return err
		}

	case NodeBatch:
		if n.Items == nil {
			return NewErrorf(ErrCodeValidation, "workflow %s: batch %s requires an items source", wf, n.Name)
		}
		if n.BatchSize <= 0 {
			return NewErrorf(ErrCodeValidation, "workflow %s: batch %s requires size > 0", wf, n.Name)
		}
		if n.Concurrency < 0 {
			return NewErrorf(ErrCodeValidation, "workflow %s: batch %s: concurrency must be >= 0", wf, n.Name)
		}
		if err := validateNodes(wf, n.Body, seen, true); err != nil {
			return err
		}

	case NodeParallel, NodeRace:
		if len(n.Groups) == 0 {
			return NewErrorf(ErrCodeValidation, "workflow %s: %s %s has no branches", wf, n.Kind, n.Name)
		}
		for _, g := range n.Groups {
			if err := validateNodes(wf, g, seen, true); err != nil {
				return err
			}
		}

	case NodeSubflow:
		if n.Workflow == "" {
			return NewErrorf(ErrCodeValidation, "workflow %s: subflow %s requires a target workflow", wf, n.Name)
		}

	case NodeSleep:
		if n.Duration <= 0 && n.DurationFn == nil {
			return NewErrorf(ErrCodeValidation, "workflow %s: sleep %s requires a duration", wf, n.Name)
		}
		if concurrent {
			return NewErrorf(ErrCodeValidation, "workflow %s: sleep %s not allowed inside concurrent branches", wf, n.Name)
		}

	case NodeWaitForEvent:
		if n.Event == "" {
			return NewErrorf(ErrCodeValidation, "workflow %s: waitForEvent %s requires an event name", wf, n.Name)
		}
		if concurrent {
			return NewErrorf(ErrCodeValidation, "workflow %s: waitForEvent %s not allowed inside concurrent branches", wf, n.Name)
		}

	case NodeHumanInTheLoop:
		if n.Pause == nil {
			return NewErrorf(ErrCodeValidation, "workflow %s: humanInTheLoop %s requires a pause spec", wf, n.Name)
		}
		if concurrent {
			return NewErrorf(ErrCodeValidation, "workflow %s: humanInTheLoop %s not allowed inside concurrent branches", wf, n.Name)
		}

	default:
		return NewErrorf(ErrCodeValidation, "workflow %s: unknown node kind %q", wf, n.Kind)
	}
	return nil
}

// PayloadValidator validates trigger payloads against a workflow's input
// schema. Compiled schemas are cached per workflow key.
type PayloadValidator struct {
	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

// NewPayloadValidator creates an empty validator.
func NewPayloadValidator() *PayloadValidator {
	return &PayloadValidator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate checks payload against def.InputSchema. A nil schema accepts any
// payload. Violations are VALIDATION_ERROR: the run is never created.
func (v *PayloadValidator) Validate(def *WorkflowDefinition, payload map[string]any) error {
	if len(def.InputSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(def.Key(), def.InputSchema)
	if err != nil {
		return err
	}

	doc := make(map[string]any, len(payload))
	for k, val := range payload {
		doc[k] = val
	}
	if err := compiled.Validate(doc); err != nil {
		return NewErrorf(ErrCodeValidation, "trigger payload rejected for workflow %s: %s", def.ID, err.Error()).WithCause(err)
	}
	return nil
}

func (v *PayloadValidator) getOrCompile(key string, raw []byte) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s, ok := v.cache[key]; ok {
		return s, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, NewErrorf(ErrCodeValidation, "invalid input schema for %s: %s", key, err.Error()).WithCause(err)
	}

	url := fmt.Sprintf("flowkit:///schemas/%s.json", key)
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "add input schema for %s: %s", key, err.Error()).WithCause(err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, NewErrorf(ErrCodeValidation, "compile input schema for %s: %s", key, err.Error()).WithCause(err)
	}

	v.cache[key] = compiled
	return compiled, nil
}
