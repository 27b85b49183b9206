package schema

import (
	"context"
	"sync"
	"time"
)

// StateAccessor is the namespaced view of the state store handed to handlers.
// All mutations are atomic per key.
type StateAccessor interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string, def any) (any, error)
	Incr(ctx context.Context, key string, amount int64) (int64, error)
	Delete(ctx context.Context, key string) (bool, error)
}

// outputStore holds accumulated step outputs. Shared by all scopes of a run
// so parallel branches and loop bodies observe each other's completed steps.
type outputStore struct {
	mu      sync.RWMutex
	outputs map[string]any
	order   []string
}

// RunContext is the per-run view handed to handlers, predicates and hooks.
// Step outputs accumulate as nodes complete; loop bodies see the current
// item and index.
type RunContext struct {
	RunID      string
	WorkflowID string
	Version    string

	// Payload is the trigger payload, Meta the normalized trigger metadata.
	Payload map[string]any
	Meta    map[string]any

	// State is scoped to this workflow's namespace, GlobalState is shared
	// across all workflows.
	State       StateAccessor
	GlobalState StateAccessor

	// Item and Index are set inside ForEach/Batch/While bodies.
	Item  any
	Index int

	store *outputStore
}

// NewRunContext creates a run context with empty accumulated outputs.
func NewRunContext(runID, workflowID, version string, payload, meta map[string]any) *RunContext {
	return &RunContext{
		RunID:      runID,
		WorkflowID: workflowID,
		Version:    version,
		Payload:    payload,
		Meta:       meta,
		store:      &outputStore{outputs: make(map[string]any)},
	}
}

// Output returns the accumulated output of a completed step.
func (rc *RunContext) Output(step string) (any, bool) {
	rc.store.mu.RLock()
	defer rc.store.mu.RUnlock()
	v, ok := rc.store.outputs[step]
	return v, ok
}

// Last returns the most recently recorded step output, or nil.
func (rc *RunContext) Last() any {
	rc.store.mu.RLock()
	defer rc.store.mu.RUnlock()
	if len(rc.store.order) == 0 {
		return nil
	}
	return rc.store.outputs[rc.store.order[len(rc.store.order)-1]]
}

// SetOutput records a step output. Action outputs are never recorded here.
func (rc *RunContext) SetOutput(step string, v any) {
	rc.store.mu.Lock()
	defer rc.store.mu.Unlock()
	if _, exists := rc.store.outputs[step]; !exists {
		rc.store.order = append(rc.store.order, step)
	}
	rc.store.outputs[step] = v
}

// Outputs returns a copy of the accumulated step outputs.
func (rc *RunContext) Outputs() map[string]any {
	rc.store.mu.RLock()
	defer rc.store.mu.RUnlock()
	out := make(map[string]any, len(rc.store.outputs))
	for k, v := range rc.store.outputs {
		out[k] = v
	}
	return out
}

// WithLoop returns a scope of the context carrying loop variables. The
// returned scope shares output storage with its parent.
func (rc *RunContext) WithLoop(item any, index int) *RunContext {
	clone := *rc
	clone.Item = item
	clone.Index = index
	return &clone
}

// PauseNotice is delivered to the OnPause callback when a run parks.
type PauseNotice struct {
	Token      string         `json:"token"`
	RunID      string         `json:"run_id"`
	WorkflowID string         `json:"workflow_id"`
	Step       string         `json:"step"`
	Deadline   *time.Time     `json:"deadline,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// PauseInfo describes one suspended run awaiting external resolution.
type PauseInfo struct {
	Token      string         `json:"token"`
	RunID      string         `json:"run_id"`
	WorkflowID string         `json:"workflow_id"`
	Step       string         `json:"step"`
	CreatedAt  time.Time      `json:"created_at"`
	Deadline   *time.Time     `json:"deadline,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// RunSnapshot is the inspection view of a run.
type RunSnapshot struct {
	RunID       string         `json:"run_id"`
	WorkflowID  string         `json:"workflow_id"`
	Version     string         `json:"version"`
	Status      RunStatus      `json:"status"`
	Origin      TriggerOrigin  `json:"origin,omitempty"`
	Cursor      string         `json:"cursor,omitempty"`
	StepOutputs map[string]any `json:"step_outputs,omitempty"`
	Error       *FlowError     `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}
