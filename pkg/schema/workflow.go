package schema

import (
	"context"
	"encoding/json"
	"time"
)

// HandlerFunc is a step or action handler. It receives the per-run context and
// returns the node's output. Handlers should honor ctx cancellation; the
// executor abandons attempts that outlive their timeout regardless.
type HandlerFunc func(ctx context.Context, rc *RunContext) (any, error)

// Predicate decides a condition branch or while-loop continuation.
type Predicate func(ctx context.Context, rc *RunContext) (bool, error)

// SequenceFunc produces the items a ForEach or Batch node iterates over.
type SequenceFunc func(ctx context.Context, rc *RunContext) ([]any, error)

// PayloadFunc maps the current run context to a subflow trigger payload.
type PayloadFunc func(ctx context.Context, rc *RunContext) (map[string]any, error)

// KeyFunc derives a cache key from the run context.
type KeyFunc func(rc *RunContext) string

// DurationFunc computes a sleep duration from the run context.
type DurationFunc func(rc *RunContext) time.Duration

// ErrorHandlerFunc is a step-local error handler. Returning (value, nil)
// substitutes value as the step's output and execution continues. Returning a
// non-nil error re-raises and the failure propagates to the run.
type ErrorHandlerFunc func(ctx context.Context, rc *RunContext, stepErr error) (any, error)

// EventFilterFunc narrows which published events satisfy a WaitForEvent node
// or an event trigger.
type EventFilterFunc func(payload map[string]any) bool

// PauseCallback notifies an external collaborator that a run has parked.
type PauseCallback func(notice PauseNotice)

// NodeKind enumerates the node variants of the compiled graph.
type NodeKind string

const (
	NodeStep           NodeKind = "step"
	NodeAction         NodeKind = "action"
	NodeCondition      NodeKind = "condition"
	NodeWhile          NodeKind = "while"
	NodeForEach        NodeKind = "for_each"
	NodeBatch          NodeKind = "batch"
	NodeParallel       NodeKind = "parallel"
	NodeRace           NodeKind = "race"
	NodeSubflow        NodeKind = "subflow"
	NodeSleep          NodeKind = "sleep"
	NodeWaitForEvent   NodeKind = "wait_for_event"
	NodeHumanInTheLoop NodeKind = "human_in_the_loop"
)

// BackoffKind selects the delay strategy between retry attempts.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy configures retry behavior for a step. Attempts includes the
// first invocation: Attempts=1 means no retries.
type RetryPolicy struct {
	Attempts int           `json:"attempts"`
	Backoff  BackoffKind   `json:"backoff,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
}

// CacheSpec configures result caching for a step. A non-expired entry under
// the derived key short-circuits execution entirely.
type CacheSpec struct {
	Key KeyFunc       `json:"-"`
	TTL time.Duration `json:"ttl"`
}

// TimeoutBehavior selects what a WaitForEvent node does when its timeout
// elapses with no matching event.
type TimeoutBehavior string

const (
	TimeoutFail    TimeoutBehavior = "fail"
	TimeoutProceed TimeoutBehavior = "proceed"
)

// PauseSpec configures a HumanInTheLoop node.
type PauseSpec struct {
	// Timeout is the deadline from park; zero means no deadline.
	Timeout time.Duration
	// OnPause is invoked with the fresh token when the run parks.
	OnPause PauseCallback
	// OnTimeout supplies the engine-chosen default resolution when the
	// deadline elapses. Nil means a timeout fails the node.
	OnTimeout HandlerFunc
	// Metadata is carried on the PauseToken and surfaced via inspection.
	Metadata map[string]any
}

// ConditionBranch is one arm of a condition block. A nil When marks the else
// branch; it must be last.
type ConditionBranch struct {
	When  Predicate
	Nodes []Node
}

// Node is one tagged-variant unit of the compiled control-flow graph. Only
// the fields relevant to Kind are set.
type Node struct {
	Kind NodeKind
	Name string

	// Step / Action
	Handler HandlerFunc
	OnError ErrorHandlerFunc
	Retry   *RetryPolicy
	Timeout time.Duration
	Cache   *CacheSpec

	// Condition
	Branches []ConditionBranch

	// While
	Condition Predicate

	// While / ForEach / Batch body
	Body []Node

	// ForEach / Batch
	Items       SequenceFunc
	FailFast    bool
	BatchSize   int
	Concurrency int

	// Parallel / Race
	Groups [][]Node

	// Subflow
	Workflow string
	Version  string
	Payload  PayloadFunc

	// Sleep
	Duration   time.Duration
	DurationFn DurationFunc

	// WaitForEvent
	Event         string
	Filter        EventFilterFunc
	WaitTimeout   time.Duration
	OnWaitTimeout TimeoutBehavior

	// HumanInTheLoop
	Pause *PauseSpec
}

// RateLimit caps trigger admissions per rolling window.
type RateLimit struct {
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

// Hooks are workflow-lifecycle callbacks. Hook failures are caught and logged,
// never propagated into the run state machine.
type Hooks struct {
	OnStart       func(ctx context.Context, rc *RunContext)
	OnStepSuccess func(ctx context.Context, rc *RunContext, step string, output any)
	OnStepFailure func(ctx context.Context, rc *RunContext, step string, err error)
	OnFailure     func(ctx context.Context, rc *RunContext, err error)
	OnComplete    func(ctx context.Context, rc *RunContext)
}

// TriggerSpec declares an automatic trigger source for a workflow.
type TriggerSpec struct {
	Origin   TriggerOrigin
	Schedule string        // cron expression (schedule origin)
	Interval time.Duration // poll origin
	Event    string        // event origin
	Filter   EventFilterFunc
}

// WorkflowDefinition is the immutable compiled form of a workflow. Identified
// uniquely by ID+Version once registered.
type WorkflowDefinition struct {
	ID      string
	Version string
	Nodes   []Node

	// Concurrency caps runs in running or paused state; 0 = unlimited.
	Concurrency int
	RateLimit   *RateLimit
	// Timeout is the run-level wall-clock deadline from start; 0 = none.
	Timeout      time.Duration
	DefaultRetry *RetryPolicy
	Hooks        Hooks

	// InputSchema, when set, is a JSON schema the trigger payload must
	// satisfy before a run is created.
	InputSchema json.RawMessage

	Triggers []TriggerSpec
}

// Key returns the registry key for this definition.
func (d *WorkflowDefinition) Key() string {
	return d.ID + "@" + d.Version
}
