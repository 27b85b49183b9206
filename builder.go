package flowkit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/flowkit/pkg/schema"
)

// Builder assembles a WorkflowDefinition through a fluent chain. Structural
// blocks (If, While, ForEach, Batch, Parallel, Race) open with their method
// and close with the matching End method; nodes declared in between land in
// the innermost open block. Errors accumulate and surface from Build.
type Builder struct {
	def     *schema.WorkflowDefinition
	stack   []*frame
	pending *schema.Node
	errs    []error
}

type frameKind int

const (
	frameCondition frameKind = iota
	frameWhile
	frameForEach
	frameBatch
	frameParallel
	frameRace
)

func (k frameKind) String() string {
	switch k {
	case frameCondition:
		return "If"
	case frameWhile:
		return "While"
	case frameForEach:
		return "ForEach"
	case frameBatch:
		return "Batch"
	case frameParallel:
		return "Parallel"
	case frameRace:
		return "Race"
	}
	return "block"
}

type frame struct {
	kind frameKind
	node schema.Node

	// condition
	branches []schema.ConditionBranch
	when     schema.Predicate
	hasElse  bool

	// current branch, loop body or open group
	body []schema.Node

	// parallel / race
	groups    [][]schema.Node
	groupOpen bool
}

// New starts a workflow definition.
func New(id, version string) *Builder {
	return &Builder{def: &schema.WorkflowDefinition{ID: id, Version: version}}
}

func (b *Builder) failf(format string, args ...any) *Builder {
	b.errs = append(b.errs, fmt.Errorf(format, args...))
	return b
}

// flush commits the pending leaf node into the innermost open block.
func (b *Builder) flush() {
	if b.pending == nil {
		return
	}
	n := *b.pending
	b.pending = nil
	b.append(n)
}

func (b *Builder) append(n schema.Node) {
	if len(b.stack) == 0 {
		b.def.Nodes = append(b.def.Nodes, n)
		return
	}
	top := b.stack[len(b.stack)-1]
	if (top.kind == frameParallel || top.kind == frameRace) && !top.groupOpen {
		b.failf("%s %q: nodes must be declared inside a Group", top.kind, top.node.Name)
		return
	}
	top.body = append(top.body, n)
}

func (b *Builder) push(f *frame) {
	b.flush()
	b.stack = append(b.stack, f)
}

func (b *Builder) pop(kind frameKind) *frame {
	b.flush()
	if len(b.stack) == 0 {
		b.failf("End%s without an open %s block", kind, kind)
		return nil
	}
	top := b.stack[len(b.stack)-1]
	if top.kind != kind {
		b.failf("End%s closes an open %s block", kind, top.kind)
		return nil
	}
	b.stack = b.stack[:len(b.stack)-1]
	return top
}

func (b *Builder) setPending(n schema.Node) *Builder {
	b.flush()
	b.pending = &n
	return b
}

// --- Leaf nodes ---

// Step appends a step node. Its output is recorded under the step name and
// visible to later nodes.
func (b *Builder) Step(name string, handler schema.HandlerFunc) *Builder {
	return b.setPending(schema.Node{Kind: schema.NodeStep, Name: name, Handler: handler})
}

// Action appends a fire-and-forget side effect. Action results are never
// recorded and action failures never fail the run.
func (b *Builder) Action(name string, handler schema.HandlerFunc) *Builder {
	return b.setPending(schema.Node{Kind: schema.NodeAction, Name: name, Handler: handler})
}

// Sleep appends a durable pause for a fixed duration.
func (b *Builder) Sleep(name string, d time.Duration) *Builder {
	return b.setPending(schema.Node{Kind: schema.NodeSleep, Name: name, Duration: d})
}

// SleepFor appends a durable pause whose duration is computed at runtime.
func (b *Builder) SleepFor(name string, fn schema.DurationFunc) *Builder {
	return b.setPending(schema.Node{Kind: schema.NodeSleep, Name: name, DurationFn: fn})
}

// WaitForEvent parks the run until a matching event is published. Narrow the
// match with Filter; bound the wait with WaitTimeout.
func (b *Builder) WaitForEvent(name, event string) *Builder {
	return b.setPending(schema.Node{Kind: schema.NodeWaitForEvent, Name: name, Event: event})
}

// HumanInTheLoop parks the run for external resolution.
func (b *Builder) HumanInTheLoop(name string, pause schema.PauseSpec) *Builder {
	return b.setPending(schema.Node{Kind: schema.NodeHumanInTheLoop, Name: name, Pause: &pause})
}

// Subflow runs another workflow to completion and records its outputs as this
// node's output. A nil payload fn passes the parent payload through.
func (b *Builder) Subflow(name, workflowID, version string, payload schema.PayloadFunc) *Builder {
	return b.setPending(schema.Node{
		Kind:     schema.NodeSubflow,
		Name:     name,
		Workflow: workflowID,
		Version:  version,
		Payload:  payload,
	})
}

// --- Pending-node modifiers ---

func (b *Builder) modifyPending(op string, kinds []schema.NodeKind, fn func(*schema.Node)) *Builder {
	if b.pending == nil {
		return b.failf("%s must follow the node it modifies", op)
	}
	for _, k := range kinds {
		if b.pending.Kind == k {
			fn(b.pending)
			return b
		}
	}
	return b.failf("%s does not apply to %s node %q", op, b.pending.Kind, b.pending.Name)
}

var stepKinds = []schema.NodeKind{schema.NodeStep, schema.NodeAction}

// Retry sets the retry policy of the preceding step or action.
func (b *Builder) Retry(policy schema.RetryPolicy) *Builder {
	return b.modifyPending("Retry", stepKinds, func(n *schema.Node) { n.Retry = &policy })
}

// Timeout bounds each attempt of the preceding step or action.
func (b *Builder) Timeout(d time.Duration) *Builder {
	return b.modifyPending("Timeout", stepKinds, func(n *schema.Node) { n.Timeout = d })
}

// Cache memoizes the preceding step under a derived key.
func (b *Builder) Cache(key schema.KeyFunc, ttl time.Duration) *Builder {
	return b.modifyPending("Cache", []schema.NodeKind{schema.NodeStep}, func(n *schema.Node) {
		n.Cache = &schema.CacheSpec{Key: key, TTL: ttl}
	})
}

// OnError installs a step-local error handler on the preceding step.
func (b *Builder) OnError(fn schema.ErrorHandlerFunc) *Builder {
	return b.modifyPending("OnError", []schema.NodeKind{schema.NodeStep}, func(n *schema.Node) {
		n.OnError = fn
	})
}

// Filter narrows which published events satisfy the preceding WaitForEvent.
func (b *Builder) Filter(fn schema.EventFilterFunc) *Builder {
	return b.modifyPending("Filter", []schema.NodeKind{schema.NodeWaitForEvent}, func(n *schema.Node) {
		n.Filter = fn
	})
}

// WaitTimeout bounds the preceding WaitForEvent. behavior selects whether the
// elapsed timeout fails the node or proceeds with a nil output.
func (b *Builder) WaitTimeout(d time.Duration, behavior schema.TimeoutBehavior) *Builder {
	return b.modifyPending("WaitTimeout", []schema.NodeKind{schema.NodeWaitForEvent}, func(n *schema.Node) {
		n.WaitTimeout = d
		n.OnWaitTimeout = behavior
	})
}

// --- Condition blocks ---

// If opens a condition block with its first branch.
func (b *Builder) If(name string, when schema.Predicate) *Builder {
	b.push(&frame{
		kind: frameCondition,
		node: schema.Node{Kind: schema.NodeCondition, Name: name},
		when: when,
	})
	return b
}

func (b *Builder) closeBranch(top *frame) {
	top.branches = append(top.branches, schema.ConditionBranch{When: top.when, Nodes: top.body})
	top.when = nil
	top.body = nil
}

func (b *Builder) conditionTop(op string) *frame {
	b.flush()
	if len(b.stack) == 0 || b.stack[len(b.stack)-1].kind != frameCondition {
		b.failf("%s outside an If block", op)
		return nil
	}
	return b.stack[len(b.stack)-1]
}

// ElseIf closes the current branch and opens another predicated one.
func (b *Builder) ElseIf(when schema.Predicate) *Builder {
	top := b.conditionTop("ElseIf")
	if top == nil {
		return b
	}
	if top.hasElse {
		return b.failf("If %q: ElseIf after Else", top.node.Name)
	}
	b.closeBranch(top)
	top.when = when
	return b
}

// Else closes the current branch and opens the fallback branch.
func (b *Builder) Else() *Builder {
	top := b.conditionTop("Else")
	if top == nil {
		return b
	}
	if top.hasElse {
		return b.failf("If %q: duplicate Else", top.node.Name)
	}
	b.closeBranch(top)
	top.hasElse = true
	return b
}

// EndIf closes the condition block.
func (b *Builder) EndIf() *Builder {
	top := b.pop(frameCondition)
	if top == nil {
		return b
	}
	b.closeBranch(top)
	n := top.node
	n.Branches = top.branches
	b.append(n)
	return b
}

// --- Loops ---

// While opens a loop that re-evaluates cond before every iteration.
func (b *Builder) While(name string, cond schema.Predicate) *Builder {
	b.push(&frame{
		kind: frameWhile,
		node: schema.Node{Kind: schema.NodeWhile, Name: name, Condition: cond},
	})
	return b
}

// EndWhile closes the innermost While block.
func (b *Builder) EndWhile() *Builder { return b.closeLoop(frameWhile) }

// ForEach opens a loop over the items the sequence yields.
func (b *Builder) ForEach(name string, items schema.SequenceFunc) *Builder {
	b.push(&frame{
		kind: frameForEach,
		node: schema.Node{Kind: schema.NodeForEach, Name: name, Items: items},
	})
	return b
}

// EndForEach closes the innermost ForEach block.
func (b *Builder) EndForEach() *Builder { return b.closeLoop(frameForEach) }

// Batch opens a loop that processes items in chunks of size.
func (b *Builder) Batch(name string, items schema.SequenceFunc, size int) *Builder {
	b.push(&frame{
		kind: frameBatch,
		node: schema.Node{Kind: schema.NodeBatch, Name: name, Items: items, BatchSize: size},
	})
	return b
}

// EndBatch closes the innermost Batch block.
func (b *Builder) EndBatch() *Builder { return b.closeLoop(frameBatch) }

func (b *Builder) closeLoop(kind frameKind) *Builder {
	top := b.pop(kind)
	if top == nil {
		return b
	}
	n := top.node
	n.Body = top.body
	b.append(n)
	return b
}

func (b *Builder) loopTop(op string) *frame {
	b.flush()
	if len(b.stack) > 0 {
		if top := b.stack[len(b.stack)-1]; top.kind == frameForEach || top.kind == frameBatch {
			return top
		}
	}
	b.failf("%s applies to the innermost open ForEach or Batch", op)
	return nil
}

// Concurrently lets up to n iterations of the open ForEach or Batch run at
// once. Iteration failures are isolated unless FailFast is set.
func (b *Builder) Concurrently(n int) *Builder {
	if top := b.loopTop("Concurrently"); top != nil {
		top.node.Concurrency = n
	}
	return b
}

// FailFast makes the first iteration failure cancel the remaining ones and
// fail the open ForEach or Batch.
func (b *Builder) FailFast() *Builder {
	if top := b.loopTop("FailFast"); top != nil {
		top.node.FailFast = true
	}
	return b
}

// --- Parallel / Race ---

// Parallel opens a block whose Groups execute concurrently; all must succeed.
func (b *Builder) Parallel(name string) *Builder {
	b.push(&frame{
		kind: frameParallel,
		node: schema.Node{Kind: schema.NodeParallel, Name: name},
	})
	return b
}

// Race opens a block whose Groups execute concurrently; the first to settle
// wins and the rest are cancelled.
func (b *Builder) Race(name string) *Builder {
	b.push(&frame{
		kind: frameRace,
		node: schema.Node{Kind: schema.NodeRace, Name: name},
	})
	return b
}

// Group starts the next branch of the open Parallel or Race block.
func (b *Builder) Group() *Builder {
	b.flush()
	if len(b.stack) == 0 {
		return b.failf("Group outside a Parallel or Race block")
	}
	top := b.stack[len(b.stack)-1]
	if top.kind != frameParallel && top.kind != frameRace {
		return b.failf("Group outside a Parallel or Race block")
	}
	if top.groupOpen {
		top.groups = append(top.groups, top.body)
		top.body = nil
	}
	top.groupOpen = true
	return b
}

// EndParallel closes the innermost Parallel block.
func (b *Builder) EndParallel() *Builder { return b.closeGroups(frameParallel) }

// EndRace closes the innermost Race block.
func (b *Builder) EndRace() *Builder { return b.closeGroups(frameRace) }

func (b *Builder) closeGroups(kind frameKind) *Builder {
	top := b.pop(kind)
	if top == nil {
		return b
	}
	if top.groupOpen {
		top.groups = append(top.groups, top.body)
	}
	n := top.node
	n.Groups = top.groups
	b.append(n)
	return b
}

// --- Workflow-level configuration ---

// MaxConcurrentRuns caps runs in running or paused state; 0 means unlimited.
func (b *Builder) MaxConcurrentRuns(n int) *Builder {
	b.def.Concurrency = n
	return b
}

// RateLimit caps trigger admissions per rolling window.
func (b *Builder) RateLimit(limit int, window time.Duration) *Builder {
	b.def.RateLimit = &schema.RateLimit{Limit: limit, Window: window}
	return b
}

// RunTimeout bounds the whole run, pauses included, from its start.
func (b *Builder) RunTimeout(d time.Duration) *Builder {
	b.def.Timeout = d
	return b
}

// DefaultRetry applies to every step without its own policy.
func (b *Builder) DefaultRetry(policy schema.RetryPolicy) *Builder {
	b.def.DefaultRetry = &policy
	return b
}

// InputSchema rejects trigger payloads that do not satisfy the JSON schema.
func (b *Builder) InputSchema(raw json.RawMessage) *Builder {
	b.def.InputSchema = raw
	return b
}

// OnCron fires the workflow on a cron schedule (five-field form).
func (b *Builder) OnCron(expr string) *Builder {
	b.def.Triggers = append(b.def.Triggers, schema.TriggerSpec{
		Origin:   schema.OriginSchedule,
		Schedule: expr,
	})
	return b
}

// OnInterval fires the workflow every interval.
func (b *Builder) OnInterval(every time.Duration) *Builder {
	b.def.Triggers = append(b.def.Triggers, schema.TriggerSpec{
		Origin:   schema.OriginPoll,
		Interval: every,
	})
	return b
}

// OnEvent fires the workflow when a matching event is published. A nil filter
// accepts any payload.
func (b *Builder) OnEvent(event string, filter schema.EventFilterFunc) *Builder {
	b.def.Triggers = append(b.def.Triggers, schema.TriggerSpec{
		Origin: schema.OriginEvent,
		Event:  event,
		Filter: filter,
	})
	return b
}

// Hooks installs the workflow lifecycle callbacks.
func (b *Builder) Hooks(h schema.Hooks) *Builder {
	b.def.Hooks = h
	return b
}

// Build validates and returns the definition.
func (b *Builder) Build() (*schema.WorkflowDefinition, error) {
	b.flush()
	if len(b.stack) > 0 {
		top := b.stack[len(b.stack)-1]
		b.failf("unclosed %s block %q", top.kind, top.node.Name)
	}
	if len(b.errs) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %s@%s: %s", b.def.ID, b.def.Version, b.errs[0].Error()).WithCause(b.errs[0])
	}
	if err := schema.ValidateDefinition(b.def); err != nil {
		return nil, err
	}
	return b.def, nil
}
