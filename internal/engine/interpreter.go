package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rendis/flowkit/internal/store"
	"github.com/rendis/flowkit/pkg/schema"
)

// Suspension is the sentinel returned through the interpreter when a run
// parks on a pause token. It is not a failure; the coordinator translates it
// into the paused run status.
type Suspension struct {
	Node  string
	Token string
	Kind  string
}

func (s *Suspension) Error() string {
	return fmt.Sprintf("run suspended at %s (token %s)", s.Node, s.Token)
}

// AsSuspension unwraps a Suspension from an error chain.
func AsSuspension(err error) (*Suspension, bool) {
	var s *Suspension
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

// ResumeData stages the resolution of a consumed pause token for the next
// interpreter pass. The parked node consumes it and continues.
type ResumeData struct {
	Node    string
	Token   string
	Payload map[string]any
	Expired bool
}

// SubflowRunner starts a child run and blocks until it settles. Satisfied by
// the coordinator.
type SubflowRunner interface {
	RunSubflow(ctx context.Context, parent *schema.RunContext, workflowID, version string, payload map[string]any) (any, error)
}

// Interpreter walks a workflow's node graph. Completed step records cause
// nodes to be skipped with their recorded output restored, which is how a
// resumed or recovered run fast-forwards to the parked node.
type Interpreter struct {
	exec     *StepExecutor
	pauses   *PauseRegistry
	store    store.Store
	log      EventAppender
	logger   *slog.Logger
	subflows SubflowRunner
}

// NewInterpreter creates an interpreter over the given executor and pause
// registry. subflows may be nil if the definitions use no subflow nodes.
func NewInterpreter(exec *StepExecutor, pauses *PauseRegistry, s store.Store, log EventAppender, logger *slog.Logger, subflows SubflowRunner) *Interpreter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{
		exec:     exec,
		pauses:   pauses,
		store:    s,
		log:      log,
		logger:   logger,
		subflows: subflows,
	}
}

// runState carries per-pass interpreter state. The records map is shared
// across branch states, so access goes through record/putRecord.
type runState struct {
	rc      *schema.RunContext
	def     *schema.WorkflowDefinition
	records map[string]*store.StepRecord
	recMu   *sync.Mutex
	resume  *ResumeData
}

func (rs *runState) record(name string) *store.StepRecord {
	rs.recMu.Lock()
	defer rs.recMu.Unlock()
	return rs.records[name]
}

func (rs *runState) putRecord(rec *store.StepRecord) {
	rs.recMu.Lock()
	defer rs.recMu.Unlock()
	rs.records[rec.Name] = rec
}

// Execute walks the definition's nodes for one run. It returns nil on
// completion, a *Suspension when the run parks, or the failure otherwise.
func (it *Interpreter) Execute(ctx context.Context, rc *schema.RunContext, def *schema.WorkflowDefinition, resume *ResumeData) error {
	recs, err := it.store.ListStepRecords(ctx, rc.RunID)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "load step records: %s", err.Error()).WithCause(err)
	}
	byName := make(map[string]*store.StepRecord, len(recs))
	for _, rec := range recs {
		byName[rec.Name] = rec
	}

	rs := &runState{rc: rc, def: def, records: byName, recMu: &sync.Mutex{}, resume: resume}
	return it.runSequence(ctx, rs, def.Nodes, "")
}

func (it *Interpreter) runSequence(ctx context.Context, rs *runState, nodes []schema.Node, prefix string) error {
	for i := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := it.runNode(ctx, rs, &nodes[i], prefix); err != nil {
			return err
		}
	}
	return nil
}

func joinName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func (it *Interpreter) runNode(ctx context.Context, rs *runState, node *schema.Node, prefix string) error {
	name := joinName(prefix, node.Name)
	rec := rs.record(name)

	// Replay-skip: a terminal record restores its output and the node is not
	// re-executed. Condition records re-descend so unfinished branch bodies
	// continue; everything else skips wholesale.
	if rec != nil && rec.Status == schema.StepStatusCompleted && node.Kind != schema.NodeCondition {
		it.restoreOutput(rs.rc, node.Name, rec)
		return nil
	}

	// A paused record marks the parked node. With staged resume data for it,
	// resolve and continue; without, the run is still parked.
	if rec != nil && rec.Status == schema.StepStatusPaused {
		if rs.resume != nil && rs.resume.Node == name {
			return it.resolveParked(ctx, rs, node, name)
		}
		return &Suspension{Node: name, Kind: string(node.Kind)}
	}

	switch node.Kind {
	case schema.NodeStep:
		return it.runStep(ctx, rs, node, name)
	case schema.NodeAction:
		it.exec.ExecuteAction(ctx, rs.rc, node, name)
		return nil
	case schema.NodeCondition:
		return it.runCondition(ctx, rs, node, name, prefix)
	case schema.NodeWhile:
		return it.runWhile(ctx, rs, node, name)
	case schema.NodeForEach:
		return it.runForEach(ctx, rs, node, name)
	case schema.NodeBatch:
		return it.runBatch(ctx, rs, node, name)
	case schema.NodeParallel:
		return it.runParallel(ctx, rs, node, name)
	case schema.NodeRace:
		return it.runRace(ctx, rs, node, name)
	case schema.NodeSubflow:
		return it.runSubflow(ctx, rs, node, name)
	case schema.NodeSleep:
		return it.parkSleep(ctx, rs, node, name)
	case schema.NodeWaitForEvent:
		return it.parkWaitForEvent(ctx, rs, node, name)
	case schema.NodeHumanInTheLoop:
		return it.parkHuman(ctx, rs, node, name)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown node kind %q", node.Kind).WithStep(name)
	}
}

func (it *Interpreter) runStep(ctx context.Context, rs *runState, node *schema.Node, name string) error {
	out, err := it.exec.ExecuteStep(ctx, rs.rc, node, name)
	if err != nil {
		it.safeStepHook(ctx, rs, func(h schema.Hooks) {
			if h.OnStepFailure != nil {
				h.OnStepFailure(ctx, rs.rc, node.Name, err)
			}
		})
		return err
	}
	it.safeStepHook(ctx, rs, func(h schema.Hooks) {
		if h.OnStepSuccess != nil {
			h.OnStepSuccess(ctx, rs.rc, node.Name, out)
		}
	})
	return nil
}

// runCondition evaluates branch predicates in declaration order and descends
// into the first match. The chosen branch index is recorded so a resumed run
// re-enters the same branch without re-evaluating predicates.
func (it *Interpreter) runCondition(ctx context.Context, rs *runState, node *schema.Node, name, prefix string) error {
	branch := -1

	if rec := rs.record(name); rec != nil && rec.Status == schema.StepStatusCompleted {
		var decided struct {
			Branch int `json:"branch"`
		}
		if err := json.Unmarshal(rec.Output, &decided); err == nil {
			branch = decided.Branch
		}
	} else {
		for i, b := range node.Branches {
			if b.When == nil {
				branch = i
				break
			}
			ok, err := b.When(ctx, rs.rc)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeStepFailed, "condition %s: %s", name, err.Error()).
					WithStep(name).WithCause(err)
			}
			if ok {
				branch = i
				break
			}
		}
		if err := it.recordContainer(ctx, rs, name, map[string]any{"branch": branch}); err != nil {
			return err
		}
		it.emit(ctx, rs.rc.RunID, name, schema.EventConditionEvaluated, map[string]any{"branch": branch})
	}

	if branch < 0 || branch >= len(node.Branches) {
		return nil
	}
	return it.runSequence(ctx, rs, node.Branches[branch].Nodes, prefix)
}

func (it *Interpreter) runSubflow(ctx context.Context, rs *runState, node *schema.Node, name string) error {
	if it.subflows == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "subflow %s: no subflow runner configured", name).WithStep(name)
	}

	payload := map[string]any{}
	if node.Payload != nil {
		p, err := node.Payload(ctx, rs.rc)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStepFailed, "subflow %s payload: %s", name, err.Error()).
				WithStep(name).WithCause(err)
		}
		payload = p
	}

	it.emit(ctx, rs.rc.RunID, name, schema.EventSubflowStarted, map[string]any{
		"workflow": node.Workflow,
		"version":  node.Version,
	})

	out, err := it.subflows.RunSubflow(ctx, rs.rc, node.Workflow, node.Version, payload)
	if err != nil {
		it.failContainer(ctx, rs, name, err)
		return schema.NewErrorf(schema.ErrCodeStepFailed, "subflow %s: %s", name, err.Error()).
			WithStep(name).WithCause(err)
	}

	rs.rc.SetOutput(node.Name, out)
	if err := it.recordContainer(ctx, rs, name, out); err != nil {
		return err
	}
	it.emit(ctx, rs.rc.RunID, name, schema.EventSubflowCompleted, nil)
	return nil
}

// --- Suspension nodes ---

func (it *Interpreter) parkSleep(ctx context.Context, rs *runState, node *schema.Node, name string) error {
	d := node.Duration
	if node.DurationFn != nil {
		d = node.DurationFn(rs.rc)
	}
	if d <= 0 {
		rs.rc.SetOutput(node.Name, nil)
		return it.recordContainer(ctx, rs, name, nil)
	}
	deadline := time.Now().UTC().Add(d)
	return it.park(ctx, rs, node, name, store.PauseKindSleep, &deadline, nil)
}

func (it *Interpreter) parkWaitForEvent(ctx context.Context, rs *runState, node *schema.Node, name string) error {
	var deadline *time.Time
	if node.WaitTimeout > 0 {
		t := time.Now().UTC().Add(node.WaitTimeout)
		deadline = &t
	}
	meta := map[string]any{"event": node.Event}
	return it.park(ctx, rs, node, name, store.PauseKindEvent, deadline, meta)
}

func (it *Interpreter) parkHuman(ctx context.Context, rs *runState, node *schema.Node, name string) error {
	var deadline *time.Time
	var meta map[string]any
	if node.Pause != nil {
		if node.Pause.Timeout > 0 {
			t := time.Now().UTC().Add(node.Pause.Timeout)
			deadline = &t
		}
		meta = node.Pause.Metadata
	}
	return it.park(ctx, rs, node, name, store.PauseKindHuman, deadline, meta)
}

func (it *Interpreter) park(ctx context.Context, rs *runState, node *schema.Node, name, kind string, deadline *time.Time, meta map[string]any) error {
	token, err := it.pauses.Park(ctx, rs.rc.RunID, rs.rc.WorkflowID, name, kind, deadline, meta)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rec := &store.StepRecord{
		RunID:     rs.rc.RunID,
		Name:      name,
		Status:    schema.StepStatusPaused,
		StartedAt: &now,
	}
	if err := it.store.UpsertStepRecord(ctx, rec); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist paused step: %s", err.Error()).WithStep(name).WithCause(err)
	}

	if node.Kind == schema.NodeHumanInTheLoop && node.Pause != nil && node.Pause.OnPause != nil {
		it.safeCallback(name, func() {
			node.Pause.OnPause(schema.PauseNotice{
				Token:      token,
				RunID:      rs.rc.RunID,
				WorkflowID: rs.rc.WorkflowID,
				Step:       name,
				Deadline:   deadline,
				Metadata:   meta,
			})
		})
	}

	return &Suspension{Node: name, Token: token, Kind: kind}
}

// resolveParked handles the parked node once its token was consumed. Expired
// tokens fall back to the node's timeout behavior.
func (it *Interpreter) resolveParked(ctx context.Context, rs *runState, node *schema.Node, name string) error {
	res := rs.resume
	rs.resume = nil

	var out any
	switch node.Kind {
	case schema.NodeSleep:
		// Expiry is the normal wake-up path for sleep.

	case schema.NodeWaitForEvent:
		if res.Expired {
			if node.OnWaitTimeout != schema.TimeoutProceed {
				err := schema.NewErrorf(schema.ErrCodeTimeout, "wait for event %q timed out", node.Event).WithStep(name)
				it.failContainer(ctx, rs, name, err)
				return err
			}
		} else if res.Payload != nil {
			out = anyMap(res.Payload)
		}

	case schema.NodeHumanInTheLoop:
		if res.Expired {
			if node.Pause == nil || node.Pause.OnTimeout == nil {
				err := schema.NewErrorf(schema.ErrCodeTimeout, "pause at %s timed out", name).WithStep(name)
				it.failContainer(ctx, rs, name, err)
				return err
			}
			defaultOut, herr := node.Pause.OnTimeout(ctx, rs.rc)
			if herr != nil {
				err := schema.NewErrorf(schema.ErrCodeStepFailed, "pause timeout handler at %s: %s", name, herr.Error()).
					WithStep(name).WithCause(herr)
				it.failContainer(ctx, rs, name, err)
				return err
			}
			out = defaultOut
		} else if res.Payload != nil {
			out = anyMap(res.Payload)
		}

	default:
		return schema.NewErrorf(schema.ErrCodeConflict, "node %s is not resumable", name).WithStep(name)
	}

	rs.rc.SetOutput(node.Name, out)
	return it.recordContainer(ctx, rs, name, out)
}

// --- Helpers ---

func anyMap(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

func (it *Interpreter) restoreOutput(rc *schema.RunContext, nodeName string, rec *store.StepRecord) {
	if len(rec.Output) == 0 {
		rc.SetOutput(nodeName, nil)
		return
	}
	var out any
	if err := json.Unmarshal(rec.Output, &out); err == nil {
		rc.SetOutput(nodeName, out)
	}
}

// recordContainer writes a completed record for container and suspension
// nodes, which do not go through the step executor.
func (it *Interpreter) recordContainer(ctx context.Context, rs *runState, name string, out any) error {
	now := time.Now().UTC()
	rec := rs.record(name)
	if rec == nil {
		rec = &store.StepRecord{RunID: rs.rc.RunID, Name: name, StartedAt: &now}
		rs.putRecord(rec)
	}
	rec.Status = schema.StepStatusCompleted
	rec.CompletedAt = &now
	if rec.StartedAt != nil {
		rec.DurationMs = now.Sub(*rec.StartedAt).Milliseconds()
	}
	if raw, err := json.Marshal(out); err == nil {
		rec.Output = raw
	}
	if err := it.store.UpsertStepRecord(ctx, rec); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist step record: %s", err.Error()).WithStep(name).WithCause(err)
	}
	it.emitRaw(ctx, rs.rc.RunID, name, schema.EventStepCompleted, rec.Output)
	return nil
}

func (it *Interpreter) failContainer(ctx context.Context, rs *runState, name string, failErr error) {
	now := time.Now().UTC()
	rec := rs.record(name)
	if rec == nil {
		rec = &store.StepRecord{RunID: rs.rc.RunID, Name: name, StartedAt: &now}
	}
	rec.Status = schema.StepStatusFailed
	rec.CompletedAt = &now
	if raw, err := json.Marshal(asFlowError(failErr)); err == nil {
		rec.Error = raw
	}
	_ = it.store.UpsertStepRecord(ctx, rec)
	it.emitRaw(ctx, rs.rc.RunID, name, schema.EventStepFailed, rec.Error)
}

func (it *Interpreter) safeStepHook(ctx context.Context, rs *runState, fn func(schema.Hooks)) {
	defer func() {
		if r := recover(); r != nil {
			it.logger.ErrorContext(ctx, "step hook panic", slog.Any("panic", r))
		}
	}()
	fn(rs.def.Hooks)
}

func (it *Interpreter) safeCallback(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			it.logger.Error("pause callback panic", slog.String("step", name), slog.Any("panic", r))
		}
	}()
	fn()
}

func (it *Interpreter) emit(ctx context.Context, runID, step, eventType string, payload map[string]any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	it.emitRaw(ctx, runID, step, eventType, raw)
}

func (it *Interpreter) emitRaw(ctx context.Context, runID, step, eventType string, payload json.RawMessage) {
	if err := it.log.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		Step:    step,
		Type:    eventType,
		Payload: payload,
	}); err != nil {
		it.logger.ErrorContext(ctx, "append event",
			slog.String("event", eventType),
			slog.String("error", err.Error()))
	}
}

// FindNode resolves a namespaced record name back to its node in the
// definition, ignoring iter_N segments produced by loop scopes. Used by the
// coordinator to consult node configuration when a pause token resolves.
func FindNode(def *schema.WorkflowDefinition, name string) *schema.Node {
	segments := strings.Split(name, ".")
	return findNodeIn(def.Nodes, segments)
}

func findNodeIn(nodes []schema.Node, segments []string) *schema.Node {
	for len(segments) > 0 && (strings.HasPrefix(segments[0], "iter_") || strings.HasPrefix(segments[0], "group_")) {
		segments = segments[1:]
	}
	if len(segments) == 0 {
		return nil
	}
	for i := range nodes {
		n := &nodes[i]
		if n.Name != segments[0] {
			continue
		}
		if len(segments) == 1 {
			return n
		}
		rest := segments[1:]
		if found := findNodeIn(n.Body, rest); found != nil {
			return found
		}
		for _, b := range n.Branches {
			if found := findNodeIn(b.Nodes, rest); found != nil {
				return found
			}
		}
		for _, g := range n.Groups {
			if found := findNodeIn(g, rest); found != nil {
				return found
			}
		}
		return nil
	}
	// Condition branch bodies share their parent's prefix, so the first
	// segment may name a node nested inside a branch.
	for i := range nodes {
		for _, b := range nodes[i].Branches {
			if found := findNodeIn(b.Nodes, segments); found != nil {
				return found
			}
		}
	}
	return nil
}
