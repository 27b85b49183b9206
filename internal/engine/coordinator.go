package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowkit/internal/logging"
	"github.com/rendis/flowkit/internal/state"
	"github.com/rendis/flowkit/internal/store"
	"github.com/rendis/flowkit/pkg/schema"
)

// Coordinator owns the run lifecycle: admission, launch, suspension, resume,
// cancellation and crash recovery. It is the composition root of the engine;
// the executor, interpreter, pause registry and FSM are wired here.
type Coordinator struct {
	store     store.Store
	log       EventAppender
	state     *state.Manager
	pool      *WorkerPool
	limiter   *RateLimiter
	events    *store.EventLog
	fsm       *RunFSM
	pauses    *PauseRegistry
	interp    *Interpreter
	validator *schema.PayloadValidator
	logger    *slog.Logger

	mu      sync.Mutex
	defs    map[string]*schema.WorkflowDefinition
	latest  map[string]string
	active  map[string]*activeRun
	waiters map[string][]chan runOutcome
}

type activeRun struct {
	cancel  context.CancelFunc
	timeout *time.Timer
}

type runOutcome struct {
	status schema.RunStatus
	output any
	err    error
}

// NewCoordinator wires the engine components over the given store. Runs are
// launched on the worker pool; resumed runs relaunch on their own goroutine
// since they already hold an admission slot.
func NewCoordinator(s store.Store, log EventAppender, st *state.Manager, pool *WorkerPool, logger *slog.Logger, defaultTimeout time.Duration, defaultRetry *schema.RetryPolicy) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		store:     s,
		log:       log,
		state:     st,
		pool:      pool,
		limiter:   NewRateLimiter(),
		events:    store.NewEventLog(s),
		fsm:       NewRunFSM(log),
		validator: schema.NewPayloadValidator(),
		logger:    logger,
		defs:      make(map[string]*schema.WorkflowDefinition),
		latest:    make(map[string]string),
		active:    make(map[string]*activeRun),
		waiters:   make(map[string][]chan runOutcome),
	}
	c.pauses = NewPauseRegistry(s, log, logger)
	c.pauses.OnResolve(c.onPauseResolved)
	exec := NewStepExecutor(s, log, st, logger, defaultTimeout, defaultRetry)
	c.interp = NewInterpreter(exec, c.pauses, s, log, logger, c)
	return c
}

// Pauses exposes the pause registry for inspection surfaces.
func (c *Coordinator) Pauses() *PauseRegistry { return c.pauses }

// Register validates and registers a workflow definition. The most recently
// registered version of an ID becomes its latest.
func (c *Coordinator) Register(def *schema.WorkflowDefinition) error {
	if err := schema.ValidateDefinition(def); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[def.Key()] = def
	c.latest[def.ID] = def.Version
	return nil
}

// Definition resolves a workflow by ID and version. Empty version resolves to
// the latest registered version.
func (c *Coordinator) Definition(workflowID, version string) (*schema.WorkflowDefinition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version == "" {
		version = c.latest[workflowID]
	}
	def, ok := c.defs[workflowID+"@"+version]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s@%s not registered", workflowID, version)
	}
	return def, nil
}

// Definitions returns the latest registered version of every workflow. The
// trigger dispatcher and scheduler walk this to match automatic triggers.
func (c *Coordinator) Definitions() []*schema.WorkflowDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*schema.WorkflowDefinition, 0, len(c.latest))
	for id, version := range c.latest {
		if def, ok := c.defs[id+"@"+version]; ok {
			out = append(out, def)
		}
	}
	return out
}

// Trigger admits and launches a new run. Admission checks the workflow's rate
// limit window, then its concurrency ceiling; admitted-but-unstarted and
// paused runs hold their slot.
func (c *Coordinator) Trigger(ctx context.Context, workflowID, version string, origin schema.TriggerOrigin, payload, meta map[string]any) (string, error) {
	return c.TriggerWithRunID(ctx, "", workflowID, version, origin, payload, meta)
}

// TriggerWithRunID is Trigger with a caller-assigned run id. The trigger
// dispatcher uses it to claim webhook idempotency keys before the run exists;
// an empty runID gets a generated one.
func (c *Coordinator) TriggerWithRunID(ctx context.Context, runID, workflowID, version string, origin schema.TriggerOrigin, payload, meta map[string]any) (string, error) {
	def, err := c.Definition(workflowID, version)
	if err != nil {
		return "", err
	}
	if err := c.validator.Validate(def, payload); err != nil {
		return "", err
	}
	if rl := def.RateLimit; rl != nil && rl.Limit > 0 {
		if !c.limiter.Allow(def.ID, rl.Limit, rl.Window) {
			return "", schema.NewErrorf(schema.ErrCodeRateLimit, "workflow %s exceeded %d starts per %s",
				def.ID, rl.Limit, rl.Window)
		}
	}
	if def.Concurrency > 0 {
		active, err := c.store.CountActiveRuns(ctx, def.ID)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeStore, "count active runs: %s", err.Error()).WithCause(err)
		}
		if active >= def.Concurrency {
			return "", schema.NewErrorf(schema.ErrCodeConcurrencyLimit, "workflow %s at concurrency limit %d",
				def.ID, def.Concurrency)
		}
	}

	if runID == "" {
		runID = uuid.New().String()
	}
	run := &store.Run{
		ID:         runID,
		WorkflowID: def.ID,
		Version:    def.Version,
		Status:     schema.RunStatusPending,
		Origin:     origin,
		Payload:    payload,
		Meta:       meta,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return "", err
	}
	c.emit(ctx, run.ID, "", schema.EventRunCreated, map[string]any{
		"workflow": def.ID,
		"version":  def.Version,
		"origin":   string(origin),
	})

	if err := c.pool.Submit(ctx, func(context.Context) error {
		c.executeRun(def, run, nil, schema.RunStatusPending)
		return nil
	}); err != nil {
		// The pending record holds an admission slot; fail it so it does not
		// pin the concurrency ceiling forever.
		now := time.Now().UTC()
		rawErr, _ := json.Marshal(asFlowError(err))
		_ = c.store.UpdateRun(ctx, run.ID, store.RunUpdate{
			Status:      statusPtr(schema.RunStatusFailed),
			Error:       rawErr,
			CompletedAt: &now,
		})
		return "", err
	}
	return run.ID, nil
}

// executeRun drives one interpreter pass over the run, from fresh launch,
// resume or recovery, and settles the run status from the outcome.
func (c *Coordinator) executeRun(def *schema.WorkflowDefinition, run *store.Run, resume *ResumeData, from schema.RunStatus) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logging.WithIDs(ctx, run.ID, def.ID, "")
	c.trackRun(run.ID, cancel)

	now := time.Now().UTC()
	if from != schema.RunStatusRunning {
		if err := c.fsm.Transition(ctx, run.ID, from, schema.RunStatusRunning); err != nil {
			c.logger.ErrorContext(ctx, "run transition", slog.String("error", err.Error()))
			c.releaseRun(run.ID, false)
			return
		}
		upd := store.RunUpdate{Status: statusPtr(schema.RunStatusRunning)}
		if from == schema.RunStatusPending {
			upd.StartedAt = &now
			run.StartedAt = &now
		}
		if err := c.store.UpdateRun(ctx, run.ID, upd); err != nil {
			c.logger.ErrorContext(ctx, "update run", slog.String("error", err.Error()))
		}
	}
	c.armRunTimeout(run, def)

	rc := schema.NewRunContext(run.ID, def.ID, def.Version, run.Payload, run.Meta)
	rc.State = c.state.Namespace(state.WorkflowNamespace(def.ID))
	rc.GlobalState = c.state.Namespace(state.GlobalNamespace)

	if from == schema.RunStatusPending {
		c.safeHook(rc, func(h schema.Hooks) {
			if h.OnStart != nil {
				h.OnStart(ctx, rc)
			}
		}, def)
	}

	err := c.interp.Execute(ctx, rc, def, resume)
	switch {
	case err == nil:
		c.completeRun(ctx, def, run, rc)
	default:
		if s, ok := AsSuspension(err); ok {
			c.suspendRun(ctx, run, s)
			return
		}
		c.failRun(ctx, def, run, rc, err)
	}
}

func (c *Coordinator) completeRun(ctx context.Context, def *schema.WorkflowDefinition, run *store.Run, rc *schema.RunContext) {
	now := time.Now().UTC()
	outputs, _ := json.Marshal(rc.Outputs())
	if err := c.fsm.Transition(ctx, run.ID, schema.RunStatusRunning, schema.RunStatusCompleted); err != nil {
		c.logger.ErrorContext(ctx, "run transition", slog.String("error", err.Error()))
	}
	if err := c.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status:      statusPtr(schema.RunStatusCompleted),
		Outputs:     outputs,
		CompletedAt: &now,
	}); err != nil {
		if schema.IsCode(err, schema.ErrCodeInvalidTransition) {
			if cur, gerr := c.store.GetRun(ctx, run.ID); gerr == nil && cur.Status.Terminal() {
				c.releaseRun(run.ID, true)
				c.notifyWaiters(run.ID, runOutcome{status: cur.Status, err: terminalError(cur.Status)})
				return
			}
		}
		c.logger.ErrorContext(ctx, "update run", slog.String("error", err.Error()))
	}
	c.safeHook(rc, func(h schema.Hooks) {
		if h.OnComplete != nil {
			h.OnComplete(ctx, rc)
		}
	}, def)
	c.releaseRun(run.ID, true)
	c.notifyWaiters(run.ID, runOutcome{status: schema.RunStatusCompleted, output: rc.Last()})
}

func (c *Coordinator) suspendRun(ctx context.Context, run *store.Run, s *Suspension) {
	if err := c.fsm.Transition(ctx, run.ID, schema.RunStatusRunning, schema.RunStatusPaused); err != nil {
		c.logger.ErrorContext(ctx, "run transition", slog.String("error", err.Error()))
	}
	if err := c.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status: statusPtr(schema.RunStatusPaused),
		Cursor: &s.Node,
	}); err != nil {
		c.logger.ErrorContext(ctx, "update run", slog.String("error", err.Error()))
	}
	// The run timeout stays armed: wall clock keeps counting while parked.
	c.releaseRun(run.ID, false)
	c.logger.InfoContext(ctx, "run suspended",
		slog.String("step", s.Node),
		slog.String("kind", s.Kind))
}

func (c *Coordinator) failRun(ctx context.Context, def *schema.WorkflowDefinition, run *store.Run, rc *schema.RunContext, runErr error) {
	// Cancellation and timeout settle the run elsewhere; the interpreter pass
	// just unwinds. The cancellation may surface as a classified FlowError.
	if errors.Is(runErr, context.Canceled) || schema.IsCode(runErr, schema.ErrCodeCancelled) {
		if cur, err := c.store.GetRun(context.Background(), run.ID); err == nil && cur.Status.Terminal() {
			c.releaseRun(run.ID, true)
			c.notifyWaiters(run.ID, runOutcome{status: cur.Status, err: terminalError(cur.Status)})
			return
		}
	}

	now := time.Now().UTC()
	flowErr := asFlowError(runErr)
	rawErr, _ := json.Marshal(flowErr)
	if err := c.fsm.Transition(ctx, run.ID, schema.RunStatusRunning, schema.RunStatusFailed); err != nil {
		c.logger.ErrorContext(ctx, "run transition", slog.String("error", err.Error()))
	}
	if err := c.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status:      statusPtr(schema.RunStatusFailed),
		Error:       rawErr,
		CompletedAt: &now,
	}); err != nil {
		// Lost the settle race to a timeout or cancel that landed first.
		if schema.IsCode(err, schema.ErrCodeInvalidTransition) {
			if cur, gerr := c.store.GetRun(ctx, run.ID); gerr == nil && cur.Status.Terminal() {
				c.releaseRun(run.ID, true)
				c.notifyWaiters(run.ID, runOutcome{status: cur.Status, err: terminalError(cur.Status)})
				return
			}
		}
		c.logger.ErrorContext(ctx, "update run", slog.String("error", err.Error()))
	}
	c.safeHook(rc, func(h schema.Hooks) {
		if h.OnFailure != nil {
			h.OnFailure(ctx, rc, flowErr)
		}
	}, def)
	c.releaseRun(run.ID, true)
	c.notifyWaiters(run.ID, runOutcome{status: schema.RunStatusFailed, err: flowErr})
}

// Cancel stops a pending, running or paused run. In-flight steps see their
// context cancelled; pending pause tokens are expired without dispatch.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	ctx = logging.WithRunID(ctx, runID)
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s already %s", runID, run.Status)
	}
	if err := c.fsm.Transition(ctx, runID, run.Status, schema.RunStatusCancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := c.store.UpdateRun(ctx, runID, store.RunUpdate{
		Status:      statusPtr(schema.RunStatusCancelled),
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	c.expirePendingPauses(ctx, runID)
	c.releaseRun(runID, true)
	c.notifyWaiters(runID, runOutcome{status: schema.RunStatusCancelled, err: terminalError(schema.RunStatusCancelled)})
	return nil
}

// Resume resolves a pause token with the given payload. The parked run
// relaunches through the resolve callback once the token is consumed.
func (c *Coordinator) Resume(ctx context.Context, token string, data map[string]any) error {
	return c.pauses.Resume(ctx, token, data)
}

// DeliverEvent fans an event out to every run parked waiting for it. The
// node's filter, when set, decides per payload. Returns how many runs woke.
func (c *Coordinator) DeliverEvent(ctx context.Context, event string, payload map[string]any) (int, error) {
	recs, err := c.pauses.ListPending(ctx, store.PauseFilter{Kind: store.PauseKindEvent})
	if err != nil {
		return 0, err
	}
	woke := 0
	for _, rec := range recs {
		meta := decodeMetadata(rec.Metadata)
		if name, _ := meta["event"].(string); name != event {
			continue
		}
		def, err := c.Definition(rec.WorkflowID, c.runVersion(ctx, rec.RunID))
		if err != nil {
			c.logger.Warn("event delivery: definition missing",
				slog.String("run_id", rec.RunID),
				slog.String("workflow", rec.WorkflowID))
			continue
		}
		if node := FindNode(def, rec.Step); node != nil && node.Filter != nil && !node.Filter(payload) {
			continue
		}
		if err := c.pauses.Resume(ctx, rec.Token, payload); err != nil {
			if !schema.IsCode(err, schema.ErrCodeTokenResolved) && !schema.IsCode(err, schema.ErrCodeTokenExpired) {
				c.logger.Error("event delivery resume",
					slog.String("token", rec.Token),
					slog.String("error", err.Error()))
			}
			continue
		}
		woke++
	}
	return woke, nil
}

// onPauseResolved relaunches the parked run after its token was consumed,
// with the resolution staged for the parked node.
func (c *Coordinator) onPauseResolved(rec *store.PauseRecord, data map[string]any, expired bool) {
	ctx := context.Background()
	run, err := c.store.GetRun(ctx, rec.RunID)
	if err != nil {
		c.logger.Error("pause resolve: load run", slog.String("run_id", rec.RunID), slog.String("error", err.Error()))
		return
	}
	if run.Status.Terminal() {
		return
	}
	def, err := c.Definition(run.WorkflowID, run.Version)
	if err != nil {
		c.logger.Error("pause resolve: definition missing",
			slog.String("run_id", run.ID),
			slog.String("workflow", run.WorkflowID))
		return
	}
	resume := &ResumeData{Node: rec.Step, Token: rec.Token, Payload: data, Expired: expired}
	go c.executeRun(def, run, resume, schema.RunStatusPaused)
}

// RunSubflow implements SubflowRunner. The child run goes through admission
// and persistence like any other run but executes on its own goroutine, so a
// saturated pool of parents cannot starve their children.
func (c *Coordinator) RunSubflow(ctx context.Context, parent *schema.RunContext, workflowID, version string, payload map[string]any) (any, error) {
	def, err := c.Definition(workflowID, version)
	if err != nil {
		return nil, err
	}
	if err := c.validator.Validate(def, payload); err != nil {
		return nil, err
	}

	meta := make(map[string]any, len(parent.Meta)+1)
	for k, v := range parent.Meta {
		meta[k] = v
	}
	meta["parent_run_id"] = parent.RunID

	run := &store.Run{
		ID:         uuid.New().String(),
		WorkflowID: def.ID,
		Version:    def.Version,
		Status:     schema.RunStatusPending,
		Origin:     schema.OriginManual,
		Payload:    payload,
		Meta:       meta,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	c.emit(ctx, run.ID, "", schema.EventRunCreated, map[string]any{
		"workflow": def.ID,
		"version":  def.Version,
		"parent":   parent.RunID,
	})

	wait := c.addWaiter(run.ID)
	go c.executeRun(def, run, nil, schema.RunStatusPending)

	select {
	case out := <-wait:
		return out.output, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Replay starts a fresh run from an existing run's payload, with overrides
// merged on top. The new run gets its own ID and empty step history.
func (c *Coordinator) Replay(ctx context.Context, runID string, overrides map[string]any) (string, error) {
	src, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	payload := make(map[string]any, len(src.Payload)+len(overrides))
	for k, v := range src.Payload {
		payload[k] = v
	}
	for k, v := range overrides {
		payload[k] = v
	}
	meta := make(map[string]any, len(src.Meta)+1)
	for k, v := range src.Meta {
		meta[k] = v
	}
	meta["replay_of"] = runID
	return c.Trigger(ctx, src.WorkflowID, src.Version, schema.OriginManual, payload, meta)
}

// RecoverRuns restarts interrupted runs after a process restart. Runs stuck
// in running status replay forward from their step records; paused runs get
// their pause deadlines and run timeouts re-armed.
func (c *Coordinator) RecoverRuns(ctx context.Context) error {
	if err := c.pauses.RestoreTimers(ctx); err != nil {
		return err
	}

	running := schema.RunStatusRunning
	runs, err := c.store.ListRuns(ctx, store.RunFilter{Status: &running})
	if err != nil {
		return err
	}
	for _, run := range runs {
		def, derr := c.Definition(run.WorkflowID, run.Version)
		if derr != nil {
			c.logger.Warn("recover: definition missing",
				slog.String("run_id", run.ID),
				slog.String("workflow", run.WorkflowID))
			continue
		}
		c.logger.Info("recovering run", slog.String("run_id", run.ID), slog.String("workflow", run.WorkflowID))
		c.reconcileStepRecords(ctx, run.ID)
		go c.executeRun(def, run, nil, schema.RunStatusRunning)
	}

	paused := schema.RunStatusPaused
	parked, err := c.store.ListRuns(ctx, store.RunFilter{Status: &paused})
	if err != nil {
		return err
	}
	for _, run := range parked {
		if def, derr := c.Definition(run.WorkflowID, run.Version); derr == nil {
			c.armRunTimeout(run, def)
		}
	}
	return nil
}

// reconcileStepRecords rebuilds step records from the event log before a
// recovered run replays forward. A crash between an event append and a record
// upsert would otherwise re-execute a step that already completed.
func (c *Coordinator) reconcileStepRecords(ctx context.Context, runID string) {
	rebuilt, err := c.events.Replay(ctx, runID)
	if err != nil {
		c.logger.Warn("event log replay", slog.String("run_id", runID), slog.String("error", err.Error()))
		return
	}
	recs, err := c.store.ListStepRecords(ctx, runID)
	if err != nil {
		return
	}
	byName := make(map[string]*store.StepRecord, len(recs))
	for _, rec := range recs {
		byName[rec.Name] = rec
	}
	for name, rec := range rebuilt {
		if rec.Status != schema.StepStatusCompleted {
			continue
		}
		if cur, ok := byName[name]; ok && cur.Status == schema.StepStatusCompleted {
			continue
		}
		if uerr := c.store.UpsertStepRecord(ctx, rec); uerr != nil {
			c.logger.Warn("reconcile step record",
				slog.String("run_id", runID),
				slog.String("step", name),
				slog.String("error", uerr.Error()))
		}
	}
}

// Inspect returns the current snapshot of a run.
func (c *Coordinator) Inspect(ctx context.Context, runID string) (*schema.RunSnapshot, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return Snapshot(run), nil
}

// Snapshot converts a stored run into its inspection form.
func Snapshot(run *store.Run) *schema.RunSnapshot {
	snap := &schema.RunSnapshot{
		RunID:       run.ID,
		WorkflowID:  run.WorkflowID,
		Version:     run.Version,
		Status:      run.Status,
		Origin:      run.Origin,
		Cursor:      run.Cursor,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
	if len(run.Outputs) > 0 {
		_ = json.Unmarshal(run.Outputs, &snap.StepOutputs)
	}
	if len(run.Error) > 0 {
		var fe schema.FlowError
		if err := json.Unmarshal(run.Error, &fe); err == nil {
			snap.Error = &fe
		}
	}
	return snap
}

// ListRuns lists runs matching the filter.
func (c *Coordinator) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	return c.store.ListRuns(ctx, filter)
}

// ListPaused lists pending pause tokens, optionally scoped to one workflow.
func (c *Coordinator) ListPaused(ctx context.Context, workflowID string) ([]schema.PauseInfo, error) {
	recs, err := c.pauses.ListPending(ctx, store.PauseFilter{WorkflowID: workflowID})
	if err != nil {
		return nil, err
	}
	infos := make([]schema.PauseInfo, 0, len(recs))
	for _, rec := range recs {
		infos = append(infos, schema.PauseInfo{
			Token:      rec.Token,
			RunID:      rec.RunID,
			WorkflowID: rec.WorkflowID,
			Step:       rec.Step,
			CreatedAt:  rec.CreatedAt,
			Deadline:   rec.Deadline,
			Metadata:   decodeMetadata(rec.Metadata),
		})
	}
	return infos, nil
}

// GetPaused returns the pause info for a single token.
func (c *Coordinator) GetPaused(ctx context.Context, token string) (*schema.PauseInfo, error) {
	rec, err := c.pauses.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	return &schema.PauseInfo{
		Token:      rec.Token,
		RunID:      rec.RunID,
		WorkflowID: rec.WorkflowID,
		Step:       rec.Step,
		CreatedAt:  rec.CreatedAt,
		Deadline:   rec.Deadline,
		Metadata:   decodeMetadata(rec.Metadata),
	}, nil
}

// Shutdown stops pause timers and pending run timeouts. In-flight runs keep
// their persisted records and recover on the next start.
func (c *Coordinator) Shutdown() {
	c.pauses.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ar := range c.active {
		if ar.timeout != nil {
			ar.timeout.Stop()
		}
		if ar.cancel != nil {
			ar.cancel()
		}
		delete(c.active, id)
	}
}

// --- Run timeout ---

// armRunTimeout arms the wall-clock run timeout measured from StartedAt. It
// keeps counting while the run is parked on a pause.
func (c *Coordinator) armRunTimeout(run *store.Run, def *schema.WorkflowDefinition) {
	if def.Timeout <= 0 {
		return
	}
	base := run.CreatedAt
	if run.StartedAt != nil {
		base = *run.StartedAt
	}
	d := time.Until(base.Add(def.Timeout))
	if d < 0 {
		d = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ar := c.active[run.ID]
	if ar == nil {
		ar = &activeRun{}
		c.active[run.ID] = ar
	}
	if ar.timeout != nil {
		return
	}
	ar.timeout = time.AfterFunc(d, func() { c.timeoutRun(run.ID) })
}

func (c *Coordinator) timeoutRun(runID string) {
	ctx := logging.WithRunID(context.Background(), runID)
	run, err := c.store.GetRun(ctx, runID)
	if err != nil || run.Status.Terminal() {
		return
	}
	if err := c.fsm.Transition(ctx, runID, run.Status, schema.RunStatusTimedOut); err != nil {
		c.logger.ErrorContext(ctx, "timeout transition", slog.String("error", err.Error()))
		return
	}
	now := time.Now().UTC()
	timeoutErr := schema.NewErrorf(schema.ErrCodeTimeout, "run exceeded timeout")
	rawErr, _ := json.Marshal(timeoutErr)
	if err := c.store.UpdateRun(ctx, runID, store.RunUpdate{
		Status:      statusPtr(schema.RunStatusTimedOut),
		Error:       rawErr,
		CompletedAt: &now,
	}); err != nil {
		c.logger.ErrorContext(ctx, "update run", slog.String("error", err.Error()))
	}
	c.expirePendingPauses(ctx, runID)
	c.releaseRun(runID, true)

	// The run failure hook fires for timeouts too, whether the run was mid
	// step or parked on a pause.
	if def, derr := c.Definition(run.WorkflowID, run.Version); derr == nil {
		rc := schema.NewRunContext(run.ID, def.ID, def.Version, run.Payload, run.Meta)
		rc.State = c.state.Namespace(state.WorkflowNamespace(def.ID))
		rc.GlobalState = c.state.Namespace(state.GlobalNamespace)
		c.safeHook(rc, func(h schema.Hooks) {
			if h.OnFailure != nil {
				h.OnFailure(ctx, rc, timeoutErr)
			}
		}, def)
	}
	c.notifyWaiters(runID, runOutcome{status: schema.RunStatusTimedOut, err: timeoutErr})
}

// expirePendingPauses marks a run's pending tokens expired without firing the
// resolve callback. A later registry timer loses the store CAS harmlessly.
func (c *Coordinator) expirePendingPauses(ctx context.Context, runID string) {
	recs, err := c.store.ListPauses(ctx, store.PauseFilter{RunID: runID, Status: store.PausePending})
	if err != nil {
		c.logger.ErrorContext(ctx, "list pauses", slog.String("error", err.Error()))
		return
	}
	now := time.Now().UTC()
	for _, rec := range recs {
		if _, err := c.store.ConsumePause(ctx, rec.Token, store.PauseExpired, now); err != nil {
			if !schema.IsCode(err, schema.ErrCodeConflict) {
				c.logger.Error("expire pause", slog.String("token", rec.Token), slog.String("error", err.Error()))
			}
			continue
		}
		c.emit(ctx, rec.RunID, rec.Step, schema.EventPauseExpired, map[string]any{"token": rec.Token})
	}
}

// --- Bookkeeping ---

func (c *Coordinator) trackRun(runID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ar := c.active[runID]
	if ar == nil {
		ar = &activeRun{}
		c.active[runID] = ar
	}
	ar.cancel = cancel
}

// releaseRun drops the run's cancel func, and on terminal outcomes its
// timeout timer too. A suspended run keeps the timer armed.
func (c *Coordinator) releaseRun(runID string, terminal bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ar := c.active[runID]
	if ar == nil {
		return
	}
	if ar.cancel != nil {
		ar.cancel()
		ar.cancel = nil
	}
	if terminal {
		if ar.timeout != nil {
			ar.timeout.Stop()
		}
		delete(c.active, runID)
	}
}

func (c *Coordinator) addWaiter(runID string) chan runOutcome {
	ch := make(chan runOutcome, 1)
	c.mu.Lock()
	c.waiters[runID] = append(c.waiters[runID], ch)
	c.mu.Unlock()
	return ch
}

func (c *Coordinator) notifyWaiters(runID string, out runOutcome) {
	c.mu.Lock()
	chans := c.waiters[runID]
	delete(c.waiters, runID)
	c.mu.Unlock()
	for _, ch := range chans {
		ch <- out
	}
}

func (c *Coordinator) runVersion(ctx context.Context, runID string) string {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return ""
	}
	return run.Version
}

func (c *Coordinator) safeHook(rc *schema.RunContext, fn func(schema.Hooks), def *schema.WorkflowDefinition) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("run hook panic", slog.String("run_id", rc.RunID), slog.Any("panic", r))
		}
	}()
	fn(def.Hooks)
}

func (c *Coordinator) emit(ctx context.Context, runID, step, eventType string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	if err := c.log.AppendEvent(ctx, &store.Event{RunID: runID, Step: step, Type: eventType, Payload: raw}); err != nil {
		c.logger.Error("append event",
			slog.String("run_id", runID),
			slog.String("event", eventType),
			slog.String("error", err.Error()))
	}
}

func statusPtr(s schema.RunStatus) *schema.RunStatus { return &s }

func decodeMetadata(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func terminalError(status schema.RunStatus) error {
	switch status {
	case schema.RunStatusCancelled:
		return schema.NewError(schema.ErrCodeCancelled, "run cancelled")
	case schema.RunStatusTimedOut:
		return schema.NewError(schema.ErrCodeTimeout, "run timed out")
	default:
		return fmt.Errorf("run ended with status %s", status)
	}
}
