package flowkit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/flowkit/internal/engine"
	"github.com/rendis/flowkit/internal/eventbus"
	"github.com/rendis/flowkit/internal/logging"
	"github.com/rendis/flowkit/internal/scheduler"
	"github.com/rendis/flowkit/internal/state"
	"github.com/rendis/flowkit/internal/store"
	"github.com/rendis/flowkit/internal/trigger"
	"github.com/rendis/flowkit/pkg/schema"
)

// Event and EventFilter are the live event stream surface.
type (
	Event       = eventbus.Event
	EventFilter = eventbus.Filter
)

// Options configures an Engine. The zero value runs fully in memory.
type Options struct {
	// DBPath is the libSQL database file; empty selects the in-memory store.
	DBPath string

	// PoolSize bounds concurrently executing runs; 0 picks a default.
	PoolSize int

	Logger *slog.Logger

	// DefaultStepTimeout bounds step attempts without their own Timeout;
	// 0 means unbounded.
	DefaultStepTimeout time.Duration
	// DefaultRetry applies to steps without their own policy.
	DefaultRetry *schema.RetryPolicy

	// StateSweepInterval spaces the expired-state purge passes; 0 picks a
	// default.
	StateSweepInterval time.Duration
	// SchedulerTick spaces trigger evaluation passes; 0 picks a default.
	SchedulerTick time.Duration
}

const (
	defaultPoolSize      = 32
	defaultSweepInterval = time.Minute
)

// Engine owns the full workflow stack: store, run coordinator, trigger
// dispatcher, scheduler and event stream. Construct with NewEngine, register
// definitions, then Start.
type Engine struct {
	store      store.Store
	state      *state.Manager
	pool       *engine.WorkerPool
	coord      *engine.Coordinator
	dispatcher *trigger.Dispatcher
	scheduler  *scheduler.Scheduler
	bus        *eventbus.Bus
	logger     *slog.Logger

	sweepInterval time.Duration

	mu          sync.Mutex
	sweepCancel context.CancelFunc
	started     bool
}

// NewEngine wires an engine from options. Call Start before triggering.
func NewEngine(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = slog.New(logging.NewCorrelationHandler(logger.Handler()))

	var s store.Store
	if opts.DBPath == "" {
		s = store.NewMemoryStore()
	} else {
		ls, err := store.NewLibSQLStore(opts.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		s = ls
	}

	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	sweep := opts.StateSweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}

	bus := eventbus.NewBus()
	st := state.NewManager(s, logger)
	pool := engine.NewWorkerPool(poolSize)
	appender := &teeAppender{store: s, bus: bus, workflows: make(map[string]string)}
	coord := engine.NewCoordinator(s, appender, st, pool, logger, opts.DefaultStepTimeout, opts.DefaultRetry)
	disp := trigger.NewDispatcher(coord, s, logger)
	sched := scheduler.NewScheduler(coord, disp, logger, opts.SchedulerTick)

	return &Engine{
		store:         s,
		state:         st,
		pool:          pool,
		coord:         coord,
		dispatcher:    disp,
		scheduler:     sched,
		bus:           bus,
		logger:        logger,
		sweepInterval: sweep,
	}, nil
}

// Register adds a workflow definition. Registering the same ID again makes
// the new version the default for version-less triggers; in-flight runs keep
// the version they started with.
func (e *Engine) Register(def *schema.WorkflowDefinition) error {
	return e.coord.Register(def)
}

// RegisterBuilder builds and registers in one call.
func (e *Engine) RegisterBuilder(b *Builder) error {
	def, err := b.Build()
	if err != nil {
		return err
	}
	return e.coord.Register(def)
}

// Start migrates the store, recovers interrupted and paused runs, and starts
// the state sweeper and trigger scheduler.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}

	if err := e.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	if err := e.coord.RecoverRuns(ctx); err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	if err := e.state.StartSweeper(sweepCtx, e.sweepInterval); err != nil {
		cancel()
		return err
	}
	e.sweepCancel = cancel

	if err := e.scheduler.Start(context.Background()); err != nil {
		e.state.StopSweeper()
		cancel()
		e.sweepCancel = nil
		return err
	}

	e.started = true
	e.logger.Info("engine started")
	return nil
}

// Stop shuts the engine down: no new triggers fire, in-flight runs are
// released, the store is closed. Interrupted runs resume on the next Start.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	e.started = false

	if err := e.scheduler.Stop(); err != nil {
		e.logger.Warn("scheduler stop", slog.String("error", err.Error()))
	}
	e.state.StopSweeper()
	if e.sweepCancel != nil {
		e.sweepCancel()
		e.sweepCancel = nil
	}
	e.coord.Shutdown()
	e.pool.Shutdown()

	if err := e.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	e.logger.Info("engine stopped")
	return nil
}

// TriggerRequest is one normalized trigger delivery.
type TriggerRequest struct {
	WorkflowID string
	Version    string // empty resolves to the latest registered version
	Origin     schema.TriggerOrigin
	Payload    map[string]any
	Headers    map[string]string
	Meta       map[string]any

	// IdempotencyKey dedupes webhook deliveries; see Dispatch.
	IdempotencyKey string
}

// Trigger starts a manual run of the latest version of a workflow.
func (e *Engine) Trigger(ctx context.Context, workflowID string, payload map[string]any) (string, error) {
	return e.Dispatch(ctx, TriggerRequest{WorkflowID: workflowID, Payload: payload})
}

// Dispatch admits a fully specified trigger delivery. Webhook-origin requests
// are idempotent: repeating a delivery with the same key returns the original
// run id without creating a second run.
func (e *Engine) Dispatch(ctx context.Context, req TriggerRequest) (string, error) {
	return e.dispatcher.Dispatch(ctx, trigger.Request{
		WorkflowID:     req.WorkflowID,
		Version:        req.Version,
		Origin:         req.Origin,
		Payload:        req.Payload,
		Headers:        req.Headers,
		Meta:           req.Meta,
		IdempotencyKey: req.IdempotencyKey,
	})
}

// Resume resolves a pause token with the supplied data. Exactly one
// resolution wins per token; later calls fail with TOKEN_ALREADY_RESOLVED,
// timed-out tokens with TOKEN_EXPIRED and unknown tokens with TOKEN_NOT_FOUND.
func (e *Engine) Resume(ctx context.Context, token string, data map[string]any) error {
	return e.coord.Resume(ctx, token, data)
}

// Cancel terminally cancels a run. Pending pause tokens expire with it.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	return e.coord.Cancel(ctx, runID)
}

// Replay starts a fresh run with the source run's payload, optionally
// overridden key by key.
func (e *Engine) Replay(ctx context.Context, runID string, overrides map[string]any) (string, error) {
	return e.coord.Replay(ctx, runID, overrides)
}

// PublishEvent delivers an event by name: it wakes matching wait_for_event
// pauses and starts runs of workflows with a matching event trigger. Returns
// the wake count and started run ids.
func (e *Engine) PublishEvent(ctx context.Context, name string, payload map[string]any) (int, []string, error) {
	return e.dispatcher.PublishEvent(ctx, name, payload)
}

// Inspect returns the current snapshot of a run.
func (e *Engine) Inspect(ctx context.Context, runID string) (*schema.RunSnapshot, error) {
	return e.coord.Inspect(ctx, runID)
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	WorkflowID string
	Status     *schema.RunStatus
	Since      *time.Time
	Limit      int
}

// ListRuns lists run snapshots matching the filter, oldest first.
func (e *Engine) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.RunSnapshot, error) {
	runs, err := e.coord.ListRuns(ctx, store.RunFilter{
		WorkflowID: filter.WorkflowID,
		Status:     filter.Status,
		Since:      filter.Since,
		Limit:      filter.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*schema.RunSnapshot, len(runs))
	for i, run := range runs {
		out[i] = engine.Snapshot(run)
	}
	return out, nil
}

// ListPausedWorkflows lists pending pause tokens, optionally scoped to one
// workflow.
func (e *Engine) ListPausedWorkflows(ctx context.Context, workflowID string) ([]schema.PauseInfo, error) {
	return e.coord.ListPaused(ctx, workflowID)
}

// GetPausedWorkflow returns the pause info for a single token.
func (e *Engine) GetPausedWorkflow(ctx context.Context, token string) (*schema.PauseInfo, error) {
	return e.coord.GetPaused(ctx, token)
}

// Subscribe streams engine events matching the filter until cancel is called
// or ctx ends. Slow consumers drop events rather than block the engine.
func (e *Engine) Subscribe(ctx context.Context, filter EventFilter) (<-chan Event, func(), error) {
	return e.bus.Subscribe(ctx, filter)
}

// State returns the cross-run state accessor for a raw namespace. Most
// callers want GlobalState or WorkflowState instead.
func (e *Engine) State(namespace string) schema.StateAccessor {
	return e.state.Namespace(namespace)
}

// GlobalState returns the state shared by all runs of all workflows, the same
// namespace handlers see via RunContext.GlobalState.
func (e *Engine) GlobalState() schema.StateAccessor {
	return e.state.Namespace(state.GlobalNamespace)
}

// WorkflowState returns the state shared by all runs of a workflow across
// versions, the same namespace handlers see via RunContext.State.
func (e *Engine) WorkflowState(workflowID string) schema.StateAccessor {
	return e.state.Namespace(state.WorkflowNamespace(workflowID))
}

// teeAppender persists run events and mirrors them onto the live bus.
type teeAppender struct {
	store store.Store
	bus   *eventbus.Bus

	mu        sync.Mutex
	workflows map[string]string // run id -> workflow id
}

func (t *teeAppender) AppendEvent(ctx context.Context, ev *store.Event) error {
	if err := t.store.AppendEvent(ctx, ev); err != nil {
		return err
	}
	var payload map[string]any
	if len(ev.Payload) > 0 {
		_ = json.Unmarshal(ev.Payload, &payload)
	}
	_ = t.bus.Publish(ctx, eventbus.Event{
		Name:       ev.Type,
		RunID:      ev.RunID,
		WorkflowID: t.workflowFor(ctx, ev.RunID),
		Step:       ev.Step,
		Payload:    payload,
		Timestamp:  ev.Timestamp,
	})
	return nil
}

func (t *teeAppender) workflowFor(ctx context.Context, runID string) string {
	t.mu.Lock()
	if wf, ok := t.workflows[runID]; ok {
		t.mu.Unlock()
		return wf
	}
	t.mu.Unlock()

	run, err := t.store.GetRun(ctx, runID)
	if err != nil {
		return ""
	}
	t.mu.Lock()
	t.workflows[runID] = run.WorkflowID
	t.mu.Unlock()
	return run.WorkflowID
}
