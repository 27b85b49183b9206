package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/flowkit/internal/logging"
	"github.com/rendis/flowkit/internal/state"
	"github.com/rendis/flowkit/internal/store"
	"github.com/rendis/flowkit/pkg/schema"
)

// StepExecutor runs individual step and action nodes: cache lookup, attempt
// loop with per-attempt timeout, backoff between attempts, error handler
// dispatch, and step record persistence.
type StepExecutor struct {
	store  store.Store
	log    EventAppender
	state  *state.Manager
	logger *slog.Logger

	defaultTimeout time.Duration
	defaultRetry   *schema.RetryPolicy
}

// NewStepExecutor creates a step executor. defaultTimeout and defaultRetry
// apply to nodes that do not set their own.
func NewStepExecutor(s store.Store, log EventAppender, st *state.Manager, logger *slog.Logger, defaultTimeout time.Duration, defaultRetry *schema.RetryPolicy) *StepExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepExecutor{
		store:          s,
		log:            log,
		state:          st,
		logger:         logger,
		defaultTimeout: defaultTimeout,
		defaultRetry:   defaultRetry,
	}
}

type attemptResult struct {
	out any
	err error
}

// ExecuteStep runs a step node to completion under the node's (or default)
// retry policy and timeout. name is the namespaced record name; it differs
// from node.Name inside loops and branches.
func (e *StepExecutor) ExecuteStep(ctx context.Context, rc *schema.RunContext, node *schema.Node, name string) (any, error) {
	ctx = logging.WithStep(ctx, name)

	// Cache short-circuit: a fresh entry skips the handler entirely.
	cacheKey := ""
	if node.Cache != nil && node.Cache.Key != nil {
		cacheKey = node.Cache.Key(rc)
		if out, hit, err := e.cacheLookup(ctx, rc, name, cacheKey); err != nil {
			return nil, err
		} else if hit {
			rc.SetOutput(node.Name, out)
			return out, nil
		}
	}

	policy := node.Retry
	if policy == nil {
		policy = e.defaultRetry
	}
	attempts := 1
	if policy != nil && policy.Attempts > 1 {
		attempts = policy.Attempts
	}
	timeout := node.Timeout
	if timeout == 0 {
		timeout = e.defaultTimeout
	}

	startedAt := time.Now().UTC()
	rec := &store.StepRecord{
		RunID:     rc.RunID,
		Name:      name,
		Status:    schema.StepStatusRunning,
		CacheKey:  cacheKey,
		StartedAt: &startedAt,
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		rec.Attempts = attempt
		rec.Status = schema.StepStatusRunning
		if err := e.store.UpsertStepRecord(ctx, rec); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "persist step record: %s", err.Error()).WithStep(name).WithCause(err)
		}
		e.emit(ctx, rc.RunID, name, schema.EventStepStarted, map[string]any{"attempt": attempt})

		out, err := e.runAttempt(ctx, rc, node, timeout)
		if err == nil {
			rc.SetOutput(node.Name, out)
			e.complete(ctx, rec, out)
			if cacheKey != "" {
				e.cacheStore(ctx, rc, cacheKey, node.Cache.TTL, out)
			}
			return out, nil
		}

		lastErr = err
		if ctx.Err() == context.Canceled {
			break
		}
		if attempt < attempts && IsRetryableError(err) {
			rec.Status = schema.StepStatusRetrying
			_ = e.store.UpsertStepRecord(ctx, rec)
			e.emit(ctx, rc.RunID, name, schema.EventStepRetrying, map[string]any{
				"attempt": attempt,
				"error":   err.Error(),
			})
			if werr := WaitForBackoff(ctx, ComputeBackoff(policy, attempt)); werr != nil {
				lastErr = werr
				break
			}
			continue
		}
		break
	}

	stepErr := e.classify(lastErr, name, rec.Attempts, attempts)

	// A step-local error handler may substitute an output.
	if node.OnError != nil && ctx.Err() == nil {
		out, herr := node.OnError(ctx, rc, stepErr)
		if herr == nil {
			rc.SetOutput(node.Name, out)
			e.complete(ctx, rec, out)
			return out, nil
		}
		stepErr = e.classify(herr, name, rec.Attempts, attempts)
	}

	e.fail(ctx, rec, stepErr)
	return nil, stepErr
}

// runAttempt invokes the handler once under the per-attempt timeout. A
// handler that outlives its deadline is abandoned; its eventual return is
// discarded.
func (e *StepExecutor) runAttempt(ctx context.Context, rc *schema.RunContext, node *schema.Node, timeout time.Duration) (any, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ch := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- attemptResult{err: schema.NewErrorf(schema.ErrCodeStepFailed, "handler panic: %v", r)}
			}
		}()
		out, err := node.Handler(attemptCtx, rc)
		ch <- attemptResult{out: out, err: err}
	}()

	select {
	case res := <-ch:
		return res.out, res.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "step %s timed out after %s", node.Name, timeout).WithStep(node.Name)
	}
}

// ExecuteAction dispatches an action node and continues without awaiting its
// outcome. The background invocation runs the same attempt loop as a step,
// honoring the node's retry policy and per-attempt timeout; the output is
// discarded and failures are logged and emitted, never propagated.
func (e *StepExecutor) ExecuteAction(ctx context.Context, rc *schema.RunContext, node *schema.Node, name string) {
	ctx = logging.WithStep(ctx, name)
	now := time.Now().UTC()
	rec := &store.StepRecord{
		RunID:     rc.RunID,
		Name:      name,
		Status:    schema.StepStatusCompleted,
		Attempts:  1,
		StartedAt: &now,
	}
	_ = e.store.UpsertStepRecord(ctx, rec)
	e.emit(ctx, rc.RunID, name, schema.EventActionDispatched, nil)

	policy := node.Retry
	if policy == nil {
		policy = e.defaultRetry
	}
	attempts := 1
	if policy != nil && policy.Attempts > 1 {
		attempts = policy.Attempts
	}
	timeout := node.Timeout
	if timeout == 0 {
		timeout = e.defaultTimeout
	}

	// Actions outlive the step that dispatched them, including run completion.
	bg := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.ErrorContext(bg, "action panic",
					slog.String("action", name),
					slog.Any("panic", r))
			}
		}()
		var lastErr error
		for attempt := 1; attempt <= attempts; attempt++ {
			_, err := e.runAttempt(bg, rc, node, timeout)
			if err == nil {
				return
			}
			lastErr = err
			if attempt < attempts && IsRetryableError(err) {
				if werr := WaitForBackoff(bg, ComputeBackoff(policy, attempt)); werr != nil {
					lastErr = werr
					break
				}
				continue
			}
			break
		}
		e.logger.WarnContext(bg, "action failed",
			slog.String("action", name),
			slog.String("error", lastErr.Error()))
		e.emit(bg, rc.RunID, name, schema.EventActionFailed, map[string]any{"error": lastErr.Error()})
	}()
}

// --- Cache ---

func (e *StepExecutor) cacheNamespace(rc *schema.RunContext) string {
	return state.WorkflowNamespace(rc.WorkflowID + "@" + rc.Version)
}

func (e *StepExecutor) cacheLookup(ctx context.Context, rc *schema.RunContext, name, key string) (any, bool, error) {
	raw, err := e.state.GetRaw(ctx, e.cacheNamespace(rc), "cache:"+key)
	if err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeStore, "cache lookup: %s", err.Error()).WithStep(name).WithCause(err)
	}
	if raw == nil {
		return nil, false, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false, nil
	}

	now := time.Now().UTC()
	rec := &store.StepRecord{
		RunID:       rc.RunID,
		Name:        name,
		Status:      schema.StepStatusCompleted,
		CacheKey:    key,
		Output:      raw,
		StartedAt:   &now,
		CompletedAt: &now,
	}
	_ = e.store.UpsertStepRecord(ctx, rec)
	e.emit(ctx, rc.RunID, name, schema.EventStepCacheHit, map[string]any{"cache_key": key})
	return out, true, nil
}

func (e *StepExecutor) cacheStore(ctx context.Context, rc *schema.RunContext, key string, ttl time.Duration, out any) {
	raw, err := json.Marshal(out)
	if err != nil {
		e.logger.WarnContext(ctx, "cache store skipped: output not serializable", slog.String("cache_key", key))
		return
	}
	if err := e.state.SetRaw(ctx, e.cacheNamespace(rc), "cache:"+key, raw, ttl); err != nil {
		e.logger.WarnContext(ctx, "cache store failed",
			slog.String("cache_key", key), slog.String("error", err.Error()))
	}
}

// --- Record helpers ---

func (e *StepExecutor) complete(ctx context.Context, rec *store.StepRecord, out any) {
	completedAt := time.Now().UTC()
	rec.Status = schema.StepStatusCompleted
	rec.CompletedAt = &completedAt
	if rec.StartedAt != nil {
		rec.DurationMs = completedAt.Sub(*rec.StartedAt).Milliseconds()
	}
	if raw, err := json.Marshal(out); err == nil {
		rec.Output = raw
	}
	_ = e.store.UpsertStepRecord(ctx, rec)
	e.emitRaw(ctx, rec.RunID, rec.Name, schema.EventStepCompleted, rec.Output)
}

func (e *StepExecutor) fail(ctx context.Context, rec *store.StepRecord, stepErr error) {
	completedAt := time.Now().UTC()
	rec.Status = schema.StepStatusFailed
	rec.CompletedAt = &completedAt
	if rec.StartedAt != nil {
		rec.DurationMs = completedAt.Sub(*rec.StartedAt).Milliseconds()
	}
	if raw, err := json.Marshal(asFlowError(stepErr)); err == nil {
		rec.Error = raw
	}
	_ = e.store.UpsertStepRecord(ctx, rec)
	e.emitRaw(ctx, rec.RunID, rec.Name, schema.EventStepFailed, rec.Error)
}

func (e *StepExecutor) classify(err error, name string, attempts, maxAttempts int) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewErrorf(schema.ErrCodeCancelled, "step %s cancelled", name).WithStep(name).WithCause(err)
	}
	if schema.IsCode(err, schema.ErrCodeTimeout) || schema.IsCode(err, schema.ErrCodeCancelled) {
		return err
	}
	if maxAttempts > 1 && attempts >= maxAttempts {
		return schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"step %s: retries exhausted after %d attempts: %s", name, attempts, err.Error()).
			WithStep(name).WithCause(err)
	}
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		if flowErr.Step == "" {
			return flowErr.WithStep(name)
		}
		return flowErr
	}
	return schema.NewErrorf(schema.ErrCodeStepFailed, "step %s: %s", name, err.Error()).
		WithStep(name).WithCause(err)
}

func asFlowError(err error) *schema.FlowError {
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return flowErr
	}
	return schema.NewError(schema.ErrCodeStepFailed, err.Error())
}

func (e *StepExecutor) emit(ctx context.Context, runID, step, eventType string, payload map[string]any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	e.emitRaw(ctx, runID, step, eventType, raw)
}

func (e *StepExecutor) emitRaw(ctx context.Context, runID, step, eventType string, payload json.RawMessage) {
	if err := e.log.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		Step:    step,
		Type:    eventType,
		Payload: payload,
	}); err != nil {
		e.logger.ErrorContext(ctx, "append event",
			slog.String("event", eventType),
			slog.String("error", err.Error()))
	}
}
