package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowkit/internal/store"
	"github.com/rendis/flowkit/pkg/schema"
)

// ResolveFunc is invoked exactly once when a pending pause token is consumed,
// either by an explicit resume (expired=false) or by its deadline firing
// (expired=true). The coordinator uses it to relaunch the parked run.
type ResolveFunc func(rec *store.PauseRecord, data map[string]any, expired bool)

// PauseRegistry owns the lifecycle of pause tokens: creation, deadline
// timers, and exactly-once resolution. The store-level compare-and-swap in
// ConsumePause decides races between manual resume and deadline expiry.
type PauseRegistry struct {
	store   store.Store
	log     EventAppender
	logger  *slog.Logger
	resolve ResolveFunc

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewPauseRegistry creates a registry over the given store.
func NewPauseRegistry(s store.Store, log EventAppender, logger *slog.Logger) *PauseRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &PauseRegistry{
		store:  s,
		log:    log,
		logger: logger,
		timers: make(map[string]*time.Timer),
	}
}

// OnResolve sets the callback fired when a token is consumed. Must be set
// before any token can be resumed or expire.
func (r *PauseRegistry) OnResolve(fn ResolveFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolve = fn
}

// Park creates a pending pause token for a run step and arms its deadline
// timer if one is set. Returns the token.
func (r *PauseRegistry) Park(ctx context.Context, runID, workflowID, step, kind string, deadline *time.Time, metadata map[string]any) (string, error) {
	token := uuid.New().String()

	var meta json.RawMessage
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeStore, "marshal pause metadata: %v", err).WithStep(step)
		}
		meta = raw
	}

	rec := &store.PauseRecord{
		Token:      token,
		RunID:      runID,
		WorkflowID: workflowID,
		Step:       step,
		Kind:       kind,
		Status:     store.PausePending,
		Metadata:   meta,
		Deadline:   deadline,
	}
	if err := r.store.CreatePause(ctx, rec); err != nil {
		return "", err
	}

	payload, _ := json.Marshal(map[string]any{"token": token, "kind": kind})
	if err := r.log.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		Step:    step,
		Type:    schema.EventPauseCreated,
		Payload: payload,
	}); err != nil {
		return "", err
	}

	if deadline != nil {
		r.armTimer(token, time.Until(*deadline))
	}
	return token, nil
}

// Resume consumes a pending token with resume data. Returns TOKEN_NOT_FOUND,
// TOKEN_EXPIRED, or TOKEN_ALREADY_RESOLVED as appropriate.
func (r *PauseRegistry) Resume(ctx context.Context, token string, data map[string]any) error {
	rec, err := r.store.ConsumePause(ctx, token, store.PauseResumed, time.Now().UTC())
	if err != nil {
		return r.mapConsumeError(ctx, token, err)
	}
	r.disarmTimer(token)

	payload, _ := json.Marshal(map[string]any{"token": token, "resumed": true})
	_ = r.log.AppendEvent(ctx, &store.Event{
		RunID:   rec.RunID,
		Step:    rec.Step,
		Type:    schema.EventPauseResolved,
		Payload: payload,
	})

	r.dispatch(rec, data, false)
	return nil
}

// expire consumes a pending token whose deadline fired. Losing the CAS to a
// concurrent resume is not an error.
func (r *PauseRegistry) expire(token string) {
	ctx := context.Background()
	rec, err := r.store.ConsumePause(ctx, token, store.PauseExpired, time.Now().UTC())
	if err != nil {
		if !schema.IsCode(err, schema.ErrCodeConflict) && !schema.IsCode(err, schema.ErrCodeNotFound) {
			r.logger.Error("expire pause token", slog.String("token", token), slog.String("error", err.Error()))
		}
		return
	}
	r.disarmTimer(token)

	payload, _ := json.Marshal(map[string]any{"token": token})
	_ = r.log.AppendEvent(ctx, &store.Event{
		RunID:   rec.RunID,
		Step:    rec.Step,
		Type:    schema.EventPauseExpired,
		Payload: payload,
	})

	r.dispatch(rec, nil, true)
}

func (r *PauseRegistry) dispatch(rec *store.PauseRecord, data map[string]any, expired bool) {
	r.mu.Lock()
	fn := r.resolve
	r.mu.Unlock()
	if fn != nil {
		fn(rec, data, expired)
	}
}

// mapConsumeError converts a store CONFLICT into the token-specific code.
func (r *PauseRegistry) mapConsumeError(ctx context.Context, token string, err error) error {
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		return schema.NewErrorf(schema.ErrCodeTokenNotFound, "pause token not found: %s", token)
	}
	if !schema.IsCode(err, schema.ErrCodeConflict) {
		return err
	}
	rec, getErr := r.store.GetPause(ctx, token)
	if getErr != nil {
		return err
	}
	if rec.Status == store.PauseExpired {
		return schema.NewErrorf(schema.ErrCodeTokenExpired, "pause token expired: %s", token)
	}
	return schema.NewErrorf(schema.ErrCodeTokenResolved, "pause token already resolved: %s", token)
}

// Get returns the pause record for a token.
func (r *PauseRegistry) Get(ctx context.Context, token string) (*store.PauseRecord, error) {
	rec, err := r.store.GetPause(ctx, token)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewErrorf(schema.ErrCodeTokenNotFound, "pause token not found: %s", token)
		}
		return nil, err
	}
	return rec, nil
}

// ListPending returns pending pause records matching the filter.
func (r *PauseRegistry) ListPending(ctx context.Context, filter store.PauseFilter) ([]*store.PauseRecord, error) {
	filter.Status = store.PausePending
	return r.store.ListPauses(ctx, filter)
}

// RestoreTimers re-arms deadline timers for pending tokens after a restart.
// Tokens whose deadline already passed expire immediately.
func (r *PauseRegistry) RestoreTimers(ctx context.Context) error {
	pending, err := r.ListPending(ctx, store.PauseFilter{})
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, rec := range pending {
		if rec.Deadline == nil {
			continue
		}
		r.armTimer(rec.Token, rec.Deadline.Sub(now))
	}
	return nil
}

func (r *PauseRegistry) armTimer(token string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if old, ok := r.timers[token]; ok {
		old.Stop()
	}
	r.timers[token] = time.AfterFunc(d, func() { r.expire(token) })
}

func (r *PauseRegistry) disarmTimer(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[token]; ok {
		t.Stop()
		delete(r.timers, token)
	}
}

// Stop cancels all armed timers. Pending tokens stay pending in the store.
func (r *PauseRegistry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for token, t := range r.timers {
		t.Stop()
		delete(r.timers, token)
	}
}
