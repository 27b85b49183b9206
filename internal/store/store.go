package store

import (
	"context"
	"time"
)

// Store defines the durability contract the engine requires of its state
// store. All implementations must be safe for concurrent use; per-key state
// mutations (SetState, IncrState, DeleteState) must be atomic.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	// CountActiveRuns counts a workflow's slot-holding runs: pending,
	// running and paused.
	CountActiveRuns(ctx context.Context, workflowID string) (int, error)

	// Step records (materialized view, one live record per namespaced name)
	UpsertStepRecord(ctx context.Context, rec *StepRecord) error
	GetStepRecord(ctx context.Context, runID, name string) (*StepRecord, error)
	ListStepRecords(ctx context.Context, runID string) ([]*StepRecord, error)

	// Event log (append-only, per-run monotonic sequence)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	// Namespaced key/value state
	SetState(ctx context.Context, entry *StateEntry) error
	GetState(ctx context.Context, namespace, key string) (*StateEntry, error)
	// IncrState atomically adds amount to a numeric entry, creating a
	// zero-initialized one if absent or expired, and returns the new value.
	IncrState(ctx context.Context, namespace, key string, amount int64) (int64, error)
	DeleteState(ctx context.Context, namespace, key string) (bool, error)
	ListState(ctx context.Context, namespace string) ([]*StateEntry, error)
	// PurgeExpiredState removes entries expired at now and returns the count.
	PurgeExpiredState(ctx context.Context, now time.Time) (int, error)

	// Pause tokens
	CreatePause(ctx context.Context, rec *PauseRecord) error
	GetPause(ctx context.Context, token string) (*PauseRecord, error)
	// ConsumePause atomically transitions a pending token to the given
	// status. It returns the record as it was before consumption, or a
	// CONFLICT error if the token was already consumed, NOT_FOUND if it
	// does not exist.
	ConsumePause(ctx context.Context, token, status string, at time.Time) (*PauseRecord, error)
	ListPauses(ctx context.Context, filter PauseFilter) ([]*PauseRecord, error)

	// Idempotency keys. PutIdempotencyKey stores key->runID if absent and
	// reports created=true; otherwise it returns the existing run id.
	// DeleteIdempotencyKey releases a claim whose run never got admitted.
	PutIdempotencyKey(ctx context.Context, key, runID string) (existing string, created bool, err error)
	DeleteIdempotencyKey(ctx context.Context, key string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Close() error
}
