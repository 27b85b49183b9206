package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/flowkit/pkg/schema"
)

// Run is the persisted representation of one workflow execution.
type Run struct {
	ID          string               `json:"id"`
	WorkflowID  string               `json:"workflow_id"`
	Version     string               `json:"version"`
	Status      schema.RunStatus     `json:"status"`
	Origin      schema.TriggerOrigin `json:"origin"`
	Payload     map[string]any       `json:"payload,omitempty"`
	Meta        map[string]any       `json:"meta,omitempty"`
	Cursor      string               `json:"cursor,omitempty"`
	Outputs     json.RawMessage      `json:"outputs,omitempty"`
	Error       json.RawMessage      `json:"error,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	StartedAt   *time.Time           `json:"started_at,omitempty"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// StepRecord is the per-step-invocation record owned by a run. Loop and batch
// iterations produce namespaced records sharing a base name.
type StepRecord struct {
	RunID       string            `json:"run_id"`
	Name        string            `json:"name"`
	Status      schema.StepStatus `json:"status"`
	Attempts    int               `json:"attempts"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	CacheKey    string            `json:"cache_key,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// StateEntry is one namespaced key/value pair with optional expiry.
type StateEntry struct {
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Expired reports whether the entry is past its expiry at the given instant.
func (e *StateEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Pause statuses. Exactly one transition out of pending is honored.
const (
	PausePending = "pending"
	PauseResumed = "resumed"
	PauseExpired = "expired"
)

// Pause kinds determine how a parked run wakes up.
const (
	PauseKindHuman = "human"
	PauseKindEvent = "event"
	PauseKindSleep = "sleep"
)

// PauseRecord is the durable form of a PauseToken.
type PauseRecord struct {
	Token      string          `json:"token"`
	RunID      string          `json:"run_id"`
	WorkflowID string          `json:"workflow_id"`
	Step       string          `json:"step"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Deadline   *time.Time      `json:"deadline,omitempty"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// Event is an immutable entry in the per-run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Step      string          `json:"step,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	WorkflowID string            `json:"workflow_id,omitempty"`
	Status     *schema.RunStatus `json:"status,omitempty"`
	Since      *time.Time        `json:"since,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Cursor      *string           `json:"cursor,omitempty"`
	Outputs     json.RawMessage   `json:"outputs,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// PauseFilter specifies criteria for listing pause records.
type PauseFilter struct {
	RunID      string `json:"run_id,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Kind       string `json:"kind,omitempty"`
}
