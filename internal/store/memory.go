package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/flowkit/pkg/schema"
)

// MemoryStore is the in-process Store implementation. It honors the same
// atomicity contract as the durable store: one mutex guards all maps, so
// every per-key mutation is a single critical section.
type MemoryStore struct {
	mu       sync.Mutex
	runs     map[string]*Run
	steps    map[string]map[string]*StepRecord // runID -> name -> record
	events   map[string][]*Event               // runID -> ordered events
	state    map[string]map[string]*StateEntry // namespace -> key -> entry
	pauses   map[string]*PauseRecord
	idemKeys map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]*Run),
		steps:    make(map[string]map[string]*StepRecord),
		events:   make(map[string][]*Event),
		state:    make(map[string]map[string]*StateEntry),
		pauses:   make(map[string]*PauseRecord),
		idemKeys: make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

// --- Runs ---

func (s *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s already exists", run.ID)
	}
	cp := *run
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run not found: %s", id)
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run not found: %s", id)
	}
	if update.Status != nil && run.Status.Terminal() && *update.Status != run.Status {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %s is %s, cannot move to %s", id, run.Status, *update.Status)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Cursor != nil {
		run.Cursor = *update.Cursor
	}
	if update.Outputs != nil {
		run.Outputs = update.Outputs
	}
	if update.Error != nil {
		run.Error = update.Error
	}
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Run
	for _, run := range s.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && run.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CountActiveRuns(ctx context.Context, workflowID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, run := range s.runs {
		if run.WorkflowID != workflowID {
			continue
		}
		switch run.Status {
		case schema.RunStatusPending, schema.RunStatusRunning, schema.RunStatusPaused:
			n++
		}
	}
	return n, nil
}

// --- Step records ---

func (s *MemoryStore) UpsertStepRecord(ctx context.Context, rec *StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byName, ok := s.steps[rec.RunID]
	if !ok {
		byName = make(map[string]*StepRecord)
		s.steps[rec.RunID] = byName
	}
	cp := *rec
	byName[rec.Name] = &cp
	return nil
}

func (s *MemoryStore) GetStepRecord(ctx context.Context, runID, name string) (*StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.steps[runID][name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step record not found: %s/%s", runID, name)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListStepRecords(ctx context.Context, runID string) ([]*StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*StepRecord
	for _, rec := range s.steps[runID] {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- Event log ---

func (s *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	cp.Sequence = int64(len(s.events[event.RunID])) + 1
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	cp.ID = cp.Sequence
	s.events[event.RunID] = append(s.events[event.RunID], &cp)
	event.Sequence = cp.Sequence
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, e := range s.events[runID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- State ---

func (s *MemoryStore) SetState(ctx context.Context, entry *StateEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.state[entry.Namespace]
	if !ok {
		ns = make(map[string]*StateEntry)
		s.state[entry.Namespace] = ns
	}
	cp := *entry
	cp.UpdatedAt = time.Now().UTC()
	ns[entry.Key] = &cp
	return nil
}

func (s *MemoryStore) GetState(ctx context.Context, namespace, key string) (*StateEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.state[namespace][key]
	if !ok {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (s *MemoryStore) IncrState(ctx context.Context, namespace, key string, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.state[namespace]
	if !ok {
		ns = make(map[string]*StateEntry)
		s.state[namespace] = ns
	}

	now := time.Now().UTC()
	var current int64
	if entry, ok := ns[key]; ok && !entry.Expired(now) {
		if err := json.Unmarshal(entry.Value, &current); err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeConflict, "state %s/%s is not numeric", namespace, key)
		}
	}

	current += amount
	raw, _ := json.Marshal(current)
	ns[key] = &StateEntry{Namespace: namespace, Key: key, Value: raw, UpdatedAt: now}
	return current, nil
}

func (s *MemoryStore) DeleteState(ctx context.Context, namespace, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state[namespace][key]; !ok {
		return false, nil
	}
	delete(s.state[namespace], key)
	return true, nil
}

func (s *MemoryStore) ListState(ctx context.Context, namespace string) ([]*StateEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*StateEntry
	for _, entry := range s.state[namespace] {
		cp := *entry
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) PurgeExpiredState(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for _, ns := range s.state {
		for key, entry := range ns {
			if entry.Expired(now) {
				delete(ns, key)
				purged++
			}
		}
	}
	return purged, nil
}

// --- Pause tokens ---

func (s *MemoryStore) CreatePause(ctx context.Context, rec *PauseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pauses[rec.Token]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "pause token %s already exists", rec.Token)
	}
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.Status == "" {
		cp.Status = PausePending
	}
	s.pauses[rec.Token] = &cp
	return nil
}

func (s *MemoryStore) GetPause(ctx context.Context, token string) (*PauseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pauses[token]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "pause token not found: %s", token)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ConsumePause(ctx context.Context, token, status string, at time.Time) (*PauseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pauses[token]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "pause token not found: %s", token)
	}
	if rec.Status != PausePending {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "pause token %s already %s", token, rec.Status).
			WithDetails(map[string]any{"status": rec.Status})
	}
	prev := *rec
	rec.Status = status
	rec.ResolvedAt = &at
	return &prev, nil
}

func (s *MemoryStore) ListPauses(ctx context.Context, filter PauseFilter) ([]*PauseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*PauseRecord
	for _, rec := range s.pauses {
		if filter.RunID != "" && rec.RunID != filter.RunID {
			continue
		}
		if filter.WorkflowID != "" && rec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && rec.Kind != filter.Kind {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Idempotency keys ---

func (s *MemoryStore) PutIdempotencyKey(ctx context.Context, key, runID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.idemKeys[key]; ok {
		return existing, false, nil
	}
	s.idemKeys[key] = runID
	return runID, true, nil
}

func (s *MemoryStore) DeleteIdempotencyKey(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idemKeys, key)
	return nil
}

// --- Maintenance ---

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
