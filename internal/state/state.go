package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/flowkit/internal/store"
	"github.com/rendis/flowkit/pkg/schema"
)

// GlobalNamespace is the namespace shared by all runs of all workflows.
const GlobalNamespace = "global"

// RunNamespace returns the state namespace scoped to a single run.
func RunNamespace(runID string) string {
	return "run:" + runID
}

// WorkflowNamespace returns the state namespace shared by all runs of a
// workflow, keyed by workflow ID so versions see the same state. Step result
// caches use a version-qualified scope instead.
func WorkflowNamespace(scope string) string {
	return "workflow:" + scope
}

// Stats summarizes the contents of the state store.
type Stats struct {
	TotalKeys   int `json:"total_keys"`
	ExpiredKeys int `json:"expired_keys"`
}

// Manager provides namespaced key/value state on top of a Store. Reads apply
// lazy expiry; a background sweep reclaims expired rows.
type Manager struct {
	store  store.Store
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a state manager backed by the given store.
func NewManager(s store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, logger: logger}
}

// Set stores a value under namespace/key. A zero ttl means no expiry.
func (m *Manager) Set(ctx context.Context, namespace, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal state %s/%s: %v", namespace, key, err)
	}
	entry := &store.StateEntry{Namespace: namespace, Key: key, Value: raw}
	if ttl > 0 {
		exp := time.Now().UTC().Add(ttl)
		entry.ExpiresAt = &exp
	}
	return m.store.SetState(ctx, entry)
}

// Get returns the value under namespace/key, or def if absent or expired.
// Expired entries are deleted on read.
func (m *Manager) Get(ctx context.Context, namespace, key string, def any) (any, error) {
	entry, err := m.store.GetState(ctx, namespace, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return def, nil
	}
	if entry.Expired(time.Now().UTC()) {
		if _, err := m.store.DeleteState(ctx, namespace, key); err != nil {
			return nil, err
		}
		return def, nil
	}
	var value any
	if err := json.Unmarshal(entry.Value, &value); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "unmarshal state %s/%s: %v", namespace, key, err)
	}
	return value, nil
}

// GetRaw returns the stored JSON for namespace/key, or nil if absent or
// expired. Used by the step cache to avoid a decode/encode round trip.
func (m *Manager) GetRaw(ctx context.Context, namespace, key string) (json.RawMessage, error) {
	entry, err := m.store.GetState(ctx, namespace, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	if entry.Expired(time.Now().UTC()) {
		if _, err := m.store.DeleteState(ctx, namespace, key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return entry.Value, nil
}

// SetRaw stores already-encoded JSON under namespace/key.
func (m *Manager) SetRaw(ctx context.Context, namespace, key string, raw json.RawMessage, ttl time.Duration) error {
	entry := &store.StateEntry{Namespace: namespace, Key: key, Value: raw}
	if ttl > 0 {
		exp := time.Now().UTC().Add(ttl)
		entry.ExpiresAt = &exp
	}
	return m.store.SetState(ctx, entry)
}

// Incr atomically adds amount to the numeric value under namespace/key and
// returns the new value. Absent or expired entries count from zero.
func (m *Manager) Incr(ctx context.Context, namespace, key string, amount int64) (int64, error) {
	return m.store.IncrState(ctx, namespace, key, amount)
}

// Delete removes namespace/key, reporting whether an entry existed.
func (m *Manager) Delete(ctx context.Context, namespace, key string) (bool, error) {
	return m.store.DeleteState(ctx, namespace, key)
}

// Stats counts live and expired keys across a namespace.
func (m *Manager) Stats(ctx context.Context, namespace string) (Stats, error) {
	entries, err := m.store.ListState(ctx, namespace)
	if err != nil {
		return Stats{}, err
	}
	now := time.Now().UTC()
	st := Stats{TotalKeys: len(entries)}
	for _, e := range entries {
		if e.Expired(now) {
			st.ExpiredKeys++
		}
	}
	return st, nil
}

// CleanupExpired removes all expired entries and returns the count.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	return m.store.PurgeExpiredState(ctx, time.Now().UTC())
}

// StartSweeper launches a background loop purging expired entries every
// interval. A non-positive interval disables the sweeper.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return fmt.Errorf("state sweeper already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				n, err := m.CleanupExpired(sweepCtx)
				if err != nil {
					m.logger.Error("state sweep failed", slog.String("error", err.Error()))
					continue
				}
				if n > 0 {
					m.logger.Debug("state sweep purged entries", slog.Int("count", n))
				}
			}
		}
	}()
	return nil
}

// StopSweeper stops the background sweep loop.
func (m *Manager) StopSweeper() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
}

// Namespace returns a schema.StateAccessor bound to one namespace, the view
// handed to workflow handlers through the run context.
func (m *Manager) Namespace(ns string) schema.StateAccessor {
	return &accessor{mgr: m, ns: ns}
}

type accessor struct {
	mgr *Manager
	ns  string
}

func (a *accessor) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return a.mgr.Set(ctx, a.ns, key, value, ttl)
}

func (a *accessor) Get(ctx context.Context, key string, def any) (any, error) {
	return a.mgr.Get(ctx, a.ns, key, def)
}

func (a *accessor) Incr(ctx context.Context, key string, amount int64) (int64, error) {
	return a.mgr.Incr(ctx, a.ns, key, amount)
}

func (a *accessor) Delete(ctx context.Context, key string) (bool, error) {
	return a.mgr.Delete(ctx, a.ns, key)
}
