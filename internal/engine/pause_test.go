package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowkit/internal/store"
	"github.com/rendis/flowkit/pkg/schema"
)

type resolveCapture struct {
	mu      sync.Mutex
	calls   int
	expired bool
	data    map[string]any
}

func (rc *resolveCapture) fn(rec *store.PauseRecord, data map[string]any, expired bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.calls++
	rc.expired = expired
	rc.data = data
}

func (rc *resolveCapture) snapshot() (int, bool, map[string]any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.calls, rc.expired, rc.data
}

func newTestRegistry(t *testing.T) (*PauseRegistry, *store.MemoryStore, *resolveCapture) {
	t.Helper()
	s := store.NewMemoryStore()
	r := NewPauseRegistry(s, s, nil)
	res := &resolveCapture{}
	r.OnResolve(res.fn)
	t.Cleanup(r.Stop)
	return r, s, res
}

func TestPark_CreatesPendingToken(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	ctx := context.Background()

	token, err := r.Park(ctx, "run-1", "wf", "approve", store.PauseKindHuman, nil, map[string]any{"approver": "ops"})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	rec, err := r.Get(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, store.PausePending, rec.Status)
	assert.Equal(t, store.PauseKindHuman, rec.Kind)

	events, err := s.GetEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventPauseCreated, events[0].Type)
}

func TestResume_DispatchesOnce(t *testing.T) {
	r, _, res := newTestRegistry(t)
	ctx := context.Background()

	token, err := r.Park(ctx, "run-1", "wf", "approve", store.PauseKindHuman, nil, nil)
	require.NoError(t, err)

	require.NoError(t, r.Resume(ctx, token, map[string]any{"approved": true}))

	calls, expired, data := res.snapshot()
	assert.Equal(t, 1, calls)
	assert.False(t, expired)
	assert.Equal(t, true, data["approved"])

	err = r.Resume(ctx, token, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTokenResolved))

	calls, _, _ = res.snapshot()
	assert.Equal(t, 1, calls)
}

func TestResume_UnknownToken(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	err := r.Resume(context.Background(), "no-such-token", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTokenNotFound))
}

func TestDeadline_ExpiresToken(t *testing.T) {
	r, _, res := newTestRegistry(t)
	ctx := context.Background()

	deadline := time.Now().UTC().Add(20 * time.Millisecond)
	token, err := r.Park(ctx, "run-1", "wf", "wait", store.PauseKindSleep, &deadline, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		calls, expired, _ := res.snapshot()
		return calls == 1 && expired
	}, time.Second, 10*time.Millisecond)

	err = r.Resume(ctx, token, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTokenExpired))
}

func TestResume_WinsRaceAgainstDeadline(t *testing.T) {
	r, _, res := newTestRegistry(t)
	ctx := context.Background()

	deadline := time.Now().UTC().Add(time.Hour)
	token, err := r.Park(ctx, "run-1", "wf", "approve", store.PauseKindHuman, &deadline, nil)
	require.NoError(t, err)

	require.NoError(t, r.Resume(ctx, token, nil))

	calls, expired, _ := res.snapshot()
	assert.Equal(t, 1, calls)
	assert.False(t, expired)
}

func TestRestoreTimers_ExpiresPastDeadlines(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.CreatePause(ctx, &store.PauseRecord{
		Token:      "stale-token",
		RunID:      "run-1",
		WorkflowID: "wf",
		Step:       "wait",
		Kind:       store.PauseKindSleep,
		Status:     store.PausePending,
		Deadline:   &past,
	}))

	r := NewPauseRegistry(s, s, nil)
	res := &resolveCapture{}
	r.OnResolve(res.fn)
	t.Cleanup(r.Stop)

	require.NoError(t, r.RestoreTimers(ctx))

	assert.Eventually(t, func() bool {
		calls, expired, _ := res.snapshot()
		return calls == 1 && expired
	}, time.Second, 10*time.Millisecond)
}

func TestListPending_OnlyPending(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Park(ctx, "run-1", "wf", "a", store.PauseKindHuman, nil, nil)
	require.NoError(t, err)
	_, err = r.Park(ctx, "run-2", "wf", "b", store.PauseKindEvent, nil, nil)
	require.NoError(t, err)

	require.NoError(t, r.Resume(ctx, first, nil))

	pending, err := r.ListPending(ctx, store.PauseFilter{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "run-2", pending[0].RunID)
}
