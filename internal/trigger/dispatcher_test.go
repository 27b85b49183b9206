package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowkit/internal/engine"
	"github.com/rendis/flowkit/internal/state"
	"github.com/rendis/flowkit/internal/store"
	"github.com/rendis/flowkit/pkg/schema"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *engine.Coordinator, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	st := state.NewManager(s, nil)
	pool := engine.NewWorkerPool(8)
	c := engine.NewCoordinator(s, s, st, pool, nil, 0, nil)
	t.Cleanup(func() {
		c.Shutdown()
		pool.Shutdown()
	})
	return NewDispatcher(c, s, nil), c, s
}

func registerEcho(t *testing.T, c *engine.Coordinator, id string, triggers ...schema.TriggerSpec) {
	t.Helper()
	require.NoError(t, c.Register(&schema.WorkflowDefinition{
		ID:       id,
		Version:  "v1",
		Triggers: triggers,
		Nodes: []schema.Node{{
			Kind: schema.NodeStep,
			Name: "echo",
			Handler: func(ctx context.Context, rc *schema.RunContext) (any, error) {
				return rc.Payload, nil
			},
		}},
	}))
}

func waitForStatus(t *testing.T, c *engine.Coordinator, runID string, want schema.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := c.Inspect(context.Background(), runID)
		return err == nil && snap.Status == want
	}, 3*time.Second, 10*time.Millisecond, "run %s never reached %s", runID, want)
}

func TestDispatch_ManualDefaults(t *testing.T) {
	d, c, _ := newTestDispatcher(t)
	registerEcho(t, c, "orders")

	runID, err := d.Dispatch(context.Background(), Request{
		WorkflowID: "orders",
		Payload:    map[string]any{"order_id": "o-1"},
	})
	require.NoError(t, err)
	waitForStatus(t, c, runID, schema.RunStatusCompleted)

	snap, err := c.Inspect(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, schema.OriginManual, snap.Origin)
}

func TestDispatch_RequiresWorkflowID(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	_, err := d.Dispatch(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestDispatch_WebhookIdempotency(t *testing.T) {
	d, c, _ := newTestDispatcher(t)
	registerEcho(t, c, "orders")
	ctx := context.Background()

	req := Request{
		WorkflowID:     "orders",
		Origin:         schema.OriginWebhook,
		Payload:        map[string]any{"order_id": "o-1"},
		IdempotencyKey: "delivery-42",
	}

	first, err := d.Dispatch(ctx, req)
	require.NoError(t, err)

	second, err := d.Dispatch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	waitForStatus(t, c, first, schema.RunStatusCompleted)

	runs, err := c.ListRuns(ctx, store.RunFilter{WorkflowID: "orders"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestDispatch_WebhookKeyFromHeader(t *testing.T) {
	d, c, _ := newTestDispatcher(t)
	registerEcho(t, c, "orders")
	ctx := context.Background()

	req := Request{
		WorkflowID: "orders",
		Origin:     schema.OriginWebhook,
		Headers:    map[string]string{"idempotency-key": "hdr-7"},
		Payload:    map[string]any{"order_id": "o-1"},
	}

	first, err := d.Dispatch(ctx, req)
	require.NoError(t, err)

	second, err := d.Dispatch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDispatch_WebhookKeyFromPayloadDigest(t *testing.T) {
	d, c, _ := newTestDispatcher(t)
	registerEcho(t, c, "orders")
	ctx := context.Background()

	same := map[string]any{"order_id": "o-1"}
	first, err := d.Dispatch(ctx, Request{WorkflowID: "orders", Origin: schema.OriginWebhook, Payload: same})
	require.NoError(t, err)

	// Identical payload hashes to the same key.
	dup, err := d.Dispatch(ctx, Request{WorkflowID: "orders", Origin: schema.OriginWebhook, Payload: same})
	require.NoError(t, err)
	assert.Equal(t, first, dup)

	// A different payload is a new logical event.
	other, err := d.Dispatch(ctx, Request{
		WorkflowID: "orders",
		Origin:     schema.OriginWebhook,
		Payload:    map[string]any{"order_id": "o-2"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestDispatch_WebhookReleasesKeyOnRejection(t *testing.T) {
	d, c, _ := newTestDispatcher(t)
	registerEcho(t, c, "ghost") // registered so admission fails on a different workflow
	ctx := context.Background()

	req := Request{
		WorkflowID:     "missing",
		Origin:         schema.OriginWebhook,
		IdempotencyKey: "delivery-9",
	}
	_, err := d.Dispatch(ctx, req)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	// The claim was rolled back, so a retry after the workflow registers
	// goes through.
	registerEcho(t, c, "missing")
	runID, err := d.Dispatch(ctx, req)
	require.NoError(t, err)
	waitForStatus(t, c, runID, schema.RunStatusCompleted)
}

func TestDispatch_MetaCarriesOriginAndHeaders(t *testing.T) {
	d, c, s := newTestDispatcher(t)
	registerEcho(t, c, "orders")
	ctx := context.Background()

	runID, err := d.Dispatch(ctx, Request{
		WorkflowID: "orders",
		Origin:     schema.OriginWebhook,
		Headers:    map[string]string{"X-Source": "stripe"},
		Meta:       map[string]any{"tenant": "acme"},
	})
	require.NoError(t, err)
	waitForStatus(t, c, runID, schema.RunStatusCompleted)

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "webhook", run.Meta["origin"])
	assert.Equal(t, "acme", run.Meta["tenant"])
	headers, ok := run.Meta["headers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "stripe", headers["X-Source"])
	assert.NotEmpty(t, run.Meta["idempotency_key"])
}

func TestPublishEvent_StartsEventTriggeredWorkflows(t *testing.T) {
	d, c, _ := newTestDispatcher(t)
	ctx := context.Background()

	registerEcho(t, c, "on-payment", schema.TriggerSpec{
		Origin: schema.OriginEvent,
		Event:  "payment.confirmed",
	})
	registerEcho(t, c, "on-refund", schema.TriggerSpec{
		Origin: schema.OriginEvent,
		Event:  "payment.refunded",
	})

	woke, started, err := d.PublishEvent(ctx, "payment.confirmed", map[string]any{"amount": 10})
	require.NoError(t, err)
	assert.Zero(t, woke)
	require.Len(t, started, 1)
	waitForStatus(t, c, started[0], schema.RunStatusCompleted)

	snap, err := c.Inspect(ctx, started[0])
	require.NoError(t, err)
	assert.Equal(t, "on-payment", snap.WorkflowID)
	assert.Equal(t, schema.OriginEvent, snap.Origin)
}

func TestPublishEvent_FilterRejectsPayload(t *testing.T) {
	d, c, _ := newTestDispatcher(t)
	ctx := context.Background()

	registerEcho(t, c, "big-orders", schema.TriggerSpec{
		Origin: schema.OriginEvent,
		Event:  "order.placed",
		Filter: func(payload map[string]any) bool {
			amount, _ := payload["amount"].(int)
			return amount >= 100
		},
	})

	_, started, err := d.PublishEvent(ctx, "order.placed", map[string]any{"amount": 10})
	require.NoError(t, err)
	assert.Empty(t, started)

	_, started, err = d.PublishEvent(ctx, "order.placed", map[string]any{"amount": 150})
	require.NoError(t, err)
	assert.Len(t, started, 1)
}

func TestPublishEvent_WakesWaitingRuns(t *testing.T) {
	d, c, _ := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, c.Register(&schema.WorkflowDefinition{
		ID:      "waiter",
		Version: "v1",
		Nodes: []schema.Node{{
			Kind:  schema.NodeWaitForEvent,
			Name:  "await-payment",
			Event: "payment.confirmed",
		}},
	}))

	runID, err := d.Dispatch(ctx, Request{WorkflowID: "waiter"})
	require.NoError(t, err)
	waitForStatus(t, c, runID, schema.RunStatusPaused)

	woke, _, err := d.PublishEvent(ctx, "payment.confirmed", map[string]any{"amount": 10})
	require.NoError(t, err)
	assert.Equal(t, 1, woke)
	waitForStatus(t, c, runID, schema.RunStatusCompleted)
}
