// Package trigger normalizes external trigger sources into coordinator calls.
// Webhook, schedule, event, poll and manual origins all funnel through the
// same Dispatch entry point; webhook deliveries get idempotency on top.
package trigger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/flowkit/pkg/schema"
)

// Coordinator is the slice of the run coordinator the dispatcher needs.
type Coordinator interface {
	Trigger(ctx context.Context, workflowID, version string, origin schema.TriggerOrigin, payload, meta map[string]any) (string, error)
	TriggerWithRunID(ctx context.Context, runID, workflowID, version string, origin schema.TriggerOrigin, payload, meta map[string]any) (string, error)
	DeliverEvent(ctx context.Context, event string, payload map[string]any) (int, error)
	Definitions() []*schema.WorkflowDefinition
}

// IdempotencyStore is the key claim surface backing webhook dedup.
type IdempotencyStore interface {
	PutIdempotencyKey(ctx context.Context, key, runID string) (string, bool, error)
	DeleteIdempotencyKey(ctx context.Context, key string) error
}

// Request is a normalized trigger delivery. Adapters that terminate HTTP,
// consume queues or evaluate schedules build one of these; the engine never
// sees the raw transport.
type Request struct {
	WorkflowID string
	Version    string // empty resolves to the latest registered version
	Origin     schema.TriggerOrigin
	Payload    map[string]any
	Headers    map[string]string
	Meta       map[string]any

	// IdempotencyKey dedupes webhook deliveries. When empty it is taken
	// from the Idempotency-Key header, falling back to a payload digest.
	IdempotencyKey string
}

type Dispatcher struct {
	coord  Coordinator
	keys   IdempotencyStore
	logger *slog.Logger
}

func NewDispatcher(coord Coordinator, keys IdempotencyStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{coord: coord, keys: keys, logger: logger}
}

// Dispatch admits one trigger delivery and returns the run id it mapped to.
// Webhook deliveries that repeat an already-claimed idempotency key return the
// original run id without creating a second run.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (string, error) {
	if req.WorkflowID == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "trigger requires a workflow id")
	}
	origin := req.Origin
	if origin == "" {
		origin = schema.OriginManual
	}
	meta := normalizeMeta(req, origin)
	if origin == schema.OriginWebhook {
		return d.dispatchWebhook(ctx, req, meta)
	}
	return d.coord.Trigger(ctx, req.WorkflowID, req.Version, origin, req.Payload, meta)
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, req Request, meta map[string]any) (string, error) {
	key := idempotencyKey(req)
	meta["idempotency_key"] = key

	runID := uuid.New().String()
	winner, created, err := d.keys.PutIdempotencyKey(ctx, key, runID)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "claim idempotency key: %s", err.Error()).WithCause(err)
	}
	if !created {
		d.logger.Debug("duplicate webhook delivery",
			slog.String("workflow_id", req.WorkflowID),
			slog.String("idempotency_key", key),
			slog.String("run_id", winner))
		return winner, nil
	}

	id, err := d.coord.TriggerWithRunID(ctx, runID, req.WorkflowID, req.Version, schema.OriginWebhook, req.Payload, meta)
	if err != nil {
		// Release the claim so a retry of the same delivery can get
		// through once admission clears.
		if delErr := d.keys.DeleteIdempotencyKey(ctx, key); delErr != nil {
			d.logger.Warn("release idempotency key",
				slog.String("idempotency_key", key),
				slog.String("error", delErr.Error()))
		}
		return "", err
	}
	return id, nil
}

// PublishEvent fans an event out to the engine: it wakes wait_for_event
// pauses matching the name, then starts a run for every workflow with a
// matching event trigger. Returns the wake count and the started run ids.
func (d *Dispatcher) PublishEvent(ctx context.Context, name string, payload map[string]any) (int, []string, error) {
	woke, err := d.coord.DeliverEvent(ctx, name, payload)
	if err != nil {
		return 0, nil, err
	}

	var started []string
	for _, def := range d.coord.Definitions() {
		ts, ok := eventTrigger(def, name)
		if !ok {
			continue
		}
		if ts.Filter != nil && !ts.Filter(payload) {
			continue
		}
		meta := map[string]any{"origin": string(schema.OriginEvent), "event": name}
		id, err := d.coord.Trigger(ctx, def.ID, def.Version, schema.OriginEvent, payload, meta)
		if err != nil {
			d.logger.Warn("event trigger rejected",
				slog.String("workflow_id", def.ID),
				slog.String("event", name),
				slog.String("error", err.Error()))
			continue
		}
		started = append(started, id)
	}
	return woke, started, nil
}

func eventTrigger(def *schema.WorkflowDefinition, event string) (schema.TriggerSpec, bool) {
	for _, ts := range def.Triggers {
		if ts.Origin == schema.OriginEvent && ts.Event == event {
			return ts, true
		}
	}
	return schema.TriggerSpec{}, false
}

func normalizeMeta(req Request, origin schema.TriggerOrigin) map[string]any {
	meta := make(map[string]any, len(req.Meta)+2)
	for k, v := range req.Meta {
		meta[k] = v
	}
	meta["origin"] = string(origin)
	if len(req.Headers) > 0 {
		headers := make(map[string]any, len(req.Headers))
		for k, v := range req.Headers {
			headers[k] = v
		}
		meta["headers"] = headers
	}
	return meta
}

func idempotencyKey(req Request) string {
	if req.IdempotencyKey != "" {
		return req.IdempotencyKey
	}
	for name, value := range req.Headers {
		if strings.EqualFold(name, "Idempotency-Key") || strings.EqualFold(name, "X-Idempotency-Key") {
			if value != "" {
				return value
			}
		}
	}
	raw, err := json.Marshal(req.Payload)
	if err != nil {
		raw = nil
	}
	sum := sha256.Sum256(append([]byte(req.WorkflowID+"\n"), raw...))
	return hex.EncodeToString(sum[:])
}
