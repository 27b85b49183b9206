package store

import (
	"context"
	"fmt"

	"github.com/rendis/flowkit/pkg/schema"
)

// EventLog provides replay operations on top of any Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event-sourcing operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// Events returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) Events(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// Replay replays all events for a run and returns the reconstructed step
// records keyed by namespaced step name. Returns an error if sequence gaps
// are detected.
func (el *EventLog) Replay(ctx context.Context, runID string) (map[string]*StepRecord, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	records := make(map[string]*StepRecord)
	if len(events) == 0 {
		return records, nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	for _, e := range events {
		if e.Step == "" {
			continue
		}

		rec, ok := records[e.Step]
		if !ok {
			rec = &StepRecord{
				RunID:  runID,
				Name:   e.Step,
				Status: schema.StepStatusPending,
			}
			records[e.Step] = rec
		}

		switch e.Type {
		case schema.EventStepStarted:
			rec.Status = schema.StepStatusRunning
			rec.Attempts++
			ts := e.Timestamp
			rec.StartedAt = &ts

		case schema.EventStepCompleted:
			rec.Status = schema.StepStatusCompleted
			ts := e.Timestamp
			rec.CompletedAt = &ts
			rec.Output = e.Payload
			if rec.StartedAt != nil {
				rec.DurationMs = ts.Sub(*rec.StartedAt).Milliseconds()
			}

		case schema.EventStepFailed:
			rec.Status = schema.StepStatusFailed
			ts := e.Timestamp
			rec.CompletedAt = &ts
			rec.Error = e.Payload

		case schema.EventStepSkipped:
			rec.Status = schema.StepStatusSkipped

		case schema.EventStepRetrying:
			rec.Status = schema.StepStatusRetrying

		case schema.EventPauseCreated:
			rec.Status = schema.StepStatusPaused

		case schema.EventPauseResolved:
			// The interpreter transitions the step after resumption.
		}
	}

	return records, nil
}
