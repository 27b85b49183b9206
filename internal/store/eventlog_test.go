package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowkit/pkg/schema"
)

func appendEvent(t *testing.T, el *EventLog, runID, step, typ string, payload string) {
	t.Helper()
	e := &Event{RunID: runID, Step: step, Type: typ}
	if payload != "" {
		e.Payload = json.RawMessage(payload)
	}
	require.NoError(t, el.AppendEvent(context.Background(), e))
}

func TestReplay_ReconstructsStepRecords(t *testing.T) {
	el := NewEventLog(NewMemoryStore())
	ctx := context.Background()

	appendEvent(t, el, "run-1", "", schema.EventRunStarted, "")
	appendEvent(t, el, "run-1", "validate", schema.EventStepStarted, "")
	appendEvent(t, el, "run-1", "validate", schema.EventStepCompleted, `{"ok":true}`)
	appendEvent(t, el, "run-1", "charge", schema.EventStepStarted, "")
	appendEvent(t, el, "run-1", "charge", schema.EventStepRetrying, "")
	appendEvent(t, el, "run-1", "charge", schema.EventStepStarted, "")
	appendEvent(t, el, "run-1", "charge", schema.EventStepFailed, `{"code":"STEP_FAILED"}`)

	records, err := el.Replay(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	validate := records["validate"]
	require.NotNil(t, validate)
	assert.Equal(t, schema.StepStatusCompleted, validate.Status)
	assert.JSONEq(t, `{"ok":true}`, string(validate.Output))

	charge := records["charge"]
	require.NotNil(t, charge)
	assert.Equal(t, schema.StepStatusFailed, charge.Status)
	assert.Equal(t, 2, charge.Attempts)
	assert.JSONEq(t, `{"code":"STEP_FAILED"}`, string(charge.Error))
}

func TestReplay_PausedStep(t *testing.T) {
	el := NewEventLog(NewMemoryStore())

	appendEvent(t, el, "run-1", "approve", schema.EventStepStarted, "")
	appendEvent(t, el, "run-1", "approve", schema.EventPauseCreated, `{"token":"tok-1"}`)

	records, err := el.Replay(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusPaused, records["approve"].Status)
}

func TestReplay_EmptyRun(t *testing.T) {
	el := NewEventLog(NewMemoryStore())
	records, err := el.Replay(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestReplay_DetectsSequenceGap(t *testing.T) {
	s := NewMemoryStore()
	el := NewEventLog(s)
	ctx := context.Background()

	appendEvent(t, el, "run-1", "a", schema.EventStepStarted, "")
	// Forge a gap by appending directly with a skipped sequence.
	s.mu.Lock()
	s.events["run-1"] = append(s.events["run-1"], &Event{
		RunID: "run-1", Step: "a", Type: schema.EventStepCompleted, Sequence: 3,
	})
	s.mu.Unlock()

	_, err := el.Replay(ctx, "run-1")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}
