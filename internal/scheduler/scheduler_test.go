package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowkit/internal/trigger"
	"github.com/rendis/flowkit/pkg/schema"
)

type fakeRegistry struct {
	defs []*schema.WorkflowDefinition
}

func (f *fakeRegistry) Definitions() []*schema.WorkflowDefinition { return f.defs }

type recordingDispatcher struct {
	mu   sync.Mutex
	reqs []trigger.Request
	err  error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, req trigger.Request) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.reqs = append(d.reqs, req)
	return "run-1", nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reqs)
}

func (d *recordingDispatcher) last() trigger.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reqs[len(d.reqs)-1]
}

func scheduleDef(id, expr string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:      id,
		Version: "v1",
		Triggers: []schema.TriggerSpec{
			{Origin: schema.OriginSchedule, Schedule: expr},
		},
	}
}

func pollDef(id string, every time.Duration) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:      id,
		Version: "v1",
		Triggers: []schema.TriggerSpec{
			{Origin: schema.OriginPoll, Interval: every},
		},
	}
}

func TestPollTrigger_FiresAtInterval(t *testing.T) {
	disp := &recordingDispatcher{}
	s := NewScheduler(&fakeRegistry{defs: []*schema.WorkflowDefinition{
		pollDef("sync-inventory", 20*time.Millisecond),
	}}, disp, nil, 10*time.Millisecond)

	require.NoError(t, s.Start(context.Background()))
	defer func() { require.NoError(t, s.Stop()) }()

	require.Eventually(t, func() bool {
		return disp.count() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	req := disp.last()
	assert.Equal(t, "sync-inventory", req.WorkflowID)
	assert.Equal(t, schema.OriginPoll, req.Origin)
	assert.Equal(t, "20ms", req.Meta["interval"])
}

func TestCronTrigger_ArmsBeforeFiring(t *testing.T) {
	disp := &recordingDispatcher{}
	def := scheduleDef("nightly-report", "* * * * *")
	s := NewScheduler(&fakeRegistry{defs: []*schema.WorkflowDefinition{def}}, disp, nil, time.Minute)
	ctx := context.Background()

	// First pass arms the slot on the next minute boundary, nothing fires.
	s.tick(ctx)
	assert.Zero(t, disp.count())

	key := triggerKey(def, 0)
	next, seen := s.nextDue(key)
	require.True(t, seen)
	assert.True(t, next.After(time.Now().UTC().Add(-time.Second)))

	// Force the slot into the past; the next pass fires and re-arms.
	s.setDue(key, time.Now().UTC().Add(-time.Second))
	s.tick(ctx)
	require.Equal(t, 1, disp.count())

	req := disp.last()
	assert.Equal(t, "nightly-report", req.WorkflowID)
	assert.Equal(t, schema.OriginSchedule, req.Origin)
	assert.Equal(t, "* * * * *", req.Meta["schedule"])

	rearmed, _ := s.nextDue(key)
	assert.True(t, rearmed.After(time.Now().UTC()))

	// Not due again until the new slot.
	s.tick(ctx)
	assert.Equal(t, 1, disp.count())
}

func TestCronTrigger_InvalidExpressionSkipped(t *testing.T) {
	disp := &recordingDispatcher{}
	s := NewScheduler(&fakeRegistry{defs: []*schema.WorkflowDefinition{
		scheduleDef("broken", "not a cron"),
	}}, disp, nil, time.Minute)

	s.tick(context.Background())
	assert.Zero(t, disp.count())
}

func TestPollTrigger_DispatchErrorDoesNotStopLoop(t *testing.T) {
	disp := &recordingDispatcher{err: errors.New("admission refused")}
	s := NewScheduler(&fakeRegistry{defs: []*schema.WorkflowDefinition{
		pollDef("sync-inventory", time.Millisecond),
	}}, disp, nil, time.Minute)
	ctx := context.Background()

	s.tick(ctx)
	s.tick(ctx)
	assert.Zero(t, disp.count())
}

func TestStart_RejectsDoubleStart(t *testing.T) {
	s := NewScheduler(&fakeRegistry{}, &recordingDispatcher{}, nil, 10*time.Millisecond)

	require.NoError(t, s.Start(context.Background()))
	defer func() { require.NoError(t, s.Stop()) }()

	assert.Error(t, s.Start(context.Background()))
}

func TestStop_IsIdempotent(t *testing.T) {
	s := NewScheduler(&fakeRegistry{}, &recordingDispatcher{}, nil, 10*time.Millisecond)

	require.NoError(t, s.Stop())

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestNextRun(t *testing.T) {
	s := NewScheduler(&fakeRegistry{}, &recordingDispatcher{}, nil, time.Minute)

	from := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	next, err := s.NextRun("0 12 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), next)

	_, err = s.NextRun("bogus", from)
	assert.Error(t, err)
}
