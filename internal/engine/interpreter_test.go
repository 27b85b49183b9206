package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowkit/internal/state"
	"github.com/rendis/flowkit/internal/store"
	"github.com/rendis/flowkit/pkg/schema"
)

func newTestInterpreter(t *testing.T) (*Interpreter, *PauseRegistry, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	st := state.NewManager(s, nil)
	exec := NewStepExecutor(s, s, st, nil, 0, nil)
	pauses := NewPauseRegistry(s, s, nil)
	t.Cleanup(pauses.Stop)
	interp := NewInterpreter(exec, pauses, s, s, nil, nil)
	return interp, pauses, s
}

func stepNode(name string, handler schema.HandlerFunc) schema.Node {
	return schema.Node{Kind: schema.NodeStep, Name: name, Handler: handler}
}

func constStep(name string, out any) schema.Node {
	return stepNode(name, func(context.Context, *schema.RunContext) (any, error) {
		return out, nil
	})
}

func testDef(nodes ...schema.Node) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{ID: "orders", Version: "v1", Nodes: nodes}
}

func TestExecute_SequentialSteps(t *testing.T) {
	interp, _, s := newTestInterpreter(t)
	rc := testRC()

	def := testDef(
		constStep("validate", "ok"),
		stepNode("charge", func(ctx context.Context, rc *schema.RunContext) (any, error) {
			prev, _ := rc.Output("validate")
			return map[string]any{"after": prev}, nil
		}),
	)

	require.NoError(t, interp.Execute(context.Background(), rc, def, nil))

	out, ok := rc.Output("charge")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"after": "ok"}, out)

	recs, err := s.ListStepRecords(context.Background(), rc.RunID)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestExecute_StepFailureStopsRun(t *testing.T) {
	interp, _, _ := newTestInterpreter(t)
	rc := testRC()

	var reached atomic.Bool
	def := testDef(
		stepNode("explode", func(context.Context, *schema.RunContext) (any, error) {
			return nil, errors.New("boom")
		}),
		stepNode("after", func(context.Context, *schema.RunContext) (any, error) {
			reached.Store(true)
			return nil, nil
		}),
	)

	err := interp.Execute(context.Background(), rc, def, nil)
	require.Error(t, err)
	assert.False(t, reached.Load())
}

func TestExecute_ConditionTakesFirstMatch(t *testing.T) {
	interp, _, s := newTestInterpreter(t)
	rc := testRC()

	def := testDef(schema.Node{
		Kind: schema.NodeCondition,
		Name: "route",
		Branches: []schema.ConditionBranch{
			{
				When: func(context.Context, *schema.RunContext) (bool, error) { return false, nil },
				Nodes: []schema.Node{constStep("reject", "rejected")},
			},
			{
				When: func(context.Context, *schema.RunContext) (bool, error) { return true, nil },
				Nodes: []schema.Node{constStep("approve", "approved")},
			},
			{
				Nodes: []schema.Node{constStep("fallback", "defaulted")},
			},
		},
	})

	require.NoError(t, interp.Execute(context.Background(), rc, def, nil))

	_, rejected := rc.Output("reject")
	assert.False(t, rejected)
	out, ok := rc.Output("approve")
	require.True(t, ok)
	assert.Equal(t, "approved", out)

	rec, err := s.GetStepRecord(context.Background(), rc.RunID, "route")
	require.NoError(t, err)
	assert.JSONEq(t, `{"branch":1}`, string(rec.Output))
}

func TestExecute_ConditionElseBranch(t *testing.T) {
	interp, _, _ := newTestInterpreter(t)
	rc := testRC()

	def := testDef(schema.Node{
		Kind: schema.NodeCondition,
		Name: "route",
		Branches: []schema.ConditionBranch{
			{
				When: func(context.Context, *schema.RunContext) (bool, error) { return false, nil },
				Nodes: []schema.Node{constStep("a", 1)},
			},
			{Nodes: []schema.Node{constStep("b", 2)}},
		},
	})

	require.NoError(t, interp.Execute(context.Background(), rc, def, nil))
	out, ok := rc.Output("b")
	require.True(t, ok)
	assert.Equal(t, 2, out)
}

func TestExecute_WhileLoop(t *testing.T) {
	interp, _, s := newTestInterpreter(t)
	rc := testRC()

	var count atomic.Int64
	def := testDef(schema.Node{
		Kind: schema.NodeWhile,
		Name: "drain",
		Condition: func(context.Context, *schema.RunContext) (bool, error) {
			return count.Load() < 3, nil
		},
		Body: []schema.Node{
			stepNode("pop", func(context.Context, *schema.RunContext) (any, error) {
				return count.Add(1), nil
			}),
		},
	})

	require.NoError(t, interp.Execute(context.Background(), rc, def, nil))
	assert.Equal(t, int64(3), count.Load())

	out, ok := rc.Output("drain")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"iterations": 3}, out)

	rec, err := s.GetStepRecord(context.Background(), rc.RunID, "drain.iter_2.pop")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusCompleted, rec.Status)
}

func TestExecute_ForEachCollectsResults(t *testing.T) {
	interp, _, _ := newTestInterpreter(t)
	rc := testRC()

	def := testDef(schema.Node{
		Kind: schema.NodeForEach,
		Name: "each",
		Items: func(context.Context, *schema.RunContext) ([]any, error) {
			return []any{"a", "b", "c"}, nil
		},
		Body: []schema.Node{
			stepNode("upper", func(ctx context.Context, rc *schema.RunContext) (any, error) {
				return rc.Item.(string) + "!", nil
			}),
		},
	})

	require.NoError(t, interp.Execute(context.Background(), rc, def, nil))

	out, ok := rc.Output("each")
	require.True(t, ok)
	assert.Equal(t, []any{"a!", "b!", "c!"}, out)
}

func TestExecute_ForEachIsolatesFailures(t *testing.T) {
	interp, _, _ := newTestInterpreter(t)
	rc := testRC()

	def := testDef(schema.Node{
		Kind: schema.NodeForEach,
		Name: "each",
		Items: func(context.Context, *schema.RunContext) ([]any, error) {
			return []any{1, 2, 3}, nil
		},
		Body: []schema.Node{
			stepNode("pick", func(ctx context.Context, rc *schema.RunContext) (any, error) {
				if rc.Index == 1 {
					return nil, schema.NewError(schema.ErrCodeValidation, "bad item")
				}
				return rc.Index * 10, nil
			}),
		},
	})

	require.NoError(t, interp.Execute(context.Background(), rc, def, nil))

	out, ok := rc.Output("each")
	require.True(t, ok)
	results := out.([]any)
	require.Len(t, results, 3)
	assert.Equal(t, 0, results[0])
	assert.Nil(t, results[1])
	assert.Equal(t, 20, results[2])
}

func TestExecute_ForEachFailFast(t *testing.T) {
	interp, _, _ := newTestInterpreter(t)
	rc := testRC()

	var calls atomic.Int64
	def := testDef(schema.Node{
		Kind:     schema.NodeForEach,
		Name:     "each",
		FailFast: true,
		Items: func(context.Context, *schema.RunContext) ([]any, error) {
			return []any{1, 2, 3}, nil
		},
		Body: []schema.Node{
			stepNode("pick", func(ctx context.Context, rc *schema.RunContext) (any, error) {
				calls.Add(1)
				if rc.Index == 0 {
					return nil, schema.NewError(schema.ErrCodeValidation, "bad item")
				}
				return rc.Index, nil
			}),
		},
	})

	err := interp.Execute(context.Background(), rc, def, nil)
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestExecute_ForEachConcurrent(t *testing.T) {
	interp, _, _ := newTestInterpreter(t)
	rc := testRC()

	def := testDef(schema.Node{
		Kind:        schema.NodeForEach,
		Name:        "each",
		Concurrency: 3,
		Items: func(context.Context, *schema.RunContext) ([]any, error) {
			return []any{1, 2, 3, 4, 5, 6}, nil
		},
		Body: []schema.Node{
			stepNode("double", func(ctx context.Context, rc *schema.RunContext) (any, error) {
				return rc.Item.(int) * 2, nil
			}),
		},
	})

	require.NoError(t, interp.Execute(context.Background(), rc, def, nil))

	out, ok := rc.Output("each")
	require.True(t, ok)
	assert.Equal(t, []any{2, 4, 6, 8, 10, 12}, out)
}

func TestExecute_BatchChunks(t *testing.T) {
	interp, _, _ := newTestInterpreter(t)
	rc := testRC()

	def := testDef(schema.Node{
		Kind:      schema.NodeBatch,
		Name:      "bulk",
		BatchSize: 2,
		Items: func(context.Context, *schema.RunContext) ([]any, error) {
			return []any{1, 2, 3, 4, 5}, nil
		},
		Body: []schema.Node{
			stepNode("send", func(ctx context.Context, rc *schema.RunContext) (any, error) {
				return rc.Index, nil
			}),
		},
	})

	require.NoError(t, interp.Execute(context.Background(), rc, def, nil))

	out, ok := rc.Output("bulk")
	require.True(t, ok)
	assert.Equal(t, []any{0, 1, 2, 3, 4}, out)
}

func TestExecute_ParallelOrderedOutputs(t *testing.T) {
	interp, _, _ := newTestInterpreter(t)
	rc := testRC()

	def := testDef(schema.Node{
		Kind: schema.NodeParallel,
		Name: "fanout",
		Groups: [][]schema.Node{
			{stepNode("slow", func(context.Context, *schema.RunContext) (any, error) {
				time.Sleep(30 * time.Millisecond)
				return "first", nil
			})},
			{constStep("fast", "second")},
		},
	})

	require.NoError(t, interp.Execute(context.Background(), rc, def, nil))

	out, ok := rc.Output("fanout")
	require.True(t, ok)
	assert.Equal(t, []any{"first", "second"}, out)
}

func TestExecute_ParallelFailureCancelsSiblings(t *testing.T) {
	interp, _, _ := newTestInterpreter(t)
	rc := testRC()

	sibling := make(chan error, 1)
	def := testDef(schema.Node{
		Kind: schema.NodeParallel,
		Name: "fanout",
		Groups: [][]schema.Node{
			{stepNode("bad", func(context.Context, *schema.RunContext) (any, error) {
				return nil, schema.NewError(schema.ErrCodeValidation, "nope")
			})},
			{stepNode("waits", func(ctx context.Context, rc *schema.RunContext) (any, error) {
				select {
				case <-ctx.Done():
					sibling <- ctx.Err()
					return nil, ctx.Err()
				case <-time.After(2 * time.Second):
					sibling <- nil
					return "done", nil
				}
			})},
		},
	})

	err := interp.Execute(context.Background(), rc, def, nil)
	require.Error(t, err)

	select {
	case serr := <-sibling:
		assert.Error(t, serr)
	case <-time.After(time.Second):
		t.Fatal("sibling never observed cancellation")
	}
}

func TestExecute_RaceFirstSettleWins(t *testing.T) {
	interp, _, s := newTestInterpreter(t)
	rc := testRC()

	def := testDef(schema.Node{
		Kind: schema.NodeRace,
		Name: "race",
		Groups: [][]schema.Node{
			{stepNode("slow", func(ctx context.Context, rc *schema.RunContext) (any, error) {
				select {
				case <-time.After(2 * time.Second):
					return "slow", nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			})},
			{constStep("quick", "quick wins")},
		},
	})

	start := time.Now()
	require.NoError(t, interp.Execute(context.Background(), rc, def, nil))
	assert.Less(t, time.Since(start), time.Second)

	out, ok := rc.Output("race")
	require.True(t, ok)
	assert.Equal(t, "quick wins", out)

	events, err := s.GetEvents(context.Background(), rc.RunID, 0)
	require.NoError(t, err)
	var settled bool
	for _, e := range events {
		if e.Type == schema.EventRaceSettled {
			settled = true
		}
	}
	assert.True(t, settled)
}

func TestExecute_RaceLoserOutputsDiscarded(t *testing.T) {
	interp, _, _ := newTestInterpreter(t)
	rc := testRC()

	marked := make(chan struct{})
	def := testDef(schema.Node{
		Kind: schema.NodeRace,
		Name: "race",
		Groups: [][]schema.Node{
			{
				stepNode("fallback_mark", func(ctx context.Context, rc *schema.RunContext) (any, error) {
					close(marked)
					return "partial", nil
				}),
				stepNode("fallback_wait", func(ctx context.Context, rc *schema.RunContext) (any, error) {
					<-ctx.Done()
					return nil, ctx.Err()
				}),
			},
			{stepNode("primary", func(ctx context.Context, rc *schema.RunContext) (any, error) {
				// The losing group has committed its first step before we settle.
				<-marked
				return "primary wins", nil
			})},
		},
	})

	require.NoError(t, interp.Execute(context.Background(), rc, def, nil))

	out, ok := rc.Output("race")
	require.True(t, ok)
	assert.Equal(t, "primary wins", out)

	_, ok = rc.Output("primary")
	assert.True(t, ok)

	// The loser's completed step must leave no trace in the run outputs.
	_, ok = rc.Output("fallback_mark")
	assert.False(t, ok)
}

func TestExecute_ReplaySkipsCompletedSteps(t *testing.T) {
	interp, _, s := newTestInterpreter(t)
	rc := testRC()
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.UpsertStepRecord(ctx, &store.StepRecord{
		RunID:       rc.RunID,
		Name:        "validate",
		Status:      schema.StepStatusCompleted,
		Attempts:    1,
		Output:      []byte(`"cached ok"`),
		StartedAt:   &now,
		CompletedAt: &now,
	}))

	var validateCalls, chargeCalls atomic.Int64
	def := testDef(
		stepNode("validate", func(context.Context, *schema.RunContext) (any, error) {
			validateCalls.Add(1)
			return "fresh", nil
		}),
		stepNode("charge", func(ctx context.Context, rc *schema.RunContext) (any, error) {
			chargeCalls.Add(1)
			out, _ := rc.Output("validate")
			return out, nil
		}),
	)

	require.NoError(t, interp.Execute(ctx, rc, def, nil))

	assert.Equal(t, int64(0), validateCalls.Load())
	assert.Equal(t, int64(1), chargeCalls.Load())

	out, ok := rc.Output("charge")
	require.True(t, ok)
	assert.Equal(t, "cached ok", out)
}

func TestExecute_SleepZeroDurationCompletes(t *testing.T) {
	interp, _, _ := newTestInterpreter(t)
	rc := testRC()

	def := testDef(
		schema.Node{Kind: schema.NodeSleep, Name: "nap", Duration: 0},
		constStep("after", "done"),
	)

	require.NoError(t, interp.Execute(context.Background(), rc, def, nil))
	out, ok := rc.Output("after")
	require.True(t, ok)
	assert.Equal(t, "done", out)
}

func TestExecute_SleepParksRun(t *testing.T) {
	interp, pauses, s := newTestInterpreter(t)
	rc := testRC()
	ctx := context.Background()

	def := testDef(
		schema.Node{Kind: schema.NodeSleep, Name: "nap", Duration: time.Hour},
		constStep("after", "done"),
	)

	err := interp.Execute(ctx, rc, def, nil)
	require.Error(t, err)
	susp, ok := AsSuspension(err)
	require.True(t, ok)
	assert.Equal(t, "nap", susp.Node)
	assert.Equal(t, store.PauseKindSleep, susp.Kind)

	rec, err := s.GetStepRecord(ctx, rc.RunID, "nap")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusPaused, rec.Status)

	pending, err := pauses.ListPending(ctx, store.PauseFilter{RunID: rc.RunID})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.NotNil(t, pending[0].Deadline)
}

func TestExecute_HumanPauseAndResume(t *testing.T) {
	interp, _, _ := newTestInterpreter(t)
	ctx := context.Background()

	var notice schema.PauseNotice
	def := testDef(
		schema.Node{
			Kind: schema.NodeHumanInTheLoop,
			Name: "approve",
			Pause: &schema.PauseSpec{
				OnPause:  func(n schema.PauseNotice) { notice = n },
				Metadata: map[string]any{"role": "manager"},
			},
		},
		stepNode("finalize", func(ctx context.Context, rc *schema.RunContext) (any, error) {
			out, _ := rc.Output("approve")
			return out, nil
		}),
	)

	rc := testRC()
	err := interp.Execute(ctx, rc, def, nil)
	susp, ok := AsSuspension(err)
	require.True(t, ok)
	assert.Equal(t, susp.Token, notice.Token)
	assert.Equal(t, "approve", notice.Step)

	// Second pass with staged resolution, as the coordinator relaunches it.
	resumed := testRC()
	resume := &ResumeData{
		Node:    "approve",
		Token:   susp.Token,
		Payload: map[string]any{"approved": true},
	}
	require.NoError(t, interp.Execute(ctx, resumed, def, resume))

	out, found := resumed.Output("finalize")
	require.True(t, found)
	assert.Equal(t, map[string]any{"approved": true}, out)
}

func TestExecute_HumanPauseExpiryUsesTimeoutHandler(t *testing.T) {
	interp, _, _ := newTestInterpreter(t)
	ctx := context.Background()

	def := testDef(schema.Node{
		Kind: schema.NodeHumanInTheLoop,
		Name: "approve",
		Pause: &schema.PauseSpec{
			Timeout: time.Hour,
			OnTimeout: func(context.Context, *schema.RunContext) (any, error) {
				return "auto-approved", nil
			},
		},
	})

	rc := testRC()
	err := interp.Execute(ctx, rc, def, nil)
	susp, ok := AsSuspension(err)
	require.True(t, ok)

	resumed := testRC()
	resume := &ResumeData{Node: "approve", Token: susp.Token, Expired: true}
	require.NoError(t, interp.Execute(ctx, resumed, def, resume))

	out, found := resumed.Output("approve")
	require.True(t, found)
	assert.Equal(t, "auto-approved", out)
}

func TestExecute_WaitForEventExpiryFailsByDefault(t *testing.T) {
	interp, _, _ := newTestInterpreter(t)
	ctx := context.Background()

	def := testDef(schema.Node{
		Kind:        schema.NodeWaitForEvent,
		Name:        "await_payment",
		Event:       "payment.confirmed",
		WaitTimeout: time.Hour,
	})

	rc := testRC()
	err := interp.Execute(ctx, rc, def, nil)
	susp, ok := AsSuspension(err)
	require.True(t, ok)

	resumed := testRC()
	resume := &ResumeData{Node: "await_payment", Token: susp.Token, Expired: true}
	err = interp.Execute(ctx, resumed, def, resume)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout))
}

func TestExecute_WaitForEventExpiryProceeds(t *testing.T) {
	interp, _, _ := newTestInterpreter(t)
	ctx := context.Background()

	def := testDef(
		schema.Node{
			Kind:          schema.NodeWaitForEvent,
			Name:          "await_payment",
			Event:         "payment.confirmed",
			WaitTimeout:   time.Hour,
			OnWaitTimeout: schema.TimeoutProceed,
		},
		constStep("after", "done"),
	)

	rc := testRC()
	err := interp.Execute(ctx, rc, def, nil)
	susp, ok := AsSuspension(err)
	require.True(t, ok)

	resumed := testRC()
	resume := &ResumeData{Node: "await_payment", Token: susp.Token, Expired: true}
	require.NoError(t, interp.Execute(ctx, resumed, def, resume))

	out, found := resumed.Output("after")
	require.True(t, found)
	assert.Equal(t, "done", out)
}

func TestFindNode_ResolvesNestedNames(t *testing.T) {
	def := testDef(
		schema.Node{
			Kind: schema.NodeWhile,
			Name: "loop",
			Body: []schema.Node{
				{Kind: schema.NodeHumanInTheLoop, Name: "check"},
			},
		},
		schema.Node{
			Kind: schema.NodeCondition,
			Name: "route",
			Branches: []schema.ConditionBranch{
				{Nodes: []schema.Node{{Kind: schema.NodeWaitForEvent, Name: "await", Event: "ev"}}},
			},
		},
	)

	n := FindNode(def, "loop.iter_4.check")
	require.NotNil(t, n)
	assert.Equal(t, schema.NodeHumanInTheLoop, n.Kind)

	n = FindNode(def, "await")
	require.NotNil(t, n)
	assert.Equal(t, "ev", n.Event)

	assert.Nil(t, FindNode(def, "missing"))
}
