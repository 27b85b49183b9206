package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rendis/flowkit/pkg/schema"
)

// runWhile re-evaluates the predicate before each iteration and executes the
// body under an iter_N scope. Completed iterations from a previous pass skip
// via their child records, so a resumed run converges on the parked node.
func (it *Interpreter) runWhile(ctx context.Context, rs *runState, node *schema.Node, name string) error {
	iterations := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := node.Condition(ctx, rs.rc)
		if err != nil {
			ferr := schema.NewErrorf(schema.ErrCodeStepFailed, "while %s condition: %s", name, err.Error()).
				WithStep(name).WithCause(err)
			it.failContainer(ctx, rs, name, ferr)
			return ferr
		}
		if !ok {
			break
		}

		iterPrefix := fmt.Sprintf("%s.iter_%d", name, iterations)
		it.emit(ctx, rs.rc.RunID, name, schema.EventLoopIterStarted, map[string]any{"iteration": iterations})

		if err := it.runSequence(ctx, rs, node.Body, iterPrefix); err != nil {
			if _, suspended := AsSuspension(err); suspended {
				return err
			}
			it.emit(ctx, rs.rc.RunID, name, schema.EventLoopIterFailed, map[string]any{"iteration": iterations})
			it.failContainer(ctx, rs, name, err)
			return err
		}

		it.emit(ctx, rs.rc.RunID, name, schema.EventLoopIterCompleted, map[string]any{"iteration": iterations})
		iterations++
	}

	rs.rc.SetOutput(node.Name, map[string]any{"iterations": iterations})
	if err := it.recordContainer(ctx, rs, name, map[string]any{"iterations": iterations}); err != nil {
		return err
	}
	it.emit(ctx, rs.rc.RunID, name, schema.EventLoopCompleted, map[string]any{"iterations": iterations})
	return nil
}

// runForEach materializes the item sequence and executes the body once per
// item. Item failures are isolated by default: the loop keeps going and the
// failed slot yields nil. FailFast aborts on the first failure instead.
func (it *Interpreter) runForEach(ctx context.Context, rs *runState, node *schema.Node, name string) error {
	items, err := node.Items(ctx, rs.rc)
	if err != nil {
		ferr := schema.NewErrorf(schema.ErrCodeStepFailed, "forEach %s items: %s", name, err.Error()).
			WithStep(name).WithCause(err)
		it.failContainer(ctx, rs, name, ferr)
		return ferr
	}

	results, err := it.runItems(ctx, rs, node, name, items, 0)
	if err != nil {
		return err
	}

	rs.rc.SetOutput(node.Name, results)
	if err := it.recordContainer(ctx, rs, name, results); err != nil {
		return err
	}
	it.emit(ctx, rs.rc.RunID, name, schema.EventLoopCompleted, map[string]any{"items": len(items)})
	return nil
}

// runBatch is forEach over fixed-size chunks: chunks run one after another,
// items within a chunk run concurrently up to node.Concurrency.
func (it *Interpreter) runBatch(ctx context.Context, rs *runState, node *schema.Node, name string) error {
	items, err := node.Items(ctx, rs.rc)
	if err != nil {
		ferr := schema.NewErrorf(schema.ErrCodeStepFailed, "batch %s items: %s", name, err.Error()).
			WithStep(name).WithCause(err)
		it.failContainer(ctx, rs, name, ferr)
		return ferr
	}

	size := node.BatchSize
	if size <= 0 {
		size = len(items)
	}

	results := make([]any, 0, len(items))
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunk, err := it.runItems(ctx, rs, node, name, items[start:end], start)
		if err != nil {
			return err
		}
		results = append(results, chunk...)
	}

	rs.rc.SetOutput(node.Name, results)
	if err := it.recordContainer(ctx, rs, name, results); err != nil {
		return err
	}
	it.emit(ctx, rs.rc.RunID, name, schema.EventLoopCompleted, map[string]any{"items": len(items)})
	return nil
}

// runItems executes the node body for each item, sequentially when
// Concurrency <= 1, otherwise fanned out under a semaphore. offset keeps
// iter_N indices global across batch chunks.
func (it *Interpreter) runItems(ctx context.Context, rs *runState, node *schema.Node, name string, items []any, offset int) ([]any, error) {
	concurrency := node.Concurrency
	if concurrency <= 1 {
		return it.runItemsSequential(ctx, rs, node, name, items, offset)
	}

	results := make([]any, len(items))
	errs := make([]error, len(items))

	itemCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i := range items {
		select {
		case sem <- struct{}{}:
		case <-itemCtx.Done():
		}
		if itemCtx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			childRC := it.branchContext(rs.rc, items[i], offset+i)
			childRS := &runState{rc: childRC, def: rs.def, records: rs.records, recMu: rs.recMu}
			iterPrefix := fmt.Sprintf("%s.iter_%d", name, offset+i)

			if err := it.runSequence(itemCtx, childRS, node.Body, iterPrefix); err != nil {
				if _, suspended := AsSuspension(err); suspended {
					err = schema.NewErrorf(schema.ErrCodeConflict, "cannot suspend inside concurrent forEach %s", name).WithStep(name)
				}
				errs[i] = err
				it.emit(ctx, rs.rc.RunID, name, schema.EventLoopIterFailed, map[string]any{"iteration": offset + i})
				if node.FailFast {
					cancel()
				}
				return
			}
			results[i] = it.bodyResult(childRC, node)
			it.emit(ctx, rs.rc.RunID, name, schema.EventLoopIterCompleted, map[string]any{"iteration": offset + i})
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if node.FailFast {
		for _, err := range errs {
			if err != nil {
				it.failContainer(ctx, rs, name, err)
				return nil, err
			}
		}
	}
	return results, nil
}

func (it *Interpreter) runItemsSequential(ctx context.Context, rs *runState, node *schema.Node, name string, items []any, offset int) ([]any, error) {
	results := make([]any, len(items))
	for i := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		childRC := rs.rc.WithLoop(items[i], offset+i)
		childRS := &runState{rc: childRC, def: rs.def, records: rs.records, recMu: rs.recMu, resume: rs.resume}
		iterPrefix := fmt.Sprintf("%s.iter_%d", name, offset+i)

		err := it.runSequence(ctx, childRS, node.Body, iterPrefix)
		rs.resume = childRS.resume
		if err != nil {
			if _, suspended := AsSuspension(err); suspended {
				return nil, err
			}
			it.emit(ctx, rs.rc.RunID, name, schema.EventLoopIterFailed, map[string]any{"iteration": offset + i})
			if node.FailFast {
				it.failContainer(ctx, rs, name, err)
				return nil, err
			}
			continue
		}
		results[i] = it.bodyResult(childRC, node)
		it.emit(ctx, rs.rc.RunID, name, schema.EventLoopIterCompleted, map[string]any{"iteration": offset + i})
	}
	return results, nil
}

// runParallel executes each group concurrently and collects group results in
// declaration order. The first group failure cancels the rest and fails the
// node. Group node names are unique across the definition, so groups share
// the run's output store.
func (it *Interpreter) runParallel(ctx context.Context, rs *runState, node *schema.Node, name string) error {
	it.emit(ctx, rs.rc.RunID, name, schema.EventParallelStarted, map[string]any{"groups": len(node.Groups)})

	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]any, len(node.Groups))
	errs := make([]error, len(node.Groups))

	var wg sync.WaitGroup
	for g := range node.Groups {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			groupRS := &runState{rc: rs.rc, def: rs.def, records: rs.records, recMu: rs.recMu}
			prefix := fmt.Sprintf("%s.group_%d", name, g)
			if err := it.runSequence(groupCtx, groupRS, node.Groups[g], prefix); err != nil {
				if _, suspended := AsSuspension(err); suspended {
					err = schema.NewErrorf(schema.ErrCodeConflict, "cannot suspend inside parallel %s", name).WithStep(name)
				}
				errs[g] = err
				cancel()
				return
			}
			results[g] = it.groupResult(rs.rc, node.Groups[g])
		}(g)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	for _, err := range errs {
		if err != nil {
			it.failContainer(ctx, rs, name, err)
			return err
		}
	}

	rs.rc.SetOutput(node.Name, results)
	if err := it.recordContainer(ctx, rs, name, results); err != nil {
		return err
	}
	it.emit(ctx, rs.rc.RunID, name, schema.EventParallelCompleted, nil)
	return nil
}

// runRace executes groups concurrently and settles on the first group to
// finish, success or failure. Groups run in isolated branch contexts: only
// the winner's outputs merge into the run, so steps a loser completed before
// cancellation leave no trace in the accumulated outputs.
func (it *Interpreter) runRace(ctx context.Context, rs *runState, node *schema.Node, name string) error {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type settled struct {
		group int
		err   error
		rc    *schema.RunContext
	}
	done := make(chan settled, len(node.Groups))

	var wg sync.WaitGroup
	for g := range node.Groups {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			groupRC := it.branchContext(rs.rc, rs.rc.Item, rs.rc.Index)
			groupRS := &runState{rc: groupRC, def: rs.def, records: rs.records, recMu: rs.recMu}
			prefix := fmt.Sprintf("%s.group_%d", name, g)
			err := it.runSequence(raceCtx, groupRS, node.Groups[g], prefix)
			if _, suspended := AsSuspension(err); suspended {
				err = schema.NewErrorf(schema.ErrCodeConflict, "cannot suspend inside race %s", name).WithStep(name)
			}
			done <- settled{group: g, err: err, rc: groupRC}
		}(g)
	}

	var winner settled
	select {
	case winner = <-done:
	case <-ctx.Done():
		cancel()
		wg.Wait()
		return ctx.Err()
	}
	cancel()
	wg.Wait()

	if winner.err != nil {
		it.failContainer(ctx, rs, name, winner.err)
		return winner.err
	}

	for k, v := range winner.rc.Outputs() {
		rs.rc.SetOutput(k, v)
	}
	out := it.groupResult(winner.rc, node.Groups[winner.group])
	rs.rc.SetOutput(node.Name, out)
	if err := it.recordContainer(ctx, rs, name, out); err != nil {
		return err
	}
	it.emit(ctx, rs.rc.RunID, name, schema.EventRaceSettled, map[string]any{"winner": winner.group})
	return nil
}

// branchContext builds an isolated child context for a concurrent iteration.
// Iterations reuse the same node names, so they cannot share the parent's
// output store; the parent's outputs are snapshotted in for reads.
func (it *Interpreter) branchContext(rc *schema.RunContext, item any, index int) *schema.RunContext {
	child := schema.NewRunContext(rc.RunID, rc.WorkflowID, rc.Version, rc.Payload, rc.Meta)
	child.State = rc.State
	child.GlobalState = rc.GlobalState
	child.Item = item
	child.Index = index
	for k, v := range rc.Outputs() {
		child.SetOutput(k, v)
	}
	return child
}

// bodyResult reads the output of the body's final node, the per-item result.
func (it *Interpreter) bodyResult(rc *schema.RunContext, node *schema.Node) any {
	if len(node.Body) == 0 {
		return nil
	}
	out, _ := rc.Output(node.Body[len(node.Body)-1].Name)
	return out
}

func (it *Interpreter) groupResult(rc *schema.RunContext, group []schema.Node) any {
	if len(group) == 0 {
		return nil
	}
	out, _ := rc.Output(group[len(group)-1].Name)
	return out
}
