package engine

import (
	"context"

	"github.com/luthier-ai/maestro/internal/expressions"
	"github.com/luthier-ai/maestro/internal/logging"
	"github.com/luthier-ai/maestro/pkg/schema"
)

type branchResult struct {
	name string
	out  any
	err  error
}

// executeParallel runs a parallel group. Every child executes against its
// own snapshot of the context, so siblings cannot observe each other's
// writes; the group merges child outputs into a single map keyed by child
// name once the wait strategy is satisfied.
func (e *Engine) executeParallel(ctx context.Context, wf *schema.Workflow, exec *schema.Execution, cs *expressions.ContextStore, step *schema.StepDefinition, prefix string) (any, error) {
	name := prefix + step.Name
	sctx := logging.WithStepName(ctx, name)
	se := e.createStepRecord(sctx, exec, step, name)

	spec, err := schema.ParseWaitFor(step.WaitFor)
	if err != nil {
		return nil, e.failStep(sctx, exec, se, withStep(err, name))
	}
	n := len(step.Steps)
	if n == 0 {
		return nil, e.failStep(sctx, exec, se,
			schema.NewError(schema.ErrCodeConfiguration, "parallel group has no children").WithStep(name))
	}
	if spec.Mode == schema.WaitCount && spec.Count > n {
		return nil, e.failStep(sctx, exec, se, schema.NewErrorf(schema.ErrCodeConfiguration,
			"wait_for count:%d exceeds %d children", spec.Count, n).WithStep(name))
	}

	e.startStep(sctx, exec, se)

	width := step.MaxConcurrent
	if width <= 0 || width > n {
		width = min(n, e.cfg.MaxParallelWidth)
	}

	groupCtx, groupCancel := context.WithCancel(sctx)

	sem := make(chan struct{}, width)
	results := make(chan branchResult, n)
	for i := range step.Steps {
		child := &step.Steps[i]
		snap := cs.Snapshot()
		go func(child *schema.StepDefinition, snap *expressions.ContextStore) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-groupCtx.Done():
			}
			if groupCtx.Err() != nil {
				// The child never started; it still needs a terminal
				// record so the audit trail covers every sibling.
				childName := name + "." + child.Name
				cerr := interruptError(groupCtx, childName)
				bg := context.WithoutCancel(groupCtx)
				cse := e.createStepRecord(bg, exec, child, childName)
				_ = e.failStep(bg, exec, cse, cerr)
				results <- branchResult{name: child.Name, err: cerr}
				return
			}
			out, cerr := e.executeStep(groupCtx, wf, exec, snap, child, name+".")
			results <- branchResult{name: child.Name, out: out, err: cerr}
		}(child, snap)
	}

	var merged map[string]any
	switch spec.Mode {
	case schema.WaitAll:
		merged, err = e.collectAll(results, n, step.Tolerant, name)
		groupCancel()
	default:
		need := 1
		if spec.Mode == schema.WaitCount {
			need = spec.Count
		}
		merged, err = e.collectQuorum(results, n, need, step.SiblingPolicy, groupCancel)
	}

	if err != nil {
		return nil, e.failStep(sctx, exec, se, withStep(err, name))
	}

	e.completeStep(sctx, exec, se, merged)
	return merged, nil
}

// collectAll waits for every child to settle. In strict mode the first
// failure fails the group (after all children finish); in tolerant mode
// the group fails only when every child failed, and failed children are
// represented by an error entry in the merged output.
func (e *Engine) collectAll(results <-chan branchResult, n int, tolerant bool, group string) (map[string]any, error) {
	merged := make(map[string]any, n)
	var firstErr error
	failed := 0

	for i := 0; i < n; i++ {
		r := <-results
		if r.err != nil {
			failed++
			if firstErr == nil {
				firstErr = r.err
			}
			if tolerant {
				merged[r.name] = map[string]any{"error": r.err.Error()}
			}
			continue
		}
		merged[r.name] = r.out
	}

	if !tolerant && firstErr != nil {
		return nil, firstErr
	}
	if tolerant && failed == n {
		return nil, schema.NewErrorf(schema.CodeOf(firstErr),
			"all %d parallel children failed: %s", n, errorMessage(firstErr))
	}
	return merged, nil
}

// collectQuorum waits until `need` children succeed ("any" is need=1).
// The merged output carries only the satisfying successes. Remaining
// siblings either run to completion (default) or are cancelled, per the
// group's sibling policy; either way their step records are still written
// by their own drivers, drained in the background.
func (e *Engine) collectQuorum(results <-chan branchResult, n, need int, siblingPolicy string, groupCancel context.CancelFunc) (map[string]any, error) {
	merged := make(map[string]any, need)
	succeeded, settled := 0, 0
	var firstErr error

	for settled < n {
		r := <-results
		settled++
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			// Quorum unreachable: fail without waiting for the rest.
			if succeeded+(n-settled) < need {
				e.drain(results, n-settled, groupCancel, true)
				return nil, firstErr
			}
			continue
		}
		succeeded++
		merged[r.name] = r.out
		if succeeded >= need {
			cancelSiblings := siblingPolicy == schema.SiblingCancel
			e.drain(results, n-settled, groupCancel, cancelSiblings)
			return merged, nil
		}
	}

	// Unreachable: the loop exits through one of the returns above.
	groupCancel()
	return merged, nil
}

// drain consumes the remaining child results in the background so the
// goroutines can exit, optionally cancelling them first.
func (e *Engine) drain(results <-chan branchResult, remaining int, groupCancel context.CancelFunc, cancelNow bool) {
	if cancelNow {
		groupCancel()
	}
	go func() {
		for i := 0; i < remaining; i++ {
			<-results
		}
		groupCancel()
	}()
}

// executeConditional evaluates the condition, runs exactly one branch, and
// records the unchosen branch as skipped.
func (e *Engine) executeConditional(ctx context.Context, wf *schema.Workflow, exec *schema.Execution, cs *expressions.ContextStore, step *schema.StepDefinition, prefix string) (any, error) {
	name := prefix + step.Name
	sctx := logging.WithStepName(ctx, name)
	se := e.createStepRecord(sctx, exec, step, name)

	eng, err := e.registry.Get(step.ConditionEngine)
	if err != nil {
		return nil, e.failStep(sctx, exec, se, withStep(err, name))
	}

	e.startStep(sctx, exec, se)

	var data map[string]any
	if eng.Name() == schema.EngineNative {
		data = cs.Scope()
	} else {
		data = map[string]any{"steps": cs.Outputs(), "input": cs.Input()}
	}

	result, err := expressions.EvaluateBool(sctx, eng, step.Condition, data)
	if err != nil {
		return nil, e.failStep(sctx, exec, se, withStep(err, name))
	}

	chosen, other := step.IfTrue, step.IfFalse
	if !result {
		chosen, other = step.IfFalse, step.IfTrue
	}

	if other != nil {
		e.skipStep(sctx, exec, other, name+"."+other.Name)
	}

	branchTaken := "none"
	var branchOut any
	if chosen != nil {
		branchTaken = chosen.Name
		branchOut, err = e.executeStep(sctx, wf, exec, cs, chosen, name+".")
		if err != nil {
			return nil, e.failStep(sctx, exec, se, err)
		}
	}

	output := map[string]any{
		"condition_result": result,
		"branch_taken":     branchTaken,
		"result":           branchOut,
	}
	e.completeStep(sctx, exec, se, output)
	return output, nil
}
