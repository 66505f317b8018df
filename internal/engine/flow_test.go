package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthier-ai/maestro/pkg/schema"
)

func parallelStep(name, waitFor string, children ...schema.StepDefinition) schema.StepDefinition {
	return schema.StepDefinition{
		Name:    name,
		Type:    schema.StepTypeParallel,
		WaitFor: waitFor,
		Steps:   children,
	}
}

func TestParallel_AllMergesChildOutputs(t *testing.T) {
	agent := &fakeAgent{fn: func(_ context.Context, agentID string, _ map[string]any) (map[string]any, error) {
		return map[string]any{"from": agentID}, nil
	}}
	eng, ms := newTestEngine(t, Invokers{Agent: agent}, Config{})

	wf := activeWorkflow(parallelStep("fanout", "all",
		agentStep("c1", "a1", nil),
		agentStep("c2", "a2", nil),
		agentStep("c3", "a3", nil),
	))

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)

	// Only the group name is committed at the top level.
	require.Len(t, res.Output, 1)
	group := res.Output["fanout"].(map[string]any)
	assert.Equal(t, map[string]any{"from": "a1"}, group["c1"])
	assert.Equal(t, map[string]any{"from": "a2"}, group["c2"])
	assert.Equal(t, map[string]any{"from": "a3"}, group["c3"])

	// Child records are namespaced under the group.
	se := findStep(t, ms, res.ExecutionID, "fanout.c2")
	assert.Equal(t, schema.StepStatusCompleted, se.Status)
}

func TestParallel_ChildrenIsolatedFromSiblings(t *testing.T) {
	var mu sync.Mutex
	inputs := map[string]map[string]any{}
	agent := &fakeAgent{fn: func(_ context.Context, agentID string, input map[string]any) (map[string]any, error) {
		mu.Lock()
		inputs[agentID] = input
		mu.Unlock()
		return map[string]any{"done": agentID}, nil
	}}
	eng, _ := newTestEngine(t, Invokers{Agent: agent}, Config{})

	// Each child tries to reference its sibling; under snapshot isolation
	// the reference stays unresolved literal text.
	wf := activeWorkflow(parallelStep("fanout", "all",
		agentStep("c1", "a1", map[string]any{"peer": "{c2.done}"}),
		agentStep("c2", "a2", map[string]any{"peer": "{c1.done}"}),
	))

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, "{c2.done}", inputs["a1"]["peer"])
	assert.Equal(t, "{c1.done}", inputs["a2"]["peer"])
}

func TestParallel_StrictAllFailsOnAnyChildFailure(t *testing.T) {
	agent := &fakeAgent{fn: func(_ context.Context, agentID string, _ map[string]any) (map[string]any, error) {
		if agentID == "bad" {
			return nil, schema.NewError(schema.ErrCodeInvocation, "child down")
		}
		return map[string]any{}, nil
	}}
	eng, _ := newTestEngine(t, Invokers{Agent: agent}, Config{})

	wf := activeWorkflow(parallelStep("fanout", "all",
		agentStep("ok", "good", nil),
		agentStep("boom", "bad", nil),
	))

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeInvocation, res.ErrorKind)
	assert.Equal(t, "fanout", res.ErrorStep)
}

func TestParallel_TolerantKeepsPartialResults(t *testing.T) {
	agent := &fakeAgent{fn: func(_ context.Context, agentID string, _ map[string]any) (map[string]any, error) {
		if agentID == "bad" {
			return nil, schema.NewError(schema.ErrCodeInvocation, "child down")
		}
		return map[string]any{"ok": true}, nil
	}}
	eng, _ := newTestEngine(t, Invokers{Agent: agent}, Config{})

	group := parallelStep("fanout", "all",
		agentStep("ok", "good", nil),
		agentStep("boom", "bad", nil),
	)
	group.Tolerant = true
	wf := activeWorkflow(group)

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)

	merged := res.Output["fanout"].(map[string]any)
	assert.Equal(t, map[string]any{"ok": true}, merged["ok"])
	boom := merged["boom"].(map[string]any)
	assert.Contains(t, boom["error"], "child down")
}

func TestParallel_TolerantAllFailedStillFails(t *testing.T) {
	agent := &fakeAgent{fn: func(context.Context, string, map[string]any) (map[string]any, error) {
		return nil, schema.NewError(schema.ErrCodeInvocation, "down")
	}}
	eng, _ := newTestEngine(t, Invokers{Agent: agent}, Config{})

	group := parallelStep("fanout", "all",
		agentStep("c1", "a", nil),
		agentStep("c2", "a", nil),
	)
	group.Tolerant = true
	wf := activeWorkflow(group)

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
}

func TestParallel_AnyCompletesOnFirstSuccess(t *testing.T) {
	agent := &fakeAgent{fn: func(ctx context.Context, agentID string, _ map[string]any) (map[string]any, error) {
		if agentID == "fast" {
			return map[string]any{"winner": true}, nil
		}
		select {
		case <-time.After(200 * time.Millisecond):
			return map[string]any{"late": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	eng, _ := newTestEngine(t, Invokers{Agent: agent}, Config{})

	wf := activeWorkflow(parallelStep("race", "any",
		agentStep("quick", "fast", nil),
		agentStep("slow", "slower", nil),
	))

	start := time.Now()
	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	// Only the satisfying success is merged.
	merged := res.Output["race"].(map[string]any)
	assert.Equal(t, map[string]any{"winner": true}, merged["quick"])
	_, hasSlow := merged["slow"]
	assert.False(t, hasSlow)
}

func TestParallel_AnyToleratesFailingSibling(t *testing.T) {
	agent := &fakeAgent{fn: func(_ context.Context, agentID string, _ map[string]any) (map[string]any, error) {
		if agentID == "bad" {
			return nil, schema.NewError(schema.ErrCodeInvocation, "down")
		}
		time.Sleep(20 * time.Millisecond)
		return map[string]any{"ok": true}, nil
	}}
	eng, _ := newTestEngine(t, Invokers{Agent: agent}, Config{})

	wf := activeWorkflow(parallelStep("race", "any",
		agentStep("boom", "bad", nil),
		agentStep("win", "good", nil),
	))

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, map[string]any{"ok": true}, res.Output["race"].(map[string]any)["win"])
}

func TestParallel_CountQuorum(t *testing.T) {
	agent := &fakeAgent{fn: func(_ context.Context, agentID string, _ map[string]any) (map[string]any, error) {
		return map[string]any{"from": agentID}, nil
	}}
	eng, _ := newTestEngine(t, Invokers{Agent: agent}, Config{})

	wf := activeWorkflow(parallelStep("quorum", "count:2",
		agentStep("c1", "a1", nil),
		agentStep("c2", "a2", nil),
		agentStep("c3", "a3", nil),
	))

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.GreaterOrEqual(t, len(res.Output["quorum"].(map[string]any)), 2)
}

func TestParallel_CountQuorumUnreachableFails(t *testing.T) {
	agent := &fakeAgent{fn: func(_ context.Context, agentID string, _ map[string]any) (map[string]any, error) {
		if agentID == "bad" {
			return nil, schema.NewError(schema.ErrCodeInvocation, "down")
		}
		return map[string]any{}, nil
	}}
	eng, _ := newTestEngine(t, Invokers{Agent: agent}, Config{})

	// count:2 with only two children and one guaranteed failure.
	wf := activeWorkflow(parallelStep("quorum", "count:2",
		agentStep("c1", "good", nil),
		agentStep("c2", "bad", nil),
	))

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
}

func TestParallel_CountExceedingChildrenRejected(t *testing.T) {
	eng, _ := newTestEngine(t, Invokers{Agent: &fakeAgent{}}, Config{})

	wf := activeWorkflow(parallelStep("quorum", "count:5",
		agentStep("c1", "a", nil),
	))

	// Definition-time validation catches this before a run starts.
	_, err := eng.Execute(context.Background(), wf, nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.CodeOf(err))
}

func TestParallel_MaxConcurrentBoundsWidth(t *testing.T) {
	var active, peak int64
	var mu sync.Mutex
	agent := &fakeAgent{fn: func(context.Context, string, map[string]any) (map[string]any, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(15 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return map[string]any{}, nil
	}}
	eng, _ := newTestEngine(t, Invokers{Agent: agent}, Config{})

	group := parallelStep("fanout", "all",
		agentStep("c1", "a", nil),
		agentStep("c2", "a", nil),
		agentStep("c3", "a", nil),
		agentStep("c4", "a", nil),
	)
	group.MaxConcurrent = 2
	wf := activeWorkflow(group)

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, int64(2))
}

func TestConditional_TrueBranchRuns(t *testing.T) {
	agent := &fakeAgent{fn: func(_ context.Context, agentID string, _ map[string]any) (map[string]any, error) {
		if agentID == "analyzer" {
			return map[string]any{"confidence": 0.92}, nil
		}
		return map[string]any{"handled_by": agentID}, nil
	}}
	eng, ms := newTestEngine(t, Invokers{Agent: agent}, Config{})

	wf := activeWorkflow(
		agentStep("a1", "analyzer", nil),
		schema.StepDefinition{
			Name:      "route",
			Type:      schema.StepTypeConditional,
			Condition: "$.a1.confidence > 0.8",
			IfTrue:    ptrStep(agentStep("approve", "approver", nil)),
			IfFalse:   ptrStep(agentStep("review", "reviewer", nil)),
		},
	)

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)

	route := res.Output["route"].(map[string]any)
	assert.Equal(t, true, route["condition_result"])
	assert.Equal(t, "approve", route["branch_taken"])
	assert.Equal(t, map[string]any{"handled_by": "approver"}, route["result"])

	// The unchosen branch is recorded as skipped.
	skipped := findStep(t, ms, res.ExecutionID, "route.review")
	assert.Equal(t, schema.StepStatusSkipped, skipped.Status)

	chosen := findStep(t, ms, res.ExecutionID, "route.approve")
	assert.Equal(t, schema.StepStatusCompleted, chosen.Status)
}

func TestConditional_FalseBranchRuns(t *testing.T) {
	agent := &fakeAgent{fn: func(_ context.Context, agentID string, _ map[string]any) (map[string]any, error) {
		if agentID == "analyzer" {
			return map[string]any{"confidence": 0.4}, nil
		}
		return map[string]any{"handled_by": agentID}, nil
	}}
	eng, _ := newTestEngine(t, Invokers{Agent: agent}, Config{})

	wf := activeWorkflow(
		agentStep("a1", "analyzer", nil),
		schema.StepDefinition{
			Name:      "route",
			Type:      schema.StepTypeConditional,
			Condition: "$.a1.confidence > 0.8",
			IfTrue:    ptrStep(agentStep("approve", "approver", nil)),
			IfFalse:   ptrStep(agentStep("review", "reviewer", nil)),
		},
	)

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)

	route := res.Output["route"].(map[string]any)
	assert.Equal(t, false, route["condition_result"])
	assert.Equal(t, "review", route["branch_taken"])
}

func TestConditional_MissingBranchYieldsNone(t *testing.T) {
	agent := &fakeAgent{fn: func(_ context.Context, agentID string, _ map[string]any) (map[string]any, error) {
		if agentID == "analyzer" {
			return map[string]any{"confidence": 0.4}, nil
		}
		return map[string]any{}, nil
	}}
	eng, _ := newTestEngine(t, Invokers{Agent: agent}, Config{})

	wf := activeWorkflow(
		agentStep("a1", "analyzer", nil),
		schema.StepDefinition{
			Name:      "route",
			Type:      schema.StepTypeConditional,
			Condition: "$.a1.confidence > 0.8",
			IfTrue:    ptrStep(agentStep("approve", "approver", nil)),
		},
	)

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)

	route := res.Output["route"].(map[string]any)
	assert.Equal(t, "none", route["branch_taken"])
	assert.Nil(t, route["result"])
}

func TestConditional_TypeMismatchFails(t *testing.T) {
	agent := &fakeAgent{fn: func(_ context.Context, agentID string, _ map[string]any) (map[string]any, error) {
		if agentID == "analyzer" {
			return map[string]any{"confidence": "high"}, nil
		}
		return map[string]any{}, nil
	}}
	eng, _ := newTestEngine(t, Invokers{Agent: agent}, Config{})

	wf := activeWorkflow(
		agentStep("a1", "analyzer", nil),
		schema.StepDefinition{
			Name:      "route",
			Type:      schema.StepTypeConditional,
			Condition: "$.a1.confidence > 0.8",
			IfTrue:    ptrStep(agentStep("approve", "approver", nil)),
		},
	)

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeTemplate, res.ErrorKind)
}

func TestConditional_CELEngine(t *testing.T) {
	agent := &fakeAgent{fn: func(_ context.Context, agentID string, _ map[string]any) (map[string]any, error) {
		if agentID == "analyzer" {
			return map[string]any{"confidence": 0.92}, nil
		}
		return map[string]any{"handled_by": agentID}, nil
	}}
	eng, _ := newTestEngine(t, Invokers{Agent: agent}, Config{})

	wf := activeWorkflow(
		agentStep("a1", "analyzer", nil),
		schema.StepDefinition{
			Name:            "route",
			Type:            schema.StepTypeConditional,
			Condition:       "steps.a1.confidence > 0.9 && input.mode == 'auto'",
			ConditionEngine: schema.EngineCEL,
			IfTrue:          ptrStep(agentStep("approve", "approver", nil)),
			IfFalse:         ptrStep(agentStep("review", "reviewer", nil)),
		},
	)

	res, err := eng.Execute(context.Background(), wf, map[string]any{"mode": "auto"}, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, "approve", res.Output["route"].(map[string]any)["branch_taken"])
}

func TestConditional_NestedParallelBranch(t *testing.T) {
	agent := &fakeAgent{fn: func(_ context.Context, agentID string, _ map[string]any) (map[string]any, error) {
		if agentID == "analyzer" {
			return map[string]any{"confidence": 0.95}, nil
		}
		return map[string]any{"from": agentID}, nil
	}}
	eng, ms := newTestEngine(t, Invokers{Agent: agent}, Config{})

	wf := activeWorkflow(
		agentStep("a1", "analyzer", nil),
		schema.StepDefinition{
			Name:      "route",
			Type:      schema.StepTypeConditional,
			Condition: "$.a1.confidence > 0.8",
			IfTrue: ptrStep(parallelStep("fanout", "all",
				agentStep("n1", "w1", nil),
				agentStep("n2", "w2", nil),
			)),
		},
	)

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)

	route := res.Output["route"].(map[string]any)
	group := route["result"].(map[string]any)
	assert.Equal(t, map[string]any{"from": "w1"}, group["n1"])

	// Deeply nested records carry the full namespaced path.
	se := findStep(t, ms, res.ExecutionID, "route.fanout.n1")
	assert.Equal(t, schema.StepStatusCompleted, se.Status)
}

func ptrStep(s schema.StepDefinition) *schema.StepDefinition {
	return &s
}

func TestParallel_CancelledWaitingChildStillRecorded(t *testing.T) {
	agent := &fakeAgent{fn: func(ctx context.Context, _ string, _ map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	eng, ms := newTestEngine(t, Invokers{Agent: agent}, Config{})

	// Width 1: one child blocks inside the adapter, the other waits on the
	// group semaphore and never starts.
	group := parallelStep("fanout", "all",
		agentStep("c1", "a1", nil),
		agentStep("c2", "a2", nil),
	)
	group.MaxConcurrent = 1
	wf := activeWorkflow(group)

	execID, _, err := eng.Start(context.Background(), wf, nil, nil)
	require.NoError(t, err)

	// Wait until one child is actually running, then cancel the execution.
	require.Eventually(t, func() bool {
		steps, lerr := ms.ListStepExecutions(context.Background(), execID)
		if lerr != nil {
			return false
		}
		for _, se := range steps {
			if se.Status == schema.StepStatusRunning && se.StepName != "fanout" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, eng.Cancel(context.Background(), execID))

	require.Eventually(t, func() bool {
		exec, gerr := ms.GetExecution(context.Background(), execID)
		return gerr == nil && exec.Status == schema.ExecutionStatusCancelled
	}, 2*time.Second, 10*time.Millisecond)

	// Every sibling has a terminal record, including the one that never
	// acquired a semaphore slot.
	require.Eventually(t, func() bool {
		steps, lerr := ms.ListStepExecutions(context.Background(), execID)
		if lerr != nil {
			return false
		}
		seen := map[string]schema.StepStatus{}
		for _, se := range steps {
			seen[se.StepName] = se.Status
		}
		return seen["fanout.c1"] == schema.StepStatusFailed &&
			seen["fanout.c2"] == schema.StepStatusFailed
	}, 2*time.Second, 10*time.Millisecond)
}
