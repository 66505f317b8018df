package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthier-ai/maestro/internal/expressions"
	"github.com/luthier-ai/maestro/internal/store"
	"github.com/luthier-ai/maestro/pkg/schema"
)

// --- fakes ---

type fakeAgent struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, agentID string, input map[string]any) (map[string]any, error)
}

func (f *fakeAgent) InvokeAgent(ctx context.Context, agentID string, input map[string]any, _ Attribution) (map[string]any, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, agentID, input)
	}
	return map[string]any{"agent": agentID, "echo": input}, nil
}

func (f *fakeAgent) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeHTTP struct {
	fn func(ctx context.Context, req HTTPRequest) (map[string]any, error)
}

func (f *fakeHTTP) Do(ctx context.Context, req HTTPRequest, _ Attribution) (map[string]any, error) {
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return map[string]any{"status_code": 200, "url": req.URL}, nil
}

type fakeTool struct {
	fn func(ctx context.Context, serverID, toolName string, input map[string]any) (map[string]any, error)
}

func (f *fakeTool) CallTool(ctx context.Context, serverID, toolName string, input map[string]any, _ Attribution) (map[string]any, error) {
	if f.fn != nil {
		return f.fn(ctx, serverID, toolName, input)
	}
	return map[string]any{"server": serverID, "tool": toolName}, nil
}

// --- helpers ---

func newTestEngine(t *testing.T, invokers Invokers, cfg Config) (*Engine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	eng, err := New(ms, invokers, nil, nil, cfg)
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)
	return eng, ms
}

func activeWorkflow(steps ...schema.StepDefinition) *schema.Workflow {
	return &schema.Workflow{
		ID:       "wf1",
		TenantID: "t1",
		Name:     "test workflow",
		Version:  1,
		Status:   schema.WorkflowStatusActive,
		Steps:    steps,
	}
}

func agentStep(name, agentID string, input map[string]any) schema.StepDefinition {
	return schema.StepDefinition{
		Name:    name,
		Type:    schema.StepTypeAgent,
		AgentID: agentID,
		Input:   input,
	}
}

func findStep(t *testing.T, ms *store.MemoryStore, executionID, stepName string) *schema.StepExecution {
	t.Helper()
	steps, err := ms.ListStepExecutions(context.Background(), executionID)
	require.NoError(t, err)
	for _, se := range steps {
		if se.StepName == stepName {
			return se
		}
	}
	t.Fatalf("step %q not found in execution %s", stepName, executionID)
	return nil
}

// --- tests ---

func TestExecute_SequentialAccumulatesContext(t *testing.T) {
	agent := &fakeAgent{fn: func(_ context.Context, agentID string, input map[string]any) (map[string]any, error) {
		if agentID == "analyzer" {
			return map[string]any{"confidence": 0.92}, nil
		}
		return map[string]any{"echo": input}, nil
	}}
	eng, ms := newTestEngine(t, Invokers{Agent: agent}, Config{})

	wf := activeWorkflow(
		agentStep("a1", "analyzer", map[string]any{"prompt": "Analyze {input.data}"}),
		agentStep("a2", "writer", map[string]any{
			"score":  "{a1.confidence}",
			"prompt": "Summarize {input.data}",
		}),
	)

	res, err := eng.Execute(context.Background(), wf, map[string]any{"data": "foo"}, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)

	// Both step outputs are in the final context.
	assert.Equal(t, map[string]any{"confidence": 0.92}, res.Output["a1"])
	echo := res.Output["a2"].(map[string]any)["echo"].(map[string]any)
	assert.Equal(t, 0.92, echo["score"])
	assert.Equal(t, "Summarize foo", echo["prompt"])

	// The second step's persisted record carries its resolved input.
	se := findStep(t, ms, res.ExecutionID, "a2")
	assert.Equal(t, schema.StepStatusCompleted, se.Status)
	assert.Equal(t, 0.92, se.ResolvedInput["score"])
}

func TestExecute_RetryThenSucceed(t *testing.T) {
	agent := &fakeAgent{}
	var n int
	var mu sync.Mutex
	agent.fn = func(context.Context, string, map[string]any) (map[string]any, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n < 3 {
			return nil, schema.NewError(schema.ErrCodeInvocation, "transient outage")
		}
		return map[string]any{"ok": true}, nil
	}
	eng, ms := newTestEngine(t, Invokers{Agent: agent}, Config{})

	step := agentStep("flaky", "a", nil)
	step.Retry = &schema.RetryPolicy{MaxRetries: 3, Strategy: schema.RetryNone}
	wf := activeWorkflow(step)

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, 3, agent.callCount())

	se := findStep(t, ms, res.ExecutionID, "flaky")
	assert.Equal(t, 2, se.RetryCount)
}

func TestExecute_NonRetryableFailsImmediately(t *testing.T) {
	agent := &fakeAgent{fn: func(context.Context, string, map[string]any) (map[string]any, error) {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "bad agent config")
	}}
	eng, _ := newTestEngine(t, Invokers{Agent: agent}, Config{})

	step := agentStep("broken", "a", nil)
	step.Retry = &schema.RetryPolicy{MaxRetries: 5, Strategy: schema.RetryNone}
	wf := activeWorkflow(step)

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeConfiguration, res.ErrorKind)
	assert.Equal(t, "broken", res.ErrorStep)
	assert.Equal(t, 1, agent.callCount())
}

func TestExecute_RetriesExhaustedFails(t *testing.T) {
	agent := &fakeAgent{fn: func(context.Context, string, map[string]any) (map[string]any, error) {
		return nil, schema.NewError(schema.ErrCodeInvocation, "still down")
	}}
	eng, _ := newTestEngine(t, Invokers{Agent: agent}, Config{})

	step := agentStep("flaky", "a", nil)
	step.Retry = &schema.RetryPolicy{MaxRetries: 2, Strategy: schema.RetryNone}
	wf := activeWorkflow(step)

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeInvocation, res.ErrorKind)
	assert.Equal(t, 3, agent.callCount()) // initial + 2 retries
}

func TestExecute_StepTimeout(t *testing.T) {
	agent := &fakeAgent{fn: func(ctx context.Context, _ string, _ map[string]any) (map[string]any, error) {
		select {
		case <-time.After(5 * time.Second):
			return map[string]any{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	eng, ms := newTestEngine(t, Invokers{Agent: agent}, Config{})

	step := agentStep("slow", "a", nil)
	step.Timeout = "30ms"
	wf := activeWorkflow(step)

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeTimeout, res.ErrorKind)

	se := findStep(t, ms, res.ExecutionID, "slow")
	assert.Equal(t, schema.StepStatusFailed, se.Status)
}

func TestExecute_TimeoutNotRetriedByDefault(t *testing.T) {
	agent := &fakeAgent{fn: func(ctx context.Context, _ string, _ map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	eng, _ := newTestEngine(t, Invokers{Agent: agent}, Config{})

	step := agentStep("slow", "a", nil)
	step.Timeout = "20ms"
	step.Retry = &schema.RetryPolicy{MaxRetries: 3, Strategy: schema.RetryNone}
	wf := activeWorkflow(step)

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, 1, agent.callCount())
}

func TestExecute_LenientTemplateLeavesLiteral(t *testing.T) {
	agent := &fakeAgent{}
	eng, _ := newTestEngine(t, Invokers{Agent: agent}, Config{})

	wf := activeWorkflow(agentStep("a1", "a", map[string]any{"prompt": "use {nope.field}"}))

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)

	echo := res.Output["a1"].(map[string]any)["echo"].(map[string]any)
	assert.Equal(t, "use {nope.field}", echo["prompt"])
}

func TestExecute_StrictTemplateFails(t *testing.T) {
	agent := &fakeAgent{}
	eng, _ := newTestEngine(t, Invokers{Agent: agent}, Config{TemplatePolicy: expressions.TemplateStrict})

	wf := activeWorkflow(agentStep("a1", "a", map[string]any{"prompt": "use {nope.field}"}))

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeTemplate, res.ErrorKind)
	assert.Equal(t, 0, agent.callCount())
}

func TestExecute_HTTPStep(t *testing.T) {
	var gotURL string
	http := &fakeHTTP{fn: func(_ context.Context, req HTTPRequest) (map[string]any, error) {
		gotURL = req.URL
		return map[string]any{"status_code": 200, "body": map[string]any{"id": "42"}}, nil
	}}
	eng, _ := newTestEngine(t, Invokers{HTTP: http}, Config{})

	wf := activeWorkflow(schema.StepDefinition{
		Name:   "fetch",
		Type:   schema.StepTypeHTTP,
		Method: "GET",
		URL:    "https://api.example.com/items/{input.id}",
	})

	res, err := eng.Execute(context.Background(), wf, map[string]any{"id": "42"}, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, "https://api.example.com/items/42", gotURL)
}

func TestExecute_MCPToolStep(t *testing.T) {
	tool := &fakeTool{fn: func(_ context.Context, serverID, toolName string, input map[string]any) (map[string]any, error) {
		return map[string]any{"server": serverID, "tool": toolName, "q": input["q"]}, nil
	}}
	eng, _ := newTestEngine(t, Invokers{Tool: tool}, Config{})

	wf := activeWorkflow(schema.StepDefinition{
		Name:     "search",
		Type:     schema.StepTypeMCPTool,
		ServerID: "kb",
		ToolName: "query",
		Input:    map[string]any{"q": "{input.topic}"},
	})

	res, err := eng.Execute(context.Background(), wf, map[string]any{"topic": "go"}, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, "go", res.Output["search"].(map[string]any)["q"])
}

func TestExecute_AgentOutputMapping(t *testing.T) {
	agent := &fakeAgent{fn: func(context.Context, string, map[string]any) (map[string]any, error) {
		return map[string]any{
			"result": map[string]any{"summary": "done", "raw": "noise"},
		}, nil
	}}
	eng, _ := newTestEngine(t, Invokers{Agent: agent}, Config{})

	step := agentStep("a1", "a", nil)
	step.OutputMapping = map[string]string{"summary": "$.result.summary"}
	wf := activeWorkflow(step)

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"summary": "done"}, res.Output["a1"])
}

func TestExecute_MissingInvokerFails(t *testing.T) {
	eng, _ := newTestEngine(t, Invokers{}, Config{})

	wf := activeWorkflow(agentStep("a1", "a", nil))

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeConfiguration, res.ErrorKind)
}

func TestExecute_FailureStopsLaterSteps(t *testing.T) {
	agent := &fakeAgent{fn: func(_ context.Context, agentID string, _ map[string]any) (map[string]any, error) {
		if agentID == "bad" {
			return nil, schema.NewError(schema.ErrCodeInvocation, "down")
		}
		return map[string]any{}, nil
	}}
	eng, ms := newTestEngine(t, Invokers{Agent: agent}, Config{})

	wf := activeWorkflow(
		agentStep("first", "bad", nil),
		agentStep("second", "good", nil),
	)

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, "first", res.ErrorStep)

	// The second step never produced a record.
	steps, err := ms.ListStepExecutions(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	for _, se := range steps {
		assert.NotEqual(t, "second", se.StepName)
	}
}

func TestPrepare_RejectsInactiveWorkflow(t *testing.T) {
	eng, _ := newTestEngine(t, Invokers{Agent: &fakeAgent{}}, Config{})

	wf := activeWorkflow(agentStep("a1", "a", nil))
	wf.Status = schema.WorkflowStatusDraft

	_, err := eng.Execute(context.Background(), wf, nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.CodeOf(err))
}

func TestPrepare_RejectsInvalidWorkflow(t *testing.T) {
	eng, _ := newTestEngine(t, Invokers{Agent: &fakeAgent{}}, Config{})

	// Agent step without agent_id.
	wf := activeWorkflow(schema.StepDefinition{Name: "a1", Type: schema.StepTypeAgent})

	_, err := eng.Execute(context.Background(), wf, nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.CodeOf(err))
}

func TestStart_AndCancelRunningExecution(t *testing.T) {
	agent := &fakeAgent{fn: func(ctx context.Context, _ string, _ map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	eng, ms := newTestEngine(t, Invokers{Agent: agent}, Config{})

	wf := activeWorkflow(agentStep("blocker", "a", nil))

	execID, status, err := eng.Start(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusPending, status)

	// Wait until the driver is running, then cancel.
	require.Eventually(t, func() bool {
		exec, gerr := ms.GetExecution(context.Background(), execID)
		return gerr == nil && exec.Status == schema.ExecutionStatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, eng.Cancel(context.Background(), execID))

	require.Eventually(t, func() bool {
		exec, gerr := ms.GetExecution(context.Background(), execID)
		return gerr == nil && exec.Status == schema.ExecutionStatusCancelled
	}, 2*time.Second, 10*time.Millisecond)

	exec, err := ms.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeCancelled, exec.ErrorKind)
}

func TestCancel_TerminalExecutionRejected(t *testing.T) {
	eng, _ := newTestEngine(t, Invokers{Agent: &fakeAgent{}}, Config{})

	wf := activeWorkflow(agentStep("a1", "a", nil))
	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, res.Status)

	err = eng.Cancel(context.Background(), res.ExecutionID)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))
}

func TestCancel_UnknownExecution(t *testing.T) {
	eng, _ := newTestEngine(t, Invokers{}, Config{})

	err := eng.Cancel(context.Background(), "no-such-id")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestSnapshot_ReturnsExecutionAndSteps(t *testing.T) {
	agent := &fakeAgent{}
	eng, _ := newTestEngine(t, Invokers{Agent: agent}, Config{})

	wf := activeWorkflow(
		agentStep("a1", "a", nil),
		agentStep("a2", "a", nil),
	)

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)

	snap, err := eng.Snapshot(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, snap.Execution.Status)
	assert.Len(t, snap.Steps, 2)

	_, err = eng.Snapshot(context.Background(), "no-such-id")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestExecute_WorkflowTimeout(t *testing.T) {
	agent := &fakeAgent{fn: func(ctx context.Context, _ string, _ map[string]any) (map[string]any, error) {
		select {
		case <-time.After(5 * time.Second):
			return map[string]any{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	eng, _ := newTestEngine(t, Invokers{Agent: agent}, Config{})

	wf := activeWorkflow(agentStep("slow", "a", nil))
	wf.Timeout = "50ms"

	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeTimeout, res.ErrorKind)
}

func TestExecute_AuditTrailSequenced(t *testing.T) {
	agent := &fakeAgent{}
	eng, ms := newTestEngine(t, Invokers{Agent: agent}, Config{})

	wf := activeWorkflow(agentStep("a1", "a", nil))
	res, err := eng.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)

	records, err := ms.ListAudit(context.Background(), res.ExecutionID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, records)

	// Sequences are strictly increasing from 1.
	for i, rec := range records {
		assert.Equal(t, int64(i+1), rec.Sequence)
	}
	assert.Equal(t, schema.EventExecutionStarted, records[0].Kind)
	assert.Equal(t, schema.EventExecutionCompleted, records[len(records)-1].Kind)
}

func TestExecute_ContextSeedResolvesInFirstStep(t *testing.T) {
	var gotPrompt string
	agent := &fakeAgent{fn: func(_ context.Context, _ string, input map[string]any) (map[string]any, error) {
		gotPrompt, _ = input["prompt"].(string)
		return map[string]any{"ok": true}, nil
	}}
	eng, _ := newTestEngine(t, Invokers{Agent: agent}, Config{})

	wf := activeWorkflow(agentStep("a1", "a", map[string]any{"prompt": "Use {seeded.value}"}))
	seed := map[string]any{"seeded": map[string]any{"value": "bar"}}

	res, err := eng.Execute(context.Background(), wf, map[string]any{"data": "foo"}, seed)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, "Use bar", gotPrompt)

	// Seeded entries live in the context alongside step outputs.
	assert.Equal(t, map[string]any{"value": "bar"}, res.Output["seeded"])
}

func TestExecute_SeedReservedInputName(t *testing.T) {
	eng, _ := newTestEngine(t, Invokers{Agent: &fakeAgent{}}, Config{})

	wf := activeWorkflow(agentStep("a1", "a", nil))
	_, err := eng.Execute(context.Background(), wf, nil, map[string]any{"input": "clobbered"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.CodeOf(err))
}

func TestExecute_StepNameCollidingWithSeedConflicts(t *testing.T) {
	agent := &fakeAgent{}
	eng, _ := newTestEngine(t, Invokers{Agent: agent}, Config{})

	// The step commits under "seeded", which the seed already claimed.
	wf := activeWorkflow(agentStep("seeded", "a", nil))

	res, err := eng.Execute(context.Background(), wf, nil, map[string]any{"seeded": "taken"})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeConflict, res.ErrorKind)
}

func TestStart_WithSeed(t *testing.T) {
	agent := &fakeAgent{fn: func(_ context.Context, _ string, input map[string]any) (map[string]any, error) {
		return map[string]any{"echo": input}, nil
	}}
	eng, ms := newTestEngine(t, Invokers{Agent: agent}, Config{})

	wf := activeWorkflow(agentStep("a1", "a", map[string]any{"topic": "{seeded.topic}"}))
	execID, _, err := eng.Start(context.Background(), wf, nil, map[string]any{"seeded": map[string]any{"topic": "go"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		exec, gerr := ms.GetExecution(context.Background(), execID)
		return gerr == nil && exec.Status == schema.ExecutionStatusCompleted
	}, time.Second, 10*time.Millisecond)

	se := findStep(t, ms, execID, "a1")
	assert.Equal(t, "go", se.ResolvedInput["topic"])
}
