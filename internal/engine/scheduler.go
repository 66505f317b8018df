package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luthier-ai/maestro/internal/expressions"
	"github.com/luthier-ai/maestro/internal/logging"
	"github.com/luthier-ai/maestro/internal/store"
	"github.com/luthier-ai/maestro/internal/validation"
	"github.com/luthier-ai/maestro/pkg/schema"
)

// Config tunes scheduler behavior.
type Config struct {
	// MaxConcurrentRuns bounds the number of simultaneously running executions.
	MaxConcurrentRuns int
	// MaxParallelWidth is the default concurrency cap inside a parallel
	// group when the step does not set max_concurrent.
	MaxParallelWidth int
	// TemplatePolicy controls unresolved placeholder handling. Defaults to
	// lenient: unresolved references stay as literal text.
	TemplatePolicy expressions.TemplatePolicy
	// Breaker configures the per-target circuit breakers.
	Breaker BreakerConfig
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = 16
	}
	if c.MaxParallelWidth <= 0 {
		c.MaxParallelWidth = 8
	}
	if c.TemplatePolicy == "" {
		c.TemplatePolicy = expressions.TemplateLenient
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker = DefaultBreakerConfig()
	}
	return c
}

// Engine schedules and executes workflows: it walks the ordered step list,
// dispatches invocations through the adapters, accumulates context, and
// applies retry, timeout, and cancellation policy.
type Engine struct {
	store    store.Store
	invokers Invokers
	registry *expressions.Registry
	mapper   *expressions.Mapper
	resolver *expressions.Resolver
	breakers *BreakerRegistry
	fsm      *LifecycleFSM
	pool     *RunnerPool
	logger   *slog.Logger
	cfg      Config

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

// New creates an Engine. A nil audit sink falls back to the store itself.
func New(s store.Store, invokers Invokers, audit store.Sink, logger *slog.Logger, cfg Config) (*Engine, error) {
	if s == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "engine requires a store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	registry, err := expressions.DefaultRegistry()
	if err != nil {
		return nil, err
	}

	if audit == nil {
		audit = s
	}

	return &Engine{
		store:    s,
		invokers: invokers,
		registry: registry,
		mapper:   expressions.NewMapper(),
		resolver: expressions.NewResolver(cfg.TemplatePolicy),
		breakers: NewBreakerRegistry(cfg.Breaker),
		fsm:      NewLifecycleFSM(audit),
		pool:     NewRunnerPool(cfg.MaxConcurrentRuns),
		logger:   logger,
		cfg:      cfg,
		cancels:  make(map[string]context.CancelCauseFunc),
	}, nil
}

// Shutdown stops accepting new runs and waits for in-flight runs to finish.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

// Start begins an asynchronous execution and returns its ID immediately.
// The run driver is detached from the caller's context; use Cancel to
// stop it. An optional seed pre-populates context entries before the
// first step; seeded names obey the same write-once rule as step outputs,
// and "input" is reserved.
func (e *Engine) Start(ctx context.Context, wf *schema.Workflow, input, seed map[string]any) (string, schema.ExecutionStatus, error) {
	exec, err := e.prepare(ctx, wf, input, seed)
	if err != nil {
		return "", "", err
	}

	if err := e.pool.Submit(context.WithoutCancel(ctx), func(runCtx context.Context) error {
		res := e.run(runCtx, wf, exec, seed)
		if res.Status != schema.ExecutionStatusCompleted {
			return schema.NewError(res.ErrorKind, res.ErrorMessage)
		}
		return nil
	}); err != nil {
		return "", "", schema.NewError(schema.ErrCodeConflict, "engine is not accepting runs").WithCause(err)
	}

	return exec.ID, exec.Status, nil
}

// Execute runs a workflow synchronously and returns the terminal result.
// The optional seed behaves as in Start.
func (e *Engine) Execute(ctx context.Context, wf *schema.Workflow, input, seed map[string]any) (*schema.Result, error) {
	exec, err := e.prepare(ctx, wf, input, seed)
	if err != nil {
		return nil, err
	}

	done := make(chan *schema.Result, 1)
	if err := e.pool.Submit(ctx, func(runCtx context.Context) error {
		res := e.run(runCtx, wf, exec, seed)
		done <- res
		if res.Status != schema.ExecutionStatusCompleted {
			return schema.NewError(res.ErrorKind, res.ErrorMessage)
		}
		return nil
	}); err != nil {
		if errors.Is(err, ErrPoolShutdown) {
			return nil, schema.NewError(schema.ErrCodeConflict, "engine is not accepting runs").WithCause(err)
		}
		return nil, err
	}

	// The driver honors ctx itself, so waiting here is bounded.
	return <-done, nil
}

// prepare validates the workflow and creates the pending execution record.
func (e *Engine) prepare(ctx context.Context, wf *schema.Workflow, input, seed map[string]any) (*schema.Execution, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "workflow is nil")
	}
	if _, ok := seed["input"]; ok {
		return nil, schema.NewError(schema.ErrCodeConfiguration,
			`context seed cannot use the reserved name "input"`)
	}
	if wf.Status != schema.WorkflowStatusActive {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"workflow %q is %s, only active workflows can run", wf.ID, wf.Status)
	}
	if err := validation.ValidateWorkflow(wf).ToError(); err != nil {
		return nil, err
	}

	exec := &schema.Execution{
		ID:              uuid.NewString(),
		TenantID:        wf.TenantID,
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Status:          schema.ExecutionStatusPending,
		InputData:       input,
		CreatedAt:       time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create execution").WithCause(err)
	}
	return exec, nil
}

// run is the execution driver: it owns the run context, walks the step
// list, and writes the terminal state.
func (e *Engine) run(pctx context.Context, wf *schema.Workflow, exec *schema.Execution, seed map[string]any) *schema.Result {
	runCtx, cancel := context.WithCancelCause(pctx)
	defer cancel(nil)
	e.registerCancel(exec.ID, cancel)
	defer e.unregisterCancel(exec.ID)

	if d, err := schema.ParseTimeout(wf.Timeout); err == nil && d > 0 {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(runCtx, d)
		defer tcancel()
	}

	runCtx = logging.WithExecutionID(logging.WithTenantID(runCtx, exec.TenantID), exec.ID)

	now := time.Now().UTC()
	exec.StartedAt = &now
	if err := e.fsm.TransitionExecution(runCtx, exec, schema.ExecutionStatusRunning); err != nil {
		return e.finalize(runCtx, exec, nil, err)
	}
	e.persistExecution(runCtx, exec)
	e.logger.InfoContext(runCtx, "execution started",
		slog.String("workflow_id", wf.ID), slog.Int("steps", len(wf.Steps)))

	cs := expressions.NewContextStore(exec.InputData)

	var runErr error
	for k, v := range seed {
		if runErr = cs.Commit(k, v); runErr != nil {
			return e.finalize(runCtx, exec, cs, runErr)
		}
	}
	for i := range wf.Steps {
		step := &wf.Steps[i]
		exec.CurrentStep = step.Name
		e.persistExecution(runCtx, exec)

		out, err := e.executeStep(runCtx, wf, exec, cs, step, "")
		if err != nil {
			runErr = err
			break
		}
		if err := cs.Commit(step.Name, out); err != nil {
			runErr = err
			break
		}
	}

	return e.finalize(runCtx, exec, cs, runErr)
}

// finalize writes the terminal execution state. Persistence uses a context
// that survives run cancellation.
func (e *Engine) finalize(ctx context.Context, exec *schema.Execution, cs *expressions.ContextStore, runErr error) *schema.Result {
	bg := context.WithoutCancel(ctx)

	now := time.Now().UTC()
	exec.CompletedAt = &now
	if exec.StartedAt != nil {
		exec.DurationMs = now.Sub(*exec.StartedAt).Milliseconds()
	}
	exec.CurrentStep = ""

	if runErr == nil {
		if cs != nil {
			exec.OutputData = cs.Outputs()
		}
		if err := e.fsm.TransitionExecution(bg, exec, schema.ExecutionStatusCompleted); err != nil {
			runErr = err
		}
	}

	if runErr != nil {
		status, kind := classifyRunError(runErr)
		exec.ErrorKind = kind
		exec.ErrorMessage = errorMessage(runErr)
		exec.ErrorStep = schema.StepOf(runErr)
		_ = e.fsm.TransitionExecution(bg, exec, status)
	}

	e.persistExecution(bg, exec)
	e.logger.InfoContext(bg, "execution finished",
		slog.String("status", string(exec.Status)),
		slog.Int64("duration_ms", exec.DurationMs))

	return &schema.Result{
		ExecutionID:  exec.ID,
		Status:       exec.Status,
		Output:       exec.OutputData,
		ErrorKind:    exec.ErrorKind,
		ErrorMessage: exec.ErrorMessage,
		ErrorStep:    exec.ErrorStep,
		DurationMs:   exec.DurationMs,
	}
}

// classifyRunError maps a run-ending error onto the terminal execution
// status and user-visible error kind.
func classifyRunError(err error) (schema.ExecutionStatus, string) {
	code := schema.CodeOf(err)
	switch {
	case code == schema.ErrCodeCancelled:
		return schema.ExecutionStatusCancelled, schema.ErrCodeCancelled
	case errors.Is(err, context.DeadlineExceeded) || code == schema.ErrCodeTimeout:
		return schema.ExecutionStatusFailed, schema.ErrCodeTimeout
	case errors.Is(err, context.Canceled):
		return schema.ExecutionStatusCancelled, schema.ErrCodeCancelled
	default:
		return schema.ExecutionStatusFailed, code
	}
}

func errorMessage(err error) string {
	var ee *schema.EngineError
	if errors.As(err, &ee) {
		return ee.Message
	}
	return err.Error()
}

// executeStep dispatches on the closed step type set. Validation rejects
// unknown types before a run begins; the default arm is a safety net.
func (e *Engine) executeStep(ctx context.Context, wf *schema.Workflow, exec *schema.Execution, cs *expressions.ContextStore, step *schema.StepDefinition, prefix string) (any, error) {
	select {
	case <-ctx.Done():
		return nil, interruptError(ctx, prefix+step.Name)
	default:
	}

	switch step.Type {
	case schema.StepTypeParallel:
		return e.executeParallel(ctx, wf, exec, cs, step, prefix)
	case schema.StepTypeConditional:
		return e.executeConditional(ctx, wf, exec, cs, step, prefix)
	case schema.StepTypeAgent, schema.StepTypeMCPTool, schema.StepTypeHTTP:
		return e.executeLeaf(ctx, wf, exec, cs, step, prefix)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"unknown step type %q", step.Type).WithStep(prefix + step.Name)
	}
}

type invokeFn func(ctx context.Context) (map[string]any, error)

// executeLeaf runs a single invocation step with template resolution,
// circuit breaking, timeout racing, and the retry loop.
func (e *Engine) executeLeaf(ctx context.Context, wf *schema.Workflow, exec *schema.Execution, cs *expressions.ContextStore, step *schema.StepDefinition, prefix string) (any, error) {
	name := prefix + step.Name
	sctx := logging.WithStepName(ctx, name)

	se := e.createStepRecord(sctx, exec, step, name)

	if err := e.invokers.validate(step.Type); err != nil {
		return nil, e.failStep(sctx, exec, se, err)
	}

	e.startStep(sctx, exec, se)

	resolved, target, call, err := e.prepareInvocation(step, name, exec, cs.Scope())
	if err != nil {
		return nil, e.failStep(sctx, exec, se, err)
	}
	se.ResolvedInput = resolved
	e.persistStep(sctx, se)

	policy := wf.EffectiveRetry(step)
	var out map[string]any
	for attempt := 0; ; attempt++ {
		out, err = e.invokeOnce(sctx, step, name, target, call)
		if err == nil {
			break
		}
		if attempt >= policy.MaxRetries || !IsRetryable(err, policy) {
			break
		}

		se.RetryCount = attempt + 1
		e.fsm.EmitRetry(sctx, exec, se, attempt+1, err)
		e.persistStep(sctx, se)
		e.logger.WarnContext(sctx, "step retrying",
			slog.Int("attempt", attempt+1), slog.String("error", err.Error()))

		if werr := WaitForBackoff(sctx, ComputeBackoff(policy, attempt)); werr != nil {
			err = interruptError(sctx, name)
			break
		}
	}
	if err != nil {
		return nil, e.failStep(sctx, exec, se, withStep(err, name))
	}

	var output any = out
	if step.Type == schema.StepTypeAgent && len(step.OutputMapping) > 0 {
		mapped, merr := e.mapper.Apply(sctx, step.OutputMapping, out)
		if merr != nil {
			return nil, e.failStep(sctx, exec, se, withStep(merr, name))
		}
		output = mapped
	}

	e.completeStep(sctx, exec, se, output)
	return output, nil
}

// prepareInvocation resolves the step's templated payload against the
// scope and binds the adapter call. Resolution failures are template errors.
func (e *Engine) prepareInvocation(step *schema.StepDefinition, name string, exec *schema.Execution, scope map[string]any) (map[string]any, string, invokeFn, error) {
	attr := Attribution{TenantID: exec.TenantID, ExecutionID: exec.ID, StepName: name}

	switch step.Type {
	case schema.StepTypeAgent:
		input, err := e.resolver.ResolveMap(step.Input, scope)
		if err != nil {
			return nil, "", nil, withStep(err, name)
		}
		agentID := step.AgentID
		call := func(ctx context.Context) (map[string]any, error) {
			return e.invokers.Agent.InvokeAgent(ctx, agentID, input, attr)
		}
		return input, agentTarget(agentID), call, nil

	case schema.StepTypeMCPTool:
		input, err := e.resolver.ResolveMap(step.Input, scope)
		if err != nil {
			return nil, "", nil, withStep(err, name)
		}
		serverID, toolName := step.ServerID, step.ToolName
		call := func(ctx context.Context) (map[string]any, error) {
			return e.invokers.Tool.CallTool(ctx, serverID, toolName, input, attr)
		}
		return input, toolTarget(serverID, toolName), call, nil

	case schema.StepTypeHTTP:
		url, err := e.resolver.ResolveString(step.URL, scope)
		if err != nil {
			return nil, "", nil, withStep(err, name)
		}
		headers := make(map[string]string, len(step.Headers))
		for k, v := range step.Headers {
			resolved, herr := e.resolver.ResolveString(v, scope)
			if herr != nil {
				return nil, "", nil, withStep(herr, name)
			}
			headers[k] = resolved
		}
		body, err := e.resolver.ResolveMap(step.Body, scope)
		if err != nil {
			return nil, "", nil, withStep(err, name)
		}
		req := HTTPRequest{Method: step.Method, URL: url, Headers: headers, Body: body}
		call := func(ctx context.Context) (map[string]any, error) {
			return e.invokers.HTTP.Do(ctx, req, attr)
		}
		record := map[string]any{"method": step.Method, "url": url}
		if len(headers) > 0 {
			record["headers"] = headers
		}
		if body != nil {
			record["body"] = body
		}
		return record, httpTarget(url), call, nil
	}

	return nil, "", nil, schema.NewErrorf(schema.ErrCodeConfiguration,
		"step type %q is not invocable", step.Type).WithStep(name)
}

// invokeOnce performs one invocation attempt. The adapter call runs in its
// own goroutine raced against the step deadline, so a timeout or cancel
// abandons the in-flight call instead of blocking on it.
func (e *Engine) invokeOnce(ctx context.Context, step *schema.StepDefinition, name, target string, call invokeFn) (map[string]any, error) {
	if err := e.breakers.Allow(target); err != nil {
		return nil, err
	}

	stepCtx := ctx
	if d, terr := schema.ParseTimeout(step.Timeout); terr == nil && d > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	type outcome struct {
		out map[string]any
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		out, err := call(stepCtx)
		ch <- outcome{out, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			e.breakers.RecordFailure(target)
			return nil, r.err
		}
		e.breakers.RecordSuccess(target)
		return r.out, nil

	case <-stepCtx.Done():
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			e.breakers.RecordFailure(target)
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"step %q timed out", name).WithStep(name)
		}
		return nil, interruptError(stepCtx, name)
	}
}

// --- step record helpers ---

func (e *Engine) createStepRecord(ctx context.Context, exec *schema.Execution, step *schema.StepDefinition, name string) *schema.StepExecution {
	se := &schema.StepExecution{
		ID:          uuid.NewString(),
		ExecutionID: exec.ID,
		StepName:    name,
		StepType:    step.Type,
		Status:      schema.StepStatusPending,
	}
	if err := e.store.CreateStepExecution(ctx, se); err != nil {
		e.logger.ErrorContext(ctx, "persist step record", slog.String("error", err.Error()))
	}
	return se
}

func (e *Engine) startStep(ctx context.Context, exec *schema.Execution, se *schema.StepExecution) {
	now := time.Now().UTC()
	se.StartedAt = &now
	_ = e.fsm.TransitionStep(ctx, exec, se, schema.StepStatusRunning)
	e.persistStep(ctx, se)
}

func (e *Engine) completeStep(ctx context.Context, exec *schema.Execution, se *schema.StepExecution, output any) {
	now := time.Now().UTC()
	se.CompletedAt = &now
	if se.StartedAt != nil {
		se.DurationMs = now.Sub(*se.StartedAt).Milliseconds()
	}
	se.Output = output
	bg := context.WithoutCancel(ctx)
	_ = e.fsm.TransitionStep(bg, exec, se, schema.StepStatusCompleted)
	e.persistStep(bg, se)
}

// failStep records the failure on the step record and returns the error
// for propagation.
func (e *Engine) failStep(ctx context.Context, exec *schema.Execution, se *schema.StepExecution, err error) error {
	now := time.Now().UTC()
	se.CompletedAt = &now
	if se.StartedAt != nil {
		se.DurationMs = now.Sub(*se.StartedAt).Milliseconds()
	}
	se.ErrorMessage = err.Error()

	bg := context.WithoutCancel(ctx)
	if se.Status == schema.StepStatusPending {
		// Never started: a failed precondition still needs a terminal record.
		_ = e.fsm.TransitionStep(bg, exec, se, schema.StepStatusRunning)
	}
	_ = e.fsm.TransitionStep(bg, exec, se, schema.StepStatusFailed)
	e.persistStep(bg, se)
	return err
}

// skipStep records an unchosen conditional branch as skipped.
func (e *Engine) skipStep(ctx context.Context, exec *schema.Execution, step *schema.StepDefinition, name string) {
	se := e.createStepRecord(ctx, exec, step, name)
	bg := context.WithoutCancel(ctx)
	_ = e.fsm.TransitionStep(bg, exec, se, schema.StepStatusSkipped)
	e.persistStep(bg, se)
}

func (e *Engine) persistStep(ctx context.Context, se *schema.StepExecution) {
	if err := e.store.UpdateStepExecution(ctx, se); err != nil {
		e.logger.ErrorContext(ctx, "persist step record", slog.String("error", err.Error()))
	}
}

func (e *Engine) persistExecution(ctx context.Context, exec *schema.Execution) {
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		e.logger.ErrorContext(ctx, "persist execution", slog.String("error", err.Error()))
	}
}

// --- cancellation plumbing ---

func (e *Engine) registerCancel(id string, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels[id] = cancel
}

func (e *Engine) unregisterCancel(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancels, id)
}

// interruptError translates a done context into the typed error that ended
// the step: the cancel cause when Cancel set one, a timeout otherwise.
func interruptError(ctx context.Context, step string) error {
	if cause := context.Cause(ctx); cause != nil {
		var ee *schema.EngineError
		if errors.As(cause, &ee) {
			return ee
		}
		if errors.Is(cause, context.DeadlineExceeded) {
			return schema.NewErrorf(schema.ErrCodeTimeout, "step %q interrupted by deadline", step).WithStep(step)
		}
	}
	return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithStep(step)
}

func withStep(err error, step string) error {
	var ee *schema.EngineError
	if errors.As(err, &ee) {
		if ee.Step == "" {
			ee.Step = step
		}
		return ee
	}
	return schema.NewError(schema.ErrCodeInvocation, err.Error()).WithStep(step).WithCause(err)
}
