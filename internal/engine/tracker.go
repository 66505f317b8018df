package engine

import (
	"context"
	"time"

	"github.com/luthier-ai/maestro/pkg/schema"
)

// ExecutionSnapshot is a point-in-time view of an execution and all of its
// step records, nested children included (namespaced "parent.child").
type ExecutionSnapshot struct {
	Execution *schema.Execution       `json:"execution"`
	Steps     []*schema.StepExecution `json:"steps"`
}

// Snapshot returns the current state of an execution. Unknown IDs are
// NOT_FOUND errors.
func (e *Engine) Snapshot(ctx context.Context, executionID string) (*ExecutionSnapshot, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListStepExecutions(ctx, executionID)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list step executions").WithCause(err)
	}
	return &ExecutionSnapshot{Execution: exec, Steps: steps}, nil
}

// Cancel requests cancellation of a non-terminal execution. Cancelling a
// terminal execution is an INVALID_TRANSITION error. For a running
// execution the driver observes the cancelled context at the next step
// boundary and writes the terminal state; in-flight invocations are
// abandoned, never forcibly interrupted.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot cancel execution %q in terminal status %s", executionID, exec.Status)
	}

	e.mu.Lock()
	cancel, owned := e.cancels[executionID]
	e.mu.Unlock()

	if owned {
		cancel(schema.NewError(schema.ErrCodeCancelled, "execution cancelled"))
		return nil
	}

	// No driver owns the run (still pending, or orphaned by a restart):
	// transition the record directly.
	if err := e.fsm.TransitionExecution(ctx, exec, schema.ExecutionStatusCancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	exec.CompletedAt = &now
	if exec.StartedAt != nil {
		exec.DurationMs = now.Sub(*exec.StartedAt).Milliseconds()
	}
	return e.store.UpdateExecution(ctx, exec)
}
