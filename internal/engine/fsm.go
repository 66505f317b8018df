package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/luthier-ai/maestro/internal/store"
	"github.com/luthier-ai/maestro/pkg/schema"
)

// ValidExecutionTransitions defines the allowed lifecycle transitions for
// executions. Terminal statuses admit nothing.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending:   {schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusCancelled: {},
}

// ValidStepTransitions defines the allowed lifecycle transitions for steps.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}

// CanTransitionExecution reports whether from -> to is an allowed
// execution transition.
func CanTransitionExecution(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// CanTransitionStep reports whether from -> to is an allowed step transition.
func CanTransitionStep(from, to schema.StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// LifecycleFSM validates and applies status transitions, emitting an audit
// record for each one. The caller persists the mutated records.
type LifecycleFSM struct {
	audit store.Sink
}

// NewLifecycleFSM creates an FSM that emits audit records to the sink.
// A nil sink disables emission.
func NewLifecycleFSM(audit store.Sink) *LifecycleFSM {
	return &LifecycleFSM{audit: audit}
}

// TransitionExecution moves an execution to a new status, enforcing
// monotonicity. Invalid transitions are typed INVALID_TRANSITION errors.
func (f *LifecycleFSM) TransitionExecution(ctx context.Context, exec *schema.Execution, to schema.ExecutionStatus) error {
	from := exec.Status
	if !CanTransitionExecution(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": exec.ID, "from": string(from), "to": string(to)})
	}
	exec.Status = to

	if kind := executionEventKind(to); kind != "" {
		f.emit(ctx, &schema.AuditRecord{
			TenantID:    exec.TenantID,
			ExecutionID: exec.ID,
			Kind:        kind,
		})
	}
	return nil
}

// TransitionStep moves a step execution to a new status, enforcing
// monotonicity.
func (f *LifecycleFSM) TransitionStep(ctx context.Context, exec *schema.Execution, se *schema.StepExecution, to schema.StepStatus) error {
	from := se.Status
	if !CanTransitionStep(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(se.StepName).
			WithDetails(map[string]any{"execution_id": exec.ID, "from": string(from), "to": string(to)})
	}
	se.Status = to

	if kind := stepEventKind(to); kind != "" {
		f.emit(ctx, &schema.AuditRecord{
			TenantID:    exec.TenantID,
			ExecutionID: exec.ID,
			StepName:    se.StepName,
			Kind:        kind,
		})
	}
	return nil
}

// EmitRetry records a retry attempt for a step. Retries do not change the
// step status; the attempt counter lives on the record.
func (f *LifecycleFSM) EmitRetry(ctx context.Context, exec *schema.Execution, se *schema.StepExecution, attempt int, cause error) {
	payload, _ := json.Marshal(map[string]any{
		"attempt": attempt,
		"error":   cause.Error(),
	})
	f.emit(ctx, &schema.AuditRecord{
		TenantID:    exec.TenantID,
		ExecutionID: exec.ID,
		StepName:    se.StepName,
		Kind:        schema.EventStepRetrying,
		Payload:     payload,
	})
}

func (f *LifecycleFSM) emit(ctx context.Context, rec *schema.AuditRecord) {
	if f.audit == nil {
		return
	}
	rec.Timestamp = time.Now().UTC()
	// Audit emission must not fail a run; records are best-effort.
	_ = f.audit.AppendAudit(ctx, rec)
}

func executionEventKind(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}

func stepEventKind(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	default:
		return ""
	}
}
