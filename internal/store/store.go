package store

import (
	"context"

	"github.com/luthier-ai/maestro/pkg/schema"
)

// Store persists executions, step executions, and the audit log.
// Implementations: LibSQLStore (durable) and MemoryStore (tests, CLI dry runs).
type Store interface {
	CreateExecution(ctx context.Context, exec *schema.Execution) error
	UpdateExecution(ctx context.Context, exec *schema.Execution) error
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error)

	CreateStepExecution(ctx context.Context, se *schema.StepExecution) error
	UpdateStepExecution(ctx context.Context, se *schema.StepExecution) error
	ListStepExecutions(ctx context.Context, executionID string) ([]*schema.StepExecution, error)

	// AppendAudit assigns a monotonically increasing per-execution sequence
	// to the record before persisting it.
	AppendAudit(ctx context.Context, rec *schema.AuditRecord) error
	ListAudit(ctx context.Context, executionID string, since int64) ([]*schema.AuditRecord, error)

	Close() error
}

// ExecutionFilter narrows ListExecutions results. Zero values match everything.
type ExecutionFilter struct {
	TenantID   string
	WorkflowID string
	Status     *schema.ExecutionStatus
	Limit      int
}

// Sink receives audit records. The Store itself is a Sink; LogSink mirrors
// records to structured logs for setups without a durable store.
type Sink interface {
	AppendAudit(ctx context.Context, rec *schema.AuditRecord) error
}
