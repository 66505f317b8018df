package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/luthier-ai/maestro/pkg/schema"
)

// MemoryStore is an in-memory Store for tests and single-shot CLI runs.
// Values are copied on the way in and out so callers cannot mutate
// persisted state.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*schema.Execution
	steps      map[string][]*schema.StepExecution // keyed by execution ID
	audit      map[string][]*schema.AuditRecord   // keyed by execution ID
	nextAudit  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*schema.Execution),
		steps:      make(map[string][]*schema.StepExecution),
		audit:      make(map[string][]*schema.AuditRecord),
	}
}

func (s *MemoryStore) CreateExecution(_ context.Context, exec *schema.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
	}
	s.executions[exec.ID] = copyExecution(exec)
	return nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, exec *schema.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; !exists {
		return notFound("execution", exec.ID)
	}
	s.executions[exec.ID] = copyExecution(exec)
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*schema.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, notFound("execution", id)
	}
	return copyExecution(exec), nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.Execution
	for _, exec := range s.executions {
		if filter.TenantID != "" && exec.TenantID != filter.TenantID {
			continue
		}
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		out = append(out, copyExecution(exec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateStepExecution(_ context.Context, se *schema.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[se.ExecutionID] = append(s.steps[se.ExecutionID], copyStepExecution(se))
	return nil
}

func (s *MemoryStore) UpdateStepExecution(_ context.Context, se *schema.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.steps[se.ExecutionID]
	for i, existing := range list {
		if existing.ID == se.ID {
			list[i] = copyStepExecution(se)
			return nil
		}
	}
	return notFound("step execution", se.ID)
}

func (s *MemoryStore) ListStepExecutions(_ context.Context, executionID string) ([]*schema.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.steps[executionID]
	out := make([]*schema.StepExecution, len(list))
	for i, se := range list {
		out[i] = copyStepExecution(se)
	}
	return out, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, rec *schema.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *rec
	r.Sequence = int64(len(s.audit[rec.ExecutionID])) + 1
	s.nextAudit++
	r.ID = s.nextAudit
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	s.audit[rec.ExecutionID] = append(s.audit[rec.ExecutionID], &r)

	rec.Sequence = r.Sequence
	rec.ID = r.ID
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, executionID string, since int64) ([]*schema.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.AuditRecord
	for _, rec := range s.audit[executionID] {
		if rec.Sequence > since {
			r := *rec
			out = append(out, &r)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func notFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", kind, id)
}

func copyExecution(exec *schema.Execution) *schema.Execution {
	out := *exec
	out.InputData = copyJSONMap(exec.InputData)
	out.OutputData = copyJSONMap(exec.OutputData)
	return &out
}

func copyStepExecution(se *schema.StepExecution) *schema.StepExecution {
	out := *se
	out.ResolvedInput = copyJSONMap(se.ResolvedInput)
	out.Output = copyJSONValue(se.Output)
	return &out
}

// copyJSONMap deep-copies via a JSON round trip; persisted values are
// JSON-shaped by construction.
func copyJSONMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	v, _ := copyJSONValue(m).(map[string]any)
	return v
}

func copyJSONValue(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
