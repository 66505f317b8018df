package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StepType discriminates the closed set of step variants. The scheduler
// handles every member exhaustively; unknown types are rejected at
// validation time.
type StepType string

const (
	StepTypeAgent       StepType = "agent"
	StepTypeMCPTool     StepType = "mcp_tool"
	StepTypeHTTP        StepType = "http"
	StepTypeParallel    StepType = "parallel"
	StepTypeConditional StepType = "conditional"
)

// StepTypes lists every valid step type.
var StepTypes = []StepType{StepTypeAgent, StepTypeMCPTool, StepTypeHTTP, StepTypeParallel, StepTypeConditional}

// Retry strategies.
const (
	RetryNone        = "none"
	RetryLinear      = "linear"
	RetryExponential = "exponential"
)

// Sibling policies for parallel groups satisfied before all children finish.
const (
	SiblingContinue = "continue"
	SiblingCancel   = "cancel"
)

// Condition engine names.
const (
	EngineNative = "native"
	EngineCEL    = "cel"
	EngineExpr   = "expr"
)

// RetryPolicy controls retry attempts and backoff for a step.
// Delays are duration strings ("500ms", "2s").
type RetryPolicy struct {
	MaxRetries     int    `json:"max_retries"`
	Strategy       string `json:"strategy,omitempty"`
	BaseDelay      string `json:"base_delay,omitempty"`
	MaxDelay       string `json:"max_delay,omitempty"`
	RetryOnTimeout bool   `json:"retry_on_timeout,omitempty"`
}

// StepDefinition is a single step in a workflow. It is a tagged variant:
// the Type field selects which group of fields is meaningful. Names must
// be unique among siblings at the same nesting level.
type StepDefinition struct {
	Name string   `json:"name"`
	Type StepType `json:"type"`

	// agent
	AgentID       string            `json:"agent_id,omitempty"`
	OutputMapping map[string]string `json:"output_mapping,omitempty"`

	// mcp_tool
	ServerID string `json:"server_id,omitempty"`
	ToolName string `json:"tool_name,omitempty"`

	// agent + mcp_tool: templated input payload
	Input map[string]any `json:"input,omitempty"`

	// http
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty"`

	// parallel
	Steps         []StepDefinition `json:"steps,omitempty"`
	WaitFor       string           `json:"wait_for,omitempty"` // "all" | "any" | "count:N"
	Tolerant      bool             `json:"tolerant,omitempty"`
	MaxConcurrent int              `json:"max_concurrent,omitempty"`
	SiblingPolicy string           `json:"sibling_policy,omitempty"` // "continue" | "cancel"

	// conditional
	Condition       string          `json:"condition,omitempty"`
	ConditionEngine string          `json:"condition_engine,omitempty"` // "native" | "cel" | "expr"
	IfTrue          *StepDefinition `json:"if_true,omitempty"`
	IfFalse         *StepDefinition `json:"if_false,omitempty"`

	// per-step overrides
	Retry   *RetryPolicy `json:"retry,omitempty"`
	Timeout string       `json:"timeout,omitempty"`
}

// Workflow is an immutable multi-step process definition. The engine only
// runs workflows with status "active".
type Workflow struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	Name        string            `json:"name"`
	Slug        string            `json:"slug,omitempty"`
	Version     int               `json:"version"`
	Description string            `json:"description,omitempty"`
	Steps       []StepDefinition  `json:"steps"`
	Triggers    []json.RawMessage `json:"triggers,omitempty"`
	Retry       *RetryPolicy      `json:"retry,omitempty"`
	Timeout     string            `json:"timeout,omitempty"`
	Status      WorkflowStatus    `json:"status"`
	Tags        []string          `json:"tags,omitempty"`
	Category    string            `json:"category,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// EffectiveRetry resolves the retry policy for a step: the step override
// wins, then the workflow default, then no retries at all.
func (w *Workflow) EffectiveRetry(step *StepDefinition) *RetryPolicy {
	if step != nil && step.Retry != nil {
		return step.Retry
	}
	if w.Retry != nil {
		return w.Retry
	}
	return &RetryPolicy{MaxRetries: 0, Strategy: RetryNone}
}

// Execution is a single run of a workflow against frozen input data.
type Execution struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	WorkflowID      string          `json:"workflow_id"`
	WorkflowVersion int             `json:"workflow_version"`
	Status          ExecutionStatus `json:"status"`
	InputData       map[string]any  `json:"input_data,omitempty"`
	OutputData      map[string]any  `json:"output_data,omitempty"`
	CurrentStep     string          `json:"current_step,omitempty"`
	ErrorKind       string          `json:"error_kind,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ErrorStep       string          `json:"error_step,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	DurationMs      int64           `json:"duration_ms,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// StepExecution records one step attempt chain inside an execution.
// Nested steps (parallel children, conditional branches) are namespaced
// "parent.child" in StepName.
type StepExecution struct {
	ID            string         `json:"id"`
	ExecutionID   string         `json:"execution_id"`
	StepName      string         `json:"step_name"`
	StepType      StepType       `json:"step_type"`
	Status        StepStatus     `json:"status"`
	ResolvedInput map[string]any `json:"resolved_input,omitempty"`
	Output        any            `json:"output,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	RetryCount    int            `json:"retry_count"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	DurationMs    int64          `json:"duration_ms,omitempty"`
}

// AuditRecord is an append-only observability record with a monotonically
// increasing per-execution sequence.
type AuditRecord struct {
	ID          int64           `json:"id,omitempty"`
	TenantID    string          `json:"tenant_id,omitempty"`
	ExecutionID string          `json:"execution_id"`
	StepName    string          `json:"step_name,omitempty"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// Result is the terminal outcome of a synchronous execution.
type Result struct {
	ExecutionID  string          `json:"execution_id"`
	Status       ExecutionStatus `json:"status"`
	Output       map[string]any  `json:"output,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorStep    string          `json:"error_step,omitempty"`
	DurationMs   int64           `json:"duration_ms"`
}

// WaitMode is how a parallel group decides it is satisfied.
type WaitMode string

const (
	WaitAll   WaitMode = "all"
	WaitAny   WaitMode = "any"
	WaitCount WaitMode = "count"
)

// WaitSpec is a parsed wait_for directive.
type WaitSpec struct {
	Mode  WaitMode
	Count int // meaningful only for WaitCount
}

// ParseWaitFor parses a wait_for directive: "all", "any", or "count:N"
// with N >= 1. Empty defaults to "all".
func ParseWaitFor(s string) (WaitSpec, error) {
	switch {
	case s == "" || s == string(WaitAll):
		return WaitSpec{Mode: WaitAll}, nil
	case s == string(WaitAny):
		return WaitSpec{Mode: WaitAny}, nil
	case strings.HasPrefix(s, "count:"):
		n, err := strconv.Atoi(strings.TrimPrefix(s, "count:"))
		if err != nil || n < 1 {
			return WaitSpec{}, NewErrorf(ErrCodeConfiguration, "invalid wait_for count in %q", s)
		}
		return WaitSpec{Mode: WaitCount, Count: n}, nil
	default:
		return WaitSpec{}, NewErrorf(ErrCodeConfiguration, "invalid wait_for %q", s)
	}
}

// ParseTimeout parses a duration string, returning 0 for empty input.
func ParseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, NewErrorf(ErrCodeConfiguration, "invalid timeout %q: %s", s, err.Error())
	}
	if d < 0 {
		return 0, NewErrorf(ErrCodeConfiguration, "negative timeout %q", s)
	}
	return d, nil
}

// String implements fmt.Stringer for diagnostics.
func (s WaitSpec) String() string {
	if s.Mode == WaitCount {
		return fmt.Sprintf("count:%d", s.Count)
	}
	return string(s.Mode)
}
