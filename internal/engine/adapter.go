package engine

import (
	"context"
	"fmt"
	"net/url"

	"github.com/luthier-ai/maestro/pkg/schema"
)

// Attribution identifies the run on whose behalf an invocation is made.
// Adapters forward it to downstream systems for accounting and tracing.
type Attribution struct {
	TenantID    string
	ExecutionID string
	StepName    string
}

// HTTPRequest is the resolved payload for an HTTP capability call.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    map[string]any
}

// AgentInvoker delegates an agent step to an external inference capability.
// Implementations must respect ctx deadlines; a failed call should be a
// typed invocation error so the retry controller can classify it.
type AgentInvoker interface {
	InvokeAgent(ctx context.Context, agentID string, input map[string]any, attr Attribution) (map[string]any, error)
}

// ToolInvoker delegates an mcp_tool step to an MCP server.
type ToolInvoker interface {
	CallTool(ctx context.Context, serverID, toolName string, input map[string]any, attr Attribution) (map[string]any, error)
}

// HTTPInvoker performs an HTTP capability call.
type HTTPInvoker interface {
	Do(ctx context.Context, req HTTPRequest, attr Attribution) (map[string]any, error)
}

// Invokers bundles the adapters the scheduler dispatches to.
type Invokers struct {
	Agent AgentInvoker
	Tool  ToolInvoker
	HTTP  HTTPInvoker
}

// validate reports which required invoker is missing for a step type.
func (i Invokers) validate(stepType schema.StepType) error {
	switch stepType {
	case schema.StepTypeAgent:
		if i.Agent == nil {
			return schema.NewError(schema.ErrCodeConfiguration, "no agent invoker configured")
		}
	case schema.StepTypeMCPTool:
		if i.Tool == nil {
			return schema.NewError(schema.ErrCodeConfiguration, "no MCP tool invoker configured")
		}
	case schema.StepTypeHTTP:
		if i.HTTP == nil {
			return schema.NewError(schema.ErrCodeConfiguration, "no HTTP invoker configured")
		}
	}
	return nil
}

// Circuit breaker targets: one breaker per downstream capability.

func agentTarget(agentID string) string {
	return "agent:" + agentID
}

func toolTarget(serverID, toolName string) string {
	return fmt.Sprintf("mcp:%s/%s", serverID, toolName)
}

func httpTarget(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "http:" + rawURL
	}
	return "http:" + u.Host
}
