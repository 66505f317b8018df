package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/luthier-ai/maestro/internal/engine"
	"github.com/luthier-ai/maestro/pkg/schema"
)

// ServerConfig describes how to launch one MCP server over stdio.
type ServerConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// MCPClient implements engine.ToolInvoker over stdio MCP servers.
// Connections are established lazily on first use and reused across calls.
type MCPClient struct {
	servers map[string]ServerConfig

	mu      sync.Mutex
	clients map[string]*client.Client
}

// NewMCPClient creates a tool invoker for the configured servers.
func NewMCPClient(servers map[string]ServerConfig) *MCPClient {
	return &MCPClient{
		servers: servers,
		clients: make(map[string]*client.Client),
	}
}

// CallTool invokes a named tool on the given server and returns its
// content as the step output. Tool-reported failures (IsError) surface as
// invocation errors so the retry controller can treat them as transient.
func (c *MCPClient) CallTool(ctx context.Context, serverID, toolName string, input map[string]any, attr engine.Attribution) (map[string]any, error) {
	cli, err := c.connect(ctx, serverID)
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = input

	result, err := cli.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The session may be wedged; drop it so the next call reconnects.
		c.evict(serverID)
		return nil, schema.NewErrorf(schema.ErrCodeInvocation,
			"mcp call %s/%s failed: %s", serverID, toolName, err.Error()).WithCause(err)
	}

	text := extractText(result.Content)
	if result.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeInvocation,
			"tool %s/%s reported an error", serverID, toolName).
			WithDetails(map[string]any{"content": text})
	}

	// Tools that emit JSON get structured output; plain text is wrapped.
	var structured map[string]any
	if err := json.Unmarshal([]byte(text), &structured); err == nil {
		return structured, nil
	}
	return map[string]any{"content": text}, nil
}

// Close shuts down all live server sessions.
func (c *MCPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for id, cli := range c.clients {
		if err := cli.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close mcp server %s: %w", id, err)
		}
		delete(c.clients, id)
	}
	return firstErr
}

func (c *MCPClient) connect(ctx context.Context, serverID string) (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cli, ok := c.clients[serverID]; ok {
		return cli, nil
	}

	config, ok := c.servers[serverID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown mcp server %q", serverID)
	}

	cli, err := client.NewStdioMCPClient(config.Command, config.Env, config.Args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvocation,
			"start mcp server %q: %s", serverID, err.Error()).WithCause(err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = "2024-11-05"
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "maestro", Version: "1.0.0"}

	if _, err := cli.Initialize(ctx, initReq); err != nil {
		_ = cli.Close()
		return nil, schema.NewErrorf(schema.ErrCodeInvocation,
			"initialize mcp server %q: %s", serverID, err.Error()).WithCause(err)
	}

	c.clients[serverID] = cli
	return cli, nil
}

func (c *MCPClient) evict(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cli, ok := c.clients[serverID]; ok {
		_ = cli.Close()
		delete(c.clients, serverID)
	}
}

func extractText(content []mcp.Content) string {
	var sb strings.Builder
	for _, item := range content {
		if tc, ok := item.(mcp.TextContent); ok {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

var _ engine.ToolInvoker = (*MCPClient)(nil)
