package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/luthier-ai/maestro/internal/engine"
	"github.com/luthier-ai/maestro/pkg/schema"
)

// AgentClient implements engine.AgentInvoker by forwarding invocations to
// an external agent service over HTTP. Inference itself stays outside the
// engine; this bridge only carries payloads and attribution.
type AgentClient struct {
	endpoint string
	client   *http.Client
	apiKey   string
}

// AgentClientOption configures an AgentClient.
type AgentClientOption func(*AgentClient)

// WithAgentAPIKey sets a bearer token for the agent service.
func WithAgentAPIKey(key string) AgentClientOption {
	return func(c *AgentClient) { c.apiKey = key }
}

// WithAgentTimeout sets the transport-level timeout.
func WithAgentTimeout(d time.Duration) AgentClientOption {
	return func(c *AgentClient) { c.client.Timeout = d }
}

// NewAgentClient creates an agent bridge for the given base endpoint,
// e.g. "http://localhost:8801".
func NewAgentClient(endpoint string, opts ...AgentClientOption) *AgentClient {
	c := &AgentClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InvokeAgent POSTs the resolved input to the agent service and returns
// its JSON response as the step output.
func (c *AgentClient) InvokeAgent(ctx context.Context, agentID string, input map[string]any, attr engine.Attribution) (map[string]any, error) {
	if agentID == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "agent_id is empty")
	}

	payload, err := json.Marshal(map[string]any{
		"input":        input,
		"tenant_id":    attr.TenantID,
		"execution_id": attr.ExecutionID,
		"step_name":    attr.StepName,
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "marshal agent payload").WithCause(err)
	}

	url := fmt.Sprintf("%s/agents/%s/invoke", c.endpoint, agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "build agent request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeInvocation,
			"agent %q unreachable: %s", agentID, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvocation, "read agent response: %s", err.Error()).WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := schema.ErrCodeConfiguration
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			code = schema.ErrCodeInvocation
		}
		return nil, schema.NewErrorf(code, "agent %q returned status %d", agentID, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": string(raw)})
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		// Non-object responses are wrapped so callers always get a map.
		return map[string]any{"content": string(raw)}, nil
	}
	return out, nil
}

var _ engine.AgentInvoker = (*AgentClient)(nil)
