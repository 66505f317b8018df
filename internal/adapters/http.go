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

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 10 << 20 // 10 MiB

// HTTPClient implements engine.HTTPInvoker on net/http.
// The result payload carries status_code, headers, body, and duration_ms.
type HTTPClient struct {
	client    *http.Client
	userAgent string
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPTimeout sets the transport-level timeout.
func WithHTTPTimeout(d time.Duration) HTTPClientOption {
	return func(c *HTTPClient) { c.client.Timeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) HTTPClientOption {
	return func(c *HTTPClient) { c.userAgent = ua }
}

// NewHTTPClient creates an HTTP invoker. The client timeout is a backstop;
// per-step deadlines arrive through the context.
func NewHTTPClient(opts ...HTTPClientOption) *HTTPClient {
	c := &HTTPClient{
		client:    &http.Client{Timeout: 2 * time.Minute},
		userAgent: "maestro/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do performs the HTTP capability call. Transport failures and 5xx/429
// responses are invocation errors (retryable); other non-2xx statuses are
// configuration errors, since retrying a rejected request cannot help.
func (c *HTTPClient) Do(ctx context.Context, req engine.HTTPRequest, attr engine.Attribution) (map[string]any, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeConfiguration, "marshal request body").WithCause(err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "build request: %s", err.Error()).WithCause(err)
	}

	httpReq.Header.Set("User-Agent", c.userAgent)
	if bodyReader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if attr.ExecutionID != "" {
		httpReq.Header.Set("X-Execution-Id", attr.ExecutionID)
	}
	if attr.TenantID != "" {
		httpReq.Header.Set("X-Tenant-Id", attr.TenantID)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeInvocation, "http request failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvocation, "read response body: %s", err.Error()).WithCause(err)
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     flattenHeaders(resp.Header),
		"body":        decodeBody(resp.Header.Get("Content-Type"), raw),
		"duration_ms": time.Since(start).Milliseconds(),
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return result, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return nil, schema.NewErrorf(schema.ErrCodeInvocation,
			"http status %d from %s", resp.StatusCode, req.URL).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "response": result})
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"http status %d from %s", resp.StatusCode, req.URL).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "response": result})
	}
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, vals := range h {
		if len(vals) == 1 {
			out[k] = vals[0]
		} else {
			out[k] = fmt.Sprintf("%v", vals)
		}
	}
	return out
}

// decodeBody parses JSON responses into structured values; anything else
// stays a string.
func decodeBody(contentType string, raw []byte) any {
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

var _ engine.HTTPInvoker = (*HTTPClient)(nil)
