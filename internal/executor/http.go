package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/weftwork/weft/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPRequestExecutor performs outbound HTTP calls for http_request nodes.
type HTTPRequestExecutor struct {
	client          *http.Client
	maxResponseBody int64
}

type httpParams struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

type httpResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
}

// NewHTTPRequestExecutor creates the executor. A nil client uses a default
// with a conservative timeout; per-node timeouts arrive via the context.
func NewHTTPRequestExecutor(client *http.Client) *HTTPRequestExecutor {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPRequestExecutor{client: client, maxResponseBody: defaultMaxResponseBody}
}

func (h *HTTPRequestExecutor) Type() string { return schema.NodeTypeHTTPRequest }

func (h *HTTPRequestExecutor) Ports() schema.PortSpec {
	return schema.PortSpec{
		Inputs:  []string{schema.PortMain},
		Outputs: []string{schema.PortMain, schema.PortError},
	}
}

func (h *HTTPRequestExecutor) Execute(ctx context.Context, in ExecutionInput) (*schema.Envelope, error) {
	start := time.Now()

	var p httpParams
	if err := decodeParams(in.Parameters, &p); err != nil {
		return nil, err
	}
	if p.URL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "http_request node has no url").WithNode(in.NodeID)
	}
	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(p.Body) > 0 {
		body = bytes.NewReader(p.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.URL, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build request: %s", err.Error()).WithNode(in.NodeID).WithCause(err)
	}
	if len(p.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http %s %s: %s", method, p.URL, err.Error()).WithNode(in.NodeID).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.maxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "read response body: %s", err.Error()).WithNode(in.NodeID).WithCause(err)
	}

	out := httpResponse{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
	}
	if json.Valid(raw) {
		out.Body = raw
	} else if len(raw) > 0 {
		quoted, _ := json.Marshal(string(raw))
		out.Body = quoted
	}

	item, err := json.Marshal(out)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "encode response: %s", err.Error()).WithNode(in.NodeID).WithCause(err)
	}

	// 5xx responses are executor failures so the retry policy can act on them.
	if resp.StatusCode >= 500 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http %s %s: upstream status %d", method, p.URL, resp.StatusCode).
			WithNode(in.NodeID).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}

	return &schema.Envelope{
		NodeID:     in.NodeID,
		Status:     schema.EnvelopeSuccess,
		Data:       schema.SingleItem(item),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
