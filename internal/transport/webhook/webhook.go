// Package webhook talks to tool servers that expose two plain JSON endpoints:
// POST {base}/tools/list and POST {base}/tools/call.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
	"github.com/felipepmaragno/agent-gateway/internal/httputil"
	"github.com/felipepmaragno/agent-gateway/internal/transport"
)

const maxResponseBytes = 4 << 20

type Adapter struct {
	client *http.Client
}

func NewAdapter(client *http.Client) *Adapter {
	if client == nil {
		client = httputil.NewClient(httputil.ToolConfig())
	}
	return &Adapter{client: client}
}

func (a *Adapter) Kind() string {
	return transport.KindWebhook
}

type callRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type listResponse struct {
	Tools []wireTool `json:"tools"`
}

func (a *Adapter) post(ctx context.Context, ep transport.Endpoint, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(ep.URL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if err := ep.Apply(req); err != nil {
		return nil, err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", ep.Server, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s: status %d: %s", ep.Server, path, resp.StatusCode, truncate(string(data), 200))
	}

	return data, nil
}

func (a *Adapter) ListTools(ctx context.Context, ep transport.Endpoint) ([]domain.ToolDescriptor, error) {
	data, err := a.post(ctx, ep, "/tools/list", struct{}{})
	if err != nil {
		return nil, err
	}

	var wire []wireTool
	var wrapped listResponse
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Tools != nil {
		wire = wrapped.Tools
	} else if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode tool list: %w", err)
	}

	out := make([]domain.ToolDescriptor, 0, len(wire))
	for _, w := range wire {
		if w.Name == "" {
			continue
		}
		params := w.Parameters
		if len(params) == 0 {
			params = w.InputSchema
		}
		out = append(out, domain.ToolDescriptor{Name: w.Name, Description: w.Description, Parameters: params})
	}
	return out, nil
}

// CallTool returns the response body verbatim. A body that is not JSON is
// wrapped as a JSON string.
func (a *Adapter) CallTool(ctx context.Context, ep transport.Endpoint, name string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	data, err := a.post(ctx, ep, "/tools/call", callRequest{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return json.RawMessage(`null`), nil
	}
	if !json.Valid(data) {
		quoted, _ := json.Marshal(string(data))
		return quoted, nil
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
