package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/felipepmaragno/agent-gateway/internal/httputil"
	"github.com/felipepmaragno/agent-gateway/internal/llm"
	"github.com/felipepmaragno/agent-gateway/internal/llm/claude"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(apiKey, baseURL string, client *http.Client) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = httputil.DefaultClient()
	}
	return &Provider{apiKey: apiKey, baseURL: baseURL, client: client}
}

func (p *Provider) ID() string {
	return "anthropic"
}

func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	body, err := json.Marshal(claude.BuildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &llm.ProviderError{Provider: p.ID(), Kind: llm.KindUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		message := string(respBody)
		var errBody claude.ErrorBody
		if json.Unmarshal(respBody, &errBody) == nil && errBody.Error.Message != "" {
			message = errBody.Error.Message
		}
		return nil, &llm.ProviderError{
			Provider:   p.ID(),
			Kind:       llm.Classify(resp.StatusCode, message, ""),
			StatusCode: resp.StatusCode,
			Message:    message,
		}
	}

	return claude.ParseResponse(respBody)
}
