package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
)

type MockProvider struct {
	IDValue      string
	CompleteFunc func(ctx context.Context, req Request) (*Response, error)
	requests     []Request
}

func (m *MockProvider) ID() string { return m.IDValue }

func (m *MockProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	m.requests = append(m.requests, req)
	return m.CompleteFunc(ctx, req)
}

func ok() (*Response, error) {
	return &Response{Message: domain.Message{Role: domain.RoleAssistant, Content: "hi"}, UsageReported: true}, nil
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		message string
		param   string
		want    ErrorKind
	}{
		{"max_tokens by message", 400, "Unsupported parameter: 'max_tokens' is not supported with this model. Use 'max_completion_tokens' instead.", "", KindMaxTokensUnsupported},
		{"max_tokens by param", 400, "Unsupported parameter", "max_tokens", KindMaxTokensUnsupported},
		{"temperature", 400, "Unsupported value: 'temperature' does not support 0.2 with this model.", "temperature", KindTemperatureUnsupported},
		{"tools", 400, "this model does not support tools", "", KindToolsUnsupported},
		{"function calling", 400, "Function calling is not supported for this model", "", KindToolsUnsupported},
		{"auth", http.StatusUnauthorized, "invalid key", "", KindAuth},
		{"rate limit", http.StatusTooManyRequests, "slow down", "", KindRateLimited},
		{"server", http.StatusBadGateway, "upstream", "", KindUnavailable},
		{"plain bad request", 400, "messages: field required", "", KindInvalidRequest},
		{"no status", 0, "connection reset", "", KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.status, tt.message, tt.param); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestIsReasoningModel(t *testing.T) {
	tests := map[string]bool{
		"gpt-5":            true,
		"gpt-5-mini":       true,
		"o1-preview":       true,
		"o3-mini":          true,
		"openai/o3":        true,
		"gpt-4.1-mini":     false,
		"claude-3-5-haiku": false,
		"llama3":           false,
	}
	for model, want := range tests {
		if got := IsReasoningModel(model); got != want {
			t.Errorf("IsReasoningModel(%q) = %v, want %v", model, got, want)
		}
	}
}

func TestProviderError_Is(t *testing.T) {
	err := error(&ProviderError{Provider: "openai", Kind: KindAuth, StatusCode: 401, Message: "bad key"})
	if !errors.Is(err, domain.ErrProviderError) {
		t.Error("ProviderError should match domain.ErrProviderError")
	}
}

func TestPrepare(t *testing.T) {
	temp := 0.2

	got := Prepare(Request{Model: "gpt-5", Temperature: &temp})
	if got.Temperature != nil || got.ReasoningEffort != "low" {
		t.Errorf("reasoning model: %+v", got)
	}

	got = Prepare(Request{Model: "gpt-4.1-mini", Temperature: &temp})
	if got.Temperature == nil || got.ReasoningEffort != "" {
		t.Errorf("chat model: %+v", got)
	}
}

func TestCaller_Fallbacks(t *testing.T) {
	temp := 0.5
	tools := []domain.ToolDescriptor{{Name: "t"}}

	tests := []struct {
		name  string
		kinds []ErrorKind
		check func(t *testing.T, last Request)
		calls int
	}{
		{
			name:  "drops tools",
			kinds: []ErrorKind{KindToolsUnsupported},
			check: func(t *testing.T, last Request) {
				if last.Tools != nil {
					t.Error("tools should be dropped")
				}
			},
			calls: 2,
		},
		{
			name:  "switches max tokens parameter",
			kinds: []ErrorKind{KindMaxTokensUnsupported},
			check: func(t *testing.T, last Request) {
				if !last.UseMaxCompletionTokens {
					t.Error("expected max_completion_tokens")
				}
				if len(last.Tools) != 1 {
					t.Error("tools should be kept")
				}
			},
			calls: 2,
		},
		{
			name:  "chained fallbacks",
			kinds: []ErrorKind{KindMaxTokensUnsupported, KindTemperatureUnsupported, KindToolsUnsupported},
			check: func(t *testing.T, last Request) {
				if !last.UseMaxCompletionTokens || last.Temperature != nil || last.Tools != nil {
					t.Errorf("all fallbacks should apply: %+v", last)
				}
			},
			calls: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i := 0
			p := &MockProvider{
				IDValue: "openai",
				CompleteFunc: func(ctx context.Context, req Request) (*Response, error) {
					if i < len(tt.kinds) {
						kind := tt.kinds[i]
						i++
						return nil, &ProviderError{Provider: "openai", Kind: kind, StatusCode: 400}
					}
					return ok()
				},
			}

			c := NewCaller(NewRouter(p))
			_, err := c.Complete(context.Background(), "openai", Request{Model: "gpt-4.1-mini", Tools: tools, Temperature: &temp, MaxTokens: 100})
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if len(p.requests) != tt.calls {
				t.Errorf("provider calls = %d, want %d", len(p.requests), tt.calls)
			}
			tt.check(t, p.requests[len(p.requests)-1])
		})
	}
}

func TestCaller_FallbackAppliedOnce(t *testing.T) {
	p := &MockProvider{
		IDValue: "openai",
		CompleteFunc: func(ctx context.Context, req Request) (*Response, error) {
			return nil, &ProviderError{Provider: "openai", Kind: KindMaxTokensUnsupported, StatusCode: 400}
		},
	}

	_, err := NewCaller(NewRouter(p)).Complete(context.Background(), "openai", Request{Model: "m"})

	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != KindMaxTokensUnsupported {
		t.Fatalf("err = %v", err)
	}
	if len(p.requests) != 2 {
		t.Errorf("provider calls = %d, want 2", len(p.requests))
	}
}

func TestCaller_NoFallbackForOtherErrors(t *testing.T) {
	tests := []error{
		&ProviderError{Provider: "openai", Kind: KindRateLimited, StatusCode: 429},
		errors.New("dial tcp: refused"),
	}

	for _, want := range tests {
		p := &MockProvider{
			IDValue: "openai",
			CompleteFunc: func(ctx context.Context, req Request) (*Response, error) {
				return nil, want
			},
		}

		_, err := NewCaller(NewRouter(p)).Complete(context.Background(), "openai", Request{Model: "m"})
		if !errors.Is(err, want) {
			t.Errorf("err = %v, want %v", err, want)
		}
		if len(p.requests) != 1 {
			t.Errorf("provider calls = %d, want 1", len(p.requests))
		}
	}
}

func TestCaller_UnknownProvider(t *testing.T) {
	_, err := NewCaller(NewRouter()).Complete(context.Background(), "nope", Request{})
	if !errors.Is(err, domain.ErrProviderNotFound) {
		t.Errorf("err = %v, want ErrProviderNotFound", err)
	}
}

func TestRouter(t *testing.T) {
	r := NewRouter(&MockProvider{IDValue: "openai"})
	r.Register(&MockProvider{IDValue: "anthropic"})

	if !r.Has("anthropic") || r.Has("bedrock") {
		t.Error("Has() mismatch")
	}
	ids := r.ListProviders()
	if len(ids) != 2 || ids[0] != "anthropic" {
		t.Errorf("ListProviders() = %v", ids)
	}
}
