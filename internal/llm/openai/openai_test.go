package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
	"github.com/felipepmaragno/agent-gateway/internal/llm"
	openai "github.com/sashabaranov/go-openai"
)

func TestProvider_Complete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "clock_now", "arguments": ""}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 42, "completion_tokens": 7, "total_tokens": 49}
		}`))
	}))
	defer srv.Close()

	temp := 0.2
	p := New("openai", "sk-test", srv.URL, srv.Client())
	resp, err := p.Complete(context.Background(), llm.Request{
		Model:       "gpt-4o-mini",
		Messages:    []domain.Message{{Role: domain.RoleUser, Content: "what time is it?"}},
		Tools:       []domain.ToolDescriptor{{Name: "clock_now", Description: "Current time"}},
		Temperature: &temp,
		MaxTokens:   256,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if !resp.UsageReported || resp.Usage.InputTokens != 42 || resp.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v reported=%v", resp.Usage, resp.UsageReported)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Arguments != "{}" {
		t.Errorf("tool calls = %+v", resp.Message.ToolCalls)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}

	if got["tool_choice"] != "auto" {
		t.Errorf("tool_choice = %v", got["tool_choice"])
	}
	if got["max_tokens"] != float64(256) {
		t.Errorf("max_tokens = %v", got["max_tokens"])
	}
	tools, _ := got["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools = %v", got["tools"])
	}
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	if _, ok := fn["parameters"].(map[string]any); !ok {
		t.Errorf("parameters should default to an object schema, got %v", fn["parameters"])
	}
}

func TestProvider_NoUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	resp, err := New("ollama", "", srv.URL, srv.Client()).Complete(context.Background(), llm.Request{Model: "llama3.2"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.UsageReported {
		t.Error("UsageReported should be false without a usage block")
	}
	if resp.Message.Content != "hi" {
		t.Errorf("Content = %q", resp.Message.Content)
	}
}

func TestProvider_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   llm.ErrorKind
	}{
		{
			"max tokens unsupported",
			400,
			`{"error":{"message":"Unsupported parameter: 'max_tokens' is not supported with this model. Use 'max_completion_tokens' instead.","type":"invalid_request_error","param":"max_tokens","code":"unsupported_parameter"}}`,
			llm.KindMaxTokensUnsupported,
		},
		{
			"temperature unsupported",
			400,
			`{"error":{"message":"Unsupported value: 'temperature' does not support 0.2 with this model.","type":"invalid_request_error","param":"temperature","code":"unsupported_value"}}`,
			llm.KindTemperatureUnsupported,
		},
		{
			"rate limited",
			429,
			`{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`,
			llm.KindRateLimited,
		},
		{
			"bad key",
			401,
			`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`,
			llm.KindAuth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := New("openai", "k", srv.URL, srv.Client()).Complete(context.Background(), llm.Request{Model: "gpt-5-mini"})

			var pe *llm.ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *llm.ProviderError, got %v", err)
			}
			if pe.Kind != tt.want || pe.StatusCode != tt.status {
				t.Errorf("error = %+v, want kind %s", pe, tt.want)
			}
			if !errors.Is(err, domain.ErrProviderError) {
				t.Error("provider errors should match domain.ErrProviderError")
			}
		})
	}
}

func TestBuildRequest_MaxCompletionTokens(t *testing.T) {
	req := buildRequest(llm.Request{Model: "gpt-5", MaxTokens: 100, UseMaxCompletionTokens: true, ReasoningEffort: "low"})

	if req.MaxTokens != 0 || req.MaxCompletionTokens != 100 {
		t.Errorf("MaxTokens=%d MaxCompletionTokens=%d", req.MaxTokens, req.MaxCompletionTokens)
	}
	if req.ReasoningEffort != "low" {
		t.Errorf("ReasoningEffort = %q", req.ReasoningEffort)
	}
	if req.ToolChoice != nil {
		t.Errorf("ToolChoice should be unset without tools, got %v", req.ToolChoice)
	}
}

func TestToOpenAI(t *testing.T) {
	t.Run("image parts use multi content", func(t *testing.T) {
		msg := toOpenAI(domain.Message{
			Role:    domain.RoleUser,
			Content: "describe",
			Parts:   []domain.ContentPart{{Type: domain.PartImageURL, ImageURL: "https://example.com/a.png"}},
		})
		if msg.Content != "" || len(msg.MultiContent) != 2 {
			t.Fatalf("msg = %+v", msg)
		}
		if msg.MultiContent[1].Type != openai.ChatMessagePartTypeImageURL {
			t.Errorf("part type = %s", msg.MultiContent[1].Type)
		}
	})

	t.Run("documents flatten into content", func(t *testing.T) {
		msg := toOpenAI(domain.Message{
			Role:    domain.RoleUser,
			Content: "summarize",
			Parts:   []domain.ContentPart{{Type: domain.PartDocument, DocumentName: "notes.txt", Text: "line one"}},
		})
		if msg.Content != "summarize\n[notes.txt]\nline one" {
			t.Errorf("Content = %q", msg.Content)
		}
	})

	t.Run("tool result keeps call id", func(t *testing.T) {
		msg := toOpenAI(domain.Message{Role: domain.RoleTool, ToolCallID: "call_1", Name: "clock_now", Content: `{"now":"x"}`})
		if msg.ToolCallID != "call_1" || msg.Name != "clock_now" {
			t.Errorf("msg = %+v", msg)
		}
	})

	t.Run("assistant tool calls", func(t *testing.T) {
		msg := toOpenAI(domain.Message{
			Role:      domain.RoleAssistant,
			ToolCalls: []domain.ToolCall{{ID: "c1", Name: "search", Arguments: `{"q":"x"}`}},
		})
		if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Function.Name != "search" || msg.ToolCalls[0].Type != openai.ToolTypeFunction {
			t.Errorf("tool calls = %+v", msg.ToolCalls)
		}
	})
}
