package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
	"github.com/felipepmaragno/agent-gateway/internal/llm"
)

func TestProvider_Complete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "k" || r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing auth headers")
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"id":"m","content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":2}}`))
	}))
	defer srv.Close()

	p := New("k", srv.URL, srv.Client())
	resp, err := p.Complete(context.Background(), llm.Request{
		Model:    "claude-3-5-haiku-20241022",
		Messages: []domain.Message{{Role: domain.RoleSystem, Content: "sys"}, {Role: domain.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if resp.Message.Content != "hello" || resp.Usage.InputTokens != 10 {
		t.Errorf("resp = %+v", resp)
	}
	if got["model"] != "claude-3-5-haiku-20241022" || got["system"] != "sys" {
		t.Errorf("request = %v", got)
	}
	if _, ok := got["anthropic_version"]; ok {
		t.Error("anthropic_version belongs to bedrock bodies only")
	}
}

func TestProvider_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   llm.ErrorKind
	}{
		{"tools unsupported", 400, `{"type":"error","error":{"type":"invalid_request_error","message":"This model does not support tool use"}}`, llm.KindToolsUnsupported},
		{"overloaded", 529, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, llm.KindUnavailable},
		{"auth", 401, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`, llm.KindAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := New("k", srv.URL, srv.Client()).Complete(context.Background(), llm.Request{Model: "m"})

			var pe *llm.ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *llm.ProviderError, got %v", err)
			}
			if pe.Kind != tt.want || pe.StatusCode != tt.status {
				t.Errorf("error = %+v, want kind %s", pe, tt.want)
			}
		})
	}
}
