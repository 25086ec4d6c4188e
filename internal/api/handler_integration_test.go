//go:build integration

package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/felipepmaragno/agent-gateway/internal/api"
	"github.com/felipepmaragno/agent-gateway/internal/discovery"
	"github.com/felipepmaragno/agent-gateway/internal/ledger"
	"github.com/felipepmaragno/agent-gateway/internal/llm"
	"github.com/felipepmaragno/agent-gateway/internal/llm/openai"
	"github.com/felipepmaragno/agent-gateway/internal/orchestrator"
	"github.com/felipepmaragno/agent-gateway/internal/repository"
	"github.com/felipepmaragno/agent-gateway/internal/transport"
	"github.com/felipepmaragno/agent-gateway/internal/transport/local"
	"github.com/felipepmaragno/agent-gateway/internal/transport/webhook"
)

// chatServer speaks the chat completions wire format: the first call asks
// for the crm tool, every later call answers.
func chatServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		n := calls.Add(1)

		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			if !strings.Contains(string(body), `"crm_lookup_customer"`) {
				t.Errorf("first request does not offer the crm tool: %s", body)
			}
			fmt.Fprint(w, `{"id":"1","object":"chat.completion","model":"gpt-4.1-mini","choices":[{"index":0,
				"message":{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function",
				"function":{"name":"crm_lookup_customer","arguments":"{\"email\":\"ana@example.com\"}"}}]},
				"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":120,"completion_tokens":15,"total_tokens":135}}`)
			return
		}
		fmt.Fprint(w, `{"id":"2","object":"chat.completion","model":"gpt-4.1-mini","choices":[{"index":0,
			"message":{"role":"assistant","content":"Ana is a gold member."},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":180,"completion_tokens":8,"total_tokens":188}}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func toolServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/tools/list":
			fmt.Fprint(w, `{"tools":[{"name":"lookup_customer","description":"Find a customer",
				"parameters":{"type":"object","properties":{"email":{"type":"string"}},"required":["email"]}}]}`)
		case "/tools/call":
			fmt.Fprint(w, `{"customer":{"name":"Ana","tier":"gold"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setupStack(t *testing.T) (http.Handler, *repository.SQLStore, *atomic.Int32) {
	t.Helper()
	ctx := context.Background()

	store, err := repository.OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { store.DB().Close() })
	if err := store.SeedDefaultTenant(ctx); err != nil {
		t.Fatalf("SeedDefaultTenant() error = %v", err)
	}

	chat, calls := chatServer(t)
	tools := toolServer(t)

	router := llm.NewRouter(openai.New("openai", "sk-test", chat.URL, chat.Client()))
	disc := discovery.New(local.NewAdapter(), []transport.Adapter{webhook.NewAdapter(tools.Client())})
	disc.SetServers([]discovery.Server{{
		Name:      "crm",
		Transport: transport.KindWebhook,
		Endpoint:  transport.Endpoint{Server: "crm", URL: tools.URL},
	}})

	handler := api.NewHandler(api.HandlerConfig{
		Store:  store,
		Ledger: ledger.New(store),
		Engine: orchestrator.New(llm.NewCaller(router)),
		Router: router,
		Tools:  disc,
	})
	return handler, store, calls
}

func TestAnswer_EndToEnd(t *testing.T) {
	handler, store, calls := setupStack(t)

	body := `{"conversation":[{"role":"user","content":"Who is ana@example.com?"}]}`
	req := httptest.NewRequest(http.MethodPost, "/ai/answer", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+repository.DefaultTenantKey)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp api.AnswerResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Answer.Content != "Ana is a gold member." {
		t.Errorf("content = %q", resp.Answer.Content)
	}
	if len(resp.Answer.ContextTools) != 1 || resp.Answer.ContextTools[0].Name != "crm.lookup_customer" {
		t.Errorf("context_tools = %+v", resp.Answer.ContextTools)
	}
	if calls.Load() != 2 {
		t.Errorf("provider calls = %d, want 2", calls.Load())
	}
	if resp.Gateway.TokensIn != 300 || resp.Gateway.TokensOut != 23 {
		t.Errorf("tokens = %d/%d, want 300/23", resp.Gateway.TokensIn, resp.Gateway.TokensOut)
	}

	// 300 * 0.15 / 1e6 + 23 * 0.60 / 1e6
	wantCost := decimal.RequireFromString("0.0000588")
	logs, err := store.ListUsage(context.Background(), repository.DefaultTenantID, 10)
	if err != nil {
		t.Fatalf("ListUsage() error = %v", err)
	}
	if len(logs) != 1 || !logs[0].Cost.Equal(wantCost) {
		t.Errorf("usage = %+v, want one row costing %s", logs, wantCost)
	}
	tenant, _ := store.GetByID(context.Background(), repository.DefaultTenantID)
	if !tenant.Balance.Equal(decimal.NewFromInt(10).Sub(wantCost)) {
		t.Errorf("balance = %s", tenant.Balance)
	}
}

func TestAnswer_Unauthorized(t *testing.T) {
	handler, _, calls := setupStack(t)

	req := httptest.NewRequest(http.MethodPost, "/ai/answer", strings.NewReader(`{"conversation":[{"role":"user","content":"Hi"}]}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if calls.Load() != 0 {
		t.Errorf("provider calls = %d", calls.Load())
	}
}
