package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/felipepmaragno/agent-gateway/internal/auth"
	"github.com/felipepmaragno/agent-gateway/internal/crypto"
	"github.com/felipepmaragno/agent-gateway/internal/discovery"
	"github.com/felipepmaragno/agent-gateway/internal/domain"
	"github.com/felipepmaragno/agent-gateway/internal/repository"
	"github.com/felipepmaragno/agent-gateway/internal/transport/local"
)

type MockToolInspector struct {
	BuildFunc  func(ctx context.Context, subject string) (*discovery.Catalog, error)
	StatusFunc func(ctx context.Context) []discovery.ServerStatus
}

func (m *MockToolInspector) Build(ctx context.Context, subject string) (*discovery.Catalog, error) {
	return m.BuildFunc(ctx, subject)
}

func (m *MockToolInspector) Status(ctx context.Context) []discovery.ServerStatus {
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx)
	}
	return nil
}

func setupAdmin(t *testing.T, withAuth bool) (*AdminHandler, *repository.InMemoryStore) {
	t.Helper()
	store := repository.NewInMemoryStore()
	cfg := AdminConfig{Store: store}
	if withAuth {
		adminHash, err := auth.HashPassword("admin-pass")
		if err != nil {
			t.Fatalf("HashPassword() error = %v", err)
		}
		viewerHash, _ := auth.HashPassword("viewer-pass")
		ops := auth.NewStaticOperators(
			&auth.Operator{Name: "ops", PasswordHash: adminHash, Role: auth.RoleAdmin},
			&auth.Operator{Name: "audit", PasswordHash: viewerHash, Role: auth.RoleViewer},
		)
		cfg.Auth = auth.NewRBACMiddleware(auth.NewAuthenticator(ops))
	}
	return NewAdminHandler(cfg), store
}

func doAdmin(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAdmin_CreateTenant(t *testing.T) {
	h, store := setupAdmin(t, false)

	w := doAdmin(h, http.MethodPost, "/admin/tenants", `{"name":"Acme","initial_balance":"25.5"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var view TenantView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(view.APIKey, crypto.APIKeyPrefix) {
		t.Errorf("api_key = %q", view.APIKey)
	}
	if !view.ToolsEnabled {
		t.Error("tools should be enabled by default")
	}

	tenant, err := store.GetByAPIKey(context.Background(), view.APIKey)
	if err != nil {
		t.Fatalf("new key does not authenticate: %v", err)
	}
	if tenant.ID != view.ID || !tenant.Balance.Equal(decimal.RequireFromString("25.5")) {
		t.Errorf("stored tenant = %+v", tenant)
	}
	if tenant.APIKeyHash == view.APIKey {
		t.Error("API key stored in plaintext")
	}
}

func TestAdmin_CreateTenant_Validation(t *testing.T) {
	h, _ := setupAdmin(t, false)

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"short name", `{"name":"A","initial_balance":"1"}`},
		{"blank name", `{"name":"   ","initial_balance":"1"}`},
		{"negative balance", `{"name":"Acme","initial_balance":"-1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doAdmin(h, http.MethodPost, "/admin/tenants", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestAdmin_CreateTenant_ToolsDisabled(t *testing.T) {
	h, _ := setupAdmin(t, false)

	w := doAdmin(h, http.MethodPost, "/admin/tenants", `{"name":"Acme","initial_balance":"0","tools_enabled":false}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d", w.Code)
	}
	var view TenantView
	json.NewDecoder(w.Body).Decode(&view)
	if view.ToolsEnabled {
		t.Error("tools_enabled = true, want false")
	}
}

func TestAdmin_GetTenant(t *testing.T) {
	h, _ := setupAdmin(t, false)

	w := doAdmin(h, http.MethodGet, "/admin/tenants/"+repository.DefaultTenantID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var view TenantView
	json.NewDecoder(w.Body).Decode(&view)
	if view.ID != repository.DefaultTenantID || view.APIKey != "" {
		t.Errorf("view = %+v", view)
	}

	if w := doAdmin(h, http.MethodGet, "/admin/tenants/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing tenant status = %d, want 404", w.Code)
	}
}

func TestAdmin_RotateKey(t *testing.T) {
	h, store := setupAdmin(t, false)
	ctx := context.Background()

	w := doAdmin(h, http.MethodPost, "/admin/tenants/"+repository.DefaultTenantID+"/rotate-key", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)

	if _, err := store.GetByAPIKey(ctx, repository.DefaultTenantKey); !errors.Is(err, domain.ErrTenantNotFound) {
		t.Errorf("old key still valid: %v", err)
	}
	if _, err := store.GetByAPIKey(ctx, resp["api_key"]); err != nil {
		t.Errorf("new key rejected: %v", err)
	}

	if w := doAdmin(h, http.MethodPost, "/admin/tenants/missing/rotate-key", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing tenant status = %d, want 404", w.Code)
	}
}

func TestAdmin_Credit(t *testing.T) {
	h, store := setupAdmin(t, false)

	w := doAdmin(h, http.MethodPost, "/admin/tenants/"+repository.DefaultTenantID+"/credit", `{"amount":"2.5"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	tenant, _ := store.GetByID(context.Background(), repository.DefaultTenantID)
	if !tenant.Balance.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("balance = %s, want 12.5", tenant.Balance)
	}

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"zero", repository.DefaultTenantID, `{"amount":"0"}`, http.StatusBadRequest},
		{"negative", repository.DefaultTenantID, `{"amount":"-1"}`, http.StatusBadRequest},
		{"bad json", repository.DefaultTenantID, `nope`, http.StatusBadRequest},
		{"unknown tenant", "missing", `{"amount":"1"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doAdmin(h, http.MethodPost, "/admin/tenants/"+tt.path+"/credit", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAdmin_PutSettings(t *testing.T) {
	h, store := setupAdmin(t, false)
	path := "/admin/tenants/" + repository.DefaultTenantID + "/settings"

	w := doAdmin(h, http.MethodPut, path, `{"system_prompt":"Be brief.","temperature":0.7,"max_output_tokens":800,"default_model":"gpt-5"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	st, err := store.GetSettings(context.Background(), repository.DefaultTenantID)
	if err != nil {
		t.Fatalf("GetSettings() error = %v", err)
	}
	if st.SystemPrompt != "Be brief." || st.Temperature != 0.7 || st.MaxOutputTokens != 800 || st.DefaultModel != "gpt-5" {
		t.Errorf("settings = %+v", st)
	}

	w = doAdmin(h, http.MethodPut, path, `{"system_prompt":"Plain."}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	st, _ = store.GetSettings(context.Background(), repository.DefaultTenantID)
	if st.Temperature != DefaultTemperature || st.MaxOutputTokens != DefaultMaxTokens {
		t.Errorf("omitted fields should reset to defaults, got %+v", st)
	}

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"temperature too high", path, `{"temperature":2.5}`, http.StatusBadRequest},
		{"temperature negative", path, `{"temperature":-0.1}`, http.StatusBadRequest},
		{"too many tokens", path, `{"max_output_tokens":4001}`, http.StatusBadRequest},
		{"negative tokens", path, `{"max_output_tokens":-5}`, http.StatusBadRequest},
		{"unknown model", path, `{"default_model":"nope"}`, http.StatusBadRequest},
		{"unknown tenant", "/admin/tenants/missing/settings", `{}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doAdmin(h, http.MethodPut, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAdmin_ListUsage(t *testing.T) {
	h, store := setupAdmin(t, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Settle(ctx, &domain.UsageLog{
			ID:        "u" + string(rune('a'+i)),
			TenantID:  repository.DefaultTenantID,
			ModelID:   "gpt-4.1-mini",
			TokensIn:  100,
			TokensOut: 10,
			Cost:      decimal.RequireFromString("0.01"),
		})
		if err != nil {
			t.Fatalf("Settle() error = %v", err)
		}
	}

	w := doAdmin(h, http.MethodGet, "/admin/tenants/"+repository.DefaultTenantID+"/usage?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Balance decimal.Decimal `json:"balance"`
		Logs    []UsageView     `json:"logs"`
		Count   int             `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 || len(resp.Logs) != 2 {
		t.Errorf("count = %d, logs = %d, want 2", resp.Count, len(resp.Logs))
	}
	if !resp.Balance.Equal(decimal.RequireFromString("9.97")) {
		t.Errorf("balance = %s, want 9.97", resp.Balance)
	}

	for _, q := range []string{"limit=0", "limit=-3", "limit=abc"} {
		if w := doAdmin(h, http.MethodGet, "/admin/tenants/"+repository.DefaultTenantID+"/usage?"+q, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, w.Code)
		}
	}
	if w := doAdmin(h, http.MethodGet, "/admin/tenants/missing/usage", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing tenant status = %d, want 404", w.Code)
	}
}

func TestAdmin_ListTools(t *testing.T) {
	adapter := local.NewAdapter()
	type params struct {
		Code string `json:"code"`
	}
	err := adapter.Register("airport_info", "Look up an airport", params{}, func(ctx context.Context, args json.RawMessage) (any, error) {
		return map[string]string{"name": "Guarulhos"}, nil
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	disc := discovery.New(adapter, nil)

	var subject string
	h := NewAdminHandler(AdminConfig{
		Store: repository.NewInMemoryStore(),
		Tools: &MockToolInspector{
			BuildFunc: func(ctx context.Context, s string) (*discovery.Catalog, error) {
				subject = s
				return disc.Build(ctx, s)
			},
			StatusFunc: func(ctx context.Context) []discovery.ServerStatus {
				return []discovery.ServerStatus{{Name: "crm", Transport: "webhook", URL: "http://crm", Breaker: "closed"}}
			},
		},
	})

	w := doAdmin(h, http.MethodGet, "/admin/tools?tenant=acme", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if subject != "acme" {
		t.Errorf("subject = %q, want acme", subject)
	}
	var resp struct {
		Servers []discovery.ServerStatus `json:"servers"`
		Tools   []discovery.Entry        `json:"tools"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Servers) != 1 || resp.Servers[0].Name != "crm" {
		t.Errorf("servers = %+v", resp.Servers)
	}
	if len(resp.Tools) != 1 || resp.Tools[0].Name != "airport_info" {
		t.Errorf("tools = %+v", resp.Tools)
	}
}

func TestAdmin_ListTools_Failures(t *testing.T) {
	failing := NewAdminHandler(AdminConfig{
		Store: repository.NewInMemoryStore(),
		Tools: &MockToolInspector{
			BuildFunc: func(ctx context.Context, s string) (*discovery.Catalog, error) {
				return nil, errors.New("local registry broken")
			},
		},
	})
	if w := doAdmin(failing, http.MethodGet, "/admin/tools", ""); w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}

	none, _ := setupAdmin(t, false)
	w := doAdmin(none, http.MethodGet, "/admin/tools", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"tools":[]`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestAdmin_RBAC(t *testing.T) {
	h, _ := setupAdmin(t, true)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		user, pass string
		wantStatus int
	}{
		{"no credentials", http.MethodGet, "/admin/tenants/default", "", "", "", http.StatusUnauthorized},
		{"wrong password", http.MethodGet, "/admin/tenants/default", "", "ops", "nope", http.StatusUnauthorized},
		{"viewer reads tenant", http.MethodGet, "/admin/tenants/default", "", "audit", "viewer-pass", http.StatusOK},
		{"viewer reads usage", http.MethodGet, "/admin/tenants/default/usage", "", "audit", "viewer-pass", http.StatusOK},
		{"viewer cannot credit", http.MethodPost, "/admin/tenants/default/credit", `{"amount":"1"}`, "audit", "viewer-pass", http.StatusForbidden},
		{"viewer cannot create", http.MethodPost, "/admin/tenants", `{"name":"Acme","initial_balance":"1"}`, "audit", "viewer-pass", http.StatusForbidden},
		{"viewer cannot change settings", http.MethodPut, "/admin/tenants/default/settings", `{}`, "audit", "viewer-pass", http.StatusForbidden},
		{"admin credits", http.MethodPost, "/admin/tenants/default/credit", `{"amount":"1"}`, "ops", "admin-pass", http.StatusOK},
		{"admin rotates", http.MethodPost, "/admin/tenants/default/rotate-key", "", "ops", "admin-pass", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req *http.Request
			if tt.body != "" {
				req = httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			} else {
				req = httptest.NewRequest(tt.method, tt.path, nil)
			}
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}
