package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/felipepmaragno/agent-gateway/internal/auth"
	"github.com/felipepmaragno/agent-gateway/internal/crypto"
	"github.com/felipepmaragno/agent-gateway/internal/discovery"
	"github.com/felipepmaragno/agent-gateway/internal/domain"
	"github.com/felipepmaragno/agent-gateway/internal/repository"
)

const (
	defaultUsageLimit = 50
	maxUsageLimit     = 500
)

// ToolInspector exposes the configured tool servers to operators.
type ToolInspector interface {
	CatalogBuilder
	Status(ctx context.Context) []discovery.ServerStatus
}

type AdminConfig struct {
	Store repository.Store
	Tools ToolInspector
	// Auth guards every route when set.
	Auth   *auth.RBACMiddleware
	Logger *slog.Logger
}

type AdminHandler struct {
	store  repository.Store
	tools  ToolInspector
	logger *slog.Logger
	mux    *http.ServeMux
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &AdminHandler{
		store:  cfg.Store,
		tools:  cfg.Tools,
		logger: logger.With("component", "admin"),
		mux:    http.NewServeMux(),
	}

	route := func(pattern string, p auth.Permission, fn http.HandlerFunc) {
		var handler http.Handler = fn
		if cfg.Auth != nil {
			handler = cfg.Auth.Protect(p, handler)
		}
		h.mux.Handle(pattern, handler)
	}

	route("POST /admin/tenants", auth.PermissionTenantWrite, h.createTenant)
	route("GET /admin/tenants/{id}", auth.PermissionTenantRead, h.getTenant)
	route("POST /admin/tenants/{id}/rotate-key", auth.PermissionTenantWrite, h.rotateAPIKey)
	route("POST /admin/tenants/{id}/credit", auth.PermissionBalanceWrite, h.creditTenant)
	route("PUT /admin/tenants/{id}/settings", auth.PermissionSettingsWrite, h.putSettings)
	route("GET /admin/tenants/{id}/usage", auth.PermissionUsageRead, h.listUsage)
	route("GET /admin/tools", auth.PermissionToolsRead, h.listTools)

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type TenantView struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Balance      decimal.Decimal `json:"balance"`
	ToolsEnabled bool            `json:"tools_enabled"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	// APIKey is only returned on creation and rotation.
	APIKey string `json:"api_key,omitempty"`
}

func viewTenant(t *domain.Tenant) TenantView {
	return TenantView{
		ID:           t.ID,
		Name:         t.Name,
		Balance:      t.Balance,
		ToolsEnabled: t.ToolsEnabled,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

type CreateTenantRequest struct {
	Name           string          `json:"name"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	ToolsEnabled   *bool           `json:"tools_enabled,omitempty"`
}

func (h *AdminHandler) createTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if len(req.Name) < 2 {
		writeAdminError(w, http.StatusBadRequest, "name must have at least 2 characters")
		return
	}
	if req.InitialBalance.IsNegative() {
		writeAdminError(w, http.StatusBadRequest, "initial_balance must not be negative")
		return
	}

	apiKey, err := crypto.GenerateAPIKey()
	if err != nil {
		h.logger.Error("failed to generate API key", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to create tenant")
		return
	}

	now := time.Now().UTC()
	tenant := &domain.Tenant{
		ID:           uuid.New().String(),
		Name:         req.Name,
		APIKeyHash:   crypto.HashAPIKey(apiKey),
		Balance:      req.InitialBalance,
		ToolsEnabled: req.ToolsEnabled == nil || *req.ToolsEnabled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := h.store.Create(ctx, tenant); err != nil {
		if errors.Is(err, domain.ErrTenantExists) {
			writeAdminError(w, http.StatusConflict, "tenant already exists")
			return
		}
		h.logger.Error("failed to create tenant", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to create tenant")
		return
	}

	h.logger.Info("tenant created",
		"tenant_id", tenant.ID,
		"name", tenant.Name,
		"balance", tenant.Balance.String(),
		"by", operator(ctx),
	)

	view := viewTenant(tenant)
	view.APIKey = apiKey
	writeJSON(w, http.StatusCreated, view)
}

func (h *AdminHandler) getTenant(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.lookupTenant(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewTenant(tenant))
}

func (h *AdminHandler) rotateAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	apiKey, err := crypto.GenerateAPIKey()
	if err != nil {
		h.logger.Error("failed to generate API key", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to rotate API key")
		return
	}

	if err := h.store.RotateKey(ctx, id, crypto.HashAPIKey(apiKey)); err != nil {
		if errors.Is(err, domain.ErrTenantNotFound) {
			writeAdminError(w, http.StatusNotFound, "tenant not found")
			return
		}
		h.logger.Error("failed to rotate API key", "error", err, "tenant_id", id)
		writeAdminError(w, http.StatusInternalServerError, "failed to rotate API key")
		return
	}

	h.logger.Info("API key rotated", "tenant_id", id, "by", operator(ctx))

	writeJSON(w, http.StatusOK, map[string]string{
		"tenant_id": id,
		"api_key":   apiKey,
	})
}

type CreditRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *AdminHandler) creditTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Amount.IsPositive() {
		writeAdminError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	balance, err := h.store.Credit(ctx, id, req.Amount)
	if err != nil {
		if errors.Is(err, domain.ErrTenantNotFound) {
			writeAdminError(w, http.StatusNotFound, "tenant not found")
			return
		}
		h.logger.Error("failed to credit tenant", "error", err, "tenant_id", id)
		writeAdminError(w, http.StatusInternalServerError, "failed to credit tenant")
		return
	}

	h.logger.Info("tenant credited",
		"tenant_id", id,
		"amount", req.Amount.String(),
		"balance", balance.String(),
		"by", operator(ctx),
	)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": id,
		"balance":   balance,
	})
}

type SettingsRequest struct {
	SystemPrompt    string   `json:"system_prompt"`
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
	DefaultModel    string   `json:"default_model,omitempty"`
}

func (h *AdminHandler) putSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, ok := h.lookupTenant(w, r)
	if !ok {
		return
	}

	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	settings := &domain.Settings{
		TenantID:        tenant.ID,
		SystemPrompt:    req.SystemPrompt,
		Temperature:     DefaultTemperature,
		MaxOutputTokens: DefaultMaxTokens,
		DefaultModel:    req.DefaultModel,
	}
	if req.Temperature != nil {
		if *req.Temperature < 0 || *req.Temperature > 2 {
			writeAdminError(w, http.StatusBadRequest, "temperature must be between 0 and 2")
			return
		}
		settings.Temperature = *req.Temperature
	}
	if req.MaxOutputTokens != 0 {
		if req.MaxOutputTokens < 0 || req.MaxOutputTokens > MaxMaxTokens {
			writeAdminError(w, http.StatusBadRequest, "max_output_tokens must be between 1 and "+strconv.Itoa(MaxMaxTokens))
			return
		}
		settings.MaxOutputTokens = req.MaxOutputTokens
	}
	if req.DefaultModel != "" {
		if _, err := h.store.GetModel(ctx, req.DefaultModel); err != nil {
			writeAdminError(w, http.StatusBadRequest, "unknown model "+req.DefaultModel)
			return
		}
	}

	if err := h.store.PutSettings(ctx, settings); err != nil {
		h.logger.Error("failed to store settings", "error", err, "tenant_id", tenant.ID)
		writeAdminError(w, http.StatusInternalServerError, "failed to store settings")
		return
	}

	h.logger.Info("tenant settings updated", "tenant_id", tenant.ID, "by", operator(ctx))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id":         tenant.ID,
		"system_prompt":     settings.SystemPrompt,
		"temperature":       settings.Temperature,
		"max_output_tokens": settings.MaxOutputTokens,
		"default_model":     settings.DefaultModel,
	})
}

type UsageView struct {
	ID        string          `json:"id"`
	ModelID   string          `json:"model_id"`
	TokensIn  int             `json:"tokens_in"`
	TokensOut int             `json:"tokens_out"`
	Cost      decimal.Decimal `json:"cost"`
	CreatedAt time.Time       `json:"created_at"`
}

func (h *AdminHandler) listUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, ok := h.lookupTenant(w, r)
	if !ok {
		return
	}

	limit := defaultUsageLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeAdminError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxUsageLimit)
	}

	logs, err := h.store.ListUsage(ctx, tenant.ID, limit)
	if err != nil {
		h.logger.Error("failed to list usage", "error", err, "tenant_id", tenant.ID)
		writeAdminError(w, http.StatusInternalServerError, "failed to list usage")
		return
	}

	views := make([]UsageView, 0, len(logs))
	for _, l := range logs {
		views = append(views, UsageView{
			ID:        l.ID,
			ModelID:   l.ModelID,
			TokensIn:  l.TokensIn,
			TokensOut: l.TokensOut,
			Cost:      l.Cost,
			CreatedAt: l.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenant.ID,
		"balance":   tenant.Balance,
		"logs":      views,
		"count":     len(views),
	})
}

// listTools reports the configured servers and the catalog a tenant would
// see, ?tenant= selecting the subject used for authenticated servers.
func (h *AdminHandler) listTools(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.tools == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"servers": []discovery.ServerStatus{},
			"tools":   []discovery.Entry{},
		})
		return
	}

	subject := r.URL.Query().Get("tenant")
	catalog, err := h.tools.Build(ctx, subject)
	if err != nil {
		h.logger.Error("tool discovery failed", "error", err)
		writeAdminError(w, http.StatusBadGateway, "tool discovery failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"servers": h.tools.Status(ctx),
		"tools":   catalog.Entries,
		"dropped": catalog.Dropped,
	})
}

func (h *AdminHandler) lookupTenant(w http.ResponseWriter, r *http.Request) (*domain.Tenant, bool) {
	id := r.PathValue("id")
	tenant, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrTenantNotFound) {
			writeAdminError(w, http.StatusNotFound, "tenant not found")
			return nil, false
		}
		h.logger.Error("tenant lookup failed", "error", err, "tenant_id", id)
		writeAdminError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return tenant, true
}

func operator(ctx context.Context) string {
	if op, ok := auth.OperatorFromContext(ctx); ok {
		return op.Name
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": message,
	})
}
