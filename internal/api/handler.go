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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/felipepmaragno/agent-gateway/internal/auth"
	"github.com/felipepmaragno/agent-gateway/internal/discovery"
	"github.com/felipepmaragno/agent-gateway/internal/domain"
	"github.com/felipepmaragno/agent-gateway/internal/ledger"
	"github.com/felipepmaragno/agent-gateway/internal/llm"
	"github.com/felipepmaragno/agent-gateway/internal/metrics"
	"github.com/felipepmaragno/agent-gateway/internal/orchestrator"
	"github.com/felipepmaragno/agent-gateway/internal/repository"
	"github.com/felipepmaragno/agent-gateway/internal/telemetry"
)

const (
	DefaultModel       = "gpt-4.1-mini"
	DefaultTemperature = 0.2
	DefaultMaxTokens   = 500
	MaxMaxTokens       = 4000

	maxBodyBytes = 10 << 20
)

// CatalogBuilder builds the tool catalog a tenant's run dispatches against.
type CatalogBuilder interface {
	Build(ctx context.Context, subject string) (*discovery.Catalog, error)
}

type HandlerConfig struct {
	Store     repository.Store
	Ledger    *ledger.Ledger
	Engine    *orchestrator.Engine
	Router    *llm.Router
	Tools     CatalogBuilder
	Extractor Extractor
	Checkers  []HealthChecker
	Version   string
	Logger    *slog.Logger
}

type Handler struct {
	store     repository.Store
	ledger    *ledger.Ledger
	engine    *orchestrator.Engine
	router    *llm.Router
	tools     CatalogBuilder
	extractor Extractor
	version   string
	logger    *slog.Logger
	mux       *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	extractor := cfg.Extractor
	if extractor == nil {
		extractor = TextExtractor{}
	}

	h := &Handler{
		store:     cfg.Store,
		ledger:    cfg.Ledger,
		engine:    cfg.Engine,
		router:    cfg.Router,
		tools:     cfg.Tools,
		extractor: extractor,
		version:   cfg.Version,
		logger:    logger.With("component", "api"),
		mux:       http.NewServeMux(),
	}

	checkers := append([]HealthChecker{NewStoreHealthChecker(cfg.Store)}, cfg.Checkers...)

	h.mux.HandleFunc("POST /ai/answer", h.handleAnswer)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleReady(checkers, 5*time.Second, h.version))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type Answer struct {
	Role         string                  `json:"role"`
	Content      string                  `json:"content"`
	ContextTools []domain.ToolInvocation `json:"context_tools"`
}

type Gateway struct {
	RequestID string          `json:"request_id"`
	Model     string          `json:"model"`
	Provider  string          `json:"provider"`
	Rounds    int             `json:"rounds"`
	TokensIn  int             `json:"tokens_in"`
	TokensOut int             `json:"tokens_out"`
	Cost      decimal.Decimal `json:"cost"`
	Balance   decimal.Decimal `json:"balance"`
	LatencyMs int64           `json:"latency_ms"`
}

type AnswerResponse struct {
	Answer  Answer                    `json:"answer"`
	Trace   []orchestrator.TraceEntry `json:"trace,omitempty"`
	Gateway Gateway                   `json:"x_gateway"`
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	ctx, span := telemetry.StartSpan(r.Context(), "api.answer")
	defer span.End()

	var tenantID, modelName string
	status := http.StatusOK
	defer func() {
		metrics.RecordRequest(tenantID, modelName, strconv.Itoa(status), time.Since(start).Seconds())
	}()
	fail := func(code int, message string) {
		status = code
		writeError(w, code, message)
	}

	apiKey := extractAPIKey(r)
	if apiKey == "" {
		fail(http.StatusUnauthorized, "missing API key")
		return
	}
	tenant, err := h.store.GetByAPIKey(ctx, apiKey)
	if err != nil {
		if errors.Is(err, domain.ErrTenantNotFound) {
			h.logger.Warn("invalid API key", "request_id", requestID)
			fail(http.StatusUnauthorized, "invalid API key")
			return
		}
		h.logger.Error("tenant lookup failed", "error", err, "request_id", requestID)
		fail(http.StatusInternalServerError, "internal error")
		return
	}
	tenantID = tenant.ID

	if err := h.ledger.Precheck(tenant); err != nil {
		h.logger.Info("request rejected, no balance", "request_id", requestID, "tenant_id", tenant.ID)
		fail(http.StatusPaymentRequired, "insufficient balance")
		return
	}

	var req AnswerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		fail(http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		fail(http.StatusBadRequest, err.Error())
		return
	}

	settings, err := h.settings(ctx, tenant.ID)
	if err != nil {
		h.logger.Error("settings lookup failed", "error", err, "request_id", requestID, "tenant_id", tenant.ID)
		fail(http.StatusInternalServerError, "internal error")
		return
	}

	model, err := h.resolveModel(ctx, &req, settings)
	if err != nil {
		h.logger.Info("model not available", "error", err, "request_id", requestID, "tenant_id", tenant.ID)
		fail(http.StatusBadRequest, "model not available")
		return
	}
	modelName = model.Name
	telemetry.AddRequestAttributes(span, tenant.ID, model.Name, requestID)

	msgs, err := buildMessages(ctx, &req, settings.SystemPrompt, h.extractor)
	if err != nil {
		fail(http.StatusBadRequest, err.Error())
		return
	}

	maxTokens := clampMaxTokens(settings.MaxOutputTokens)
	estimate := h.ledger.Estimate(msgs, model, maxTokens)
	if err := h.ledger.Admit(tenant, estimate.Cost); err != nil {
		h.logger.Info("request rejected by admission",
			"request_id", requestID,
			"tenant_id", tenant.ID,
			"estimated_cost", estimate.Cost.String(),
		)
		fail(http.StatusPaymentRequired, "insufficient balance for this request")
		return
	}

	temperature := settings.Temperature
	in := orchestrator.Input{
		Provider:    model.Provider,
		Model:       model.UpstreamName(),
		Messages:    msgs,
		Temperature: &temperature,
		MaxTokens:   maxTokens,
		Trace:       req.Trace,
	}
	if tenant.ToolsEnabled && h.tools != nil {
		catalog, err := h.tools.Build(ctx, tenant.ID)
		if err != nil {
			h.logger.Warn("tool discovery failed, running without tools",
				"error", err,
				"request_id", requestID,
				"tenant_id", tenant.ID,
			)
		} else {
			in.Tools = catalog
		}
	}

	res, runErr := h.engine.Run(ctx, in)
	if runErr != nil {
		telemetry.AddErrorAttribute(span, runErr)
		h.logger.Error("run failed",
			"error", runErr,
			"request_id", requestID,
			"tenant_id", tenant.ID,
			"model", model.Name,
		)
		h.settlePartial(ctx, requestID, tenant.ID, model, res)
		if errors.Is(runErr, domain.ErrProviderError) {
			fail(http.StatusBadGateway, "model provider error")
			return
		}
		fail(http.StatusInternalServerError, "internal error")
		return
	}

	settlement, err := h.ledger.Settle(ctx, ledger.SettleRequest{
		RequestID: requestID,
		TenantID:  tenant.ID,
		Model:     model,
		Usage:     res.Usage,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			fail(http.StatusPaymentRequired, "insufficient balance")
			return
		}
		h.logger.Error("settlement failed", "error", err, "request_id", requestID, "tenant_id", tenant.ID)
		fail(http.StatusInternalServerError, "internal error")
		return
	}

	invocations := res.Invocations
	if invocations == nil {
		invocations = []domain.ToolInvocation{}
	}
	latency := time.Since(start).Milliseconds()

	resp := AnswerResponse{
		Answer: Answer{
			Role:         domain.RoleAssistant,
			Content:      res.Final.Content,
			ContextTools: invocations,
		},
		Trace: res.Trace,
		Gateway: Gateway{
			RequestID: requestID,
			Model:     model.Name,
			Provider:  model.Provider,
			Rounds:    res.Rounds,
			TokensIn:  settlement.Log.TokensIn,
			TokensOut: settlement.Log.TokensOut,
			Cost:      settlement.Log.Cost,
			Balance:   settlement.Balance,
			LatencyMs: latency,
		},
	}

	h.logger.Info("request completed",
		"request_id", requestID,
		"trace_id", telemetry.TraceID(ctx),
		"tenant_id", tenant.ID,
		"model", model.Name,
		"rounds", res.Rounds,
		"tool_calls", len(res.Invocations),
		"verified", res.Verified,
		"tokens_in", settlement.Log.TokensIn,
		"tokens_out", settlement.Log.TokensOut,
		"cost", settlement.Log.Cost.String(),
		"latency_ms", latency,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// settlePartial bills the calls a failed run already made.
func (h *Handler) settlePartial(ctx context.Context, requestID, tenantID string, model *domain.Model, res *orchestrator.Result) {
	if res == nil || (res.Usage.InputTokens == 0 && res.Usage.OutputTokens == 0) {
		return
	}
	_, err := h.ledger.Settle(ctx, ledger.SettleRequest{
		RequestID: requestID,
		TenantID:  tenantID,
		Model:     model,
		Usage:     res.Usage,
		Partial:   true,
	})
	if err != nil {
		h.logger.Warn("partial settlement failed", "error", err, "request_id", requestID, "tenant_id", tenantID)
	}
}

func (h *Handler) settings(ctx context.Context, tenantID string) (*domain.Settings, error) {
	s, err := h.store.GetSettings(ctx, tenantID)
	if errors.Is(err, domain.ErrSettingsNotFound) {
		return &domain.Settings{
			TenantID:        tenantID,
			Temperature:     DefaultTemperature,
			MaxOutputTokens: DefaultMaxTokens,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		s.Temperature = DefaultTemperature
	}
	return s, nil
}

func (h *Handler) resolveModel(ctx context.Context, req *AnswerRequest, s *domain.Settings) (*domain.Model, error) {
	name := req.Model
	if name == "" {
		name = s.DefaultModel
	}
	if name == "" {
		name = DefaultModel
	}

	model, err := h.store.GetModel(ctx, name)
	if err != nil {
		return nil, err
	}
	if !model.Active {
		return nil, domain.ErrModelInactive
	}
	if h.router == nil || !h.router.Has(model.Provider) {
		return nil, domain.ErrProviderNotFound
	}
	return model, nil
}

func clampMaxTokens(n int) int {
	switch {
	case n <= 0:
		return DefaultMaxTokens
	case n > MaxMaxTokens:
		return MaxMaxTokens
	}
	return n
}

type modelInfo struct {
	ID                    string          `json:"id"`
	Object                string          `json:"object"`
	Provider              string          `json:"provider"`
	InputPricePerMillion  decimal.Decimal `json:"input_price_per_million"`
	OutputPricePerMillion decimal.Decimal `json:"output_price_per_million"`
	Available             bool            `json:"available"`
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.store.ListModels(r.Context())
	if err != nil {
		h.logger.Error("list models failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	data := make([]modelInfo, 0, len(models))
	for _, m := range models {
		if !m.Active {
			continue
		}
		data = append(data, modelInfo{
			ID:                    m.Name,
			Object:                "model",
			Provider:              m.Provider,
			InputPricePerMillion:  m.InputPricePerMillion,
			OutputPricePerMillion: m.OutputPricePerMillion,
			Available:             h.router != nil && h.router.Has(m.Provider),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"object": "list",
		"data":   data,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	var providers []string
	if h.router != nil {
		providers = h.router.ListProviders()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"version":   h.version,
		"providers": providers,
	})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

// extractAPIKey reads the tenant credential from x-api-key, falling back to a
// bearer token.
func extractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	return auth.ExtractBearerToken(r)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errorType(status),
			"code":    status,
		},
	})
}

func errorType(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusPaymentRequired:
		return "insufficient_balance"
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusBadGateway:
		return "provider_error"
	}
	return "error"
}
