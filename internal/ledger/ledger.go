// Package ledger prices runs, admits them against the tenant balance and
// settles the final cost.
//
// Admission is a pure comparison and never touches the balance. Settlement
// goes through the store's debit-if-sufficient operation, so a run whose
// balance was drained by concurrent requests after admission fails with
// domain.ErrInsufficientBalance even though provider spend already happened.
// That spend is written off: it is logged, counted and reported to operators.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/felipepmaragno/agent-gateway/internal/budget"
	"github.com/felipepmaragno/agent-gateway/internal/cost"
	"github.com/felipepmaragno/agent-gateway/internal/domain"
	"github.com/felipepmaragno/agent-gateway/internal/metrics"
	"github.com/felipepmaragno/agent-gateway/internal/notifications"
	"github.com/felipepmaragno/agent-gateway/internal/queue"
	"github.com/felipepmaragno/agent-gateway/internal/repository"
	"github.com/felipepmaragno/agent-gateway/internal/telemetry"
	"github.com/felipepmaragno/agent-gateway/internal/tokens"
)

type Estimate struct {
	Usage domain.Usage
	Cost  decimal.Decimal
}

type Settlement struct {
	Log     domain.UsageLog
	Balance decimal.Decimal
}

type SettleRequest struct {
	RequestID string
	TenantID  string
	Model     *domain.Model
	Usage     domain.Usage
	// Partial marks usage billed for a run that failed after spending.
	Partial bool
}

type Ledger struct {
	store    repository.UsageRepository
	calc     *cost.Calculator
	notifier notifications.Notifier
	monitor  *budget.Monitor
	exporter queue.Exporter
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Ledger)

func WithNotifier(n notifications.Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

func WithMonitor(m *budget.Monitor) Option {
	return func(l *Ledger) { l.monitor = m }
}

func WithExporter(e queue.Exporter) Option {
	return func(l *Ledger) { l.exporter = e }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func New(store repository.UsageRepository, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		calc:   cost.NewCalculator(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.notifier == nil {
		l.notifier = notifications.NewLogNotifier(l.logger)
	}
	return l
}

// Cost prices usage against model.
func (l *Ledger) Cost(model *domain.Model, usage domain.Usage) decimal.Decimal {
	return l.calc.Calculate(model, usage)
}

// Estimate prices the messages as input plus maxOutputTokens as output, the
// most the run is allowed to produce per call.
func (l *Ledger) Estimate(msgs []domain.Message, model *domain.Model, maxOutputTokens int) Estimate {
	usage := domain.Usage{
		InputTokens:  tokens.EstimateMessages(msgs),
		OutputTokens: maxOutputTokens,
	}
	return Estimate{Usage: usage, Cost: l.calc.Calculate(model, usage)}
}

// Precheck rejects tenants with nothing left to spend.
func (l *Ledger) Precheck(tenant *domain.Tenant) error {
	if !tenant.Balance.IsPositive() {
		metrics.RecordAdmissionDenied(tenant.ID, "no_balance")
		return domain.ErrInsufficientBalance
	}
	return nil
}

// Admit compares an estimate against the balance the tenant was loaded with.
func (l *Ledger) Admit(tenant *domain.Tenant, estimated decimal.Decimal) error {
	if estimated.GreaterThan(tenant.Balance) {
		metrics.RecordAdmissionDenied(tenant.ID, "estimate")
		return fmt.Errorf("estimated cost %s exceeds balance %s: %w",
			estimated.StringFixed(6), tenant.Balance.StringFixed(6), domain.ErrInsufficientBalance)
	}
	return nil
}

func (l *Ledger) Settle(ctx context.Context, req SettleRequest) (*Settlement, error) {
	ctx, span := telemetry.StartSpan(ctx, "ledger.settle")
	defer span.End()

	log := domain.UsageLog{
		ID:        uuid.New().String(),
		TenantID:  req.TenantID,
		ModelID:   req.Model.ID,
		TokensIn:  req.Usage.InputTokens,
		TokensOut: req.Usage.OutputTokens,
		Cost:      l.calc.Calculate(req.Model, req.Usage),
		CreatedAt: l.now(),
	}
	telemetry.AddTokenAttributes(span, log.TokensIn, log.TokensOut)
	telemetry.AddCostAttribute(span, log.Cost.String())

	balance, err := l.store.Settle(ctx, &log)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		if errors.Is(err, domain.ErrInsufficientBalance) {
			l.recordLoss(ctx, req, log, balance)
		}
		return nil, err
	}

	metrics.RecordTokens(req.TenantID, req.Model.Name, log.TokensIn, log.TokensOut)
	metrics.RecordCost(req.TenantID, req.Model.Name, log.Cost.InexactFloat64())

	if l.monitor != nil {
		l.monitor.Check(ctx, req.TenantID, balance)
	}
	if l.exporter != nil {
		if err := l.exporter.Export(ctx, queue.NewUsageEvent(req.RequestID, log, balance, req.Partial)); err != nil {
			l.logger.Warn("usage export failed",
				"request_id", req.RequestID,
				"usage_id", log.ID,
				"error", err,
			)
		}
	}

	return &Settlement{Log: log, Balance: balance}, nil
}

func (l *Ledger) recordLoss(ctx context.Context, req SettleRequest, log domain.UsageLog, balance decimal.Decimal) {
	metrics.RecordSettlementLoss(req.TenantID)

	l.logger.Error("settlement failed after provider spend",
		"request_id", req.RequestID,
		"tenant_id", req.TenantID,
		"model", req.Model.Name,
		"cost", log.Cost.String(),
		"balance", balance.String(),
		"tokens_in", log.TokensIn,
		"tokens_out", log.TokensOut,
	)

	err := l.notifier.Send(ctx, notifications.Notification{
		Type:     notifications.NotificationSettlementLoss,
		TenantID: req.TenantID,
		Message:  "provider spend could not be charged to tenant",
		Data: map[string]any{
			"request_id": req.RequestID,
			"model":      req.Model.Name,
			"cost":       log.Cost.String(),
			"balance":    balance.String(),
		},
	})
	if err != nil {
		l.logger.Warn("settlement loss notification failed", "error", err)
	}
}
