// Package budget watches tenant balances after each settlement and raises
// low-balance alerts once per level.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/felipepmaragno/agent-gateway/internal/notifications"
)

type AlertLevel string

const (
	AlertLevelWarning   AlertLevel = "warning"
	AlertLevelCritical  AlertLevel = "critical"
	AlertLevelExhausted AlertLevel = "exhausted"
)


func (l AlertLevel) notificationType() notifications.NotificationType {
	switch l {
	case AlertLevelCritical:
		return notifications.NotificationBalanceCritical
	case AlertLevelExhausted:
		return notifications.NotificationBalanceExhausted
	default:
		return notifications.NotificationBalanceWarning
	}
}

type Alert struct {
	TenantID  string
	Level     AlertLevel
	Balance   decimal.Decimal
	Threshold decimal.Decimal
	Timestamp time.Time
}

// Thresholds are absolute balances. A balance at or below zero is always
// exhausted.
type Thresholds struct {
	Warning  decimal.Decimal
	Critical decimal.Decimal
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  decimal.NewFromInt(5),
		Critical: decimal.NewFromInt(1),
	}
}

type Monitor struct {
	notifier   notifications.Notifier
	dedup      AlertDeduplicator
	thresholds Thresholds
	logger     *slog.Logger
}

type Option func(*Monitor)

func WithDeduplicator(d AlertDeduplicator) Option {
	return func(m *Monitor) { m.dedup = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

func NewMonitor(notifier notifications.Notifier, thresholds Thresholds, opts ...Option) *Monitor {
	m := &Monitor{
		notifier:   notifier,
		dedup:      NewInMemoryDeduplicator(0),
		thresholds: thresholds,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) level(balance decimal.Decimal) (AlertLevel, decimal.Decimal, bool) {
	switch {
	case !balance.IsPositive():
		return AlertLevelExhausted, decimal.Zero, true
	case balance.LessThanOrEqual(m.thresholds.Critical):
		return AlertLevelCritical, m.thresholds.Critical, true
	case balance.LessThanOrEqual(m.thresholds.Warning):
		return AlertLevelWarning, m.thresholds.Warning, true
	}
	return "", decimal.Zero, false
}

// Check classifies balance and sends a notification the first time a tenant
// enters a level. It returns the alert it sent, or nil.
func (m *Monitor) Check(ctx context.Context, tenantID string, balance decimal.Decimal) *Alert {
	level, threshold, low := m.level(balance)
	if !low {
		m.dedup.ClearAlert(ctx, tenantID)
		return nil
	}

	if !m.dedup.ShouldAlert(ctx, tenantID, level) {
		return nil
	}

	alert := &Alert{
		TenantID:  tenantID,
		Level:     level,
		Balance:   balance,
		Threshold: threshold,
		Timestamp: time.Now(),
	}

	err := m.notifier.Send(ctx, notifications.Notification{
		Type:     level.notificationType(),
		TenantID: tenantID,
		Message:  fmt.Sprintf("tenant balance %s is at or below %s", balance.StringFixed(4), threshold.StringFixed(2)),
		Data: map[string]any{
			"balance":   balance.String(),
			"threshold": threshold.String(),
			"level":     string(level),
		},
	})
	if err != nil {
		m.logger.Warn("balance alert not delivered",
			"tenant_id", tenantID,
			"level", level,
			"error", err,
		)
	}

	return alert
}
