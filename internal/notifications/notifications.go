// Package notifications delivers operator alerts: low tenant balances,
// settlement losses and tool servers whose breaker opened.
package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type NotificationType string

const (
	NotificationBalanceWarning   NotificationType = "balance_warning"
	NotificationBalanceCritical  NotificationType = "balance_critical"
	NotificationBalanceExhausted NotificationType = "balance_exhausted"
	// NotificationSettlementLoss is sent when provider spend could not be
	// charged because the balance ran out between admission and settlement.
	NotificationSettlementLoss NotificationType = "settlement_loss"
	NotificationToolServerDown NotificationType = "tool_server_down"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Severity ranks the type for routing. Money lost or a tenant locked out is
// critical.
func (t NotificationType) Severity() Severity {
	switch t {
	case NotificationBalanceExhausted, NotificationSettlementLoss:
		return SeverityCritical
	case NotificationBalanceCritical, NotificationToolServerDown:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

type Notification struct {
	Type     NotificationType `json:"type"`
	TenantID string           `json:"tenant_id,omitempty"`
	Message  string           `json:"message"`
	Data     map[string]any   `json:"data,omitempty"`
	SentAt   time.Time        `json:"sent_at"`
}

// Subject is a one-line summary for channels that show one, such as email
// subscribers of an SNS topic.
func (n Notification) Subject() string {
	label := strings.ReplaceAll(string(n.Type), "_", " ")
	switch {
	case n.TenantID != "":
		return fmt.Sprintf("[agent-gateway] %s: tenant %s", label, n.TenantID)
	case n.Data["server"] != nil:
		return fmt.Sprintf("[agent-gateway] %s: %v", label, n.Data["server"])
	default:
		return "[agent-gateway] " + label
	}
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// LogNotifier writes notifications to the log. Used when no topic is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notifications")}
}

func (n *LogNotifier) Send(ctx context.Context, notification Notification) error {
	level := slog.LevelWarn
	if notification.Type.Severity() == SeverityCritical {
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, notification.Message,
		"notification", notification.Type,
		"tenant_id", notification.TenantID,
		"data", notification.Data,
	)
	return nil
}

type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
	return nil
}

func (n *InMemoryNotifier) Notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.notifications...)
}
