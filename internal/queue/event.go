// Package queue exports settled usage to downstream billing consumers.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
)

// EventVersion is bumped when UsageEvent changes incompatibly.
const EventVersion = 1

type EventKind string

const (
	// EventUsageSettled is a completed answer.
	EventUsageSettled EventKind = "usage.settled"
	// EventUsagePartial is spend billed for a run that failed midway.
	EventUsagePartial EventKind = "usage.partial"
)

// UsageEvent mirrors one usage log row. Money travels as decimal strings.
type UsageEvent struct {
	Version   int       `json:"version"`
	Kind      EventKind `json:"kind"`
	ID        string    `json:"id"`
	RequestID string    `json:"request_id,omitempty"`
	TenantID  string    `json:"tenant_id"`
	ModelID   string    `json:"model_id"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	Cost      string    `json:"cost"`
	Balance   string    `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

func NewUsageEvent(requestID string, log domain.UsageLog, balance decimal.Decimal, partial bool) UsageEvent {
	kind := EventUsageSettled
	if partial {
		kind = EventUsagePartial
	}
	return UsageEvent{
		Version:   EventVersion,
		Kind:      kind,
		ID:        log.ID,
		RequestID: requestID,
		TenantID:  log.TenantID,
		ModelID:   log.ModelID,
		TokensIn:  log.TokensIn,
		TokensOut: log.TokensOut,
		Cost:      log.Cost.String(),
		Balance:   balance.String(),
		CreatedAt: log.CreatedAt.UTC(),
	}
}

type Exporter interface {
	Export(ctx context.Context, event UsageEvent) error
}

type InMemoryExporter struct {
	mu     sync.Mutex
	events []UsageEvent
}

func NewInMemoryExporter() *InMemoryExporter {
	return &InMemoryExporter{}
}

func (e *InMemoryExporter) Export(ctx context.Context, event UsageEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *InMemoryExporter) Events() []UsageEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]UsageEvent(nil), e.events...)
}
