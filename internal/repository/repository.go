// Package repository holds the stores the gateway reads tenants, models and
// settings from and writes usage to. Balance changes only happen through
// Settle and Credit, both of which lock the tenant row for the whole
// read-check-write.
package repository

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
)

type TenantRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*domain.Tenant, error)
	GetByID(ctx context.Context, id string) (*domain.Tenant, error)
	Create(ctx context.Context, tenant *domain.Tenant) error
	RotateKey(ctx context.Context, id, apiKeyHash string) error
	Credit(ctx context.Context, id string, amount decimal.Decimal) (decimal.Decimal, error)
}

type ModelRepository interface {
	GetModel(ctx context.Context, name string) (*domain.Model, error)
	ListModels(ctx context.Context) ([]domain.Model, error)
}

type SettingsRepository interface {
	GetSettings(ctx context.Context, tenantID string) (*domain.Settings, error)
	PutSettings(ctx context.Context, settings *domain.Settings) error
}

type UsageRepository interface {
	// Settle debits log.Cost from the tenant and records log in one atomic
	// unit. It returns domain.ErrInsufficientBalance, leaving both untouched,
	// when the balance at that moment does not cover the cost.
	Settle(ctx context.Context, log *domain.UsageLog) (decimal.Decimal, error)
	ListUsage(ctx context.Context, tenantID string, limit int) ([]domain.UsageLog, error)
}

type Store interface {
	TenantRepository
	ModelRepository
	SettingsRepository
	UsageRepository
	Ping(ctx context.Context) error
}
