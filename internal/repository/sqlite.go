package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/felipepmaragno/agent-gateway/internal/cost"
	"github.com/felipepmaragno/agent-gateway/internal/crypto"
	"github.com/felipepmaragno/agent-gateway/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tenants (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	api_key_hash  TEXT NOT NULL UNIQUE,
	balance       TEXT NOT NULL,
	tools_enabled INTEGER NOT NULL DEFAULT 1,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS models (
	id                       TEXT PRIMARY KEY,
	name                     TEXT NOT NULL UNIQUE,
	provider                 TEXT NOT NULL,
	provider_model           TEXT NOT NULL DEFAULT '',
	input_price_per_million  TEXT NOT NULL,
	output_price_per_million TEXT NOT NULL,
	active                   INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS tenant_settings (
	tenant_id         TEXT PRIMARY KEY REFERENCES tenants(id),
	system_prompt     TEXT NOT NULL DEFAULT '',
	temperature       REAL NOT NULL DEFAULT 0.2,
	max_output_tokens INTEGER NOT NULL DEFAULT 500,
	default_model     TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS usage_logs (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL REFERENCES tenants(id),
	model_id   TEXT NOT NULL,
	tokens_in  INTEGER NOT NULL,
	tokens_out INTEGER NOT NULL,
	cost       TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS usage_logs_tenant_created ON usage_logs (tenant_id, created_at);
`

// OpenSQLite opens (and if needed creates) a single-node store. The pool is
// pinned to one connection, which serializes every transaction and gives
// Settle the same read-check-write isolation FOR UPDATE gives on Postgres.
func OpenSQLite(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &SQLStore{
		db: db,
		d: dialect{
			name: "sqlite",
			rebind: func(q string) string {
				return placeholder.ReplaceAllString(q, "?$1")
			},
			isUniqueViolation: func(err error) bool {
				return strings.Contains(err.Error(), "UNIQUE constraint failed")
			},
		},
	}

	if err := s.SeedModels(ctx, cost.DefaultModels); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// SeedDefaultTenant creates the development tenant when it does not exist yet.
func (s *SQLStore) SeedDefaultTenant(ctx context.Context) error {
	now := time.Now()
	err := s.Create(ctx, &domain.Tenant{
		ID:           DefaultTenantID,
		Name:         "default",
		APIKeyHash:   crypto.HashAPIKey(DefaultTenantKey),
		Balance:      decimal.NewFromInt(10),
		ToolsEnabled: true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err == domain.ErrTenantExists {
		return nil
	}
	return err
}
