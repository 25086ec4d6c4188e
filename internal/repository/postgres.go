package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/felipepmaragno/agent-gateway/internal/cost"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tenants (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	api_key_hash  TEXT NOT NULL UNIQUE,
	balance       NUMERIC(20, 10) NOT NULL CHECK (balance >= 0),
	tools_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS models (
	id                       TEXT PRIMARY KEY,
	name                     TEXT NOT NULL UNIQUE,
	provider                 TEXT NOT NULL,
	provider_model           TEXT NOT NULL DEFAULT '',
	input_price_per_million  NUMERIC(20, 10) NOT NULL,
	output_price_per_million NUMERIC(20, 10) NOT NULL,
	active                   BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS tenant_settings (
	tenant_id         TEXT PRIMARY KEY REFERENCES tenants(id),
	system_prompt     TEXT NOT NULL DEFAULT '',
	temperature       DOUBLE PRECISION NOT NULL DEFAULT 0.2,
	max_output_tokens INTEGER NOT NULL DEFAULT 500,
	default_model     TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS usage_logs (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL REFERENCES tenants(id),
	model_id   TEXT NOT NULL,
	tokens_in  INTEGER NOT NULL,
	tokens_out INTEGER NOT NULL,
	cost       NUMERIC(20, 10) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS usage_logs_tenant_created ON usage_logs (tenant_id, created_at DESC);
`

// NewPostgresStore wraps a lib/pq pool. Settle and Credit take the tenant
// row with SELECT ... FOR UPDATE so concurrent debits queue on the lock.
func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{
		db: db,
		d: dialect{
			name:              "postgres",
			lockRow:           " FOR UPDATE",
			isUniqueViolation: isPQUniqueViolation,
		},
	}
}

// OpenPostgres connects, creates the schema when missing and seeds the
// default model prices.
func OpenPostgres(ctx context.Context, url string) (*SQLStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := NewPostgresStore(db)
	if err := s.SeedModels(ctx, cost.DefaultModels); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func isPQUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
