package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/felipepmaragno/agent-gateway/internal/crypto"
	"github.com/felipepmaragno/agent-gateway/internal/domain"
)

// dialect covers the few places Postgres and SQLite disagree.
type dialect struct {
	name string
	// lockRow is appended to the balance read inside Settle/Credit.
	lockRow string
	// rebind rewrites $n placeholders when the driver wants another form.
	rebind func(string) string
	// isUniqueViolation reports a duplicate key on insert.
	isUniqueViolation func(error) bool
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

// SQLStore implements Store on database/sql. Queries are written with $n
// placeholders and rebound per dialect.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

func (s *SQLStore) q(query string) string {
	if s.d.rebind == nil {
		return query
	}
	return s.d.rebind(query)
}

// DB exposes the underlying pool for health checks.
func (s *SQLStore) Dialect() string {
	return s.d.name
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

const tenantColumns = `id, name, api_key_hash, balance, tools_enabled, created_at, updated_at`

func scanTenant(row interface{ Scan(...any) error }) (*domain.Tenant, error) {
	var t domain.Tenant
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.APIKeyHash,
		&t.Balance,
		&t.ToolsEnabled,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query tenant: %w", err)
	}
	return &t, nil
}

func (s *SQLStore) GetByAPIKey(ctx context.Context, apiKey string) (*domain.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE api_key_hash = $1`
	return scanTenant(s.db.QueryRowContext(ctx, s.q(query), crypto.HashAPIKey(apiKey)))
}

func (s *SQLStore) GetByID(ctx context.Context, id string) (*domain.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`
	return scanTenant(s.db.QueryRowContext(ctx, s.q(query), id))
}

func (s *SQLStore) Create(ctx context.Context, tenant *domain.Tenant) error {
	query := `
		INSERT INTO tenants (id, name, api_key_hash, balance, tools_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.db.ExecContext(ctx, s.q(query),
		tenant.ID,
		tenant.Name,
		tenant.APIKeyHash,
		tenant.Balance,
		tenant.ToolsEnabled,
		tenant.CreatedAt,
		tenant.UpdatedAt,
	)
	if err != nil {
		if s.d.isUniqueViolation != nil && s.d.isUniqueViolation(err) {
			return domain.ErrTenantExists
		}
		return fmt.Errorf("insert tenant: %w", err)
	}

	return nil
}

func (s *SQLStore) RotateKey(ctx context.Context, id, apiKeyHash string) error {
	query := `UPDATE tenants SET api_key_hash = $1, updated_at = $2 WHERE id = $3`

	result, err := s.db.ExecContext(ctx, s.q(query), apiKeyHash, time.Now(), id)
	if err != nil {
		return fmt.Errorf("rotate key: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrTenantNotFound
	}

	return nil
}

// lockedBalance reads the tenant balance inside tx, holding the row lock on
// dialects that support one.
func (s *SQLStore) lockedBalance(ctx context.Context, tx *sql.Tx, tenantID string) (decimal.Decimal, error) {
	query := `SELECT balance FROM tenants WHERE id = $1` + s.d.lockRow

	var balance decimal.Decimal
	err := tx.QueryRowContext(ctx, s.q(query), tenantID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, domain.ErrTenantNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func (s *SQLStore) writeBalance(ctx context.Context, tx *sql.Tx, tenantID string, balance decimal.Decimal, at time.Time) error {
	query := `UPDATE tenants SET balance = $1, updated_at = $2 WHERE id = $3`
	if _, err := tx.ExecContext(ctx, s.q(query), balance, at, tenantID); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return nil
}

func (s *SQLStore) Credit(ctx context.Context, id string, amount decimal.Decimal) (decimal.Decimal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin credit: %w", err)
	}
	defer tx.Rollback()

	balance, err := s.lockedBalance(ctx, tx, id)
	if err != nil {
		return decimal.Zero, err
	}

	balance = balance.Add(amount)
	if err := s.writeBalance(ctx, tx, id, balance, time.Now()); err != nil {
		return decimal.Zero, err
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("commit credit: %w", err)
	}
	return balance, nil
}

func (s *SQLStore) Settle(ctx context.Context, log *domain.UsageLog) (decimal.Decimal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin settle: %w", err)
	}
	defer tx.Rollback()

	balance, err := s.lockedBalance(ctx, tx, log.TenantID)
	if err != nil {
		return decimal.Zero, err
	}

	if balance.LessThan(log.Cost) {
		return balance, domain.ErrInsufficientBalance
	}

	insert := `
		INSERT INTO usage_logs (id, tenant_id, model_id, tokens_in, tokens_out, cost, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = tx.ExecContext(ctx, s.q(insert),
		log.ID,
		log.TenantID,
		log.ModelID,
		log.TokensIn,
		log.TokensOut,
		log.Cost,
		log.CreatedAt,
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("insert usage log: %w", err)
	}

	balance = balance.Sub(log.Cost)
	if err := s.writeBalance(ctx, tx, log.TenantID, balance, log.CreatedAt); err != nil {
		return decimal.Zero, err
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("commit settle: %w", err)
	}
	return balance, nil
}

func (s *SQLStore) ListUsage(ctx context.Context, tenantID string, limit int) ([]domain.UsageLog, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, tenant_id, model_id, tokens_in, tokens_out, cost, created_at
		FROM usage_logs
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, s.q(query), tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query usage logs: %w", err)
	}
	defer rows.Close()

	var logs []domain.UsageLog
	for rows.Next() {
		var l domain.UsageLog
		if err := rows.Scan(&l.ID, &l.TenantID, &l.ModelID, &l.TokensIn, &l.TokensOut, &l.Cost, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage log: %w", err)
		}
		logs = append(logs, l)
	}

	return logs, rows.Err()
}

const modelColumns = `id, name, provider, provider_model, input_price_per_million, output_price_per_million, active`

func (s *SQLStore) GetModel(ctx context.Context, name string) (*domain.Model, error) {
	query := `SELECT ` + modelColumns + ` FROM models WHERE name = $1`

	var m domain.Model
	err := s.db.QueryRowContext(ctx, s.q(query), name).Scan(
		&m.ID,
		&m.Name,
		&m.Provider,
		&m.ProviderModel,
		&m.InputPricePerMillion,
		&m.OutputPricePerMillion,
		&m.Active,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrModelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query model: %w", err)
	}
	return &m, nil
}

func (s *SQLStore) ListModels(ctx context.Context) ([]domain.Model, error) {
	query := `SELECT ` + modelColumns + ` FROM models WHERE active = $1 ORDER BY name`

	rows, err := s.db.QueryContext(ctx, s.q(query), true)
	if err != nil {
		return nil, fmt.Errorf("query models: %w", err)
	}
	defer rows.Close()

	var models []domain.Model
	for rows.Next() {
		var m domain.Model
		err := rows.Scan(
			&m.ID,
			&m.Name,
			&m.Provider,
			&m.ProviderModel,
			&m.InputPricePerMillion,
			&m.OutputPricePerMillion,
			&m.Active,
		)
		if err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		models = append(models, m)
	}

	return models, rows.Err()
}

func (s *SQLStore) GetSettings(ctx context.Context, tenantID string) (*domain.Settings, error) {
	query := `
		SELECT tenant_id, system_prompt, temperature, max_output_tokens, default_model
		FROM tenant_settings
		WHERE tenant_id = $1
	`

	var st domain.Settings
	err := s.db.QueryRowContext(ctx, s.q(query), tenantID).Scan(
		&st.TenantID,
		&st.SystemPrompt,
		&st.Temperature,
		&st.MaxOutputTokens,
		&st.DefaultModel,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSettingsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	return &st, nil
}

func (s *SQLStore) PutSettings(ctx context.Context, st *domain.Settings) error {
	query := `
		INSERT INTO tenant_settings (tenant_id, system_prompt, temperature, max_output_tokens, default_model)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE SET
			system_prompt = excluded.system_prompt,
			temperature = excluded.temperature,
			max_output_tokens = excluded.max_output_tokens,
			default_model = excluded.default_model
	`

	_, err := s.db.ExecContext(ctx, s.q(query),
		st.TenantID,
		st.SystemPrompt,
		st.Temperature,
		st.MaxOutputTokens,
		st.DefaultModel,
	)
	if err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}
	return nil
}

// SeedModels inserts the given models, leaving existing rows alone.
func (s *SQLStore) SeedModels(ctx context.Context, models []domain.Model) error {
	query := `
		INSERT INTO models (id, name, provider, provider_model, input_price_per_million, output_price_per_million, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO NOTHING
	`

	for _, m := range models {
		_, err := s.db.ExecContext(ctx, s.q(query),
			m.ID,
			m.Name,
			m.Provider,
			m.ProviderModel,
			m.InputPricePerMillion,
			m.OutputPricePerMillion,
			m.Active,
		)
		if err != nil {
			return fmt.Errorf("seed model %s: %w", m.Name, err)
		}
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
