package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/felipepmaragno/agent-gateway/internal/cost"
	"github.com/felipepmaragno/agent-gateway/internal/crypto"
	"github.com/felipepmaragno/agent-gateway/internal/domain"
)

const (
	DefaultTenantID  = "default"
	DefaultTenantKey = "gw-default-key"
)

type tenantEntry struct {
	mu     sync.Mutex
	tenant domain.Tenant
}

// InMemoryStore keeps everything in maps. Each tenant carries its own mutex
// so settlements for one tenant serialize without blocking the others.
type InMemoryStore struct {
	mu       sync.RWMutex
	tenants  map[string]*tenantEntry
	byKey    map[string]string
	models   map[string]domain.Model
	settings map[string]domain.Settings

	usageMu sync.RWMutex
	usage   []domain.UsageLog
}

func NewInMemoryStore() *InMemoryStore {
	s := &InMemoryStore{
		tenants:  make(map[string]*tenantEntry),
		byKey:    make(map[string]string),
		models:   make(map[string]domain.Model),
		settings: make(map[string]domain.Settings),
	}

	for _, m := range cost.DefaultModels {
		s.models[m.Name] = m
	}

	now := time.Now()
	_ = s.Create(context.Background(), &domain.Tenant{
		ID:           DefaultTenantID,
		Name:         "default",
		APIKeyHash:   crypto.HashAPIKey(DefaultTenantKey),
		Balance:      decimal.NewFromInt(10),
		ToolsEnabled: true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})

	return s
}

func (s *InMemoryStore) entry(id string) (*tenantEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tenants[id]
	return e, ok
}

func (s *InMemoryStore) snapshot(e *tenantEntry) *domain.Tenant {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.tenant
	return &t
}

func (s *InMemoryStore) GetByAPIKey(ctx context.Context, apiKey string) (*domain.Tenant, error) {
	s.mu.RLock()
	id, ok := s.byKey[crypto.HashAPIKey(apiKey)]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrTenantNotFound
	}
	return s.GetByID(ctx, id)
}

func (s *InMemoryStore) GetByID(ctx context.Context, id string) (*domain.Tenant, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, domain.ErrTenantNotFound
	}
	return s.snapshot(e), nil
}

func (s *InMemoryStore) Create(ctx context.Context, tenant *domain.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[tenant.ID]; ok {
		return domain.ErrTenantExists
	}
	s.tenants[tenant.ID] = &tenantEntry{tenant: *tenant}
	s.byKey[tenant.APIKeyHash] = tenant.ID
	return nil
}

func (s *InMemoryStore) RotateKey(ctx context.Context, id, apiKeyHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tenants[id]
	if !ok {
		return domain.ErrTenantNotFound
	}

	e.mu.Lock()
	delete(s.byKey, e.tenant.APIKeyHash)
	e.tenant.APIKeyHash = apiKeyHash
	e.tenant.UpdatedAt = time.Now()
	e.mu.Unlock()

	s.byKey[apiKeyHash] = id
	return nil
}

func (s *InMemoryStore) Credit(ctx context.Context, id string, amount decimal.Decimal) (decimal.Decimal, error) {
	e, ok := s.entry(id)
	if !ok {
		return decimal.Zero, domain.ErrTenantNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.tenant.Balance = e.tenant.Balance.Add(amount)
	e.tenant.UpdatedAt = time.Now()
	return e.tenant.Balance, nil
}

func (s *InMemoryStore) GetModel(ctx context.Context, name string) (*domain.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.models[name]
	if !ok {
		return nil, domain.ErrModelNotFound
	}
	return &m, nil
}

func (s *InMemoryStore) ListModels(ctx context.Context) ([]domain.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	models := make([]domain.Model, 0, len(s.models))
	for _, m := range s.models {
		if m.Active {
			models = append(models, m)
		}
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	return models, nil
}

// PutModel adds or replaces a model.
func (s *InMemoryStore) PutModel(m domain.Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[m.Name] = m
}

func (s *InMemoryStore) GetSettings(ctx context.Context, tenantID string) (*domain.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.settings[tenantID]
	if !ok {
		return nil, domain.ErrSettingsNotFound
	}
	return &st, nil
}

func (s *InMemoryStore) PutSettings(ctx context.Context, settings *domain.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[settings.TenantID] = *settings
	return nil
}

func (s *InMemoryStore) Settle(ctx context.Context, log *domain.UsageLog) (decimal.Decimal, error) {
	e, ok := s.entry(log.TenantID)
	if !ok {
		return decimal.Zero, domain.ErrTenantNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tenant.Balance.LessThan(log.Cost) {
		return e.tenant.Balance, domain.ErrInsufficientBalance
	}

	s.usageMu.Lock()
	s.usage = append(s.usage, *log)
	s.usageMu.Unlock()

	e.tenant.Balance = e.tenant.Balance.Sub(log.Cost)
	e.tenant.UpdatedAt = log.CreatedAt
	return e.tenant.Balance, nil
}

func (s *InMemoryStore) ListUsage(ctx context.Context, tenantID string, limit int) ([]domain.UsageLog, error) {
	s.usageMu.RLock()
	defer s.usageMu.RUnlock()

	var logs []domain.UsageLog
	for i := len(s.usage) - 1; i >= 0; i-- {
		if s.usage[i].TenantID != tenantID {
			continue
		}
		logs = append(logs, s.usage[i])
		if limit > 0 && len(logs) >= limit {
			break
		}
	}
	return logs, nil
}

func (s *InMemoryStore) Ping(ctx context.Context) error {
	return nil
}
