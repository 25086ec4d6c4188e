//go:build integration

package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
)

func openTestPostgres(t *testing.T) *SQLStore {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	store, err := OpenPostgres(context.Background(), url)
	if err != nil {
		t.Fatalf("OpenPostgres() error = %v", err)
	}
	t.Cleanup(func() { store.DB().Close() })
	return store
}

func TestPostgresStore_Integration_SettleConcurrent(t *testing.T) {
	store := openTestPostgres(t)
	ctx := context.Background()

	id := "it-" + uuid.NewString()
	if err := store.Create(ctx, newTenant(id, id, "0.05")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Settle(ctx, &domain.UsageLog{
				ID:        uuid.NewString(),
				TenantID:  id,
				ModelID:   "gpt-4.1-mini",
				TokensIn:  100,
				TokensOut: 10,
				Cost:      decimal.RequireFromString("0.02"),
				CreatedAt: time.Now(),
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrInsufficientBalance) {
				t.Errorf("Settle() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 2 {
		t.Errorf("succeeded = %d, want 2", succeeded)
	}
	tenant, err := store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if !tenant.Balance.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("balance = %s, want 0.01", tenant.Balance)
	}
	logs, _ := store.ListUsage(ctx, id, 50)
	if len(logs) != 2 {
		t.Errorf("len(logs) = %d, want 2", len(logs))
	}
}

func TestPostgresStore_Integration_SeededModels(t *testing.T) {
	store := openTestPostgres(t)

	m, err := store.GetModel(context.Background(), "gpt-4.1-mini")
	if err != nil {
		t.Fatalf("GetModel() error = %v", err)
	}
	if !m.InputPricePerMillion.Equal(decimal.RequireFromString("0.15")) {
		t.Errorf("input price = %s", m.InputPricePerMillion)
	}
}
