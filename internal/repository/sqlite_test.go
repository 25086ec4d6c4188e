package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
)

func openTestSQLite(t *testing.T) *SQLStore {
	t.Helper()
	store, err := OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.DB().Close() })
	return store
}

func TestSQLiteStore_SeededModels(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()

	m, err := store.GetModel(ctx, "gpt-5")
	if err != nil {
		t.Fatalf("GetModel: %v", err)
	}
	if !m.OutputPricePerMillion.Equal(decimal.RequireFromString("3.00")) {
		t.Errorf("output price = %s, want 3.00", m.OutputPricePerMillion)
	}

	models, err := store.ListModels(ctx)
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 {
		t.Errorf("len(models) = %d, want 2", len(models))
	}
}

func TestSQLiteStore_TenantLifecycle(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()

	if err := store.SeedDefaultTenant(ctx); err != nil {
		t.Fatalf("SeedDefaultTenant: %v", err)
	}
	if err := store.SeedDefaultTenant(ctx); err != nil {
		t.Fatalf("second SeedDefaultTenant: %v", err)
	}

	tenant, err := store.GetByAPIKey(ctx, DefaultTenantKey)
	if err != nil {
		t.Fatalf("GetByAPIKey: %v", err)
	}
	if !tenant.Balance.Equal(decimal.NewFromInt(10)) {
		t.Errorf("balance = %s, want 10", tenant.Balance)
	}

	if err := store.RotateKey(ctx, tenant.ID, "new-hash"); err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if _, err := store.GetByAPIKey(ctx, DefaultTenantKey); !errors.Is(err, domain.ErrTenantNotFound) {
		t.Errorf("expected ErrTenantNotFound after rotation, got %v", err)
	}
}

func TestSQLiteStore_SettleAndList(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()
	store.Create(ctx, newTenant("t1", "k1", "10.00"))

	balance, err := store.Settle(ctx, usage("t1", "0.02"))
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !balance.Equal(decimal.RequireFromString("9.98")) {
		t.Errorf("balance = %s, want 9.98", balance)
	}

	_, err = store.Settle(ctx, usage("t1", "50"))
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}

	logs, err := store.ListUsage(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("ListUsage: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("len(logs) = %d, want 1", len(logs))
	}

	tenant, _ := store.GetByID(ctx, "t1")
	if !tenant.Balance.Equal(decimal.RequireFromString("9.98")) {
		t.Errorf("stored balance = %s, want 9.98", tenant.Balance)
	}
}

func TestSQLiteStore_Settle_Concurrent(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()
	store.Create(ctx, newTenant("t1", "k1", "1.00"))

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			log := usage("t1", "0.30")
			log.ID = log.ID + "-" + string(rune('a'+i))
			if _, err := store.Settle(ctx, log); err == nil {
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if ok.Load() != 3 {
		t.Errorf("successful settlements = %d, want 3", ok.Load())
	}
	tenant, _ := store.GetByID(ctx, "t1")
	if !tenant.Balance.Equal(decimal.RequireFromString("0.10")) {
		t.Errorf("balance = %s, want 0.10", tenant.Balance)
	}
}

func TestSQLiteStore_Settings(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()
	store.Create(ctx, newTenant("t1", "k1", "1"))

	st := &domain.Settings{TenantID: "t1", SystemPrompt: "be brief", Temperature: 0.2, MaxOutputTokens: 500, DefaultModel: "gpt-5"}
	if err := store.PutSettings(ctx, st); err != nil {
		t.Fatalf("PutSettings: %v", err)
	}
	st.DefaultModel = "gpt-4.1-mini"
	if err := store.PutSettings(ctx, st); err != nil {
		t.Fatalf("PutSettings upsert: %v", err)
	}

	got, err := store.GetSettings(ctx, "t1")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got.DefaultModel != "gpt-4.1-mini" {
		t.Errorf("DefaultModel = %s, want gpt-4.1-mini", got.DefaultModel)
	}
}
