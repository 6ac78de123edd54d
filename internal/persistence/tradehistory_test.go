package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitbank-trader/internal/domain"
)

func TestTradeHistoryStoreAppendAndLoadRecent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "trade_history.db")
	store, err := NewTradeHistoryStore(dbPath)
	if err != nil {
		t.Fatalf("NewTradeHistoryStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	results := []domain.TradeResult{
		{PnL: decimal.NewFromInt(1000), IsWin: true, Strategy: "spread_reversion", Timestamp: time.Now()},
		{PnL: decimal.NewFromInt(-500), IsWin: false, Strategy: "spread_reversion", Timestamp: time.Now()},
		{PnL: decimal.NewFromInt(2000), IsWin: true, Strategy: "spread_reversion", Timestamp: time.Now()},
	}
	for _, r := range results {
		if err := store.Append(ctx, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recent, err := store.LoadRecent(ctx, 10)
	if err != nil {
		t.Fatalf("LoadRecent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("len(recent) = %d, want 3", len(recent))
	}
	for i, r := range recent {
		if !r.PnL.Equal(results[i].PnL) {
			t.Errorf("recent[%d].PnL = %s, want %s", i, r.PnL, results[i].PnL)
		}
		if r.IsWin != results[i].IsWin {
			t.Errorf("recent[%d].IsWin = %v, want %v", i, r.IsWin, results[i].IsWin)
		}
	}
}

func TestTradeHistoryStoreLoadRecentRespectsLimit(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "trade_history.db")
	store, err := NewTradeHistoryStore(dbPath)
	if err != nil {
		t.Fatalf("NewTradeHistoryStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := store.Append(ctx, domain.TradeResult{PnL: decimal.NewFromInt(int64(i)), IsWin: true}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recent, err := store.LoadRecent(ctx, 2)
	if err != nil {
		t.Fatalf("LoadRecent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("len(recent) = %d, want 2", len(recent))
	}
	if !recent[len(recent)-1].PnL.Equal(decimal.NewFromInt(4)) {
		t.Errorf("last recent row PnL = %s, want 4 (the most recently appended)", recent[len(recent)-1].PnL)
	}
}

func TestTradeHistoryStorePersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "trade_history.db")
	ctx := context.Background()

	store1, err := NewTradeHistoryStore(dbPath)
	if err != nil {
		t.Fatalf("NewTradeHistoryStore: %v", err)
	}
	if err := store1.Append(ctx, domain.TradeResult{PnL: decimal.NewFromInt(500), IsWin: true}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	store1.Close()

	store2, err := NewTradeHistoryStore(dbPath)
	if err != nil {
		t.Fatalf("NewTradeHistoryStore (reopen): %v", err)
	}
	defer store2.Close()

	recent, err := store2.LoadRecent(ctx, 10)
	if err != nil {
		t.Fatalf("LoadRecent: %v", err)
	}
	if len(recent) != 1 || !recent[0].PnL.Equal(decimal.NewFromInt(500)) {
		t.Errorf("reloaded history = %+v, want one row with PnL 500", recent)
	}
}
