package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradevault/recon-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

func TestMemoryStore_TradeVersionGuard(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tr := &model.Trade{ID: "t1", UserID: "u1", Symbol: "AAPL", Status: model.StatusClosed}
	if err := s.InsertTrade(ctx, tr); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertTrade(ctx, tr); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate insert should fail, got %v", err)
	}

	// First writer wins.
	up := *tr
	if err := s.UpdateTrade(ctx, &up); err != nil {
		t.Fatalf("update: %v", err)
	}
	if up.Version != 1 {
		t.Errorf("update should bump version, got %d", up.Version)
	}

	// Second writer carries the stale version and must lose.
	stale := *tr
	if err := s.UpdateTrade(ctx, &stale); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestMemoryStore_PositionVersionGuard(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	pos := &model.OpenPosition{ID: "p1", UserID: "u1", Symbol: "AAPL", NetQty: d(100), OpenedAt: t0}
	if err := s.SaveOpenPosition(ctx, pos); err != nil {
		t.Fatalf("save: %v", err)
	}
	if pos.Version != 1 {
		t.Fatalf("expected version 1 after create, got %d", pos.Version)
	}

	stale := *pos
	stale.Version = 0
	if err := s.SaveOpenPosition(ctx, &stale); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale save should conflict, got %v", err)
	}

	if err := s.DeleteOpenPosition(ctx, "p1", 0); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale delete should conflict, got %v", err)
	}
	if err := s.DeleteOpenPosition(ctx, "p1", pos.Version); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteOpenPosition(ctx, "p1", pos.Version); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
}

func TestMemoryStore_StoredCopiesAreIsolated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	pos := &model.OpenPosition{
		ID: "p1", UserID: "u1", Symbol: "AAPL", NetQty: d(100), OpenedAt: t0,
		Executions: []model.Execution{{Symbol: "AAPL", Quantity: d(100), Timestamp: t0}},
	}
	s.SaveOpenPosition(ctx, pos)

	// Mutating the caller's slice must not leak into the store.
	pos.Executions[0].Quantity = d(999)

	got, _ := s.GetOpenPositionsByUser(ctx, "u1")
	if !got[0].Executions[0].Quantity.Equal(d(100)) {
		t.Error("store leaked a reference to the caller's executions slice")
	}
}

func TestMemoryStore_RewriteSymbolScope(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.InsertTrade(ctx, &model.Trade{ID: "t1", UserID: "u1", Symbol: "037833100"})
	s.InsertTrade(ctx, &model.Trade{ID: "t2", UserID: "u2", Symbol: "037833100"})
	s.SaveOpenPosition(ctx, &model.OpenPosition{ID: "p1", UserID: "u2", Symbol: "037833100", NetQty: d(100), OpenedAt: t0})

	count, err := s.RewriteSymbol(ctx, "u1", "037833100", "AAPL")
	if err != nil || count != 1 {
		t.Fatalf("user-scoped rewrite should touch 1 row, got %d err=%v", count, err)
	}
	other, _ := s.GetTradesByUser(ctx, "u2")
	if other[0].Symbol != "037833100" {
		t.Error("user-scoped rewrite must not touch other users")
	}

	// Empty user id means a global mapping: every user's rows move.
	count, err = s.RewriteSymbol(ctx, "", "037833100", "AAPL")
	if err != nil || count != 2 {
		t.Fatalf("global rewrite should touch the remaining 2 rows, got %d err=%v", count, err)
	}
	other, _ = s.GetTradesByUser(ctx, "u2")
	positions, _ := s.GetOpenPositionsByUser(ctx, "u2")
	if other[0].Symbol != "AAPL" || positions[0].Symbol != "AAPL" {
		t.Error("global rewrite should reach all users")
	}
}

func TestMemoryStore_MappingScopePrecedence(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.SaveMapping(ctx, &model.CusipMapping{Cusip: "037833100", Ticker: "GLOBAL"})
	s.SaveMapping(ctx, &model.CusipMapping{Cusip: "037833100", Ticker: "MINE", UserID: "u1"})

	m, err := s.GetMapping(ctx, "037833100", "u1")
	if err != nil || m.Ticker != "MINE" {
		t.Errorf("user scope should win, got %+v err=%v", m, err)
	}
	m, err = s.GetMapping(ctx, "037833100", "u2")
	if err != nil || m.Ticker != "GLOBAL" {
		t.Errorf("unknown user falls back to global, got %+v err=%v", m, err)
	}
	if _, err := s.GetMapping(ctx, "nope", "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_UpsertSplitKeyedByDate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := &model.StockSplit{ID: "s1", Symbol: "NVDA", SplitDate: t0, FromFactor: d(1), ToFactor: d(10)}
	created, err := s.UpsertSplit(ctx, first)
	if err != nil || !created {
		t.Fatalf("first upsert should create, got created=%v err=%v", created, err)
	}
	s.MarkSplitProcessed(ctx, "s1")

	// Same symbol+date arrives again with a fresh ID: not a new split,
	// and the caller's copy picks up the stored identity and state.
	again := &model.StockSplit{ID: "s2", Symbol: "NVDA", SplitDate: t0, FromFactor: d(1), ToFactor: d(10)}
	created, err = s.UpsertSplit(ctx, again)
	if err != nil || created {
		t.Fatalf("re-upsert must not create, got created=%v err=%v", created, err)
	}
	if again.ID != "s1" || !again.Processed {
		t.Errorf("re-upsert should adopt stored identity, got %+v", again)
	}

	pending, _ := s.UnprocessedSplits(ctx, "NVDA")
	if len(pending) != 0 {
		t.Errorf("processed split must not be pending")
	}
}

func TestMemoryStore_ApplySplitAdjustmentAtomicity(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	pos := &model.OpenPosition{ID: "p1", UserID: "u1", Symbol: "NVDA", NetQty: d(10), OpenedAt: t0}
	s.SaveOpenPosition(ctx, pos)

	rec := &model.SplitAdjustmentRecord{PositionID: "p1", SplitID: "s1", OriginalQty: d(10), AdjustedQty: d(100)}
	adjusted := *pos
	adjusted.NetQty = d(100)
	if err := s.ApplySplitAdjustment(ctx, &adjusted, rec); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// Second apply for the same (position, split) pair is rejected.
	if err := s.ApplySplitAdjustment(ctx, &adjusted, rec); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	got, err := s.GetSplitAdjustment(ctx, "p1", "s1")
	if err != nil || !got.AdjustedQty.Equal(d(100)) {
		t.Errorf("adjustment record missing or wrong: %+v err=%v", got, err)
	}
}

func TestMemoryStore_DistinctOpenSymbolsSorted(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.SaveOpenPosition(ctx, &model.OpenPosition{ID: "p1", UserID: "u1", Symbol: "NVDA", OpenedAt: t0})
	s.SaveOpenPosition(ctx, &model.OpenPosition{ID: "p2", UserID: "u2", Symbol: "AAPL", OpenedAt: t0})
	s.SaveOpenPosition(ctx, &model.OpenPosition{ID: "p3", UserID: "u1", Symbol: "AAPL", OpenedAt: t0})

	syms, err := s.DistinctOpenSymbols(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(syms) != 2 || syms[0] != "AAPL" || syms[1] != "NVDA" {
		t.Errorf("expected [AAPL NVDA], got %v", syms)
	}
}
