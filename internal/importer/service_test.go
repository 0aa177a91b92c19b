package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradevault/recon-engine/internal/corporate"
	"github.com/tradevault/recon-engine/internal/dedupe"
	"github.com/tradevault/recon-engine/internal/model"
	"github.com/tradevault/recon-engine/internal/provider"
	"github.com/tradevault/recon-engine/internal/reconcile"
	"github.com/tradevault/recon-engine/internal/store"
	"github.com/tradevault/recon-engine/internal/symbols"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

func newTestService(timeout time.Duration) (*Service, *store.MemoryStore) {
	st := store.NewMemoryStore()
	prov := provider.NewFake()
	resolver := symbols.NewResolver(st, prov, nil, nil, 1)
	adjuster := corporate.NewAdjuster(st, prov, nil, 0)
	svc := NewService(st, reconcile.New(0), dedupe.NewDetector(), resolver, adjuster, nil, timeout)
	return svc, st
}

func raw(symbol, side string, qty, price float64, at time.Time) model.RawExecution {
	return model.RawExecution{
		Symbol:    symbol,
		Side:      side,
		Quantity:  d(qty),
		Price:     d(price),
		Timestamp: at,
	}
}

func waitForJob(t *testing.T, st store.Store, id string) *model.ImportJob {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := st.GetImportJob(context.Background(), id)
		if err == nil && job.Status != model.ImportProcessing {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("import did not finish in time")
	return nil
}

// --- Pipeline tests ---

func TestImport_RoundTrip(t *testing.T) {
	svc, st := newTestService(0)
	ctx := context.Background()

	job, err := svc.Submit(ctx, "u1", []model.RawExecution{
		raw("AAPL", "buy", 100, 10, t0),
		raw("AAPL", "sell", 100, 12, t0.Add(5*time.Minute)),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitForJob(t, st, job.ID)
	if final.Status != model.ImportCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.Error)
	}
	if final.Imported != 1 || final.Duplicates != 0 || final.Failed != 0 {
		t.Fatalf("unexpected counts: %+v", final)
	}

	trades, _ := st.GetTradesByUser(ctx, "u1")
	if len(trades) != 1 {
		t.Fatalf("expected 1 stored trade, got %d", len(trades))
	}
	if !trades[0].ProfitLoss.Equal(d(200)) {
		t.Errorf("expected P&L 200, got %s", trades[0].ProfitLoss)
	}
	if trades[0].ImportID != job.ID {
		t.Errorf("trade should reference the import, got %q", trades[0].ImportID)
	}
}

func TestImport_ReimportIsIdempotent(t *testing.T) {
	svc, st := newTestService(0)
	ctx := context.Background()

	batch := []model.RawExecution{
		raw("AAPL", "buy", 100, 10, t0),
		raw("AAPL", "sell", 100, 12, t0.Add(5*time.Minute)),
	}

	job1, _ := svc.Submit(ctx, "u1", batch)
	waitForJob(t, st, job1.ID)

	job2, _ := svc.Submit(ctx, "u1", batch)
	final := waitForJob(t, st, job2.ID)

	if final.Status != model.ImportCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.Error)
	}
	if final.Imported != 0 {
		t.Errorf("re-import must not create trades, imported %d", final.Imported)
	}
	if final.Duplicates != 2 {
		t.Errorf("both executions should be flagged duplicate, got %d", final.Duplicates)
	}

	trades, _ := st.GetTradesByUser(ctx, "u1")
	if len(trades) != 1 {
		t.Fatalf("re-import created extra trades: %d", len(trades))
	}
}

func TestImport_ReimportAfterSymbolRewrite(t *testing.T) {
	svc, st := newTestService(0)
	ctx := context.Background()

	// A file keyed by CUSIP gets imported, then the symbol is resolved
	// and the stored rows rewritten to the ticker. Re-importing the same
	// file must still see the fills as duplicates.
	batch := []model.RawExecution{
		raw("037833100", "buy", 100, 10, t0),
	}
	job1, _ := svc.Submit(ctx, "u1", batch)
	waitForJob(t, st, job1.ID)

	if _, err := st.RewriteSymbol(ctx, "u1", "037833100", "AAPL"); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	job2, _ := svc.Submit(ctx, "u1", batch)
	final := waitForJob(t, st, job2.ID)

	if final.Imported != 0 || final.Duplicates != 1 {
		t.Fatalf("re-import after resolution should be a no-op, got %+v", final)
	}
	positions, _ := st.GetOpenPositionsByUser(ctx, "u1")
	if len(positions) != 1 {
		t.Fatalf("expected 1 open position, got %d", len(positions))
	}
	if positions[0].Symbol != "AAPL" || !positions[0].NetQty.Equal(d(100)) {
		t.Errorf("unexpected position: %+v", positions[0])
	}
}

func TestImport_SignedQuantitiesWithoutSide(t *testing.T) {
	svc, st := newTestService(0)
	ctx := context.Background()

	job, _ := svc.Submit(ctx, "u1", []model.RawExecution{
		raw("TSLA", "", 100, 10, t0),   // signed positive = buy
		raw("TSLA", "", -100, 12, t0.Add(time.Minute)),
	})
	final := waitForJob(t, st, job.ID)

	if final.Imported != 1 || final.Failed != 0 {
		t.Fatalf("unexpected counts: %+v", final)
	}
	trades, _ := st.GetTradesByUser(ctx, "u1")
	if trades[0].Side != model.SideLong {
		t.Errorf("expected long trade, got %s", trades[0].Side)
	}
}

func TestImport_MalformedRowsCountedNotFatal(t *testing.T) {
	svc, st := newTestService(0)
	ctx := context.Background()

	job, _ := svc.Submit(ctx, "u1", []model.RawExecution{
		raw("AAPL", "buy", 100, 10, t0),
		raw("AAPL", "", 0, 10, t0.Add(time.Second)),          // zero qty, no side
		raw("", "buy", 10, 10, t0.Add(2*time.Second)),        // no symbol
		raw("AAPL", "hold", 10, 10, t0.Add(3*time.Second)),   // bad side
		raw("AAPL", "sell", 100, 12, t0.Add(5*time.Minute)),
	})
	final := waitForJob(t, st, job.ID)

	if final.Status != model.ImportCompleted {
		t.Fatalf("malformed rows must not fail the import, got %s (%s)", final.Status, final.Error)
	}
	if final.Failed != 3 {
		t.Errorf("expected 3 malformed rows, got %d", final.Failed)
	}
	if len(final.FailReasons) != 3 {
		t.Errorf("expected 3 fail reasons, got %v", final.FailReasons)
	}
	if final.Imported != 1 {
		t.Errorf("the valid round trip should still import, got %d", final.Imported)
	}
}

func TestImport_ZeroQuantityFillsRejected(t *testing.T) {
	svc, st := newTestService(0)
	ctx := context.Background()

	// Zero-quantity fills with an explicit side must never reach the
	// reconciler: two same-side zeros would divide by a zero fill total,
	// and a single one would fabricate a qty-0 round trip out of the
	// unmatched sell.
	job, _ := svc.Submit(ctx, "u1", []model.RawExecution{
		raw("AAPL", "buy", 0, 10, t0),
		raw("AAPL", "buy", 0, 11, t0.Add(time.Second)),
		raw("AAPL", "sell", 100, 12, t0.Add(time.Minute)),
	})
	final := waitForJob(t, st, job.ID)

	if final.Status != model.ImportCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.Error)
	}
	if final.Failed != 2 {
		t.Errorf("expected 2 malformed rows, got %d", final.Failed)
	}

	trades, _ := st.GetTradesByUser(ctx, "u1")
	if len(trades) != 0 {
		t.Fatalf("zero-qty fills must not mint trades, got %+v", trades)
	}
	positions, _ := st.GetOpenPositionsByUser(ctx, "u1")
	if len(positions) != 1 || !positions[0].NetQty.Equal(d(-100)) {
		t.Fatalf("the lone sell should open a short 100, got %+v", positions)
	}
}

func TestImport_OpenPositionPersisted(t *testing.T) {
	svc, st := newTestService(0)
	ctx := context.Background()

	job, _ := svc.Submit(ctx, "u1", []model.RawExecution{
		raw("MSFT", "buy", 50, 300, t0),
	})
	final := waitForJob(t, st, job.ID)

	if final.Status != model.ImportCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	positions, _ := st.GetOpenPositionsByUser(ctx, "u1")
	if len(positions) != 1 {
		t.Fatalf("expected 1 open position, got %d", len(positions))
	}
	if !positions[0].NetQty.Equal(d(50)) {
		t.Errorf("expected net qty 50, got %s", positions[0].NetQty)
	}
}

func TestImport_TimeoutMarksJobFailed(t *testing.T) {
	svc, st := newTestService(time.Nanosecond)
	ctx := context.Background()

	job, _ := svc.Submit(ctx, "u1", []model.RawExecution{
		raw("AAPL", "buy", 100, 10, t0),
		raw("AAPL", "sell", 100, 12, t0.Add(5*time.Minute)),
	})
	final := waitForJob(t, st, job.ID)

	if final.Status != model.ImportFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.Error == "" {
		t.Error("failed job should carry a reason")
	}
}

// --- HTTP tests ---

func newTestRouter(svc *Service) *chi.Mux {
	r := chi.NewRouter()
	r.Post("/api/v1/imports", svc.SubmitImport)
	r.Get("/api/v1/imports/{importID}", svc.GetImport)
	r.Get("/api/v1/trades/{userID}", svc.GetTrades)
	r.Get("/api/v1/positions/{userID}", svc.GetPositions)
	return r
}

func TestHTTP_SubmitImportAccepted(t *testing.T) {
	svc, st := newTestService(0)
	router := newTestRouter(svc)

	body, _ := json.Marshal(submitRequest{
		UserID: "u1",
		Executions: []model.RawExecution{
			raw("AAPL", "buy", 100, 10, t0),
			raw("AAPL", "sell", 100, 12, t0.Add(time.Minute)),
		},
	})
	req := httptest.NewRequest("POST", "/api/v1/imports", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var job model.ImportJob
	if err := json.NewDecoder(rec.Body).Decode(&job); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if job.ID == "" || job.Status != model.ImportProcessing {
		t.Fatalf("unexpected job: %+v", job)
	}

	// The job is pollable and eventually completes.
	final := waitForJob(t, st, job.ID)
	if final.Status != model.ImportCompleted {
		t.Errorf("expected completed, got %s", final.Status)
	}
}

func TestHTTP_SubmitImportValidation(t *testing.T) {
	svc, _ := newTestService(0)
	router := newTestRouter(svc)

	tests := []struct {
		name string
		body string
	}{
		{"garbage body", "{nope"},
		{"missing user", `{"executions":[{"symbol":"AAPL"}]}`},
		{"empty executions", `{"user_id":"u1","executions":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/imports", bytes.NewReader([]byte(tt.body)))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestHTTP_GetImportNotFound(t *testing.T) {
	svc, _ := newTestService(0)
	router := newTestRouter(svc)

	req := httptest.NewRequest("GET", "/api/v1/imports/nope", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHTTP_GetTradesStatusFilter(t *testing.T) {
	svc, st := newTestService(0)
	router := newTestRouter(svc)
	ctx := context.Background()

	st.InsertTrade(ctx, &model.Trade{ID: "t1", UserID: "u1", Symbol: "AAPL", Status: model.StatusClosed})
	st.InsertTrade(ctx, &model.Trade{ID: "t2", UserID: "u1", Symbol: "MSFT", Status: model.StatusOpen})

	req := httptest.NewRequest("GET", "/api/v1/trades/u1?status=closed", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var trades []model.Trade
	if err := json.NewDecoder(rec.Body).Decode(&trades); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(trades) != 1 || trades[0].ID != "t1" {
		t.Fatalf("expected only the closed trade, got %+v", trades)
	}
}
