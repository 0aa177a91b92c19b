// Package model defines the core domain types shared across the
// reconciliation engine. All monetary values use shopspring/decimal —
// never float64 for money.
package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformedExecution is returned when an incoming execution record
// cannot be normalized (zero quantity, missing symbol, zero timestamp).
var ErrMalformedExecution = errors.New("model: malformed execution record")

// Side of a round-trip trade.
const (
	SideLong  = "long"
	SideShort = "short"
)

// Trade status.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Import job status.
const (
	ImportProcessing = "processing"
	ImportCompleted  = "completed"
	ImportFailed     = "failed"
)

// Mapping resolution sources, ordered roughly by trustworthiness.
const (
	SourceManual        = "manual"
	SourceProviderBatch = "provider_batch"
	SourceProviderOne   = "provider_single"
	SourceInferred      = "inferred"
)

// MaxInferredConfidence caps the confidence of inference-path mappings.
// Only manual or provider-reported scores may exceed it.
const MaxInferredConfidence = 70

// Execution is a single broker fill. Immutable once created; an execution
// belongs to at most one Trade or OpenPosition at a time.
// Quantity is signed after normalization: positive = buy, negative = sell.
type Execution struct {
	ID         string          `json:"id" db:"id"`
	Symbol     string          `json:"symbol" db:"symbol"` // ticker, or an unresolved CUSIP
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`
	Price      decimal.Decimal `json:"price" db:"price"`
	Commission decimal.Decimal `json:"commission" db:"commission"`
	Multiplier decimal.Decimal `json:"multiplier" db:"multiplier"` // contract multiplier, 1 for equities
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
	BrokerID   string          `json:"broker_id,omitempty" db:"broker_id"` // broker-assigned execution id, may be empty
}

// RawExecution is the boundary form handed over by the per-broker parsers.
// Quantity may arrive signed with no side, or unsigned with an explicit
// side field. The importer normalizes both into the internal form.
type RawExecution struct {
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side,omitempty"` // "buy"/"sell", or empty when quantity is signed
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Multiplier decimal.Decimal `json:"multiplier,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	BrokerID   string          `json:"broker_id,omitempty"`
}

// SignedQty converts a quantity/side pair into one signed quantity.
// Positive = buy, negative = sell. Zero quantity is malformed in every
// form: downstream position math divides by fill totals.
func SignedQty(qty decimal.Decimal, side string) (decimal.Decimal, error) {
	if qty.IsZero() {
		return decimal.Zero, ErrMalformedExecution
	}
	switch side {
	case "buy", "BUY", "Buy":
		return qty.Abs(), nil
	case "sell", "SELL", "Sell":
		return qty.Abs().Neg(), nil
	case "":
		// Side inferred from sign.
		return qty, nil
	default:
		return decimal.Zero, ErrMalformedExecution
	}
}

// OpenPosition is the per-(user, symbol) mutable aggregate of not-yet-closed
// executions. Version guards conditional updates: a writer that loses a race
// sees a version mismatch instead of silently clobbering the row.
type OpenPosition struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	NetQty        decimal.Decimal `json:"net_qty" db:"net_qty"` // signed
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price" db:"avg_entry_price"`
	Commission    decimal.Decimal `json:"commission" db:"commission"`
	OpenedAt      time.Time       `json:"opened_at" db:"opened_at"`
	Executions    []Execution     `json:"executions" db:"executions"`
	SplitAdjusted bool            `json:"split_adjusted" db:"split_adjusted"`
	// Quantity/price before the first split adjustment ever applied.
	// Preserves true cost basis across multiple future splits.
	OriginalQty   *decimal.Decimal `json:"original_qty,omitempty" db:"original_qty"`
	OriginalPrice *decimal.Decimal `json:"original_price,omitempty" db:"original_price"`
	Version       int64            `json:"version" db:"version"`
}

// Trade is a finalized round trip. Derived fields (P&L, exit price) are
// recomputed from the execution list whenever it changes, never hand-edited.
type Trade struct {
	ID         string          `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	ImportID   string          `json:"import_id" db:"import_id"`
	Symbol     string          `json:"symbol" db:"symbol"`
	Side       string          `json:"side" db:"side"` // "long" or "short"
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price" db:"exit_price"`
	EntryTime  time.Time       `json:"entry_time" db:"entry_time"`
	ExitTime   time.Time       `json:"exit_time" db:"exit_time"`
	ProfitLoss decimal.Decimal `json:"profit_loss" db:"profit_loss"`
	Commission decimal.Decimal `json:"commission" db:"commission"`
	Status     string          `json:"status" db:"status"`
	Executions []Execution     `json:"executions" db:"executions"`
	Version    int64           `json:"version" db:"version"`
}

// CusipMapping resolves an opaque CUSIP to a tradable ticker.
// UserID == "" means a global mapping shared by all users; a user-scoped
// mapping overrides the global one for that user only.
type CusipMapping struct {
	Cusip       string    `json:"cusip" db:"cusip"`
	Ticker      string    `json:"ticker" db:"ticker"`
	CompanyName string    `json:"company_name,omitempty" db:"company_name"`
	Source      string    `json:"source" db:"source"`
	Confidence  int       `json:"confidence" db:"confidence"` // 0-100
	Verified    bool      `json:"verified" db:"verified"`
	UserID      string    `json:"user_id,omitempty" db:"user_id"` // "" = global
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// StockSplit is a corporate action reported by the external provider.
// Processed flips to true only once every affected open position has a
// SplitAdjustmentRecord.
type StockSplit struct {
	ID         string          `json:"id" db:"id"`
	Symbol     string          `json:"symbol" db:"symbol"`
	SplitDate  time.Time       `json:"split_date" db:"split_date"`
	FromFactor decimal.Decimal `json:"from_factor" db:"from_factor"`
	ToFactor   decimal.Decimal `json:"to_factor" db:"to_factor"`
	Processed  bool            `json:"processed" db:"processed"`
}

// Ratio returns to/from, the factor applied to position quantities.
func (s StockSplit) Ratio() decimal.Decimal {
	return s.ToFactor.Div(s.FromFactor)
}

// SplitAdjustmentRecord is the idempotence guard for split adjustments:
// its existence for a (position, split) pair means "already adjusted".
type SplitAdjustmentRecord struct {
	PositionID    string          `json:"position_id" db:"position_id"`
	SplitID       string          `json:"split_id" db:"split_id"`
	OriginalQty   decimal.Decimal `json:"original_qty" db:"original_qty"`
	AdjustedQty   decimal.Decimal `json:"adjusted_qty" db:"adjusted_qty"`
	OriginalPrice decimal.Decimal `json:"original_price" db:"original_price"`
	AdjustedPrice decimal.Decimal `json:"adjusted_price" db:"adjusted_price"`
	AdjustedAt    time.Time       `json:"adjusted_at" db:"adjusted_at"`
}

// ImportJob is the persisted status record callers poll while an import
// runs in the background.
type ImportJob struct {
	ID          string    `json:"id" db:"id"`
	UserID      string    `json:"user_id" db:"user_id"`
	Status      string    `json:"status" db:"status"`
	Imported    int       `json:"imported" db:"imported"`
	Duplicates  int       `json:"duplicates" db:"duplicates"`
	Failed      int       `json:"failed" db:"failed"`
	FailReasons []string  `json:"fail_reasons,omitempty" db:"fail_reasons"`
	Error       string    `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty" db:"finished_at"`
}
