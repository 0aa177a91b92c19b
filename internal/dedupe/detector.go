// Package dedupe decides whether a candidate trade has already been
// recorded, so re-importing the same broker file is idempotent.
//
// Detection is an ordered chain of strategies, most precise first. Each
// strategy returns a definite match, a definite non-match, or
// inconclusive; the chain short-circuits on the first definite result.
// Symbol is deliberately not part of any fingerprint: a CUSIP may resolve
// to different tickers across imports, but prices, P&L and timestamps
// survive resolution.
package dedupe

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradevault/recon-engine/internal/model"
)

// Tolerances for the fingerprint fallbacks.
var (
	// PriceTolerance is the absolute tolerance on price and P&L fields.
	PriceTolerance = decimal.NewFromFloat(0.01)

	// TimeTolerance is the allowed slack on entry timestamps.
	TimeTolerance = 1000 * time.Millisecond
)

// Verdict is a single strategy's answer.
type Verdict int

const (
	// Inconclusive means the strategy could not decide; the chain continues.
	Inconclusive Verdict = iota
	// Match means the candidate duplicates the existing trade.
	Match
	// NoMatch means the strategy positively ruled the pair distinct.
	NoMatch
)

// Strategy examines one candidate/existing pair.
type Strategy interface {
	Name() string
	Compare(candidate, existing *model.Trade) Verdict
}

// Detector runs the strategy chain over a user's trade history.
type Detector struct {
	chain []Strategy
}

// NewDetector creates a detector with the standard chain:
// execution-timestamp match, closed-trade fingerprint, open-trade
// fingerprint.
func NewDetector() *Detector {
	return &Detector{
		chain: []Strategy{
			execTimestampStrategy{},
			closedTradeStrategy{},
			openTradeStrategy{},
		},
	}
}

// IsDuplicate reports whether the candidate duplicates any existing trade.
// Candidates flagged as updates to a known trade bypass detection entirely:
// they are merges, not new rows.
func (d *Detector) IsDuplicate(candidate *model.Trade, existing []model.Trade) bool {
	for i := range existing {
		if d.isDuplicateOf(candidate, &existing[i]) {
			return true
		}
	}
	return false
}

func (d *Detector) isDuplicateOf(candidate, existing *model.Trade) bool {
	for _, s := range d.chain {
		switch s.Compare(candidate, existing) {
		case Match:
			return true
		case NoMatch:
			return false
		}
	}
	return false
}

// --- Tier 1: execution-timestamp match ---

// execTimestampStrategy is conclusive when both sides carry execution-level
// timestamps: an exact collision (to the second) between any pair means the
// same fill was reported twice.
type execTimestampStrategy struct{}

func (execTimestampStrategy) Name() string { return "exec_timestamp" }

func (execTimestampStrategy) Compare(candidate, existing *model.Trade) Verdict {
	if len(candidate.Executions) == 0 || len(existing.Executions) == 0 {
		return Inconclusive
	}
	seen := make(map[int64]bool, len(existing.Executions))
	for _, e := range existing.Executions {
		seen[e.Timestamp.Unix()] = true
	}
	for _, e := range candidate.Executions {
		if seen[e.Timestamp.Unix()] {
			return Match
		}
	}
	// Both carried timestamps and none collided: the coarser fingerprints
	// below cannot be more precise than this.
	return NoMatch
}

// --- Tier 2: closed-trade fingerprint ---

type closedTradeStrategy struct{}

func (closedTradeStrategy) Name() string { return "closed_fingerprint" }

func (closedTradeStrategy) Compare(candidate, existing *model.Trade) Verdict {
	if candidate.Status != model.StatusClosed || existing.Status != model.StatusClosed {
		return Inconclusive
	}
	if withinTolerance(candidate.EntryPrice, existing.EntryPrice) &&
		withinTolerance(candidate.ExitPrice, existing.ExitPrice) &&
		withinTolerance(candidate.ProfitLoss, existing.ProfitLoss) &&
		withinTime(candidate.EntryTime, existing.EntryTime) {
		return Match
	}
	return Inconclusive
}

// --- Tier 3: open-trade fingerprint ---

type openTradeStrategy struct{}

func (openTradeStrategy) Name() string { return "open_fingerprint" }

func (openTradeStrategy) Compare(candidate, existing *model.Trade) Verdict {
	if candidate.Status != model.StatusOpen || existing.Status != model.StatusOpen {
		return Inconclusive
	}
	if withinTolerance(candidate.EntryPrice, existing.EntryPrice) &&
		candidate.Quantity.Equal(existing.Quantity) &&
		candidate.Side == existing.Side &&
		withinTime(candidate.EntryTime, existing.EntryTime) {
		return Match
	}
	return Inconclusive
}

func withinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(PriceTolerance)
}

func withinTime(a, b time.Time) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= TimeTolerance
}

// MergeExecutions unions the update's executions into the target trade's
// list, keyed by broker execution id when present and by timestamp
// otherwise. Used for candidates that are updates to a known trade.
func MergeExecutions(target *model.Trade, updates []model.Execution) {
	type key struct {
		broker string
		ts     int64
	}
	seen := make(map[key]bool, len(target.Executions))
	for _, e := range target.Executions {
		seen[key{e.BrokerID, e.Timestamp.UnixMilli()}] = true
	}
	for _, e := range updates {
		k := key{e.BrokerID, e.Timestamp.UnixMilli()}
		if seen[k] {
			continue
		}
		seen[k] = true
		target.Executions = append(target.Executions, e)
	}
}
