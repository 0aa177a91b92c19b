// Package reconcile turns an ordered stream of broker executions into
// round-trip trades and updated open positions.
//
// The reconciler is pure with respect to its inputs: it reads the caller's
// snapshot of open positions and closed trades and returns the changes,
// without touching storage itself. All quantities are signed decimals
// (positive = buy, negative = sell).
package reconcile

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradevault/recon-engine/internal/model"
)

// DefaultGroupGap is the default time gap separating two round trips in
// the same symbol. Executions closer together are folded into the same
// trade even if the position briefly touched zero and reopened. This is
// a session heuristic, not a FIFO/LIFO lot-matching rule.
const DefaultGroupGap = 60 * time.Minute

// Reconciler applies executions to positions and emits trades.
type Reconciler struct {
	groupGap time.Duration
}

// New creates a reconciler with the given grouping gap. A non-positive
// gap falls back to DefaultGroupGap.
func New(groupGap time.Duration) *Reconciler {
	if groupGap <= 0 {
		groupGap = DefaultGroupGap
	}
	return &Reconciler{groupGap: groupGap}
}

// GroupGap returns the configured grouping gap.
func (r *Reconciler) GroupGap() time.Duration { return r.groupGap }

// Result is the outcome of one reconciliation pass.
type Result struct {
	// OpenPositions are positions still open after the pass (new or updated).
	OpenPositions []model.OpenPosition

	// ClosedPositionIDs identify pre-existing positions that closed during
	// the pass and should be deleted from storage.
	ClosedPositionIDs []string

	// NewTrades are round trips completed during this pass.
	NewTrades []model.Trade

	// UpdatedTrades are previously closed trades that absorbed late fills
	// and had their derived fields fully recomputed.
	UpdatedTrades []model.Trade
}

// Reconcile processes incoming executions in timestamp order, grouped by
// symbol, against the user's open positions and closed-trade history.
//
// openBySymbol maps symbol → current open position; closedBySymbol maps
// symbol → previously closed trades (used to attach continuation fills).
func (r *Reconciler) Reconcile(
	userID, importID string,
	openBySymbol map[string]model.OpenPosition,
	closedBySymbol map[string][]model.Trade,
	incoming []model.Execution,
) Result {
	ordered := append([]model.Execution(nil), incoming...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	bySymbol := make(map[string][]model.Execution)
	var symbols []string
	for _, e := range ordered {
		if _, ok := bySymbol[e.Symbol]; !ok {
			symbols = append(symbols, e.Symbol)
		}
		bySymbol[e.Symbol] = append(bySymbol[e.Symbol], e)
	}

	var result Result
	for _, sym := range symbols {
		r.reconcileSymbol(userID, importID, sym, openBySymbol, closedBySymbol, bySymbol[sym], &result)
	}
	return result
}

// symbolState tracks the in-flight position and last closed trade while
// walking one symbol's executions. The last closed trade is either a
// pre-existing one (existingTrade) or the trade at newTradeIdx in the
// result's NewTrades slice — indexed, not held by pointer, because the
// slice may reallocate as more trades are appended.
type symbolState struct {
	pos             *model.OpenPosition // nil when flat
	preExisted      bool                // pos came from storage, not this pass
	existingTrade   *model.Trade        // last closed trade loaded from storage
	existingTouched bool
	newTradeIdx     int // index into result.NewTrades, -1 when none
}

// lastExit returns the exit time of the most recent closed trade, if any.
func (st *symbolState) lastExit(result *Result) (time.Time, bool) {
	if st.newTradeIdx >= 0 {
		return result.NewTrades[st.newTradeIdx].ExitTime, true
	}
	if st.existingTrade != nil {
		return st.existingTrade.ExitTime, true
	}
	return time.Time{}, false
}

func (r *Reconciler) reconcileSymbol(
	userID, importID, symbol string,
	openBySymbol map[string]model.OpenPosition,
	closedBySymbol map[string][]model.Trade,
	execs []model.Execution,
	result *Result,
) {
	st := symbolState{newTradeIdx: -1}
	if p, ok := openBySymbol[symbol]; ok {
		cp := p
		cp.Executions = append([]model.Execution(nil), p.Executions...)
		st.pos = &cp
		st.preExisted = true
	}
	if trades := closedBySymbol[symbol]; len(trades) > 0 {
		latest := trades[0]
		for _, t := range trades[1:] {
			if t.ExitTime.After(latest.ExitTime) {
				latest = t
			}
		}
		latest.Executions = append([]model.Execution(nil), latest.Executions...)
		st.existingTrade = &latest
	}

	for _, exec := range execs {
		if st.pos != nil {
			r.applyToPosition(&st, exec, importID, result)
			continue
		}
		if exit, ok := st.lastExit(result); ok && exec.Timestamp.Sub(exit) < r.groupGap {
			// Continuation or correction fill inside the grouping gap:
			// attach to the closed trade and recompute it from scratch.
			if st.newTradeIdx >= 0 {
				t := &result.NewTrades[st.newTradeIdx]
				t.Executions = append(t.Executions, exec)
				Recompute(t)
			} else {
				st.existingTrade.Executions = append(st.existingTrade.Executions, exec)
				Recompute(st.existingTrade)
				st.existingTouched = true
			}
			continue
		}
		st.pos = newPosition(userID, symbol, exec)
	}

	if st.pos != nil {
		result.OpenPositions = append(result.OpenPositions, *st.pos)
	} else if st.preExisted {
		// A stored position closed during this pass.
		if p, ok := openBySymbol[symbol]; ok {
			result.ClosedPositionIDs = append(result.ClosedPositionIDs, p.ID)
		}
	}
	if st.existingTouched {
		result.UpdatedTrades = append(result.UpdatedTrades, *st.existingTrade)
	}
}

// applyToPosition folds one execution into the open position, closing it
// when net quantity returns exactly to zero.
func (r *Reconciler) applyToPosition(st *symbolState, exec model.Execution, importID string, result *Result) {
	pos := st.pos
	sameDirection := pos.NetQty.Sign() == exec.Quantity.Sign()

	if sameDirection {
		// Pyramiding: weighted average entry moves, nothing is realized.
		oldAbs := pos.NetQty.Abs()
		addAbs := exec.Quantity.Abs()
		total := oldAbs.Add(addAbs)
		pos.AvgEntryPrice = pos.AvgEntryPrice.Mul(oldAbs).Add(exec.Price.Mul(addAbs)).Div(total)
		pos.NetQty = pos.NetQty.Add(exec.Quantity)
		pos.Commission = pos.Commission.Add(exec.Commission)
		pos.Executions = append(pos.Executions, exec)
		return
	}

	newNet := pos.NetQty.Add(exec.Quantity)

	if newNet.Sign() == 0 || newNet.Sign() != pos.NetQty.Sign() {
		// Zero crossing: the position closes. Any overshoot reopens a
		// fresh position in the opposite direction at the closing price.
		closeQty := pos.NetQty.Neg()
		closeExec := exec
		closeExec.Quantity = closeQty
		// Commission prorated across the matched and overshoot parts.
		// Multiply before dividing so exact ratios stay exact.
		closeExec.Commission = exec.Commission.Mul(closeQty.Abs()).Div(exec.Quantity.Abs())

		pos.Executions = append(pos.Executions, closeExec)
		pos.Commission = pos.Commission.Add(closeExec.Commission)

		trade := buildTrade(pos, importID)
		result.NewTrades = append(result.NewTrades, trade)
		st.newTradeIdx = len(result.NewTrades) - 1

		if st.preExisted {
			result.ClosedPositionIDs = append(result.ClosedPositionIDs, pos.ID)
			st.preExisted = false
		}
		st.pos = nil

		if !newNet.IsZero() {
			rest := exec
			rest.Quantity = newNet
			rest.Commission = exec.Commission.Sub(closeExec.Commission)
			st.pos = newPosition(pos.UserID, pos.Symbol, rest)
		}
		return
	}

	// Partial close: net shrinks but stays on the same side. Realized P&L
	// is not emitted until the position fully closes; the executions carry
	// everything needed to compute it then.
	pos.NetQty = newNet
	pos.Commission = pos.Commission.Add(exec.Commission)
	pos.Executions = append(pos.Executions, exec)
}

func newPosition(userID, symbol string, exec model.Execution) *model.OpenPosition {
	return &model.OpenPosition{
		ID:            uuid.New().String(),
		UserID:        userID,
		Symbol:        symbol,
		NetQty:        exec.Quantity,
		AvgEntryPrice: exec.Price,
		Commission:    exec.Commission,
		OpenedAt:      exec.Timestamp,
		Executions:    []model.Execution{exec},
	}
}

// buildTrade converts a fully closed position into a round-trip trade.
func buildTrade(pos *model.OpenPosition, importID string) model.Trade {
	t := model.Trade{
		ID:         uuid.New().String(),
		UserID:     pos.UserID,
		ImportID:   importID,
		Symbol:     pos.Symbol,
		Status:     model.StatusClosed,
		Executions: append([]model.Execution(nil), pos.Executions...),
	}
	Recompute(&t)
	return t
}

// Recompute derives every computed field of a trade from its execution
// list. It is the only place derived fields are written, so a trade that
// absorbs a late fill is always internally consistent.
func Recompute(t *model.Trade) {
	if len(t.Executions) == 0 {
		return
	}
	sort.SliceStable(t.Executions, func(i, j int) bool {
		return t.Executions[i].Timestamp.Before(t.Executions[j].Timestamp)
	})

	first := t.Executions[0]
	long := first.Quantity.Sign() > 0
	if long {
		t.Side = model.SideLong
	} else {
		t.Side = model.SideShort
	}

	multiplier := first.Multiplier
	if multiplier.IsZero() {
		multiplier = decimal.NewFromInt(1)
	}

	// Volume-weighted entry over same-direction fills, volume-weighted
	// exit over opposite fills.
	var entryQty, entryNotional, exitQty, exitNotional, commission decimal.Decimal
	for _, e := range t.Executions {
		abs := e.Quantity.Abs()
		commission = commission.Add(e.Commission)
		if (e.Quantity.Sign() > 0) == long {
			entryQty = entryQty.Add(abs)
			entryNotional = entryNotional.Add(e.Price.Mul(abs))
		} else {
			exitQty = exitQty.Add(abs)
			exitNotional = exitNotional.Add(e.Price.Mul(abs))
		}
	}

	if entryQty.IsPositive() {
		t.EntryPrice = entryNotional.Div(entryQty)
	}
	if exitQty.IsPositive() {
		t.ExitPrice = exitNotional.Div(exitQty)
	}

	matched := decimal.Min(entryQty, exitQty)
	t.Quantity = matched
	t.Commission = commission
	t.EntryTime = first.Timestamp
	t.ExitTime = t.Executions[len(t.Executions)-1].Timestamp

	// P&L = (exit − entry) × qty × multiplier, sign-flipped for shorts,
	// net of all fees.
	gross := t.ExitPrice.Sub(t.EntryPrice).Mul(matched).Mul(multiplier)
	if !long {
		gross = gross.Neg()
	}
	t.ProfitLoss = gross.Sub(commission)

	if exitQty.GreaterThanOrEqual(entryQty) {
		t.Status = model.StatusClosed
	} else {
		t.Status = model.StatusOpen
	}
}
