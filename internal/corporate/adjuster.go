// Package corporate retroactively adjusts open positions for stock
// splits reported by the external provider.
//
// Idempotence is enforced by record existence, not timestamps: a
// SplitAdjustmentRecord for a (position, split) pair means "already
// adjusted", and the adjuster checks for it before touching a position.
// Re-running the adjuster over the same splits is a no-op.
package corporate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradevault/recon-engine/internal/events"
	"github.com/tradevault/recon-engine/internal/metrics"
	"github.com/tradevault/recon-engine/internal/model"
	"github.com/tradevault/recon-engine/internal/provider"
	"github.com/tradevault/recon-engine/internal/store"
)

// Adjuster checks symbols for splits and applies retroactive adjustments.
type Adjuster struct {
	store    store.Store
	provider provider.Provider
	hub      *events.Hub
	lookback time.Duration
}

// NewAdjuster creates an adjuster. hub may be nil.
func NewAdjuster(st store.Store, prov provider.Provider, hub *events.Hub, lookback time.Duration) *Adjuster {
	if lookback <= 0 {
		lookback = 365 * 24 * time.Hour
	}
	return &Adjuster{store: st, provider: prov, hub: hub, lookback: lookback}
}

// Result summarizes one CheckAndAdjust run.
type Result struct {
	SplitsFound       int `json:"splits_found"`
	PositionsAdjusted int `json:"positions_adjusted"`
}

// CheckAndAdjust fetches splits for symbol within the lookback window,
// records any new ones, and applies every unprocessed split to the open
// positions it affects. Only positions entered at or before the split
// date are touched; already-closed trades never are.
func (a *Adjuster) CheckAndAdjust(ctx context.Context, symbol string) (Result, error) {
	var res Result

	now := time.Now().UTC()
	eventsIn, err := a.provider.GetSplits(ctx, symbol, now.Add(-a.lookback), now)
	if err != nil {
		// Provider trouble is not fatal: already-recorded unprocessed
		// splits below still get their retry sweep.
		slog.Warn("split query failed", "symbol", symbol, "err", err)
	}

	for _, ev := range eventsIn {
		split := &model.StockSplit{
			ID:         uuid.New().String(),
			Symbol:     symbol,
			SplitDate:  ev.Date,
			FromFactor: ev.FromFactor,
			ToFactor:   ev.ToFactor,
		}
		created, err := a.store.UpsertSplit(ctx, split)
		if err != nil {
			return res, fmt.Errorf("record split %s %s: %w", symbol, ev.Date.Format("2006-01-02"), err)
		}
		if created {
			res.SplitsFound++
			slog.Info("split recorded", "symbol", symbol,
				"date", ev.Date.Format("2006-01-02"),
				"ratio", split.Ratio().String())
		}
	}

	pending, err := a.store.UnprocessedSplits(ctx, symbol)
	if err != nil {
		return res, fmt.Errorf("list unprocessed splits for %s: %w", symbol, err)
	}

	for _, split := range pending {
		if split.Ratio().Equal(ratioOne) {
			// Degenerate 1:1 event; nothing to scale.
			if err := a.store.MarkSplitProcessed(ctx, split.ID); err != nil {
				slog.Error("failed to mark degenerate split processed", "split", split.ID, "err", err)
			}
			continue
		}
		adjusted, err := a.applySplit(ctx, &split)
		res.PositionsAdjusted += adjusted
		if err != nil {
			// Leave the split unprocessed; the next sweep catches the
			// stragglers. Positions already adjusted keep their records.
			slog.Error("split partially applied", "symbol", symbol, "split", split.ID, "err", err)
			continue
		}
		if err := a.store.MarkSplitProcessed(ctx, split.ID); err != nil {
			slog.Error("failed to mark split processed", "split", split.ID, "err", err)
		}
	}

	return res, nil
}

// applySplit adjusts every affected position for one split, each in its
// own transaction. Returns the number of positions adjusted during this
// call and the first error that prevented full processing.
func (a *Adjuster) applySplit(ctx context.Context, split *model.StockSplit) (int, error) {
	positions, err := a.store.GetOpenPositionsBySymbol(ctx, split.Symbol)
	if err != nil {
		return 0, err
	}

	adjusted := 0
	var firstErr error
	for i := range positions {
		pos := positions[i]
		if pos.OpenedAt.After(split.SplitDate) {
			continue // entered after the split; already in post-split terms
		}

		// Record existence is the idempotence guard.
		_, err := a.store.GetSplitAdjustment(ctx, pos.ID, split.ID)
		if err == nil {
			continue // already adjusted
		}
		if !errors.Is(err, store.ErrNotFound) {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if err := a.adjustPosition(ctx, &pos, split); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		adjusted++
	}
	return adjusted, firstErr
}

// adjustPosition applies one split to one position inside a single
// transaction: snapshot originals on the first-ever split, scale the
// quantity by the ratio, divide prices by it, and write the record.
func (a *Adjuster) adjustPosition(ctx context.Context, pos *model.OpenPosition, split *model.StockSplit) error {
	ratio := split.Ratio()
	origQty := pos.NetQty
	origPrice := pos.AvgEntryPrice

	// First split for this position: preserve the true cost basis so
	// later splits compound against the adjusted values, not the snapshot.
	if pos.OriginalQty == nil {
		q := pos.NetQty
		p := pos.AvgEntryPrice
		pos.OriginalQty = &q
		pos.OriginalPrice = &p
	}

	pos.NetQty = pos.NetQty.Mul(ratio)
	pos.AvgEntryPrice = pos.AvgEntryPrice.Div(ratio)
	pos.SplitAdjusted = true
	for i := range pos.Executions {
		pos.Executions[i].Quantity = pos.Executions[i].Quantity.Mul(ratio)
		pos.Executions[i].Price = pos.Executions[i].Price.Div(ratio)
	}

	rec := &model.SplitAdjustmentRecord{
		PositionID:    pos.ID,
		SplitID:       split.ID,
		OriginalQty:   origQty,
		AdjustedQty:   pos.NetQty,
		OriginalPrice: origPrice,
		AdjustedPrice: pos.AvgEntryPrice,
		AdjustedAt:    time.Now().UTC(),
	}

	if err := a.store.ApplySplitAdjustment(ctx, pos, rec); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil // raced another sweep; its record stands
		}
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.VersionConflicts.Inc()
		}
		return fmt.Errorf("adjust position %s for split %s: %w", pos.ID, split.ID, err)
	}

	metrics.SplitAdjustments.Inc()
	slog.Info("position adjusted for split",
		"position", pos.ID, "symbol", pos.Symbol,
		"ratio", ratio.String(),
		"qty", origQty.String()+"→"+pos.NetQty.String())

	if a.hub != nil {
		a.hub.Publish(events.Event{
			Type:   events.TypeSplitAdjusted,
			UserID: pos.UserID,
			Symbol: pos.Symbol,
		})
	}
	return nil
}

// ratioOne is a guard against degenerate provider data.
var ratioOne = decimal.NewFromInt(1)
