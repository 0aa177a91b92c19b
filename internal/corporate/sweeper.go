package corporate

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper runs the adjuster over every symbol with open positions on a
// recurring schedule, one symbol at a time with an inter-symbol delay to
// respect the provider's rate limits.
type Sweeper struct {
	adjuster    *Adjuster
	interval    time.Duration
	symbolDelay time.Duration
}

// NewSweeper creates a sweeper.
func NewSweeper(adjuster *Adjuster, interval, symbolDelay time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Sweeper{adjuster: adjuster, interval: interval, symbolDelay: symbolDelay}
}

// Run loops until ctx is cancelled. Must be called in a goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// One pass at startup so a restarted service catches stragglers
	// from a previously interrupted sweep.
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	symbols, err := s.adjuster.store.DistinctOpenSymbols(ctx)
	if err != nil {
		slog.Error("split sweep: failed to list symbols", "err", err)
		return
	}

	start := time.Now()
	var found, adjusted int
	for _, sym := range symbols {
		res, err := s.adjuster.CheckAndAdjust(ctx, sym)
		found += res.SplitsFound
		adjusted += res.PositionsAdjusted
		if err != nil {
			slog.Error("split sweep: symbol failed", "symbol", sym, "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.symbolDelay):
		}
	}

	slog.Info("split sweep complete",
		"symbols", len(symbols),
		"splits_found", found,
		"positions_adjusted", adjusted,
		"took", time.Since(start).Round(time.Millisecond).String())
}
