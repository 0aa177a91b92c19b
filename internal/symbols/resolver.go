// Package symbols resolves opaque CUSIP identifiers to tradable tickers.
//
// Resolution is tiered: stored mappings first (user scope over global),
// then the provider's batch endpoint, then rate-limited per-CUSIP lookups,
// and finally a low-confidence inference fallback. Every resolution is
// persisted the moment it is obtained so partial progress survives a
// crash mid-batch.
package symbols

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/tradevault/recon-engine/internal/events"
	"github.com/tradevault/recon-engine/internal/metrics"
	"github.com/tradevault/recon-engine/internal/model"
	"github.com/tradevault/recon-engine/internal/provider"
	"github.com/tradevault/recon-engine/internal/store"
)

// ErrTickerConflict is returned when a new mapping would point a second
// CUSIP at a ticker that is already the verified target of a different
// CUSIP in the same ownership scope. Accepting it would silently merge
// two distinct securities.
var ErrTickerConflict = errors.New("symbols: ticker already verified for another cusip")

// Inferrer is the lowest-confidence fallback, consulted only after both
// provider tiers come up empty.
type Inferrer interface {
	Infer(ctx context.Context, cusip string) (*provider.TickerInfo, error)
}

// Resolver implements the tiered CUSIP resolution pipeline.
type Resolver struct {
	store       store.Store
	provider    provider.Provider
	inferrer    Inferrer // nil disables the inference tier
	hub         *events.Hub
	memo        *gocache.Cache // in-process (cusip,user) → ticker memo
	concurrency int
}

// NewResolver creates a resolver. hub and inferrer may be nil.
func NewResolver(st store.Store, prov provider.Provider, inf Inferrer, hub *events.Hub, concurrency int) *Resolver {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Resolver{
		store:       st,
		provider:    prov,
		inferrer:    inf,
		hub:         hub,
		memo:        gocache.New(15*time.Minute, 30*time.Minute),
		concurrency: concurrency,
	}
}

func memoKey(cusip, userID string) string { return cusip + "|" + userID }

// ResolveBatch resolves the given CUSIPs for one user. The returned map
// contains only successful resolutions; missing entries stay unresolved
// and self-heal on a later pass. Provider failures are degraded, never
// returned as errors.
func (r *Resolver) ResolveBatch(ctx context.Context, userID string, cusips []string) map[string]string {
	resolved := make(map[string]string)
	var remainder []string

	// Tier 0: stored mappings, user scope winning over global.
	for _, cusip := range cusips {
		if ticker, ok := r.memo.Get(memoKey(cusip, userID)); ok {
			resolved[cusip] = ticker.(string)
			continue
		}
		m, err := r.store.GetMapping(ctx, cusip, userID)
		if err == nil {
			resolved[cusip] = m.Ticker
			r.memo.SetDefault(memoKey(cusip, userID), m.Ticker)
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("mapping lookup failed", "cusip", cusip, "err", err)
		}
		remainder = append(remainder, cusip)
	}
	if len(remainder) == 0 {
		return resolved
	}

	// Tier 1: provider batch lookup. A failure or partial result just
	// leaves more work for the per-item tier.
	batch, err := r.provider.BatchLookup(ctx, remainder)
	if err != nil {
		slog.Warn("batch lookup failed, degrading to per-item", "count", len(remainder), "err", err)
		batch = nil
	}
	var missing []string
	for _, cusip := range remainder {
		info, ok := batch[cusip]
		if !ok || info.Ticker == "" {
			missing = append(missing, cusip)
			continue
		}
		if r.persist(ctx, userID, cusip, info, model.SourceProviderBatch, info.Confidence) {
			resolved[cusip] = info.Ticker
		}
	}

	// Tier 2: bounded-concurrency per-CUSIP lookups.
	missing = r.lookupIndividually(ctx, userID, missing, resolved)

	// Tier 3: inference, capped at MaxInferredConfidence.
	if r.inferrer != nil {
		for _, cusip := range missing {
			info, err := r.inferrer.Infer(ctx, cusip)
			if err != nil || info == nil || info.Ticker == "" {
				if err != nil {
					slog.Warn("inference failed", "cusip", cusip, "err", err)
				}
				continue
			}
			conf := info.Confidence
			if conf > model.MaxInferredConfidence {
				conf = model.MaxInferredConfidence
			}
			if r.persist(ctx, userID, cusip, *info, model.SourceInferred, conf) {
				resolved[cusip] = info.Ticker
			}
		}
	}

	return resolved
}

// lookupIndividually runs tier-2 lookups and returns the still-missing set.
func (r *Resolver) lookupIndividually(ctx context.Context, userID string, missing []string, resolved map[string]string) []string {
	if len(missing) == 0 {
		return nil
	}

	var mu sync.Mutex
	var unresolved []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, cusip := range missing {
		cusip := cusip
		g.Go(func() error {
			info, err := r.provider.LookupOne(gctx, cusip)
			if err != nil || info == nil {
				if err != nil {
					slog.Warn("per-item lookup failed", "cusip", cusip, "err", err)
				}
				mu.Lock()
				unresolved = append(unresolved, cusip)
				mu.Unlock()
				return nil // degrade, never abort the batch
			}
			if r.persist(gctx, userID, cusip, *info, model.SourceProviderOne, info.Confidence) {
				mu.Lock()
				resolved[cusip] = info.Ticker
				mu.Unlock()
			} else {
				mu.Lock()
				unresolved = append(unresolved, cusip)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return unresolved
}

// persist saves one resolution immediately. Returns false when the save
// was rejected (conflict) or failed.
func (r *Resolver) persist(ctx context.Context, userID, cusip string, info provider.TickerInfo, source string, confidence int) bool {
	m := &model.CusipMapping{
		Cusip:       cusip,
		Ticker:      info.Ticker,
		CompanyName: info.CompanyName,
		Source:      source,
		Confidence:  confidence,
		Verified:    false,
		UserID:      "", // automatic resolutions are global
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.SaveMapping(ctx, m); err != nil {
		if errors.Is(err, ErrTickerConflict) {
			slog.Warn("mapping rejected by conflict invariant",
				"cusip", cusip, "ticker", info.Ticker, "source", source)
		} else {
			slog.Error("failed to persist mapping", "cusip", cusip, "err", err)
		}
		return false
	}
	metrics.Resolutions.WithLabelValues(source).Inc()
	r.memo.SetDefault(memoKey(cusip, userID), info.Ticker)
	return true
}

// SaveMapping inserts or updates a mapping, enforcing two invariants:
//
//  1. Conflict: the candidate ticker must not already be the verified
//     target of a different CUSIP in the same ownership scope.
//  2. Precedence: a verified mapping is never overwritten by an
//     automatic one, and an automatic mapping is only replaced by a
//     strictly higher-confidence resolution.
func (r *Resolver) SaveMapping(ctx context.Context, m *model.CusipMapping) error {
	other, err := r.store.FindVerifiedMappingByTicker(ctx, m.Ticker, m.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if other != nil && other.Cusip != m.Cusip {
		metrics.MappingConflicts.Inc()
		return fmt.Errorf("%w: %s is verified for %s", ErrTickerConflict, m.Ticker, other.Cusip)
	}

	existing, err := r.store.GetMapping(ctx, m.Cusip, m.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	// Precedence applies within the same scope only; a user-scoped save
	// always overrides a global fallback.
	if existing != nil && existing.UserID == m.UserID && !m.Verified {
		if existing.Verified || existing.Confidence >= m.Confidence {
			return nil // keep the stronger mapping
		}
	}

	if err := r.store.SaveMapping(ctx, m); err != nil {
		return err
	}
	r.memo.Delete(memoKey(m.Cusip, m.UserID))
	r.memo.Delete(memoKey(m.Cusip, ""))
	return nil
}

// ApplyResolution rewrites the symbol on every trade and open position
// for the user where symbol == cusip, and publishes a resolution event.
// An empty userID applies a global mapping, rewriting across all users.
// Only the symbol field changes; financial fields are never touched, so
// it is safe to run concurrently with a user viewing the trade.
func (r *Resolver) ApplyResolution(ctx context.Context, userID, cusip, ticker string) (int, error) {
	count, err := r.store.RewriteSymbol(ctx, userID, cusip, ticker)
	if err != nil {
		return count, fmt.Errorf("apply resolution %s→%s: %w", cusip, ticker, err)
	}
	if count > 0 && r.hub != nil {
		r.hub.Publish(events.Event{
			Type:   events.TypeSymbolResolved,
			UserID: userID,
			Cusip:  cusip,
			Ticker: ticker,
			Count:  count,
		})
	}
	slog.Info("symbol resolution applied", "user", userID, "cusip", cusip, "ticker", ticker, "rows", count)
	return count, nil
}
