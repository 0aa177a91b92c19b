package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradevault/recon-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the read-heavy records: CUSIP mappings and polled import jobs.
// Writes go to the primary store and invalidate the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Import jobs (cached: callers poll these while imports run) ---

func (s *CachedStore) CreateImportJob(ctx context.Context, job *model.ImportJob) error {
	if err := s.primary.CreateImportJob(ctx, job); err != nil {
		return err
	}
	s.cacheJob(ctx, job)
	return nil
}

func (s *CachedStore) GetImportJob(ctx context.Context, id string) (*model.ImportJob, error) {
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if err == nil {
		var job model.ImportJob
		if json.Unmarshal(data, &job) == nil {
			return &job, nil
		}
	}

	job, err := s.primary.GetImportJob(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJob(ctx, job)
	return job, nil
}

func (s *CachedStore) UpdateImportJob(ctx context.Context, job *model.ImportJob) error {
	if err := s.primary.UpdateImportJob(ctx, job); err != nil {
		return err
	}
	s.cacheJob(ctx, job)
	return nil
}

// --- Mappings (cached: checked for every unresolved symbol in a batch) ---

func (s *CachedStore) GetMapping(ctx context.Context, cusip, userID string) (*model.CusipMapping, error) {
	data, err := s.rdb.Get(ctx, mapKey(cusip, userID)).Bytes()
	if err == nil {
		var m model.CusipMapping
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMapping(ctx, cusip, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, mapKey(cusip, userID), data, s.ttl)
	}
	return m, nil
}

func (s *CachedStore) SaveMapping(ctx context.Context, m *model.CusipMapping) error {
	if err := s.primary.SaveMapping(ctx, m); err != nil {
		return err
	}
	// A global mapping may be visible through any user's lookup key, so
	// only the exact-scope key is cached; invalidate both shapes.
	s.rdb.Del(ctx, mapKey(m.Cusip, m.UserID), mapKey(m.Cusip, ""))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	return s.primary.InsertTrade(ctx, t)
}

func (s *CachedStore) UpdateTrade(ctx context.Context, t *model.Trade) error {
	return s.primary.UpdateTrade(ctx, t)
}

func (s *CachedStore) GetTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.GetTradesByUser(ctx, userID)
}

func (s *CachedStore) SaveOpenPosition(ctx context.Context, p *model.OpenPosition) error {
	return s.primary.SaveOpenPosition(ctx, p)
}

func (s *CachedStore) DeleteOpenPosition(ctx context.Context, id string, version int64) error {
	return s.primary.DeleteOpenPosition(ctx, id, version)
}

func (s *CachedStore) GetOpenPositionsByUser(ctx context.Context, userID string) ([]model.OpenPosition, error) {
	return s.primary.GetOpenPositionsByUser(ctx, userID)
}

func (s *CachedStore) GetOpenPositionsBySymbol(ctx context.Context, symbol string) ([]model.OpenPosition, error) {
	return s.primary.GetOpenPositionsBySymbol(ctx, symbol)
}

func (s *CachedStore) DistinctOpenSymbols(ctx context.Context) ([]string, error) {
	return s.primary.DistinctOpenSymbols(ctx)
}

func (s *CachedStore) FindVerifiedMappingByTicker(ctx context.Context, ticker, userID string) (*model.CusipMapping, error) {
	return s.primary.FindVerifiedMappingByTicker(ctx, ticker, userID)
}

func (s *CachedStore) RewriteSymbol(ctx context.Context, userID, from, to string) (int, error) {
	return s.primary.RewriteSymbol(ctx, userID, from, to)
}

func (s *CachedStore) UpsertSplit(ctx context.Context, split *model.StockSplit) (bool, error) {
	return s.primary.UpsertSplit(ctx, split)
}

func (s *CachedStore) UnprocessedSplits(ctx context.Context, symbol string) ([]model.StockSplit, error) {
	return s.primary.UnprocessedSplits(ctx, symbol)
}

func (s *CachedStore) MarkSplitProcessed(ctx context.Context, id string) error {
	return s.primary.MarkSplitProcessed(ctx, id)
}

func (s *CachedStore) GetSplitAdjustment(ctx context.Context, positionID, splitID string) (*model.SplitAdjustmentRecord, error) {
	return s.primary.GetSplitAdjustment(ctx, positionID, splitID)
}

func (s *CachedStore) ApplySplitAdjustment(ctx context.Context, p *model.OpenPosition, rec *model.SplitAdjustmentRecord) error {
	return s.primary.ApplySplitAdjustment(ctx, p, rec)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJob(ctx context.Context, job *model.ImportJob) {
	if data, err := json.Marshal(job); err == nil {
		s.rdb.Set(ctx, jobKey(job.ID), data, s.ttl)
	}
}

func jobKey(id string) string          { return fmt.Sprintf("import:%s", id) }
func mapKey(cusip, user string) string { return fmt.Sprintf("cusip:%s:%s", cusip, user) }
