package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/tradevault/recon-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]*model.ImportJob
	trades      map[string]*model.Trade
	positions   map[string]*model.OpenPosition
	mappings    map[string]*model.CusipMapping // key: cusip + "\x00" + userID
	splits      map[string]*model.StockSplit   // key: symbol + "\x00" + date
	adjustments map[string]*model.SplitAdjustmentRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*model.ImportJob),
		trades:      make(map[string]*model.Trade),
		positions:   make(map[string]*model.OpenPosition),
		mappings:    make(map[string]*model.CusipMapping),
		splits:      make(map[string]*model.StockSplit),
		adjustments: make(map[string]*model.SplitAdjustmentRecord),
	}
}

func mappingKey(cusip, userID string) string { return cusip + "\x00" + userID }

func splitKey(symbol string, date string) string { return symbol + "\x00" + date }

func adjustmentKey(positionID, splitID string) string { return positionID + "\x00" + splitID }

// --- Import jobs ---

func (s *MemoryStore) CreateImportJob(_ context.Context, job *model.ImportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) GetImportJob(_ context.Context, id string) (*model.ImportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) UpdateImportJob(_ context.Context, job *model.ImportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

// --- Trades ---

func (s *MemoryStore) InsertTrade(_ context.Context, trade *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[trade.ID]; ok {
		return ErrAlreadyExists
	}
	cp := cloneTrade(trade)
	s.trades[trade.ID] = cp
	return nil
}

func (s *MemoryStore) UpdateTrade(_ context.Context, trade *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.trades[trade.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != trade.Version {
		return ErrVersionConflict
	}
	cp := cloneTrade(trade)
	cp.Version++
	s.trades[trade.ID] = cp
	trade.Version = cp.Version
	return nil
}

func (s *MemoryStore) GetTradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Trade
	for _, t := range s.trades {
		if t.UserID == userID {
			out = append(out, *cloneTrade(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out, nil
}

// --- Open positions ---

func (s *MemoryStore) SaveOpenPosition(_ context.Context, pos *model.OpenPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.positions[pos.ID]
	if ok && existing.Version != pos.Version {
		return ErrVersionConflict
	}
	cp := clonePosition(pos)
	cp.Version++
	s.positions[pos.ID] = cp
	pos.Version = cp.Version
	return nil
}

func (s *MemoryStore) DeleteOpenPosition(_ context.Context, id string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.positions[id]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != version {
		return ErrVersionConflict
	}
	delete(s.positions, id)
	return nil
}

func (s *MemoryStore) GetOpenPositionsByUser(_ context.Context, userID string) ([]model.OpenPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.OpenPosition
	for _, p := range s.positions {
		if p.UserID == userID {
			out = append(out, *clonePosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *MemoryStore) GetOpenPositionsBySymbol(_ context.Context, symbol string) ([]model.OpenPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.OpenPosition
	for _, p := range s.positions {
		if p.Symbol == symbol {
			out = append(out, *clonePosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *MemoryStore) DistinctOpenSymbols(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, p := range s.positions {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			out = append(out, p.Symbol)
		}
	}
	sort.Strings(out)
	return out, nil
}

// --- CUSIP mappings ---

func (s *MemoryStore) GetMapping(_ context.Context, cusip, userID string) (*model.CusipMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if userID != "" {
		if m, ok := s.mappings[mappingKey(cusip, userID)]; ok {
			cp := *m
			return &cp, nil
		}
	}
	if m, ok := s.mappings[mappingKey(cusip, "")]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindVerifiedMappingByTicker(_ context.Context, ticker, userID string) (*model.CusipMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.mappings {
		if m.UserID == userID && m.Verified && strings.EqualFold(m.Ticker, ticker) {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SaveMapping(_ context.Context, m *model.CusipMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.mappings[mappingKey(m.Cusip, m.UserID)] = &cp
	return nil
}

func (s *MemoryStore) RewriteSymbol(_ context.Context, userID, from, to string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, t := range s.trades {
		if (userID == "" || t.UserID == userID) && t.Symbol == from {
			t.Symbol = to
			count++
		}
	}
	for _, p := range s.positions {
		if (userID == "" || p.UserID == userID) && p.Symbol == from {
			p.Symbol = to
			count++
		}
	}
	return count, nil
}

// --- Stock splits ---

func (s *MemoryStore) UpsertSplit(_ context.Context, split *model.StockSplit) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := splitKey(split.Symbol, split.SplitDate.UTC().Format("2006-01-02"))
	if existing, ok := s.splits[key]; ok {
		split.ID = existing.ID
		split.Processed = existing.Processed
		return false, nil
	}
	cp := *split
	s.splits[key] = &cp
	return true, nil
}

func (s *MemoryStore) UnprocessedSplits(_ context.Context, symbol string) ([]model.StockSplit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.StockSplit
	for _, sp := range s.splits {
		if sp.Symbol == symbol && !sp.Processed {
			out = append(out, *sp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SplitDate.Before(out[j].SplitDate) })
	return out, nil
}

func (s *MemoryStore) MarkSplitProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sp := range s.splits {
		if sp.ID == id {
			sp.Processed = true
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) GetSplitAdjustment(_ context.Context, positionID, splitID string) (*model.SplitAdjustmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.adjustments[adjustmentKey(positionID, splitID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ApplySplitAdjustment(_ context.Context, pos *model.OpenPosition, rec *model.SplitAdjustmentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := adjustmentKey(rec.PositionID, rec.SplitID)
	if _, ok := s.adjustments[key]; ok {
		return ErrAlreadyExists
	}
	existing, ok := s.positions[pos.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != pos.Version {
		return ErrVersionConflict
	}
	cp := clonePosition(pos)
	cp.Version++
	s.positions[pos.ID] = cp
	pos.Version = cp.Version
	recCp := *rec
	s.adjustments[key] = &recCp
	return nil
}

// --- copy helpers (avoid external mutation of stored slices) ---

func cloneTrade(t *model.Trade) *model.Trade {
	cp := *t
	cp.Executions = append([]model.Execution(nil), t.Executions...)
	return &cp
}

func clonePosition(p *model.OpenPosition) *model.OpenPosition {
	cp := *p
	cp.Executions = append([]model.Execution(nil), p.Executions...)
	return &cp
}
