// Package store defines the persistence interface for the reconciliation
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/tradevault/recon-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned when a guarded update observes a
	// version other than the one the caller read. The caller re-reads
	// and retries instead of overwriting a concurrent writer's work.
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrAlreadyExists is returned on inserts that violate a uniqueness key.
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the persistence interface. Executions are embedded in their
// owning Trade/OpenPosition row as an ordered list, not a separate table.
type Store interface {
	// --- Import jobs ---

	// CreateImportJob persists a new import status record.
	CreateImportJob(ctx context.Context, job *model.ImportJob) error

	// GetImportJob retrieves an import job by ID.
	GetImportJob(ctx context.Context, id string) (*model.ImportJob, error)

	// UpdateImportJob overwrites an import job's status and counters.
	UpdateImportJob(ctx context.Context, job *model.ImportJob) error

	// --- Trades ---

	// InsertTrade persists a new trade. Fails with ErrAlreadyExists on a
	// duplicate ID.
	InsertTrade(ctx context.Context, trade *model.Trade) error

	// UpdateTrade updates a trade guarded by its Version field; on success
	// the stored version is incremented. Returns ErrVersionConflict when
	// the stored version differs from trade.Version.
	UpdateTrade(ctx context.Context, trade *model.Trade) error

	// GetTradesByUser returns all trades for a user, entry time ascending.
	GetTradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// --- Open positions ---

	// SaveOpenPosition upserts a position guarded by Version (0 = new).
	SaveOpenPosition(ctx context.Context, pos *model.OpenPosition) error

	// DeleteOpenPosition removes a closed-out position, guarded by version.
	DeleteOpenPosition(ctx context.Context, id string, version int64) error

	// GetOpenPositionsByUser returns all open positions for a user.
	GetOpenPositionsByUser(ctx context.Context, userID string) ([]model.OpenPosition, error)

	// GetOpenPositionsBySymbol returns open positions across all users,
	// used by the corporate action adjuster.
	GetOpenPositionsBySymbol(ctx context.Context, symbol string) ([]model.OpenPosition, error)

	// DistinctOpenSymbols returns every symbol with at least one open
	// position, for the adjuster's scheduled sweep.
	DistinctOpenSymbols(ctx context.Context) ([]string, error)

	// --- CUSIP mappings ---

	// GetMapping returns the mapping for (cusip, user), preferring the
	// user-scoped row and falling back to the global one.
	GetMapping(ctx context.Context, cusip, userID string) (*model.CusipMapping, error)

	// FindVerifiedMappingByTicker returns the verified mapping whose target
	// is ticker within the given owner scope, if any. Used to enforce the
	// conflict invariant before inserting a new mapping.
	FindVerifiedMappingByTicker(ctx context.Context, ticker, userID string) (*model.CusipMapping, error)

	// SaveMapping upserts a mapping keyed by (cusip, owner scope).
	// Precedence rules are enforced by the resolver, not here.
	SaveMapping(ctx context.Context, m *model.CusipMapping) error

	// RewriteSymbol replaces `from` with `to` on every trade and open
	// position owned by the user, returning the number of rows touched.
	// An empty userID rewrites across all users, which is how global
	// mappings propagate. Only the symbol field changes; financial
	// fields are untouched.
	RewriteSymbol(ctx context.Context, userID, from, to string) (int, error)

	// --- Stock splits ---

	// UpsertSplit inserts a split keyed by (symbol, split date). Returns
	// true if the split was new, false if it was already recorded.
	UpsertSplit(ctx context.Context, split *model.StockSplit) (bool, error)

	// UnprocessedSplits returns splits for symbol not yet fully applied.
	UnprocessedSplits(ctx context.Context, symbol string) ([]model.StockSplit, error)

	// MarkSplitProcessed flips the processed flag once every affected
	// position carries an adjustment record.
	MarkSplitProcessed(ctx context.Context, id string) error

	// GetSplitAdjustment returns the adjustment record for (position,
	// split), or ErrNotFound. Record existence is the idempotence guard.
	GetSplitAdjustment(ctx context.Context, positionID, splitID string) (*model.SplitAdjustmentRecord, error)

	// ApplySplitAdjustment atomically updates the adjusted position and
	// inserts its adjustment record in one transaction.
	ApplySplitAdjustment(ctx context.Context, pos *model.OpenPosition, rec *model.SplitAdjustmentRecord) error
}
