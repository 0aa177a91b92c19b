package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradevault/recon-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Monetary values are stored as NUMERIC for exact decimal precision;
// execution lists are embedded in their owning row as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Import jobs ---

func (s *PostgresStore) CreateImportJob(ctx context.Context, job *model.ImportJob) error {
	reasons, _ := json.Marshal(job.FailReasons)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO import_jobs (id, user_id, status, imported, duplicates, failed, fail_reasons, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.UserID, job.Status, job.Imported, job.Duplicates, job.Failed,
		reasons, job.Error, job.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *PostgresStore) GetImportJob(ctx context.Context, id string) (*model.ImportJob, error) {
	var job model.ImportJob
	var reasons []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, status, imported, duplicates, failed, fail_reasons, error, created_at, COALESCE(finished_at, 'epoch'::timestamptz)
		 FROM import_jobs WHERE id = $1`, id).
		Scan(&job.ID, &job.UserID, &job.Status, &job.Imported, &job.Duplicates,
			&job.Failed, &reasons, &job.Error, &job.CreatedAt, &job.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get import job %s: %w", id, err)
	}
	json.Unmarshal(reasons, &job.FailReasons)
	return &job, nil
}

func (s *PostgresStore) UpdateImportJob(ctx context.Context, job *model.ImportJob) error {
	reasons, _ := json.Marshal(job.FailReasons)
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_jobs
		 SET status = $2, imported = $3, duplicates = $4, failed = $5,
		     fail_reasons = $6, error = $7, finished_at = $8
		 WHERE id = $1`,
		job.ID, job.Status, job.Imported, job.Duplicates, job.Failed,
		reasons, job.Error, job.FinishedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Trades ---

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	execs, err := json.Marshal(t.Executions)
	if err != nil {
		return fmt.Errorf("marshal executions: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO trades (id, user_id, import_id, symbol, side, quantity, entry_price, exit_price,
		                     entry_time, exit_time, profit_loss, commission, status, executions, version)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11::NUMERIC, $12::NUMERIC, $13, $14, $15)`,
		t.ID, t.UserID, t.ImportID, t.Symbol, t.Side,
		t.Quantity.String(), t.EntryPrice.String(), t.ExitPrice.String(),
		t.EntryTime, t.ExitTime, t.ProfitLoss.String(), t.Commission.String(),
		t.Status, execs, t.Version,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *PostgresStore) UpdateTrade(ctx context.Context, t *model.Trade) error {
	execs, err := json.Marshal(t.Executions)
	if err != nil {
		return fmt.Errorf("marshal executions: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades
		 SET symbol = $3, side = $4, quantity = $5::NUMERIC, entry_price = $6::NUMERIC,
		     exit_price = $7::NUMERIC, entry_time = $8, exit_time = $9,
		     profit_loss = $10::NUMERIC, commission = $11::NUMERIC, status = $12,
		     executions = $13, version = version + 1
		 WHERE id = $1 AND version = $2`,
		t.ID, t.Version, t.Symbol, t.Side,
		t.Quantity.String(), t.EntryPrice.String(), t.ExitPrice.String(),
		t.EntryTime, t.ExitTime, t.ProfitLoss.String(), t.Commission.String(),
		t.Status, execs,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	t.Version++
	return nil
}

func (s *PostgresStore) GetTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, import_id, symbol, side,
		        quantity::TEXT, entry_price::TEXT, exit_price::TEXT,
		        entry_time, exit_time, profit_loss::TEXT, commission::TEXT,
		        status, executions, version
		 FROM trades WHERE user_id = $1 ORDER BY entry_time`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var qty, entry, exit, pnl, comm string
		var execs []byte
		if err := rows.Scan(&t.ID, &t.UserID, &t.ImportID, &t.Symbol, &t.Side,
			&qty, &entry, &exit, &t.EntryTime, &t.ExitTime, &pnl, &comm,
			&t.Status, &execs, &t.Version); err != nil {
			return nil, err
		}
		t.Quantity, _ = decimal.NewFromString(qty)
		t.EntryPrice, _ = decimal.NewFromString(entry)
		t.ExitPrice, _ = decimal.NewFromString(exit)
		t.ProfitLoss, _ = decimal.NewFromString(pnl)
		t.Commission, _ = decimal.NewFromString(comm)
		if err := json.Unmarshal(execs, &t.Executions); err != nil {
			return nil, fmt.Errorf("unmarshal executions for trade %s: %w", t.ID, err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Open positions ---

func (s *PostgresStore) SaveOpenPosition(ctx context.Context, p *model.OpenPosition) error {
	execs, err := json.Marshal(p.Executions)
	if err != nil {
		return fmt.Errorf("marshal executions: %w", err)
	}
	var origQty, origPrice *string
	if p.OriginalQty != nil {
		v := p.OriginalQty.String()
		origQty = &v
	}
	if p.OriginalPrice != nil {
		v := p.OriginalPrice.String()
		origPrice = &v
	}

	if p.Version == 0 {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO open_positions (id, user_id, symbol, net_qty, avg_entry_price, commission,
			                             opened_at, executions, split_adjusted, original_qty, original_price, version)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10::NUMERIC, $11::NUMERIC, 1)`,
			p.ID, p.UserID, p.Symbol, p.NetQty.String(), p.AvgEntryPrice.String(),
			p.Commission.String(), p.OpenedAt, execs, p.SplitAdjusted, origQty, origPrice,
		)
		if isUniqueViolation(err) {
			return ErrVersionConflict
		}
		if err != nil {
			return err
		}
		p.Version = 1
		return nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE open_positions
		 SET net_qty = $3::NUMERIC, avg_entry_price = $4::NUMERIC, commission = $5::NUMERIC,
		     opened_at = $6, executions = $7, split_adjusted = $8,
		     original_qty = $9::NUMERIC, original_price = $10::NUMERIC, version = version + 1
		 WHERE id = $1 AND version = $2`,
		p.ID, p.Version, p.NetQty.String(), p.AvgEntryPrice.String(), p.Commission.String(),
		p.OpenedAt, execs, p.SplitAdjusted, origQty, origPrice,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	p.Version++
	return nil
}

func (s *PostgresStore) DeleteOpenPosition(ctx context.Context, id string, version int64) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM open_positions WHERE id = $1 AND version = $2`, id, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

const positionColumns = `id, user_id, symbol, net_qty::TEXT, avg_entry_price::TEXT, commission::TEXT,
	opened_at, executions, split_adjusted, original_qty::TEXT, original_price::TEXT, version`

func (s *PostgresStore) GetOpenPositionsByUser(ctx context.Context, userID string) ([]model.OpenPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM open_positions WHERE user_id = $1 ORDER BY opened_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) GetOpenPositionsBySymbol(ctx context.Context, symbol string) ([]model.OpenPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM open_positions WHERE symbol = $1 ORDER BY opened_at`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func scanPositions(rows pgx.Rows) ([]model.OpenPosition, error) {
	var positions []model.OpenPosition
	for rows.Next() {
		var p model.OpenPosition
		var qty, avg, comm string
		var origQty, origPrice *string
		var execs []byte
		if err := rows.Scan(&p.ID, &p.UserID, &p.Symbol, &qty, &avg, &comm,
			&p.OpenedAt, &execs, &p.SplitAdjusted, &origQty, &origPrice, &p.Version); err != nil {
			return nil, err
		}
		p.NetQty, _ = decimal.NewFromString(qty)
		p.AvgEntryPrice, _ = decimal.NewFromString(avg)
		p.Commission, _ = decimal.NewFromString(comm)
		if origQty != nil {
			v, _ := decimal.NewFromString(*origQty)
			p.OriginalQty = &v
		}
		if origPrice != nil {
			v, _ := decimal.NewFromString(*origPrice)
			p.OriginalPrice = &v
		}
		if err := json.Unmarshal(execs, &p.Executions); err != nil {
			return nil, fmt.Errorf("unmarshal executions for position %s: %w", p.ID, err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) DistinctOpenSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT symbol FROM open_positions ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// --- CUSIP mappings ---

func (s *PostgresStore) GetMapping(ctx context.Context, cusip, userID string) (*model.CusipMapping, error) {
	// User-scoped row wins over the global ('') row.
	var m model.CusipMapping
	err := s.pool.QueryRow(ctx,
		`SELECT cusip, ticker, company_name, source, confidence, verified, user_id, created_at
		 FROM cusip_mappings
		 WHERE cusip = $1 AND user_id IN ($2, '')
		 ORDER BY user_id DESC LIMIT 1`, cusip, userID).
		Scan(&m.Cusip, &m.Ticker, &m.CompanyName, &m.Source, &m.Confidence,
			&m.Verified, &m.UserID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) FindVerifiedMappingByTicker(ctx context.Context, ticker, userID string) (*model.CusipMapping, error) {
	var m model.CusipMapping
	err := s.pool.QueryRow(ctx,
		`SELECT cusip, ticker, company_name, source, confidence, verified, user_id, created_at
		 FROM cusip_mappings
		 WHERE UPPER(ticker) = UPPER($1) AND user_id = $2 AND verified LIMIT 1`, ticker, userID).
		Scan(&m.Cusip, &m.Ticker, &m.CompanyName, &m.Source, &m.Confidence,
			&m.Verified, &m.UserID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) SaveMapping(ctx context.Context, m *model.CusipMapping) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cusip_mappings (cusip, ticker, company_name, source, confidence, verified, user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (cusip, user_id) DO UPDATE
		 SET ticker = EXCLUDED.ticker, company_name = EXCLUDED.company_name,
		     source = EXCLUDED.source, confidence = EXCLUDED.confidence,
		     verified = EXCLUDED.verified`,
		m.Cusip, m.Ticker, m.CompanyName, m.Source, m.Confidence, m.Verified,
		m.UserID, m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) RewriteSymbol(ctx context.Context, userID, from, to string) (int, error) {
	tradeTag, err := s.pool.Exec(ctx,
		`UPDATE trades SET symbol = $3, version = version + 1 WHERE ($1 = '' OR user_id = $1) AND symbol = $2`,
		userID, from, to)
	if err != nil {
		return 0, err
	}
	posTag, err := s.pool.Exec(ctx,
		`UPDATE open_positions SET symbol = $3, version = version + 1 WHERE ($1 = '' OR user_id = $1) AND symbol = $2`,
		userID, from, to)
	if err != nil {
		return int(tradeTag.RowsAffected()), err
	}
	return int(tradeTag.RowsAffected() + posTag.RowsAffected()), nil
}

// --- Stock splits ---

func (s *PostgresStore) UpsertSplit(ctx context.Context, split *model.StockSplit) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO stock_splits (id, symbol, split_date, from_factor, to_factor, processed)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (symbol, split_date) DO NOTHING`,
		split.ID, split.Symbol, split.SplitDate,
		split.FromFactor.String(), split.ToFactor.String(), split.Processed,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		// Refresh the caller's view of the already-recorded row.
		err := s.pool.QueryRow(ctx,
			`SELECT id, processed FROM stock_splits WHERE symbol = $1 AND split_date = $2`,
			split.Symbol, split.SplitDate).Scan(&split.ID, &split.Processed)
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) UnprocessedSplits(ctx context.Context, symbol string) ([]model.StockSplit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, split_date, from_factor::TEXT, to_factor::TEXT, processed
		 FROM stock_splits WHERE symbol = $1 AND NOT processed ORDER BY split_date`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var splits []model.StockSplit
	for rows.Next() {
		var sp model.StockSplit
		var from, to string
		if err := rows.Scan(&sp.ID, &sp.Symbol, &sp.SplitDate, &from, &to, &sp.Processed); err != nil {
			return nil, err
		}
		sp.FromFactor, _ = decimal.NewFromString(from)
		sp.ToFactor, _ = decimal.NewFromString(to)
		splits = append(splits, sp)
	}
	return splits, rows.Err()
}

func (s *PostgresStore) MarkSplitProcessed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE stock_splits SET processed = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetSplitAdjustment(ctx context.Context, positionID, splitID string) (*model.SplitAdjustmentRecord, error) {
	var rec model.SplitAdjustmentRecord
	var origQty, adjQty, origPrice, adjPrice string
	err := s.pool.QueryRow(ctx,
		`SELECT position_id, split_id, original_qty::TEXT, adjusted_qty::TEXT,
		        original_price::TEXT, adjusted_price::TEXT, adjusted_at
		 FROM split_adjustments WHERE position_id = $1 AND split_id = $2`,
		positionID, splitID).
		Scan(&rec.PositionID, &rec.SplitID, &origQty, &adjQty, &origPrice, &adjPrice, &rec.AdjustedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.OriginalQty, _ = decimal.NewFromString(origQty)
	rec.AdjustedQty, _ = decimal.NewFromString(adjQty)
	rec.OriginalPrice, _ = decimal.NewFromString(origPrice)
	rec.AdjustedPrice, _ = decimal.NewFromString(adjPrice)
	return &rec, nil
}

// ApplySplitAdjustment runs the position update and the adjustment record
// insert in one transaction, so a crash leaves either both or neither.
func (s *PostgresStore) ApplySplitAdjustment(ctx context.Context, p *model.OpenPosition, rec *model.SplitAdjustmentRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	execs, err := json.Marshal(p.Executions)
	if err != nil {
		return fmt.Errorf("marshal executions: %w", err)
	}
	var origQty, origPrice *string
	if p.OriginalQty != nil {
		v := p.OriginalQty.String()
		origQty = &v
	}
	if p.OriginalPrice != nil {
		v := p.OriginalPrice.String()
		origPrice = &v
	}

	tag, err := tx.Exec(ctx,
		`UPDATE open_positions
		 SET net_qty = $3::NUMERIC, avg_entry_price = $4::NUMERIC, executions = $5,
		     split_adjusted = TRUE, original_qty = $6::NUMERIC, original_price = $7::NUMERIC,
		     version = version + 1
		 WHERE id = $1 AND version = $2`,
		p.ID, p.Version, p.NetQty.String(), p.AvgEntryPrice.String(), execs, origQty, origPrice,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO split_adjustments (position_id, split_id, original_qty, adjusted_qty, original_price, adjusted_price, adjusted_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
		rec.PositionID, rec.SplitID,
		rec.OriginalQty.String(), rec.AdjustedQty.String(),
		rec.OriginalPrice.String(), rec.AdjustedPrice.String(), rec.AdjustedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	p.Version++
	return nil
}
