// Package importer orchestrates one import job: normalization,
// reconciliation, duplicate filtering, persistence, and the asynchronous
// symbol-resolution handoff.
//
// Imports run detached from the submitting HTTP request: the job is
// durably recorded as processing, the background task owns copies of all
// inputs, and the caller polls the status record. A timeout watchdog
// marks overrunning jobs failed; because every trade and position write
// is its own small transaction, a timeout corrupts at most the in-flight
// record, never the whole import.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradevault/recon-engine/internal/corporate"
	"github.com/tradevault/recon-engine/internal/dedupe"
	"github.com/tradevault/recon-engine/internal/events"
	"github.com/tradevault/recon-engine/internal/metrics"
	"github.com/tradevault/recon-engine/internal/model"
	"github.com/tradevault/recon-engine/internal/reconcile"
	"github.com/tradevault/recon-engine/internal/store"
	"github.com/tradevault/recon-engine/internal/symbols"
)

// DefaultImportTimeout bounds one background import run.
const DefaultImportTimeout = 10 * time.Minute

// Service wires the engine components together for import jobs.
type Service struct {
	store    store.Store
	recon    *reconcile.Reconciler
	detector *dedupe.Detector
	resolver *symbols.Resolver
	adjuster *corporate.Adjuster
	hub      *events.Hub
	timeout  time.Duration

	resolveQueue chan resolveRequest
}

type resolveRequest struct {
	userID string
	cusips []string
}

// NewService creates the import orchestrator. hub may be nil.
func NewService(
	st store.Store,
	recon *reconcile.Reconciler,
	detector *dedupe.Detector,
	resolver *symbols.Resolver,
	adjuster *corporate.Adjuster,
	hub *events.Hub,
	timeout time.Duration,
) *Service {
	if timeout <= 0 {
		timeout = DefaultImportTimeout
	}
	return &Service{
		store:        st,
		recon:        recon,
		detector:     detector,
		resolver:     resolver,
		adjuster:     adjuster,
		hub:          hub,
		timeout:      timeout,
		resolveQueue: make(chan resolveRequest, 64),
	}
}

// Submit records a new import job and hands the work to a detached
// background task. The task owns its own copy of the executions, so it
// is unaffected by the submitting request's lifecycle.
func (s *Service) Submit(ctx context.Context, userID string, raws []model.RawExecution) (*model.ImportJob, error) {
	job := &model.ImportJob{
		ID:        uuid.New().String(),
		UserID:    userID,
		Status:    model.ImportProcessing,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateImportJob(ctx, job); err != nil {
		return nil, fmt.Errorf("record import job: %w", err)
	}

	owned := append([]model.RawExecution(nil), raws...)
	go s.run(job.ID, userID, owned)

	return job, nil
}

// run executes one import in the background under the timeout watchdog.
func (s *Service) run(jobID, userID string, raws []model.RawExecution) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	done := make(chan struct{})
	defer close(done)

	// Watchdog: if the deadline passes while work is still in flight,
	// mark the job failed. Committed trades stay committed.
	go func() {
		select {
		case <-done:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				s.failJob(jobID, "import timed out")
			}
		}
	}()

	job, err := s.store.GetImportJob(ctx, jobID)
	if err != nil {
		slog.Error("import job vanished", "import", jobID, "err", err)
		return
	}

	if err := s.process(ctx, job, userID, raws); err != nil {
		metrics.ImportsTotal.WithLabelValues(model.ImportFailed).Inc()
		if errors.Is(err, context.DeadlineExceeded) {
			s.failJobWith(job, "import timed out")
			return
		}
		s.failJobWith(job, err.Error())
		return
	}

	job.Status = model.ImportCompleted
	job.FinishedAt = time.Now().UTC()
	if err := s.store.UpdateImportJob(context.Background(), job); err != nil {
		slog.Error("failed to finalize import job", "import", jobID, "err", err)
	}

	metrics.ImportsTotal.WithLabelValues(model.ImportCompleted).Inc()
	metrics.ImportDuration.Observe(time.Since(start).Seconds())

	if s.hub != nil {
		s.hub.Publish(events.Event{
			Type:     events.TypeImportFinished,
			UserID:   userID,
			ImportID: jobID,
			Status:   model.ImportCompleted,
			Count:    job.Imported,
		})
	}
	slog.Info("import complete", "import", jobID, "user", userID,
		"imported", job.Imported, "duplicates", job.Duplicates, "failed", job.Failed,
		"took", time.Since(start).Round(time.Millisecond).String())
}

// process runs the actual pipeline. Counts accumulate on job; the caller
// persists the terminal status.
func (s *Service) process(ctx context.Context, job *model.ImportJob, userID string, raws []model.RawExecution) error {
	// Boundary normalization: the reconciler never sees source-format
	// variation. Malformed rows are counted and skipped, never fatal.
	var incoming []model.Execution
	for i, raw := range raws {
		exec, err := normalize(raw)
		if err != nil {
			job.Failed++
			job.FailReasons = append(job.FailReasons, fmt.Sprintf("row %d: %v", i+1, err))
			metrics.ExecutionsProcessed.WithLabelValues("malformed").Inc()
			continue
		}
		incoming = append(incoming, exec)
	}

	existingTrades, err := s.store.GetTradesByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load trade history: %w", err)
	}
	existingPositions, err := s.store.GetOpenPositionsByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}

	// Filter executions that a previous import already absorbed.
	index := dedupe.BuildExecutionIndex(existingTrades, existingPositions)
	fresh := incoming[:0]
	for _, exec := range incoming {
		if index.Contains(exec) {
			job.Duplicates++
			metrics.ExecutionsProcessed.WithLabelValues("duplicate").Inc()
			continue
		}
		fresh = append(fresh, exec)
	}

	openBySymbol := make(map[string]model.OpenPosition, len(existingPositions))
	for _, p := range existingPositions {
		openBySymbol[p.Symbol] = p
	}
	closedBySymbol := make(map[string][]model.Trade)
	for _, t := range existingTrades {
		if t.Status == model.StatusClosed {
			closedBySymbol[t.Symbol] = append(closedBySymbol[t.Symbol], t)
		}
	}

	result := s.recon.Reconcile(userID, job.ID, openBySymbol, closedBySymbol, fresh)

	// Persist changes, each write its own transaction. Failures after
	// this point never roll back already-committed records.
	for i := range result.NewTrades {
		if err := ctx.Err(); err != nil {
			return err
		}
		trade := result.NewTrades[i]
		if s.detector.IsDuplicate(&trade, existingTrades) {
			job.Duplicates++
			metrics.ExecutionsProcessed.WithLabelValues("duplicate").Inc()
			continue
		}
		if err := s.store.InsertTrade(ctx, &trade); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				job.Duplicates++
				continue
			}
			return fmt.Errorf("insert trade %s: %w", trade.ID, err)
		}
		job.Imported++
		metrics.TradesEmitted.Inc()
		metrics.ExecutionsProcessed.WithLabelValues("imported").Add(float64(len(trade.Executions)))
	}

	for i := range result.UpdatedTrades {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.updateTradeWithRetry(ctx, &result.UpdatedTrades[i]); err != nil {
			job.Failed++
			job.FailReasons = append(job.FailReasons, fmt.Sprintf("trade %s: %v", result.UpdatedTrades[i].ID, err))
			metrics.ExecutionsProcessed.WithLabelValues("failed").Inc()
			continue
		}
		job.Imported++
	}

	for i := range result.OpenPositions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.store.SaveOpenPosition(ctx, &result.OpenPositions[i]); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				metrics.VersionConflicts.Inc()
			}
			job.Failed++
			job.FailReasons = append(job.FailReasons, fmt.Sprintf("position %s: %v", result.OpenPositions[i].Symbol, err))
			continue
		}
	}

	for _, id := range result.ClosedPositionIDs {
		version := int64(0)
		for _, p := range existingPositions {
			if p.ID == id {
				version = p.Version
				break
			}
		}
		if err := s.store.DeleteOpenPosition(ctx, id, version); err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("failed to delete closed position", "position", id, "err", err)
		}
	}

	// Queue unresolved identifiers for asynchronous resolution; the
	// import completes without waiting for it.
	s.queueUnresolved(userID, fresh)

	if s.hub != nil {
		s.hub.Publish(events.Event{
			Type:     events.TypeImportProgress,
			UserID:   userID,
			ImportID: job.ID,
			Count:    job.Imported,
		})
	}
	return nil
}

// updateTradeWithRetry applies a merge update, absorbing one version
// conflict by re-fetching, re-merging, and recomputing.
func (s *Service) updateTradeWithRetry(ctx context.Context, trade *model.Trade) error {
	err := s.store.UpdateTrade(ctx, trade)
	if !errors.Is(err, store.ErrVersionConflict) {
		return err
	}

	metrics.VersionConflicts.Inc()
	current, ferr := s.store.GetTradesByUser(ctx, trade.UserID)
	if ferr != nil {
		return ferr
	}
	for i := range current {
		if current[i].ID == trade.ID {
			merged := current[i]
			dedupe.MergeExecutions(&merged, trade.Executions)
			reconcile.Recompute(&merged)
			*trade = merged
			return s.store.UpdateTrade(ctx, trade)
		}
	}
	return store.ErrNotFound
}

func (s *Service) queueUnresolved(userID string, execs []model.Execution) {
	seen := make(map[string]bool)
	var cusips []string
	for _, e := range execs {
		if symbols.IsCusip(e.Symbol) && !seen[e.Symbol] {
			seen[e.Symbol] = true
			cusips = append(cusips, e.Symbol)
		}
	}
	if len(cusips) == 0 {
		return
	}
	select {
	case s.resolveQueue <- resolveRequest{userID: userID, cusips: cusips}:
	default:
		slog.Warn("resolution queue full, symbols stay unresolved until next pass",
			"user", userID, "count", len(cusips))
	}
}

// RunResolutionWorker consumes the resolution queue until ctx is
// cancelled. Must be called in a goroutine.
func (s *Service) RunResolutionWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.resolveQueue:
			resolved := s.resolver.ResolveBatch(ctx, req.userID, req.cusips)
			for cusip, ticker := range resolved {
				if _, err := s.resolver.ApplyResolution(ctx, req.userID, cusip, ticker); err != nil {
					slog.Error("failed to apply resolution", "cusip", cusip, "err", err)
				}
			}
		}
	}
}

func (s *Service) failJob(jobID, reason string) {
	job, err := s.store.GetImportJob(context.Background(), jobID)
	if err != nil {
		slog.Error("cannot load job to fail it", "import", jobID, "err", err)
		return
	}
	s.failJobWith(job, reason)
}

func (s *Service) failJobWith(job *model.ImportJob, reason string) {
	job.Status = model.ImportFailed
	job.Error = reason
	job.FinishedAt = time.Now().UTC()
	if err := s.store.UpdateImportJob(context.Background(), job); err != nil {
		slog.Error("failed to mark import failed", "import", job.ID, "err", err)
		return
	}
	if s.hub != nil {
		s.hub.Publish(events.Event{
			Type:     events.TypeImportFinished,
			UserID:   job.UserID,
			ImportID: job.ID,
			Status:   model.ImportFailed,
		})
	}
	slog.Warn("import failed", "import", job.ID, "reason", reason)
}

// normalize converts one boundary record into the strict internal form.
func normalize(raw model.RawExecution) (model.Execution, error) {
	if raw.Symbol == "" || raw.Timestamp.IsZero() {
		return model.Execution{}, model.ErrMalformedExecution
	}
	qty, err := model.SignedQty(raw.Quantity, raw.Side)
	if err != nil {
		return model.Execution{}, err
	}
	if raw.Price.IsNegative() {
		return model.Execution{}, model.ErrMalformedExecution
	}
	multiplier := raw.Multiplier
	if multiplier.IsZero() {
		multiplier = decimal.NewFromInt(1)
	}
	return model.Execution{
		ID:         uuid.New().String(),
		Symbol:     raw.Symbol,
		Quantity:   qty,
		Price:      raw.Price,
		Commission: raw.Commission,
		Multiplier: multiplier,
		Timestamp:  raw.Timestamp.UTC(),
		BrokerID:   raw.BrokerID,
	}, nil
}
