package importer

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tradevault/recon-engine/internal/model"
	"github.com/tradevault/recon-engine/internal/store"
	"github.com/tradevault/recon-engine/internal/symbols"
)

type submitRequest struct {
	UserID     string               `json:"user_id"`
	Executions []model.RawExecution `json:"executions"`
}

// SubmitImport handles POST /api/v1/imports
// Accepts the batch and returns 202 with the job ID; processing is
// asynchronous and observable via the status endpoint.
func (s *Service) SubmitImport(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if len(req.Executions) == 0 {
		writeError(w, "executions must not be empty", http.StatusBadRequest)
		return
	}

	job, err := s.Submit(r.Context(), req.UserID, req.Executions)
	if err != nil {
		writeError(w, "failed to start import", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(job)
}

// GetImport handles GET /api/v1/imports/{importID}
func (s *Service) GetImport(w http.ResponseWriter, r *http.Request) {
	importID := chi.URLParam(r, "importID")

	job, err := s.store.GetImportJob(r.Context(), importID)
	if err != nil {
		writeError(w, "import not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

// GetTrades handles GET /api/v1/trades/{userID}
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	trades, err := s.store.GetTradesByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}

	// Optional filter by ?status=open|closed.
	if status := r.URL.Query().Get("status"); status != "" {
		var filtered []model.Trade
		for _, t := range trades {
			if t.Status == status {
				filtered = append(filtered, t)
			}
		}
		if filtered == nil {
			filtered = []model.Trade{}
		}
		trades = filtered
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// GetPositions handles GET /api/v1/positions/{userID}
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	positions, err := s.store.GetOpenPositionsByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.OpenPosition{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

type resolveSymbolsRequest struct {
	UserID string   `json:"user_id"`
	Cusips []string `json:"cusips"`
}

// ResolveSymbols handles POST /api/v1/symbols/resolve
// Runs resolution synchronously and returns the cusip->ticker map for
// whatever could be resolved.
func (s *Service) ResolveSymbols(w http.ResponseWriter, r *http.Request) {
	var req resolveSymbolsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Cusips) == 0 {
		writeError(w, "cusips must not be empty", http.StatusBadRequest)
		return
	}
	for _, c := range req.Cusips {
		if !symbols.IsCusip(c) {
			writeError(w, "not a valid identifier: "+c, http.StatusBadRequest)
			return
		}
	}

	resolved := s.resolver.ResolveBatch(r.Context(), req.UserID, req.Cusips)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"resolved":   resolved,
		"unresolved": len(req.Cusips) - len(resolved),
	})
}

// SaveMapping handles POST /api/v1/symbols/mappings
// Records a user-confirmed mapping, then rewrites stored records.
func (s *Service) SaveMapping(w http.ResponseWriter, r *http.Request) {
	var m model.CusipMapping
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if m.Cusip == "" || m.Ticker == "" {
		writeError(w, "cusip and ticker are required", http.StatusBadRequest)
		return
	}
	m.Source = model.SourceManual
	m.Verified = true
	m.Confidence = 100

	if err := s.resolver.SaveMapping(r.Context(), &m); err != nil {
		if errors.Is(err, symbols.ErrTickerConflict) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		writeError(w, "failed to save mapping", http.StatusInternalServerError)
		return
	}

	rewritten, err := s.resolver.ApplyResolution(r.Context(), m.UserID, m.Cusip, m.Ticker)
	if err != nil {
		writeError(w, "mapping saved but rewrite failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"mapping":   m,
		"rewritten": rewritten,
	})
}

// CheckSplits handles POST /api/v1/splits/{symbol}/check
// Triggers an on-demand split check for one symbol.
func (s *Service) CheckSplits(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	result, err := s.adjuster.CheckAndAdjust(r.Context(), symbol)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			writeError(w, "concurrent adjustment in progress, retry", http.StatusConflict)
			return
		}
		writeError(w, "split check failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
