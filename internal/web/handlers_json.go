package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vitos/crypto_virtual_grid/internal/domain"
	"github.com/vitos/crypto_virtual_grid/internal/usecase"
	"go.uber.org/zap"
)

const defaultListLimit = 50

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var cfgErr *domain.ConfigurationError
	var rejected *domain.RejectedError
	switch {
	case errors.Is(err, domain.ErrGridNotFound), errors.Is(err, domain.ErrPositionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrWorkerStopped), errors.Is(err, domain.ErrQueueFull):
		status = http.StatusServiceUnavailable
	case errors.As(err, &cfgErr):
		status = http.StatusBadRequest
	case errors.As(err, &rejected):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func symbolParam(r *http.Request) string {
	return strings.ToUpper(r.PathValue("symbol"))
}

func limitParam(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	return limit
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	symbols := s.service.Symbols()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"grids":   len(symbols),
		"symbols": symbols,
	})
}

func (s *Server) handleListGrids(w http.ResponseWriter, r *http.Request) {
	snaps := s.service.Snapshots()
	if snaps == nil {
		snaps = []usecase.GridSnapshot{}
	}
	s.writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleGetGrid(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.Snapshot(symbolParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGridLevels(w http.ResponseWriter, r *http.Request) {
	levels, err := s.service.Levels(symbolParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, levels)
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	trade, err := s.service.ClosePosition(r.Context(), symbolParam(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trade)
}

func (s *Server) handleSubmitSignal(w http.ResponseWriter, r *http.Request) {
	var sig domain.Signal
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sig); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid signal: " + err.Error()})
		return
	}
	sig.Symbol = strings.ToUpper(sig.Symbol)
	if sig.Symbol == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "signal symbol is required"})
		return
	}
	if !sig.StrengthValid() {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "signal strength must be within [0, 100]"})
		return
	}

	rec, err := s.service.SubmitSignal(r.Context(), sig)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// handleExecutions reads the journal when one is configured and the
// in-memory gate history of a symbol otherwise.
func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
	limit := limitParam(r)

	if s.tradeRepo != nil {
		recs, err := s.tradeRepo.ListExecutions(r.Context(), symbol, limit)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if recs == nil {
			recs = []*domain.ExecutionRecord{}
		}
		s.writeJSON(w, http.StatusOK, recs)
		return
	}

	if symbol == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol is required without a journal"})
		return
	}
	recs, err := s.service.SignalHistory(symbol, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []domain.ExecutionRecord{}
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.tradeRepo == nil {
		s.writeJSON(w, http.StatusOK, []*domain.TradeRecord{})
		return
	}
	trades, err := s.tradeRepo.ListTrades(r.Context(), strings.ToUpper(r.URL.Query().Get("symbol")), limitParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if trades == nil {
		trades = []*domain.TradeRecord{}
	}
	s.writeJSON(w, http.StatusOK, trades)
}
