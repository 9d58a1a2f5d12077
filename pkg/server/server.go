// Package server exposes turns and the credit ledger over HTTP. Turn output
// is streamed as server-sent events, one event per envelope.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pario-ai/arena/pkg/config"
	"github.com/pario-ai/arena/pkg/ledger"
	"github.com/pario-ai/arena/pkg/models"
	"github.com/pario-ai/arena/pkg/orchestrator"
	"github.com/pario-ai/arena/pkg/store"
)

// Server is the Arena HTTP API.
type Server struct {
	cfg    *config.Config
	orch   *orchestrator.Orchestrator
	ledger ledger.Ledger
	store  store.Store
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates a Server wired with all dependencies.
func New(cfg *config.Config, o *orchestrator.Orchestrator, l ledger.Ledger, st store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		orch:   o,
		ledger: l,
		store:  st,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /v1/turns", s.handleTurn)
	s.mux.HandleFunc("GET /v1/turns/{id}", s.handleGetTurn)
	s.mux.HandleFunc("GET /v1/balance", s.handleBalance)
	s.mux.HandleFunc("GET /v1/ledger", s.handleLedger)
	s.mux.HandleFunc("POST /v1/credits", s.handleCredits)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("arena listening", "addr", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	userID := extractAPIKey(r)
	if userID == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.Limits.MaxPromptBytes)+4096)
	var req models.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, err := s.orch.Run(r.Context(), userID, req)
	if err != nil {
		s.writeTurnError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Keep draining after a write failure; the channel closes once the
	// turn has settled.
	broken := false
	for ev := range events {
		if broken {
			continue
		}
		if err := writeEvent(w, ev); err != nil {
			s.logger.Info("client stream closed", "user_id", userID, "error", err)
			broken = true
			continue
		}
		flusher.Flush()
	}
}

func (s *Server) writeTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeJSONError(w, http.StatusPaymentRequired, "insufficient balance")
	case errors.Is(err, orchestrator.ErrNotReconsiderable):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("turn failed to start", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeEvent(w http.ResponseWriter, ev models.Envelope) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	return err
}

func (s *Server) handleGetTurn(w http.ResponseWriter, r *http.Request) {
	userID := extractAPIKey(r)
	if userID == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing API key")
		return
	}
	turn, err := s.store.GetTurn(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && turn.UserID != userID) {
		writeJSONError(w, http.StatusNotFound, "turn not found")
		return
	}
	if err != nil {
		s.logger.Error("get turn", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

type balanceResponse struct {
	UserID    string `json:"user_id"`
	Balance   int64  `json:"balance"`
	Available int64  `json:"available"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := extractAPIKey(r)
	if userID == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing API key")
		return
	}
	bal, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		s.logger.Error("balance", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	avail, err := s.ledger.Available(r.Context(), userID)
	if err != nil {
		s.logger.Error("available balance", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: bal, Available: avail})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	userID := extractAPIKey(r)
	if userID == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing API key")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.ledger.Entries(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error("ledger entries", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type creditRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

// handleCredits records an external payment event. It requires the admin
// key and an Idempotency-Key header; replays return the original entry.
func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AdminKey == "" || extractAPIKey(r) != s.cfg.AdminKey {
		writeJSONError(w, http.StatusForbidden, "admin key required")
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "missing Idempotency-Key header")
		return
	}

	var req creditRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	entry, err := s.ledger.TopUp(r.Context(), req.UserID, req.Amount, key)
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("top up", "user_id", req.UserID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"arena_error","code":%d}}`, message, code)
}
