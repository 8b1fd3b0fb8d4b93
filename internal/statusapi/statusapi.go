// Package statusapi provides the HTTP status and control plane for
// pbl-server: a chi router exposing liveness, transfer history, the audit
// trail, and a control endpoint to request an immediate Reinit.
package statusapi

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/eryjus/pi-bootloader/internal/bootserver"
)

// HistoryStore is the subset of history.Store the API needs.
type HistoryStore interface {
	Recent(ctx context.Context, n int) ([]bootserver.TransferOutcome, error)
}

// AuditReader is the subset of audit.Logger the API needs to expose the
// hash-chained audit trail for external verification.
type AuditReader interface {
	Entries() ([]AuditEntryView, error)
}

// AuditEntryView is the JSON shape returned by GET /api/v1/audit.
type AuditEntryView struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// Reinitiator lets the control endpoint request that the server abandon
// whatever it is doing and return to Reinit — useful when an operator needs
// to force a retry without power-cycling the board.
type Reinitiator interface {
	RequestReinit()
}

// CurrentStateProvider reports the state machine's current state for the
// status endpoint.
type CurrentStateProvider interface {
	CurrentState() bootserver.State
}

// Server holds the dependencies needed by the status API handlers.
type Server struct {
	history HistoryStore
	audit   AuditReader
	state   CurrentStateProvider
	control Reinitiator
	logger  *slog.Logger
}

// NewServer creates a Server. history, audit, and control may be nil; the
// corresponding endpoints then respond with 503.
func NewServer(state CurrentStateProvider, history HistoryStore, audit AuditReader, control Reinitiator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{state: state, history: history, audit: audit, control: control, logger: logger}
}

// NewRouter returns a configured chi.Router.
//
// Route layout:
//
//	GET  /healthz             – liveness probe, no authentication
//	GET  /api/v1/status       – current state machine state (JWT required)
//	GET  /api/v1/history      – recent transfer attempts (JWT required)
//	GET  /api/v1/audit        – tamper-evident audit trail (JWT required)
//	POST /api/v1/reinit       – force an immediate Reinit (JWT required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation entirely.
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}
		r.Get("/status", srv.handleStatus)
		r.Get("/history", srv.handleHistory)
		r.Get("/audit", srv.handleAudit)
		r.Post("/reinit", srv.handleReinit)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.state == nil {
		writeError(w, http.StatusServiceUnavailable, "state not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": s.state.CurrentState().String()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}

	n := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		v, err := strconv.Atoi(limitStr)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if v > 1000 {
			v = 1000
		}
		n = v
	}

	outcomes, err := s.history.Recent(r.Context(), n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query transfer history")
		return
	}
	if outcomes == nil {
		outcomes = []bootserver.TransferOutcome{}
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}
	entries, err := s.audit.Entries()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}
	if entries == nil {
		entries = []AuditEntryView{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleReinit(w http.ResponseWriter, r *http.Request) {
	if s.control == nil {
		writeError(w, http.StatusServiceUnavailable, "control channel not configured")
		return
	}
	operator := "unknown"
	if claims := ClaimsFromContext(r.Context()); claims != nil && claims.Subject != "" {
		operator = claims.Subject
	}
	s.logger.Info("reinit requested via status API", slog.String("operator", operator))
	s.control.RequestReinit()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reinit requested"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
