// Package logserver serves the room log over HTTP: the append endpoint,
// paged catch-up reads, snapshots, and a websocket stream of newly appended
// envelopes per room.
package logserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/roach88/roomsync/internal/config"
	"github.com/roach88/roomsync/internal/store"
)

// maxSnapshotBytes bounds snapshot upload bodies.
const maxSnapshotBytes = 1 << 20

// Error codes returned in {"ok":false,"error":code} bodies.
const (
	CodeMethodNotAllowed = "method_not_allowed"
	CodePayloadTooLarge  = "payload_too_large"
	CodeInvalidJSON      = "invalid_json"
	CodeInvalidEvent     = "invalid_event"
	CodeRoomRequired     = "room_code_required"
	CodeClientRequired   = "client_id_required"
	CodeEventIDRequired  = "event_id_required"
	CodeEventRequired    = "event_required"
	CodeRoomMismatch     = "room_code_mismatch"
	CodeRateLimited      = "rate_limited"
	CodeRateCheckFailed  = "rate_check_failed"
	CodeInsertFailed     = "insert_failed"
	CodeInvalidAfter     = "invalid_after"
	CodeInvalidLimit     = "invalid_limit"
	CodeQueryFailed      = "query_failed"
	CodeNotFound         = "not_found"
	CodeInvalidState     = "invalid_state"
)

// Server handles room log requests.
type Server struct {
	store  *store.Store
	cfg    config.Server
	logger *slog.Logger
	hub    *hub
	router *mux.Router
}

// New creates a server over st. cfg supplies body limits, the rate limit
// and allowed origins.
func New(st *store.Store, cfg config.Server, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:  st,
		cfg:    cfg,
		logger: logger,
		hub:    newHub(),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close disconnects all live subscribers.
func (s *Server) Close() {
	s.hub.closeAll()
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests, s.cors)

	r.Methods(http.MethodOptions).PathPrefix("/").HandlerFunc(s.preflight)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)
	r.Methods(http.MethodGet).Path("/rooms").HandlerFunc(s.listRooms)
	r.Methods(http.MethodPost).Path("/rooms/{room}/events").HandlerFunc(s.appendEvent)
	r.Methods(http.MethodGet).Path("/rooms/{room}/events").HandlerFunc(s.loadEvents)
	r.Methods(http.MethodGet).Path("/rooms/{room}/snapshots/latest").HandlerFunc(s.latestSnapshot)
	r.Methods(http.MethodPost).Path("/rooms/{room}/snapshots").HandlerFunc(s.saveSnapshot)
	r.Methods(http.MethodGet).Path("/rooms/{room}/live").HandlerFunc(s.live)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.logger.Info("handled",
			"method", r.Method,
			"url", r.URL,
			"status", m.Code,
			"duration", m.Duration,
			"bytes", m.Written,
		)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.allowOrigin(r.Header.Get("Origin")))
		h.Set("Access-Control-Allow-Headers", "authorization, content-type")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Max-Age", "86400")
		h.Add("Vary", "Origin")
		next.ServeHTTP(w, r)
	})
}

// allowOrigin echoes an allowed origin, or "*" when no list is configured.
func (s *Server) allowOrigin(origin string) string {
	if len(s.cfg.AllowedOrigins) == 0 {
		return "*"
	}
	if slices.Contains(s.cfg.AllowedOrigins, origin) {
		return origin
	}
	return s.cfg.AllowedOrigins[0]
}

func (s *Server) originAllowed(origin string) bool {
	return origin == "" || len(s.cfg.AllowedOrigins) == 0 || slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) preflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("health check failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.store.Rooms(r.Context())
	if err != nil {
		s.logger.Error("list rooms failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeQueryFailed)
		return
	}
	s.writeJSON(w, http.StatusOK, rooms)
}

type errorBody struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, code string) {
	s.writeJSON(w, status, errorBody{OK: false, Error: code})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}
