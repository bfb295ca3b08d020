package logserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/roach88/roomsync/internal/canonical"
	"github.com/roach88/roomsync/internal/eventsync"
	"github.com/roach88/roomsync/internal/store"
)

// AppendRequest is the body of POST /rooms/{room}/events.
type AppendRequest struct {
	RoomCode string          `json:"room_code"`
	Event    json.RawMessage `json:"event"`
	ClientID string          `json:"client_id"`
	EventID  string          `json:"event_id"`
}

// AppendResponse is the success body of the append endpoint.
type AppendResponse struct {
	OK      bool              `json:"ok"`
	ID      eventsync.Ordinal `json:"id,omitempty"`
	Deduped bool              `json:"deduped,omitempty"`
}

// readBody reads at most limit bytes. tooLarge reports an oversized body.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) (data []byte, tooLarge bool, err error) {
	if r.ContentLength > limit {
		return nil, true, nil
	}
	data, err = io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return nil, true, nil
	}
	return data, false, err
}

func (s *Server) appendEvent(w http.ResponseWriter, r *http.Request) {
	pathRoom := mux.Vars(r)["room"]

	data, tooLarge, err := readBody(w, r, s.cfg.MaxBodyBytes)
	if tooLarge {
		s.writeError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge)
		return
	}
	var req AppendRequest
	if err != nil || json.Unmarshal(data, &req) != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidJSON)
		return
	}

	room := strings.TrimSpace(req.RoomCode)
	clientID := strings.TrimSpace(req.ClientID)
	eventID := strings.TrimSpace(req.EventID)
	switch {
	case room == "":
		s.writeError(w, http.StatusBadRequest, CodeRoomRequired)
		return
	case clientID == "":
		s.writeError(w, http.StatusBadRequest, CodeClientRequired)
		return
	case eventID == "":
		s.writeError(w, http.StatusBadRequest, CodeEventIDRequired)
		return
	case len(req.Event) == 0:
		s.writeError(w, http.StatusBadRequest, CodeEventRequired)
		return
	case room != pathRoom:
		s.writeError(w, http.StatusBadRequest, CodeRoomMismatch)
		return
	}
	if _, err := canonical.Canonicalize(req.Event); err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidEvent)
		return
	}

	allowed, err := s.store.TakeRateToken(r.Context(), room, clientID, s.cfg.RateLimit)
	if err != nil {
		s.logger.Error("rate check failed", "room", room, "client_id", clientID, "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeRateCheckFailed)
		return
	}
	if !allowed {
		s.logger.Warn("rate limited", "room", room, "client_id", clientID)
		s.writeError(w, http.StatusTooManyRequests, CodeRateLimited)
		return
	}

	env, deduped, err := s.store.AppendEvent(r.Context(), room, clientID, eventID, req.Event)
	if err != nil {
		s.logger.Error("append failed", "room", room, "event_id", eventID, "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeInsertFailed)
		return
	}
	if deduped {
		s.writeJSON(w, http.StatusOK, AppendResponse{OK: true, Deduped: true})
		return
	}

	delivered, dropped := s.hub.broadcast(env)
	s.logger.Debug("appended", "room", room, "id", env.ID, "event_id", eventID,
		"delivered", delivered, "dropped", dropped)
	s.writeJSON(w, http.StatusOK, AppendResponse{OK: true, ID: env.ID})
}

func (s *Server) loadEvents(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	q := r.URL.Query()

	after, err := eventsync.ParseOrdinal(q.Get("after"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidAfter)
		return
	}
	limit := eventsync.DefaultPageLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, CodeInvalidLimit)
			return
		}
		limit = min(n, store.MaxPageLimit)
	}

	envs, err := s.store.LoadAfter(r.Context(), room, after, limit)
	if err != nil {
		s.logger.Error("load events failed", "room", room, "after", after, "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeQueryFailed)
		return
	}
	s.writeJSON(w, http.StatusOK, envs)
}
