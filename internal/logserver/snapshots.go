package logserver

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/roach88/roomsync/internal/eventsync"
)

// SnapshotRequest is the body of POST /rooms/{room}/snapshots.
type SnapshotRequest struct {
	LastEventID eventsync.Ordinal `json:"last_event_id"`
	State       json.RawMessage   `json:"state"`
}

func (s *Server) latestSnapshot(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	snap, err := s.store.LoadLatestSnapshot(r.Context(), room)
	if err != nil {
		s.logger.Error("load snapshot failed", "room", room, "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeQueryFailed)
		return
	}
	if snap == nil {
		s.writeError(w, http.StatusNotFound, CodeNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) saveSnapshot(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]

	data, tooLarge, err := readBody(w, r, maxSnapshotBytes)
	if tooLarge {
		s.writeError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge)
		return
	}
	var req SnapshotRequest
	if err != nil || json.Unmarshal(data, &req) != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidJSON)
		return
	}
	if len(req.State) == 0 {
		s.writeError(w, http.StatusBadRequest, CodeInvalidState)
		return
	}

	if err := s.store.SaveSnapshot(r.Context(), room, req.LastEventID, req.State); err != nil {
		s.logger.Warn("save snapshot failed", "room", room, "last_event_id", req.LastEventID, "error", err)
		s.writeError(w, http.StatusBadRequest, CodeInvalidState)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
