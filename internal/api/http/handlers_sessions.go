package apihttp

import (
	"encoding/json"
	"net/http"
	"time"
)

type visibilityRequest struct {
	Visible bool `json:"visible"`
}

type seekRequest struct {
	Position float64 `json:"position"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sessions not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.States())
}

func (s *Server) handleSessionByIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sessions not configured")
		return
	}

	index, action, err := sessionPath(r.URL.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	switch action {
	case "visibility":
		var req visibilityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
		s.sessions.UpdateVisibility(index, req.Visible)
		writeJSON(w, http.StatusOK, map[string]bool{"visible": req.Visible})
	case "toggle-play":
		s.sessions.TogglePlayPause(index)
		w.WriteHeader(http.StatusNoContent)
	case "toggle-mute":
		muted := s.sessions.ToggleMute(r.Context(), index)
		writeJSON(w, http.StatusOK, map[string]bool{"muted": muted})
	case "seek":
		var req seekRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
		if req.Position < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "position must be >= 0")
			return
		}
		s.sessions.Seek(index, time.Duration(req.Position*float64(time.Second)))
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown session action")
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
