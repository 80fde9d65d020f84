package apihttp

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"feedstream/internal/domain"
)

func (s *Server) handleWatchHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if s.watchHistory == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "watch history not configured")
		return
	}

	limit, err := parseOptionalIntQuery(r.URL.Query().Get("limit"), 20)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}

	positions, err := s.watchHistory.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "repository_error", err.Error())
		return
	}
	if positions == nil {
		positions = []domain.WatchPosition{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleWatchHistoryByKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if s.watchHistory == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "watch history not configured")
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/watch-history/")
	if decoded, err := url.PathUnescape(key); err == nil {
		key = decoded
	}
	if strings.TrimSpace(key) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing locator key")
		return
	}

	position, err := s.watchHistory.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no watch position for key")
			return
		}
		writeError(w, http.StatusInternalServerError, "repository_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, position)
}
