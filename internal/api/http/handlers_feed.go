package apihttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"feedstream/internal/domain"
)

type feedEntryResponse struct {
	Index      int       `json:"index"`
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Author     string    `json:"author"`
	PostedAt   time.Time `json:"postedAt"`
	Source     string    `json:"source"`
	Resolvable bool      `json:"resolvable"`
}

type feedResponse struct {
	Entries   []feedEntryResponse `json:"entries"`
	Exhausted bool                `json:"exhausted"`
}

type visibleRequest struct {
	Index int `json:"index"`
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if s.feed == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "feed not configured")
		return
	}

	entries := s.feed.Entries()
	out := make([]feedEntryResponse, 0, len(entries))
	for i, entry := range entries {
		out = append(out, feedEntryResponse{
			Index:      i,
			ID:         entry.ID,
			Title:      entry.Title,
			Author:     entry.Author,
			PostedAt:   entry.PostedAt,
			Source:     entry.Locator.Key(),
			Resolvable: entry.Locator.Kind == domain.LocatorResolvable,
		})
	}
	writeJSON(w, http.StatusOK, feedResponse{Entries: out, Exhausted: s.feed.Exhausted()})
}

func (s *Server) handleFeedVisible(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if s.window == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "window manager not configured")
		return
	}

	var req visibleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Index < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "index must be >= 0")
		return
	}

	if err := s.window.SetVisibleIndex(r.Context(), req.Index); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no feed entry at index")
			return
		}
		s.logger.Error("set visible index failed",
			slog.Int("index", req.Index),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"index": req.Index})
}
