package catalog

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"feedstream/internal/domain"
)

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func catalogServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{BaseURL: srv.URL, Client: srv.Client(), PageSize: 3, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestFetchPageTagsLocators(t *testing.T) {
	client := catalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/videos" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("limit"); got != "3" {
			t.Errorf("limit = %q, want 3", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"items": [
				{"id": "a", "title": "Direct clip", "url": "http://cdn/a.mp4"},
				{"id": "b", "title": "Archived film", "provider": "archive", "identifier": "some-item", "url": "http://fallback/b.mp4"},
				{"id": "c", "title": "No source"}
			],
			"nextCursor": "page2"
		}`))
	})

	page, err := client.FetchPage(context.Background(), "")
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if page.NextCursor != "page2" {
		t.Errorf("NextCursor = %q, want page2", page.NextCursor)
	}
	if len(page.Entries) != 2 {
		t.Fatalf("entries = %d, want 2 (sourceless item skipped)", len(page.Entries))
	}

	direct := page.Entries[0].Locator
	if direct.Kind != domain.LocatorDirect || direct.URL != "http://cdn/a.mp4" {
		t.Errorf("entry a locator = %+v, want direct", direct)
	}

	resolvable := page.Entries[1].Locator
	if resolvable.Kind != domain.LocatorResolvable {
		t.Errorf("entry b kind = %q, want resolvable", resolvable.Kind)
	}
	if resolvable.Provider != "archive" || resolvable.Identifier != "some-item" {
		t.Errorf("entry b locator = %+v, want provider reference preserved", resolvable)
	}
	if resolvable.URL != "http://fallback/b.mp4" {
		t.Errorf("entry b fallback URL = %q", resolvable.URL)
	}
}

func TestFetchPagePassesCursor(t *testing.T) {
	var gotCursor string
	client := catalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotCursor = r.URL.Query().Get("cursor")
		w.Write([]byte(`{"items": [], "nextCursor": ""}`))
	})

	page, err := client.FetchPage(context.Background(), "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if gotCursor != "abc123" {
		t.Errorf("cursor sent = %q, want abc123", gotCursor)
	}
	if page.NextCursor != "" || len(page.Entries) != 0 {
		t.Errorf("page = %+v, want empty exhausted page", page)
	}
}

func TestFetchPageHTTPError(t *testing.T) {
	client := catalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	})

	_, err := client.FetchPage(context.Background(), "")
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("err = %v, want HTTP 502 error", err)
	}
}

func TestFetchPageDecodeError(t *testing.T) {
	client := catalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})

	_, err := client.FetchPage(context.Background(), "")
	if err == nil || !strings.Contains(err.Error(), "decode") {
		t.Fatalf("err = %v, want decode error", err)
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error for missing base URL")
	}
}
