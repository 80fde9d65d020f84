package archive

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"feedstream/internal/domain"
)

func metadataServer(t *testing.T, items map[string]metadataResponse) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		id := strings.TrimPrefix(r.URL.Path, "/metadata/")
		meta, ok := items[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(meta); err != nil {
			t.Errorf("encode metadata: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func newTestResolver(srv *httptest.Server) *Resolver {
	return NewResolver(Config{
		BaseURL: srv.URL,
		Client:  srv.Client(),
		Retry:   RetryConfig{MaxAttempts: 2, InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2.0},
		Logger:  slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError})),
	})
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestResolvePicksLargestPlayableFile(t *testing.T) {
	srv, _ := metadataServer(t, map[string]metadataResponse{
		"night-of-the-living-dead": {
			Server: "ia800504.us.archive.org",
			Dir:    "/22/items/night-of-the-living-dead",
			Files: []metadataFile{
				{Name: "notld.thumbs.jpg", Format: "Thumbnail", Size: "4000"},
				{Name: "notld_512kb.mp4", Format: "512Kb MPEG4", Size: "100000"},
				{Name: "notld.mp4", Format: "h.264", Size: "900000"},
				{Name: "notld.ogv", Format: "Ogg Video", Size: "5000000"},
			},
		},
	})
	r := newTestResolver(srv)

	got, err := r.Resolve(context.Background(), "archive", "night-of-the-living-dead")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := "https://ia800504.us.archive.org/22/items/night-of-the-living-dead/notld.mp4"
	if got != want {
		t.Errorf("resolved = %q, want %q", got, want)
	}
}

func TestResolveFallsBackToMP4Extension(t *testing.T) {
	srv, _ := metadataServer(t, map[string]metadataResponse{
		"item": {
			Server: "ia1.example.org",
			Dir:    "/items/item",
			Files: []metadataFile{
				{Name: "clip.MP4", Format: "Unknown", Size: "123"},
			},
		},
	})
	r := newTestResolver(srv)

	got, err := r.Resolve(context.Background(), "archive", "item")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !strings.HasSuffix(got, "/clip.MP4") {
		t.Errorf("resolved = %q, want the .MP4 file", got)
	}
}

func TestResolveEmptyIdentifier(t *testing.T) {
	srv, requests := metadataServer(t, nil)
	r := newTestResolver(srv)

	_, err := r.Resolve(context.Background(), "archive", "  ")
	if !errors.Is(err, domain.ErrResolution) {
		t.Fatalf("err = %v, want ErrResolution", err)
	}
	if requests.Load() != 0 {
		t.Error("empty identifier must not hit the metadata endpoint")
	}
}

func TestResolveNoPlayableFile(t *testing.T) {
	srv, _ := metadataServer(t, map[string]metadataResponse{
		"texts-only": {
			Server: "ia1.example.org",
			Dir:    "/items/texts-only",
			Files: []metadataFile{
				{Name: "scan.pdf", Format: "Text PDF", Size: "999999"},
			},
		},
	})
	r := newTestResolver(srv)

	_, err := r.Resolve(context.Background(), "archive", "texts-only")
	if !errors.Is(err, domain.ErrResolution) {
		t.Fatalf("err = %v, want ErrResolution", err)
	}
}

func TestResolveUnknownItemDoesNotRetry(t *testing.T) {
	srv, requests := metadataServer(t, nil)
	r := newTestResolver(srv)

	_, err := r.Resolve(context.Background(), "archive", "missing")
	if !errors.Is(err, domain.ErrResolution) {
		t.Fatalf("err = %v, want ErrResolution", err)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("requests = %d, want 1 (HTTP 404 is not transient)", got)
	}
}

func TestResolveEscapesIdentifierAndFileName(t *testing.T) {
	srv, _ := metadataServer(t, map[string]metadataResponse{
		"odd id": {
			Server: "ia1.example.org",
			Dir:    "/items/odd",
			Files: []metadataFile{
				{Name: "part one.mp4", Format: "MPEG4", Size: "10"},
			},
		},
	})
	r := newTestResolver(srv)

	got, err := r.Resolve(context.Background(), "archive", "odd id")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !strings.HasSuffix(got, "/part%20one.mp4") {
		t.Errorf("resolved = %q, want the file name path-escaped", got)
	}
}
