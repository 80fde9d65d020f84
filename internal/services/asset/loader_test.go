package asset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"feedstream/internal/domain"
)

// mediaServer serves content with byte-range support and counts requests.
type mediaServer struct {
	content    []byte
	ignoreRang bool
	delay      time.Duration
	requests   atomic.Int64
}

func (m *mediaServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.requests.Add(1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	rangeHeader := r.Header.Get("Range")
	if m.ignoreRang || rangeHeader == "" {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(m.content)
		return
	}

	spec := strings.TrimPrefix(rangeHeader, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	start, _ := strconv.ParseInt(parts[0], 10, 64)
	end, _ := strconv.ParseInt(parts[1], 10, 64)
	if end >= int64(len(m.content)) {
		end = int64(len(m.content)) - 1
	}
	if start > end {
		http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(m.content)))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(m.content[start : end+1])
}

func newTestLoader(t *testing.T, srv *mediaServer, cfg Config) (*Loader, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewLoader(ts.Client(), nil, logger, cfg), ts
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func directLocator(url string) domain.MediaLocator {
	return domain.DirectLocator(url)
}

func TestLoadAssetDeduplicatesConcurrentLoads(t *testing.T) {
	srv := &mediaServer{content: validMP4(8 * time.Second), delay: 50 * time.Millisecond}
	loader, ts := newTestLoader(t, srv, Config{})
	locator := directLocator(ts.URL + "/a.mp4")

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = loader.LoadAsset(context.Background(), locator)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := srv.requests.Load(); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}

	// A later call is a pure cache hit.
	if _, err := loader.LoadAsset(context.Background(), locator); err != nil {
		t.Fatalf("cache hit load: %v", err)
	}
	if got := srv.requests.Load(); got != 1 {
		t.Errorf("requests after cache hit = %d, want 1", got)
	}
}

func TestPrefetchStagesBytesConsumedByLoad(t *testing.T) {
	srv := &mediaServer{content: validMP4(8 * time.Second)}
	loader, ts := newTestLoader(t, srv, Config{HighPrefetchBytes: 1 << 20})
	locator := directLocator(ts.URL + "/b.mp4")

	if err := loader.Prefetch(context.Background(), locator, domain.PrefetchHigh); err != nil {
		t.Fatalf("Prefetch: %v", err)
	}
	if !loader.Staged(locator) {
		t.Fatal("no staged bytes after prefetch")
	}
	if got := srv.requests.Load(); got != 1 {
		t.Fatalf("requests after prefetch = %d, want 1", got)
	}

	asset, err := loader.LoadAsset(context.Background(), locator)
	if err != nil {
		t.Fatalf("LoadAsset: %v", err)
	}
	if !asset.FromStaged {
		t.Error("load did not consume staged bytes")
	}
	if loader.Staged(locator) {
		t.Error("staged bytes still present after load consumed them")
	}
	// Staged bytes cover the probe window, so no extra fetch happens.
	if got := srv.requests.Load(); got != 1 {
		t.Errorf("requests after load = %d, want 1", got)
	}
}

func TestPrefetchNoopWhenAlreadyCachedOrStaged(t *testing.T) {
	srv := &mediaServer{content: validMP4(8 * time.Second)}
	loader, ts := newTestLoader(t, srv, Config{})
	locator := directLocator(ts.URL + "/c.mp4")

	if _, err := loader.LoadAsset(context.Background(), locator); err != nil {
		t.Fatalf("LoadAsset: %v", err)
	}
	before := srv.requests.Load()

	if err := loader.Prefetch(context.Background(), locator, domain.PrefetchHigh); err != nil {
		t.Fatalf("Prefetch on cached: %v", err)
	}
	if got := srv.requests.Load(); got != before {
		t.Errorf("prefetch on cached locator issued a request (%d -> %d)", before, got)
	}
}

func TestPrefetchFallsBackToFullLoadOn200(t *testing.T) {
	srv := &mediaServer{content: validMP4(8 * time.Second), ignoreRang: true}
	loader, ts := newTestLoader(t, srv, Config{})
	locator := directLocator(ts.URL + "/d.mp4")

	if err := loader.Prefetch(context.Background(), locator, domain.PrefetchHigh); err != nil {
		t.Fatalf("Prefetch: %v", err)
	}
	if loader.Staged(locator) {
		t.Error("200 response staged instead of full-loaded")
	}
	if !loader.Cached(locator) {
		t.Error("fallback did not cache the asset")
	}
}

func TestCleanupCancelsAndForgetsSoNextLoadIsFresh(t *testing.T) {
	srv := &mediaServer{content: validMP4(8 * time.Second)}
	loader, ts := newTestLoader(t, srv, Config{})
	locator := directLocator(ts.URL + "/e.mp4")

	if _, err := loader.LoadAsset(context.Background(), locator); err != nil {
		t.Fatalf("LoadAsset: %v", err)
	}

	loader.CleanupAsset(locator)
	if loader.Cached(locator) {
		t.Fatal("asset still cached after cleanup")
	}
	// Idempotent.
	loader.CleanupAsset(locator)

	if _, err := loader.LoadAsset(context.Background(), locator); err != nil {
		t.Fatalf("reload after cleanup: %v", err)
	}
	if got := srv.requests.Load(); got != 2 {
		t.Errorf("requests = %d, want 2 (one per generation)", got)
	}
}

func TestCleanupMidLoadSurfacesCancellation(t *testing.T) {
	srv := &mediaServer{content: validMP4(8 * time.Second), delay: 300 * time.Millisecond}
	loader, ts := newTestLoader(t, srv, Config{})
	locator := directLocator(ts.URL + "/cancel.mp4")

	done := make(chan error, 1)
	go func() {
		_, err := loader.LoadAsset(context.Background(), locator)
		done <- err
	}()

	// Let the fetch reach the server before tearing the asset down.
	time.Sleep(50 * time.Millisecond)
	loader.CleanupAsset(locator)

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("load survived cleanup")
		}
		if !errors.Is(err, domain.ErrLoad) {
			t.Errorf("err = %v, want ErrLoad classification", err)
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v does not carry context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("load did not return after cleanup")
	}
}

func TestCleanupSparesPinnedAsset(t *testing.T) {
	srv := &mediaServer{content: validMP4(8 * time.Second)}
	loader, ts := newTestLoader(t, srv, Config{})
	locator := directLocator(ts.URL + "/f.mp4")

	if _, err := loader.LoadAsset(context.Background(), locator); err != nil {
		t.Fatalf("LoadAsset: %v", err)
	}
	loader.Pin(locator)

	loader.CleanupAsset(locator)
	if !loader.Cached(locator) {
		t.Error("pinned asset evicted by cleanup")
	}
}

func TestCapacityBackstopNeverEvictsPinned(t *testing.T) {
	srv := &mediaServer{content: validMP4(8 * time.Second)}
	loader, ts := newTestLoader(t, srv, Config{MaxEntries: 2})

	pinned := directLocator(ts.URL + "/keep.mp4")
	if _, err := loader.LoadAsset(context.Background(), pinned); err != nil {
		t.Fatalf("LoadAsset pinned: %v", err)
	}
	loader.Pin(pinned)

	for i := 0; i < 4; i++ {
		locator := directLocator(fmt.Sprintf("%s/v%d.mp4", ts.URL, i))
		if _, err := loader.LoadAsset(context.Background(), locator); err != nil {
			t.Fatalf("LoadAsset %d: %v", i, err)
		}
	}

	if !loader.Cached(pinned) {
		t.Error("capacity backstop evicted the pinned asset")
	}
}

func TestLoadStagedTruncatedIsTransient(t *testing.T) {
	srv := &mediaServer{content: validMP4(8 * time.Second)}
	loader, ts := newTestLoader(t, srv, Config{})
	locator := directLocator(ts.URL + "/g.mp4")

	// Stage bytes cut inside the moov box.
	truncated := append(ftypBox(), partialBox("moov", 4096)...)
	loader.mu.Lock()
	loader.staged[locator.Key()] = &stagedBytes{data: truncated, priority: domain.PrefetchHigh, stagedAt: time.Now()}
	loader.mu.Unlock()

	_, err := loader.LoadAsset(context.Background(), locator)
	if !errors.Is(err, domain.ErrTransientDecode) {
		t.Fatalf("err = %v, want ErrTransientDecode", err)
	}

	// The transient failure consumed the staged bytes; a retry goes to the
	// network and succeeds.
	loader.CleanupAsset(locator)
	if _, err := loader.LoadAsset(context.Background(), locator); err != nil {
		t.Fatalf("reload after transient failure: %v", err)
	}
}

func TestClearCacheDropsEverything(t *testing.T) {
	srv := &mediaServer{content: validMP4(8 * time.Second)}
	loader, ts := newTestLoader(t, srv, Config{})

	a := directLocator(ts.URL + "/h1.mp4")
	b := directLocator(ts.URL + "/h2.mp4")
	if _, err := loader.LoadAsset(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if err := loader.Prefetch(context.Background(), b, domain.PrefetchLow); err != nil {
		t.Fatal(err)
	}

	loader.ClearCache()
	if loader.Cached(a) || loader.Staged(b) {
		t.Error("cache or staging area not empty after ClearCache")
	}
}
