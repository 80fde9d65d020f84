package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"feedstream/internal/domain"
	"feedstream/internal/domain/ports"
)

const (
	defaultRetentionBuffer = 2
	defaultStaggerDelay    = 300 * time.Millisecond
	paginationLead         = 2
)

// SessionController is what the window manager drives per feed slot. The
// playback manager implements it.
type SessionController interface {
	EnsureVisible(index int, locator domain.MediaLocator)
	Hide(index int)
	Teardown(index int)
	TeardownOutside(lo, hi int)
}

// WindowManager is the pure policy layer over feed indices: given the
// currently visible index it decides what to prefetch ahead, what to evict
// outside the retention window, and when to page the feed forward. It holds
// no network or decoding logic of its own.
type WindowManager struct {
	Loader   ports.AssetLoader
	Sessions SessionController
	Feed     *FeedSequence
	Logger   *slog.Logger
	// Buffer is the retention half-width B: indices inside
	// [current-B, current+B] are kept, everything else is evicted.
	Buffer int
	// StaggerDelay separates the high-tier prefetch from the second tier so
	// the second fetch does not compete with the just-started playback.
	StaggerDelay time.Duration
	// Sleep is swapped in tests; defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration)

	mu      sync.Mutex
	current int
	started bool
}

func (w *WindowManager) buffer() int {
	if w.Buffer <= 0 {
		return defaultRetentionBuffer
	}
	return w.Buffer
}

func (w *WindowManager) stagger() time.Duration {
	if w.StaggerDelay <= 0 {
		return defaultStaggerDelay
	}
	return w.StaggerDelay
}

func (w *WindowManager) sleep(ctx context.Context, d time.Duration) {
	if w.Sleep != nil {
		w.Sleep(ctx, d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (w *WindowManager) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

// CurrentIndex returns the last index reported visible, or -1 before the
// first report.
func (w *WindowManager) CurrentIndex() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return -1
	}
	return w.current
}

// SetVisibleIndex is the single entry point for scroll-position changes:
// play index k, prefetch ahead, evict outside the retention window, and page
// the feed forward when k nears the tail.
func (w *WindowManager) SetVisibleIndex(ctx context.Context, k int) error {
	entry, ok := w.Feed.Entry(k)
	if !ok {
		return domain.ErrNotFound
	}

	w.mu.Lock()
	prev := w.current
	w.current = k
	first := !w.started
	w.started = true
	w.mu.Unlock()

	// Pin before any eviction can run so the visible item is never a
	// backstop victim.
	w.Loader.Pin(entry.Locator)

	w.Sessions.EnsureVisible(k, entry.Locator)
	if !first && prev != k {
		w.Sessions.Hide(prev)
	}

	w.evict(k)

	// Prefetch and pagination outlive the triggering request.
	bg := context.WithoutCancel(ctx)
	go w.prefetchAhead(bg, k)
	w.maybePaginate(bg, k)
	return nil
}

// evict tears down sessions and cleans cached assets for every known index
// outside [k-B, k+B]. The visible index itself is never evicted.
func (w *WindowManager) evict(k int) {
	b := w.buffer()
	lo, hi := k-b, k+b
	w.Sessions.TeardownOutside(lo, hi)

	for idx := 0; idx < w.Feed.Len(); idx++ {
		if idx >= lo && idx <= hi {
			continue
		}
		if entry, ok := w.Feed.Entry(idx); ok {
			w.Loader.CleanupAsset(entry.Locator)
		}
	}
}

// prefetchAhead stages k+1 at high priority immediately and k+2 at medium
// priority after the stagger delay. Indices outside the retention window at
// issue time are skipped; completions arriving for indices that have since
// scrolled away are harmless and evicted on the next index change.
func (w *WindowManager) prefetchAhead(ctx context.Context, k int) {
	w.prefetchOne(ctx, k, k+1, domain.PrefetchHigh)

	w.sleep(ctx, w.stagger())
	if ctx.Err() != nil {
		return
	}
	w.prefetchOne(ctx, k, k+2, domain.PrefetchMedium)
}

func (w *WindowManager) prefetchOne(ctx context.Context, origin, idx int, priority domain.PrefetchPriority) {
	// Re-check against the *current* index, not the one that scheduled us:
	// the user may have scrolled on during the stagger delay.
	current := w.CurrentIndex()
	b := w.buffer()
	if idx < current-b || idx > current+b {
		return
	}
	entry, ok := w.Feed.Entry(idx)
	if !ok {
		return
	}
	if err := w.Loader.Prefetch(ctx, entry.Locator, priority); err != nil {
		// Prefetch is an optimization; failures never block playback.
		w.logger().Debug("prefetch failed",
			slog.Int("index", idx),
			slog.Int("origin", origin),
			slog.String("priority", priority.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (w *WindowManager) maybePaginate(ctx context.Context, k int) {
	if w.Feed.Exhausted() {
		return
	}
	if k < w.Feed.Len()-paginationLead {
		return
	}
	go func() {
		if err := w.Feed.LoadMore(ctx); err != nil {
			w.logger().Warn("feed pagination failed", slog.String("error", err.Error()))
		}
	}()
}
