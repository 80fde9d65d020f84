package asset

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"feedstream/internal/domain"
	"feedstream/internal/domain/ports"
	"feedstream/internal/metrics"
)

const (
	defaultProbeBytes          int64 = 2 << 20
	defaultHighPrefetchBytes   int64 = 4 << 20
	defaultMediumPrefetchBytes int64 = 2 << 20
	defaultLowPrefetchBytes    int64 = 1 << 20
	defaultMaxEntries                = 8
	defaultMaxTotalBytes       int64 = 64 << 20
	defaultPrefetchWorkers     int64 = 3

	copyChunkSize = 64 << 10
)

type Config struct {
	ProbeBytes          int64
	HighPrefetchBytes   int64
	MediumPrefetchBytes int64
	LowPrefetchBytes    int64
	// Capacity backstop against leaks from missed cleanup calls. The
	// explicit index-window eviction is expected to fire first.
	MaxEntries    int
	MaxTotalBytes int64
	// MaxConcurrentPrefetch bounds parallel staged fetches.
	MaxConcurrentPrefetch int64
	// PrefetchRateBytesPerSec paces prefetch reads so they do not starve the
	// active playback load. 0 disables pacing.
	PrefetchRateBytesPerSec int64
}

func (c Config) withDefaults() Config {
	if c.ProbeBytes <= 0 {
		c.ProbeBytes = defaultProbeBytes
	}
	if c.HighPrefetchBytes <= 0 {
		c.HighPrefetchBytes = defaultHighPrefetchBytes
	}
	if c.MediumPrefetchBytes <= 0 {
		c.MediumPrefetchBytes = defaultMediumPrefetchBytes
	}
	if c.LowPrefetchBytes <= 0 {
		c.LowPrefetchBytes = defaultLowPrefetchBytes
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = defaultMaxEntries
	}
	if c.MaxTotalBytes <= 0 {
		c.MaxTotalBytes = defaultMaxTotalBytes
	}
	if c.MaxConcurrentPrefetch <= 0 {
		c.MaxConcurrentPrefetch = defaultPrefetchWorkers
	}
	return c
}

type cacheEntry struct {
	key        string
	asset      *domain.CachedAsset
	lastAccess time.Time
	heapIdx    int // maintained by heap.Interface for Fix/Remove
}

type accessMinHeap []*cacheEntry

func (h accessMinHeap) Len() int           { return len(h) }
func (h accessMinHeap) Less(i, j int) bool { return h[i].lastAccess.Before(h[j].lastAccess) }
func (h accessMinHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *accessMinHeap) Push(x any) {
	e := x.(*cacheEntry)
	e.heapIdx = len(*h)
	*h = append(*h, e)
}
func (h *accessMinHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIdx = -1
	*h = old[:n-1]
	return e
}

type stagedBytes struct {
	data     []byte
	priority domain.PrefetchPriority
	stagedAt time.Time
}

type loadHandle struct {
	cancel context.CancelFunc
}

// Loader is the asset cache and loader: deduplicated cancellable loads,
// priority-tiered staged prefetch, and a capacity-bounded cache with an
// oldest-access backstop eviction.
type Loader struct {
	client   *http.Client
	resolver ports.Resolver
	logger   *slog.Logger
	cfg      Config

	group       singleflight.Group
	prefetchSem *semaphore.Weighted
	limiter     *rate.Limiter

	mu         sync.Mutex
	assets     map[string]*cacheEntry
	evictHeap  accessMinHeap
	staged     map[string]*stagedBytes
	staging    map[string]struct{}
	inflight   map[string]*loadHandle
	pinnedKey  string
	totalBytes int64

	now func() time.Time
}

func NewLoader(client *http.Client, resolver ports.Resolver, logger *slog.Logger, cfg Config) *Loader {
	cfg = cfg.withDefaults()
	if client == nil {
		client = http.DefaultClient
	}
	var limiter *rate.Limiter
	if cfg.PrefetchRateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.PrefetchRateBytesPerSec), copyChunkSize)
	}
	return &Loader{
		client:      client,
		resolver:    resolver,
		logger:      logger,
		cfg:         cfg,
		prefetchSem: semaphore.NewWeighted(cfg.MaxConcurrentPrefetch),
		limiter:     limiter,
		assets:      make(map[string]*cacheEntry),
		staged:      make(map[string]*stagedBytes),
		staging:     make(map[string]struct{}),
		inflight:    make(map[string]*loadHandle),
		now:         time.Now,
	}
}

var _ ports.AssetLoader = (*Loader)(nil)

// LoadAsset returns the cached asset when present, joins an in-flight load
// for the same locator, or starts a fresh one. The load itself runs on a
// detached context so one caller aborting does not cancel the result the
// other joiners are waiting on; CleanupAsset is what cancels the load.
func (l *Loader) LoadAsset(ctx context.Context, locator domain.MediaLocator) (*domain.CachedAsset, error) {
	key := locator.Key()

	l.mu.Lock()
	if e, ok := l.assets[key]; ok {
		l.touchLocked(e)
		l.mu.Unlock()
		metrics.AssetCacheHits.Inc()
		return e.asset, nil
	}
	l.mu.Unlock()
	metrics.AssetCacheMisses.Inc()

	ch := l.group.DoChan(key, func() (any, error) {
		return l.load(locator)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.CachedAsset), nil
	}
}

func (l *Loader) load(locator domain.MediaLocator) (*domain.CachedAsset, error) {
	key := locator.Key()

	loadCtx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	if e, ok := l.assets[key]; ok {
		// Another load finished between the caller's cache check and here.
		l.touchLocked(e)
		l.mu.Unlock()
		cancel()
		return e.asset, nil
	}
	handle := &loadHandle{cancel: cancel}
	l.inflight[key] = handle
	l.mu.Unlock()

	// Clear the in-flight registry on every exit path. Guarded by identity
	// so a stale load never removes a newer load's entry.
	defer func() {
		cancel()
		l.mu.Lock()
		if l.inflight[key] == handle {
			delete(l.inflight, key)
		}
		l.mu.Unlock()
	}()

	sourceURL := l.resolveURL(loadCtx, locator)

	var prefix []byte
	fromStaged := false
	l.mu.Lock()
	if st, ok := l.staged[key]; ok && len(st.data) > 0 {
		prefix = st.data
		fromStaged = true
		delete(l.staged, key)
	}
	l.mu.Unlock()

	if prefix == nil {
		fetched, err := l.fetchHead(loadCtx, sourceURL, l.cfg.ProbeBytes, nil)
		if err != nil {
			metrics.LoadFailuresTotal.Inc()
			return nil, fmt.Errorf("%w: %w", domain.ErrLoad, err)
		}
		prefix = fetched
	}

	info, err := ProbeMP4(prefix)
	if err != nil {
		metrics.LoadFailuresTotal.Inc()
		if fromStaged && (errors.Is(err, ErrTruncatedBox) || errors.Is(err, ErrNoMovieHeader)) {
			// Staged bytes too short to establish metadata: the partially
			// downloaded class. The session invalidates and reloads once.
			return nil, fmt.Errorf("%w: %w", domain.ErrTransientDecode, err)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrLoad, err)
	}

	asset := &domain.CachedAsset{
		Locator:    locator,
		SourceURL:  sourceURL,
		Duration:   info.Duration,
		Tracks:     info.Tracks,
		Prefix:     prefix,
		Truncated:  info.Truncated,
		FromStaged: fromStaged,
		LoadedAt:   l.now(),
	}

	l.mu.Lock()
	l.insertLocked(key, asset)
	l.mu.Unlock()

	l.logger.Debug("asset loaded",
		slog.String("key", key),
		slog.Bool("fromStaged", fromStaged),
		slog.Int("prefixBytes", len(prefix)),
		slog.Float64("durationSec", info.Duration.Seconds()),
	)
	return asset, nil
}

// Prefetch stages the head of the resource for a later LoadAsset. No-op when
// the locator is already cached, loading, staged, or being staged.
func (l *Loader) Prefetch(ctx context.Context, locator domain.MediaLocator, priority domain.PrefetchPriority) error {
	key := locator.Key()

	l.mu.Lock()
	_, cached := l.assets[key]
	_, loading := l.inflight[key]
	_, hasStaged := l.staged[key]
	_, isStaging := l.staging[key]
	if cached || loading || hasStaged || isStaging {
		l.mu.Unlock()
		return nil
	}
	l.staging[key] = struct{}{}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.staging, key)
		l.mu.Unlock()
	}()

	if err := l.prefetchSem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPrefetch, err)
	}
	defer l.prefetchSem.Release(1)

	size := l.prefetchBytes(priority)
	sourceURL := l.resolveURL(ctx, locator)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPrefetch, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", size-1))

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPrefetch, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		data, err := l.readPaced(ctx, resp.Body, size)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrPrefetch, err)
		}
		l.mu.Lock()
		l.staged[key] = &stagedBytes{data: data, priority: priority, stagedAt: l.now()}
		l.mu.Unlock()
		metrics.PrefetchBytesTotal.WithLabelValues(priority.String()).Add(float64(len(data)))
		l.logger.Debug("prefetch staged",
			slog.String("key", key),
			slog.String("priority", priority.String()),
			slog.Int("bytes", len(data)),
		)
		return nil
	case http.StatusOK:
		// Origin ignored the range request. Fall back to a full load so the
		// prefetch never silently does nothing.
		resp.Body.Close()
		metrics.PrefetchFallbacksTotal.Inc()
		l.logger.Debug("prefetch falling back to full load", slog.String("key", key))
		if _, err := l.LoadAsset(ctx, locator); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrPrefetch, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unexpected status %d", domain.ErrPrefetch, resp.StatusCode)
	}
}

// CleanupAsset cancels in-flight work for the locator and drops its cached
// and staged state. Idempotent. The pinned (currently visible) locator's
// cached asset is left alone.
func (l *Loader) CleanupAsset(locator domain.MediaLocator) {
	key := locator.Key()

	l.mu.Lock()
	if h, ok := l.inflight[key]; ok {
		h.cancel()
		delete(l.inflight, key)
	}
	delete(l.staged, key)
	if e, ok := l.assets[key]; ok && key != l.pinnedKey {
		l.removeLocked(e)
		metrics.AssetEvictionsTotal.WithLabelValues("window").Inc()
	}
	l.mu.Unlock()

	// Forget so the next LoadAsset starts fresh instead of joining a load
	// that was just cancelled.
	l.group.Forget(key)
}

// ClearCache evicts everything. Used on memory-pressure or logout events.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	for key, h := range l.inflight {
		h.cancel()
		l.group.Forget(key)
		delete(l.inflight, key)
	}
	n := len(l.assets)
	l.assets = make(map[string]*cacheEntry)
	l.staged = make(map[string]*stagedBytes)
	l.evictHeap = nil
	l.totalBytes = 0
	l.mu.Unlock()

	metrics.AssetCacheSizeBytes.Set(0)
	for i := 0; i < n; i++ {
		metrics.AssetEvictionsTotal.WithLabelValues("clear").Inc()
	}
	l.logger.Info("asset cache cleared", slog.Int("evicted", n))
}

// Pin marks the locator whose cached asset the capacity backstop must never
// evict. Replaces any previous pin.
func (l *Loader) Pin(locator domain.MediaLocator) {
	l.mu.Lock()
	l.pinnedKey = locator.Key()
	l.mu.Unlock()
}

// Cached reports whether an asset for the locator is currently cached.
func (l *Loader) Cached(locator domain.MediaLocator) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.assets[locator.Key()]
	return ok
}

// Staged reports whether prefetched bytes for the locator are staged.
func (l *Loader) Staged(locator domain.MediaLocator) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.staged[locator.Key()]
	return ok
}

func (l *Loader) resolveURL(ctx context.Context, locator domain.MediaLocator) string {
	if locator.Kind != domain.LocatorResolvable || l.resolver == nil {
		return locator.URL
	}
	resolved, err := l.resolver.Resolve(ctx, locator.Provider, locator.Identifier)
	if err != nil {
		// Resolution failure is non-fatal: degrade to the raw URL.
		metrics.ResolutionFallbacksTotal.Inc()
		l.logger.Warn("locator resolution failed, using fallback URL",
			slog.String("provider", locator.Provider),
			slog.String("identifier", locator.Identifier),
			slog.String("error", err.Error()),
		)
		return locator.URL
	}
	return resolved
}

func (l *Loader) prefetchBytes(priority domain.PrefetchPriority) int64 {
	switch priority {
	case domain.PrefetchHigh:
		return l.cfg.HighPrefetchBytes
	case domain.PrefetchMedium:
		return l.cfg.MediumPrefetchBytes
	default:
		return l.cfg.LowPrefetchBytes
	}
}

// fetchHead requests the first n bytes of the resource. A 200 from an origin
// without range support is accepted and read up to n bytes.
func (l *Loader) fetchHead(ctx context.Context, url string, n int64, limiter *rate.Limiter) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", n-1))

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent, http.StatusOK:
		return readLimited(ctx, resp.Body, n, limiter)
	default:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

func (l *Loader) readPaced(ctx context.Context, r io.Reader, n int64) ([]byte, error) {
	return readLimited(ctx, r, n, l.limiter)
}

func readLimited(ctx context.Context, r io.Reader, n int64, limiter *rate.Limiter) ([]byte, error) {
	buf := make([]byte, 0, n)
	chunk := make([]byte, copyChunkSize)
	remaining := n
	for remaining > 0 {
		want := int64(len(chunk))
		if want > remaining {
			want = remaining
		}
		read, err := r.Read(chunk[:want])
		if read > 0 {
			if limiter != nil {
				if werr := limiter.WaitN(ctx, read); werr != nil {
					return nil, werr
				}
			}
			buf = append(buf, chunk[:read]...)
			remaining -= int64(read)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
	}
	if len(buf) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	return buf, nil
}

// --- cache bookkeeping (callers hold l.mu) ---------------------------------

func (l *Loader) touchLocked(e *cacheEntry) {
	e.lastAccess = l.now()
	if e.heapIdx >= 0 {
		heap.Fix(&l.evictHeap, e.heapIdx)
	}
}

func (l *Loader) insertLocked(key string, a *domain.CachedAsset) {
	if old, ok := l.assets[key]; ok {
		l.removeLocked(old)
	}
	e := &cacheEntry{key: key, asset: a, lastAccess: l.now()}
	l.assets[key] = e
	heap.Push(&l.evictHeap, e)
	l.totalBytes += a.SizeBytes()
	metrics.AssetCacheSizeBytes.Set(float64(l.totalBytes))
	l.enforceCapacityLocked()
}

func (l *Loader) removeLocked(e *cacheEntry) {
	delete(l.assets, e.key)
	if e.heapIdx >= 0 {
		heap.Remove(&l.evictHeap, e.heapIdx)
	}
	l.totalBytes -= e.asset.SizeBytes()
	if l.totalBytes < 0 {
		l.totalBytes = 0
	}
	metrics.AssetCacheSizeBytes.Set(float64(l.totalBytes))
}

func (l *Loader) enforceCapacityLocked() {
	for l.overCapacityLocked() {
		victim := l.oldestUnpinnedLocked()
		if victim == nil {
			return
		}
		l.removeLocked(victim)
		metrics.AssetEvictionsTotal.WithLabelValues("capacity").Inc()
		l.logger.Debug("capacity backstop evicted asset", slog.String("key", victim.key))
	}
}

func (l *Loader) overCapacityLocked() bool {
	if len(l.assets) > l.cfg.MaxEntries {
		return true
	}
	return l.totalBytes > l.cfg.MaxTotalBytes && len(l.assets) > 1
}

func (l *Loader) oldestUnpinnedLocked() *cacheEntry {
	if l.evictHeap.Len() == 0 {
		return nil
	}
	top := l.evictHeap[0]
	if top.key != l.pinnedKey {
		return top
	}
	if l.evictHeap.Len() == 1 {
		return nil
	}
	// Pinned entry is the oldest: take the older of its children instead.
	best := -1
	for _, idx := range []int{1, 2} {
		if idx >= l.evictHeap.Len() {
			continue
		}
		if best == -1 || l.evictHeap[idx].lastAccess.Before(l.evictHeap[best].lastAccess) {
			best = idx
		}
	}
	if best == -1 {
		return nil
	}
	return l.evictHeap[best]
}
