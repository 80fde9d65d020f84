package ports

import (
	"context"

	"feedstream/internal/domain"
)

// AssetLoader owns the mapping from media locators to loaded assets.
//
// LoadAsset returns a cached asset immediately when present, joins an
// in-flight load for the same locator (single-flight), and otherwise starts a
// fresh load that returns as soon as playback can begin. Failed attempts are
// never cached and always leave the in-flight registry clean so a retry is
// possible.
//
// Prefetch issues a ranged partial fetch sized by priority tier; it is a
// no-op when the locator is cached, loading, or already staged. Prefetch
// failures never propagate to the playback path.
//
// CleanupAsset cancels in-flight work and drops cached and staged state for
// the locator; it is idempotent. Pin marks the locator whose asset must never
// be evicted by the capacity backstop (the currently visible item).
type AssetLoader interface {
	LoadAsset(ctx context.Context, locator domain.MediaLocator) (*domain.CachedAsset, error)
	Prefetch(ctx context.Context, locator domain.MediaLocator, priority domain.PrefetchPriority) error
	CleanupAsset(locator domain.MediaLocator)
	ClearCache()
	Pin(locator domain.MediaLocator)
}
