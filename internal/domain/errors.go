package domain

import "errors"

var ErrNotFound = errors.New("not found")

// Failure classes for the load/play path. Resolution and prefetch failures
// are never user-visible; load failures are retryable by calling LoadAsset
// again; transient decode failures get exactly one automatic recovery
// attempt; everything else surfaces as fatal.
var (
	ErrResolution      = errors.New("locator resolution failed")
	ErrLoad            = errors.New("asset load failed")
	ErrTransientDecode = errors.New("transient decode error")
	ErrFatalPlayback   = errors.New("playback failed")
	ErrPrefetch        = errors.New("prefetch failed")
)

// IsTransientDecode reports whether err belongs to the sample-reading error
// class that is recovered by invalidating the cache entry and reloading once.
func IsTransientDecode(err error) bool {
	return errors.Is(err, ErrTransientDecode)
}
