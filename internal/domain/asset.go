package domain

import "time"

// TrackKind is the media handler type of a single track.
type TrackKind string

const (
	TrackVideo TrackKind = "video"
	TrackAudio TrackKind = "audio"
	TrackOther TrackKind = "other"
)

type TrackInfo struct {
	Kind  TrackKind `json:"kind"`
	Codec string    `json:"codec,omitempty"`
}

// CachedAsset is a loaded, playback-ready media handle. It holds only the
// minimal metadata needed to start playback (duration and track list) plus
// the buffered head of the file, never the whole resource.
//
// Owned exclusively by the asset cache; sessions receive it for playback but
// must not retain it past teardown.
type CachedAsset struct {
	Locator   MediaLocator
	SourceURL string // resolved URL the bytes actually came from
	Duration  time.Duration
	Tracks    []TrackInfo
	// Prefix is the buffered head of the resource (container metadata plus
	// the first media samples). Its length is what the cache accounts
	// against the byte ceiling.
	Prefix []byte
	// Truncated marks a prefix that ends mid-box; playback from it is
	// possible but sample reads past the buffered range behave like a
	// partially downloaded local file.
	Truncated bool
	// FromStaged records that the load was satisfied from staged prefetch
	// bytes instead of the network.
	FromStaged bool
	LoadedAt   time.Time
}

func (a *CachedAsset) HasVideo() bool {
	for _, t := range a.Tracks {
		if t.Kind == TrackVideo {
			return true
		}
	}
	return false
}

func (a *CachedAsset) SizeBytes() int64 {
	if a == nil {
		return 0
	}
	return int64(len(a.Prefix))
}
