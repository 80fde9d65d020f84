package domain

import "fmt"

// LocatorKind distinguishes media that can be streamed directly from media
// whose identifier must first be resolved against an external repository.
type LocatorKind string

const (
	LocatorDirect     LocatorKind = "direct"
	LocatorResolvable LocatorKind = "resolvable"
)

// MediaLocator identifies one playable media resource. The kind is decided
// once, when the feed entry is ingested; nothing downstream inspects URL
// strings to guess the origin.
//
// For resolvable locators URL still carries the raw fallback URL so a failed
// resolution degrades to a direct load instead of aborting.
type MediaLocator struct {
	Kind       LocatorKind `json:"kind"`
	URL        string      `json:"url"`
	Provider   string      `json:"provider,omitempty"`
	Identifier string      `json:"identifier,omitempty"`
}

func DirectLocator(url string) MediaLocator {
	return MediaLocator{Kind: LocatorDirect, URL: url}
}

func ResolvableLocator(provider, identifier, fallbackURL string) MediaLocator {
	return MediaLocator{
		Kind:       LocatorResolvable,
		URL:        fallbackURL,
		Provider:   provider,
		Identifier: identifier,
	}
}

// Key returns the stable cache key for the locator. Resolvable locators are
// keyed by provider+identifier so a successful resolution and its fallback
// share one cache slot.
func (l MediaLocator) Key() string {
	if l.Kind == LocatorResolvable {
		return fmt.Sprintf("%s:%s", l.Provider, l.Identifier)
	}
	return l.URL
}

func (l MediaLocator) IsZero() bool {
	return l.URL == "" && l.Identifier == ""
}
