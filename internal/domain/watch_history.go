package domain

import "time"

// WatchPosition is a persisted playback position for one media item.
type WatchPosition struct {
	LocatorKey string    `json:"locatorKey"`
	Title      string    `json:"title,omitempty"`
	Position   float64   `json:"position"` // seconds
	Duration   float64   `json:"duration"` // seconds
	UpdatedAt  time.Time `json:"updatedAt"`
}
