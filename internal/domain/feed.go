package domain

import "time"

// FeedEntry is one slot of the vertically scrolled feed. The locator kind is
// fixed at ingestion time and the entry never moves once appended (stable
// indices back the visible-index tracking).
type FeedEntry struct {
	ID       string       `json:"id"`
	Locator  MediaLocator `json:"locator"`
	Title    string       `json:"title,omitempty"`
	Author   string       `json:"author,omitempty"`
	PostedAt time.Time    `json:"postedAt,omitempty"`
}

// FeedPage is one catalog page plus the continuation cursor for the next one.
// An empty NextCursor means the sequence is exhausted.
type FeedPage struct {
	Entries    []FeedEntry `json:"entries"`
	NextCursor string      `json:"nextCursor,omitempty"`
}
