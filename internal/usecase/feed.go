package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"feedstream/internal/domain"
	"feedstream/internal/domain/ports"
	"feedstream/internal/metrics"
)

// FeedSequence is the ordered, paginated sequence of feed entries known to
// the client. Pages are appended, never reordered: indices stay stable for
// as long as the sequence lives.
type FeedSequence struct {
	catalog ports.Catalog
	logger  *slog.Logger

	mu        sync.Mutex
	entries   []domain.FeedEntry
	cursor    string
	exhausted bool
	fetching  bool
}

func NewFeedSequence(catalog ports.Catalog, logger *slog.Logger) *FeedSequence {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedSequence{catalog: catalog, logger: logger}
}

func (f *FeedSequence) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *FeedSequence) Entry(index int) (domain.FeedEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index < 0 || index >= len(f.entries) {
		return domain.FeedEntry{}, false
	}
	return f.entries[index], true
}

// Entries returns a copy of the known sequence.
func (f *FeedSequence) Entries() []domain.FeedEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.FeedEntry, len(f.entries))
	copy(out, f.entries)
	return out
}

func (f *FeedSequence) Exhausted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exhausted
}

// LoadMore fetches and appends the next catalog page. Guarded so only one
// page request is outstanding at a time: concurrent or rapid repeated calls
// while a fetch is in flight return immediately.
func (f *FeedSequence) LoadMore(ctx context.Context) error {
	f.mu.Lock()
	if f.fetching || f.exhausted {
		f.mu.Unlock()
		return nil
	}
	f.fetching = true
	cursor := f.cursor
	f.mu.Unlock()

	page, err := f.catalog.FetchPage(ctx, cursor)

	f.mu.Lock()
	f.fetching = false
	if err != nil {
		f.mu.Unlock()
		return fmt.Errorf("fetch page: %w", err)
	}
	f.entries = append(f.entries, page.Entries...)
	f.cursor = page.NextCursor
	if page.NextCursor == "" {
		f.exhausted = true
	}
	total := len(f.entries)
	f.mu.Unlock()

	metrics.FeedPagesTotal.Inc()
	metrics.FeedLength.Set(float64(total))
	f.logger.Debug("feed page appended",
		slog.Int("added", len(page.Entries)),
		slog.Int("total", total),
		slog.Bool("exhausted", page.NextCursor == ""),
	)
	return nil
}
