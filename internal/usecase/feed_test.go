package usecase

import (
	"context"
	"errors"
	"testing"

	"feedstream/internal/domain"
)

func TestLoadMoreAppendsWithStableIndices(t *testing.T) {
	catalog := &stubCatalog{pages: []domain.FeedPage{
		{Entries: feedEntries(3, 0), NextCursor: "p2"},
		{Entries: feedEntries(2, 3)},
	}}
	feed := NewFeedSequence(catalog, nil)

	if err := feed.LoadMore(context.Background()); err != nil {
		t.Fatal(err)
	}
	first, ok := feed.Entry(0)
	if !ok {
		t.Fatal("entry 0 missing after first page")
	}

	if err := feed.LoadMore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if feed.Len() != 5 {
		t.Fatalf("Len = %d, want 5", feed.Len())
	}
	again, _ := feed.Entry(0)
	if again.ID != first.ID {
		t.Errorf("entry 0 changed across pagination: %q -> %q", first.ID, again.ID)
	}
	if e, _ := feed.Entry(3); e.ID != "v3" {
		t.Errorf("entry 3 = %q, want v3", e.ID)
	}
	if !feed.Exhausted() {
		t.Error("empty next cursor should mark the sequence exhausted")
	}
}

func TestLoadMoreNoopAfterExhausted(t *testing.T) {
	catalog := &stubCatalog{pages: []domain.FeedPage{{Entries: feedEntries(2, 0)}}}
	feed := NewFeedSequence(catalog, nil)

	if err := feed.LoadMore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := feed.LoadMore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := catalog.fetchCount(); got != 1 {
		t.Errorf("fetches = %d, want 1 after exhaustion", got)
	}
}

func TestLoadMoreSingleOutstandingFetch(t *testing.T) {
	gate := make(chan struct{})
	catalog := &stubCatalog{
		pages: []domain.FeedPage{{Entries: feedEntries(4, 0)}},
		gate:  gate,
	}
	feed := NewFeedSequence(catalog, nil)

	done := make(chan error, 1)
	go func() { done <- feed.LoadMore(context.Background()) }()
	waitFor(t, "fetch in flight", func() bool { return catalog.fetchCount() == 1 })

	// Second call must return immediately, without a second fetch.
	if err := feed.LoadMore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := catalog.fetchCount(); got != 1 {
		t.Fatalf("fetches = %d, want 1 while a request is outstanding", got)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if feed.Len() != 4 {
		t.Errorf("Len = %d, want 4", feed.Len())
	}
}

func TestLoadMoreErrorLeavesSequenceRetryable(t *testing.T) {
	boom := errors.New("catalog down")
	catalog := &flakyCatalog{
		err:  boom,
		page: domain.FeedPage{Entries: feedEntries(2, 0)},
	}
	feed := NewFeedSequence(catalog, nil)

	if err := feed.LoadMore(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
	if feed.Len() != 0 {
		t.Fatalf("Len = %d after failed fetch, want 0", feed.Len())
	}
	if feed.Exhausted() {
		t.Fatal("failed fetch must not mark the sequence exhausted")
	}

	if err := feed.LoadMore(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if feed.Len() != 2 {
		t.Errorf("Len = %d after retry, want 2", feed.Len())
	}
}

func TestEntriesReturnsCopy(t *testing.T) {
	catalog := &stubCatalog{pages: []domain.FeedPage{{Entries: feedEntries(2, 0)}}}
	feed := NewFeedSequence(catalog, nil)
	if err := feed.LoadMore(context.Background()); err != nil {
		t.Fatal(err)
	}

	snapshot := feed.Entries()
	snapshot[0].ID = "mutated"
	if e, _ := feed.Entry(0); e.ID == "mutated" {
		t.Error("Entries must return a copy, not the backing slice")
	}

	if _, ok := feed.Entry(-1); ok {
		t.Error("negative index should not resolve")
	}
	if _, ok := feed.Entry(2); ok {
		t.Error("out-of-range index should not resolve")
	}
}

// flakyCatalog fails the first fetch and serves the page on the second.
type flakyCatalog struct {
	err  error
	page domain.FeedPage
	used bool
}

func (c *flakyCatalog) FetchPage(ctx context.Context, cursor string) (domain.FeedPage, error) {
	if !c.used {
		c.used = true
		return domain.FeedPage{}, c.err
	}
	return c.page, nil
}
