package ports

import (
	"context"

	"feedstream/internal/domain"
)

// Catalog supplies ordered pages of feed entries. An empty cursor requests
// the first page.
type Catalog interface {
	FetchPage(ctx context.Context, cursor string) (domain.FeedPage, error)
}

// Resolver translates a provider identifier into a directly streamable URL.
// Resolution is allowed to fail; callers fall back to the locator's raw URL.
type Resolver interface {
	Resolve(ctx context.Context, provider, identifier string) (string, error)
}
