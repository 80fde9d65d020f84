package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"feedstream/internal/domain"
)

const maxPageBody = 4 << 20

// Client fetches feed pages from the catalog service. Each item is tagged at
// ingestion as either a direct media URL or a provider reference that needs
// resolution before playback.
type Client struct {
	baseURL  string
	http     *http.Client
	pageSize int
	logger   *slog.Logger
}

type Config struct {
	BaseURL  string
	Client   *http.Client
	PageSize int
	Logger   *slog.Logger
}

type pageResponse struct {
	Items      []pageItem `json:"items"`
	NextCursor string     `json:"nextCursor"`
}

type pageItem struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Author     string    `json:"author"`
	PostedAt   time.Time `json:"postedAt"`
	URL        string    `json:"url"`
	Provider   string    `json:"provider"`
	Identifier string    `json:"identifier"`
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("catalog base URL is required")
	}
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     httpClient,
		pageSize: pageSize,
		logger:   logger,
	}, nil
}

// FetchPage returns one page of feed entries. An empty cursor requests the
// first page; an empty NextCursor in the result means the feed is exhausted.
func (c *Client) FetchPage(ctx context.Context, cursor string) (domain.FeedPage, error) {
	params := url.Values{"limit": {fmt.Sprint(c.pageSize)}}
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	reqURL := c.baseURL + "/videos?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return domain.FeedPage{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.FeedPage{}, fmt.Errorf("catalog fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.FeedPage{}, fmt.Errorf("catalog HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBody))
	if err != nil {
		return domain.FeedPage{}, err
	}

	var page pageResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return domain.FeedPage{}, fmt.Errorf("catalog decode: %w", err)
	}

	entries := make([]domain.FeedEntry, 0, len(page.Items))
	for _, item := range page.Items {
		locator, ok := locatorFor(item)
		if !ok {
			c.logger.Warn("skipping feed item without playable source", slog.String("id", item.ID))
			continue
		}
		entries = append(entries, domain.FeedEntry{
			ID:       item.ID,
			Locator:  locator,
			Title:    item.Title,
			Author:   item.Author,
			PostedAt: item.PostedAt,
		})
	}

	return domain.FeedPage{Entries: entries, NextCursor: page.NextCursor}, nil
}

// locatorFor decides the locator variant once, when the item enters the feed.
// Items carrying a provider reference become resolvable; everything else is
// played straight from its URL.
func locatorFor(item pageItem) (domain.MediaLocator, bool) {
	provider := strings.TrimSpace(item.Provider)
	identifier := strings.TrimSpace(item.Identifier)
	directURL := strings.TrimSpace(item.URL)

	if provider != "" && identifier != "" {
		return domain.ResolvableLocator(provider, identifier, directURL), true
	}
	if directURL != "" {
		return domain.DirectLocator(directURL), true
	}
	return domain.MediaLocator{}, false
}
