package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"feedstream/internal/domain"
)

const (
	defaultBaseURL  = "https://archive.org"
	redisCacheKey   = "feedstream:resolve:"
	maxMetadataBody = 2 << 20
)

// Resolver turns a (provider, identifier) pair into a directly playable
// media URL by querying the provider's metadata endpoint. Resolved URLs
// are cached in Redis when a client is configured.
type Resolver struct {
	baseURL  string
	http     *http.Client
	redis    *redis.Client
	cacheTTL time.Duration
	retry    RetryConfig
	logger   *slog.Logger
}

type Config struct {
	BaseURL  string
	Client   *http.Client
	Redis    *redis.Client
	CacheTTL time.Duration
	Retry    RetryConfig
	Logger   *slog.Logger
}

type metadataResponse struct {
	Server string         `json:"server"`
	Dir    string         `json:"dir"`
	Files  []metadataFile `json:"files"`
}

type metadataFile struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	Size   string `json:"size"`
}

func NewResolver(cfg Config) *Resolver {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     httpClient,
		redis:    cfg.Redis,
		cacheTTL: cacheTTL,
		retry:    retry,
		logger:   logger,
	}
}

// Resolve returns a playable URL for the given provider item. The result is
// stable for the cache TTL; callers fall back to the locator's embedded URL
// when resolution fails.
func (r *Resolver) Resolve(ctx context.Context, provider, identifier string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "", fmt.Errorf("%w: empty identifier", domain.ErrResolution)
	}

	cacheKey := redisCacheKey + provider + ":" + identifier
	if r.redis != nil {
		if cached, err := r.redis.Get(ctx, cacheKey).Result(); err == nil && cached != "" {
			return cached, nil
		}
	}

	var meta metadataResponse
	err := RetryWithBackoff(ctx, r.retry, func() error {
		return r.fetchMetadata(ctx, identifier, &meta)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrResolution, err)
	}

	resolved, err := bestPlayableURL(meta)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", domain.ErrResolution, identifier, err)
	}

	if r.redis != nil {
		if err := r.redis.Set(ctx, cacheKey, resolved, r.cacheTTL).Err(); err != nil {
			r.logger.Warn("resolution cache write failed",
				slog.String("identifier", identifier),
				slog.String("error", err.Error()))
		}
	}
	return resolved, nil
}

func (r *Resolver) fetchMetadata(ctx context.Context, identifier string, out *metadataResponse) error {
	reqURL := r.baseURL + "/metadata/" + url.PathEscape(identifier)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("metadata HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBody))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// bestPlayableURL picks the largest progressive MP4 from the item's file
// listing and builds a direct download URL on the item's server.
func bestPlayableURL(meta metadataResponse) (string, error) {
	if meta.Server == "" || meta.Dir == "" {
		return "", fmt.Errorf("metadata missing server or dir")
	}

	var bestName string
	var bestSize int64 = -1
	for _, f := range meta.Files {
		if !isPlayable(f) {
			continue
		}
		size, _ := strconv.ParseInt(f.Size, 10, 64)
		if size > bestSize {
			bestSize = size
			bestName = f.Name
		}
	}
	if bestName == "" {
		return "", fmt.Errorf("no playable file in listing")
	}

	return "https://" + meta.Server + meta.Dir + "/" + url.PathEscape(bestName), nil
}

func isPlayable(f metadataFile) bool {
	format := strings.ToLower(f.Format)
	if strings.Contains(format, "mpeg4") || strings.Contains(format, "h.264") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(f.Name), ".mp4")
}
