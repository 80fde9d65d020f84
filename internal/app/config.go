package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr      string
	MongoURI      string
	MongoDatabase string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CatalogBaseURL  string
	CatalogPageSize int
	ArchiveBaseURL  string
	ResolveCacheTTL time.Duration

	LogLevel       string
	LogFormat      string
	AllowedOrigins []string

	RetentionBuffer  int
	StaggerDelay     time.Duration
	TeardownDebounce time.Duration

	ProbeBytes              int64
	HighPrefetchBytes       int64
	MediumPrefetchBytes     int64
	LowPrefetchBytes        int64
	CacheMaxEntries         int
	CacheMaxBytes           int64
	MaxConcurrentPrefetch   int64
	PrefetchRateBytesPerSec int64

	BroadcastInterval time.Duration
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGO_DB", "feedstream"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       int(getEnvInt64("REDIS_DB", 0)),

		CatalogBaseURL:  getEnv("CATALOG_BASE_URL", ""),
		CatalogPageSize: int(getEnvInt64("CATALOG_PAGE_SIZE", 20)),
		ArchiveBaseURL:  getEnv("ARCHIVE_BASE_URL", "https://archive.org"),
		ResolveCacheTTL: getEnvDuration("RESOLVE_CACHE_TTL", 24*time.Hour),

		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(getEnv("LOG_FORMAT", "text")),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS"),

		RetentionBuffer:  int(getEnvInt64("RETENTION_BUFFER", 2)),
		StaggerDelay:     getEnvDuration("PREFETCH_STAGGER_DELAY", 300*time.Millisecond),
		TeardownDebounce: getEnvDuration("TEARDOWN_DEBOUNCE", 2*time.Second),

		ProbeBytes:              getEnvInt64("PROBE_BYTES", 2<<20),
		HighPrefetchBytes:       getEnvInt64("PREFETCH_HIGH_BYTES", 4<<20),
		MediumPrefetchBytes:     getEnvInt64("PREFETCH_MEDIUM_BYTES", 2<<20),
		LowPrefetchBytes:        getEnvInt64("PREFETCH_LOW_BYTES", 1<<20),
		CacheMaxEntries:         int(getEnvInt64("CACHE_MAX_ENTRIES", 8)),
		CacheMaxBytes:           getEnvInt64("CACHE_MAX_BYTES", 64<<20),
		MaxConcurrentPrefetch:   getEnvInt64("MAX_CONCURRENT_PREFETCH", 3),
		PrefetchRateBytesPerSec: getEnvInt64("PREFETCH_RATE_BYTES_PER_SEC", 0),

		BroadcastInterval: getEnvDuration("STATE_BROADCAST_INTERVAL", 500*time.Millisecond),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvList(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
