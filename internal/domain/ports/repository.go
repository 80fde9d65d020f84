package ports

import (
	"context"

	"feedstream/internal/domain"
)

type WatchHistoryRepository interface {
	Upsert(ctx context.Context, wp domain.WatchPosition) error
	Get(ctx context.Context, locatorKey string) (domain.WatchPosition, error)
	ListRecent(ctx context.Context, limit int) ([]domain.WatchPosition, error)
}

type PlayerSettingsRepository interface {
	GetMuted(ctx context.Context) (bool, bool, error)
	SetMuted(ctx context.Context, muted bool) error
	GetLastVisibleIndex(ctx context.Context) (int, bool, error)
	SetLastVisibleIndex(ctx context.Context, index int) error
}
