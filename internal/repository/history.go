package repository

import (
	"context"
	"errors"
	"time"

	"soulqueue/internal/domain"
)

var ErrNotFound = errors.New("record not found")

// HistoryRepository persists the outcome journal of download items.
type HistoryRepository interface {
	Init(ctx context.Context) error
	// Upsert inserts or replaces the row for entry.ItemID.
	Upsert(ctx context.Context, entry *domain.HistoryEntry) error
	SetFinalPath(ctx context.Context, itemID, finalPath string, organizedAt time.Time) error
	Get(ctx context.Context, itemID string) (*domain.HistoryEntry, error)
	List(ctx context.Context, filter domain.HistoryFilter) ([]domain.HistoryEntry, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
