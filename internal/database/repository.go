package database

import (
	"context"

	"github.com/flowpbx/sipconnector/internal/database/models"
)

// HistoryListFilter specifies filtering and pagination for history queries.
type HistoryListFilter struct {
	Limit     int
	Offset    int
	Search    string // matches source or dest
	Origin    string // "MNCC", "SIP", or "" for all
	StartDate string // RFC3339 or YYYY-MM-DD
	EndDate   string // RFC3339 or YYYY-MM-DD
}

// CallHistoryRepository manages records of released calls.
type CallHistoryRepository interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	GetByID(ctx context.Context, id string) (*models.CallRecord, error)
	List(ctx context.Context, filter HistoryListFilter) ([]models.CallRecord, int, error)
	CountByOrigin(ctx context.Context) (map[string]int64, error)
	DeleteOlderThan(ctx context.Context, days int) (int64, error)
}
