package ports

import (
	"context"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
)

// HistoryReader is the read side of the history projection.
type HistoryReader interface {
	List(ctx context.Context) ([]*domain.HistoryRecord, error)
	Snapshot(id int64) (domain.HistoryRecord, bool)
	FetchImage(ctx context.Context, id int64) (string, error)
}

// HistoryDeleter is the two-phase delete contract.
type HistoryDeleter interface {
	ConfirmDelete(ids ...int64) (domain.DeleteConfirmation, error)
	DeleteOne(ctx context.Context, token string, id int64) error
	DeleteMany(ctx context.Context, token string, ids []int64) (domain.BatchDeleteResult, error)
}

// ModelLister lists classifier models and owns the display-name catalog.
type ModelLister interface {
	ListModels(ctx context.Context) ([]domain.Model, error)
}
