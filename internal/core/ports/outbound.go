package ports

import (
	"context"
	"io"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
)

// Upload is a file handed to the inference service.
type Upload struct {
	FileName string
	Body     io.Reader
}

// InferenceService classifies leaf images.
type InferenceService interface {
	ListModels(ctx context.Context) ([]domain.Model, error)
	PredictImage(ctx context.Context, modelKey string, threshold domain.Threshold, file Upload) (domain.RawPrediction, error)
	PredictBatch(ctx context.Context, modelKey string, threshold domain.Threshold, archive Upload) ([]domain.RawPrediction, error)
}

// HistoryStore is the external record store behind /history.
type HistoryStore interface {
	ListHistory(ctx context.Context) ([]domain.HistoryRecord, error)
	FetchImage(ctx context.Context, id int64) (string, error)
	DeleteHistory(ctx context.Context, id int64) error
}

// SubmissionJournal keeps an audit trail of prediction submissions.
type SubmissionJournal interface {
	Begin(ctx context.Context, rec domain.SubmissionRecord) error
	Finish(ctx context.Context, token string, state domain.SubmissionState, itemCount int, errMessage string) error
}

// EventPublisher announces completed predictions.
type EventPublisher interface {
	PublishPredictionCompleted(ctx context.Context, event domain.PredictionCompleted) error
}

// EventSubscriber consumes completed predictions until ctx is done.
type EventSubscriber interface {
	SubscribePredictionCompleted(ctx context.Context, handler func(context.Context, domain.PredictionCompleted) error) error
}

// ArtifactStorage stores exported files.
type ArtifactStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// SubmissionLog is the read side of the journal.
type SubmissionLog interface {
	Recent(ctx context.Context, limit int) ([]domain.SubmissionRecord, error)
	Get(ctx context.Context, token string) (domain.SubmissionRecord, error)
}
