package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/ports"
)

// ArchiveObserver receives archive outcomes; worker metrics implement it.
type ArchiveObserver interface {
	StartArchive()
	FinishArchive(duration time.Duration, size int, err error)
	ObserveEventLag(lag time.Duration)
}

type noopArchiveObserver struct{}

func (noopArchiveObserver) StartArchive()                           {}
func (noopArchiveObserver) FinishArchive(time.Duration, int, error) {}
func (noopArchiveObserver) ObserveEventLag(time.Duration)           {}

// ListInvalidator is told when the external store gained rows.
type ListInvalidator interface {
	InvalidateList()
}

// Archiver writes a CSV export of every completed prediction to artifact
// storage under <kind>/<yyyy-mm-dd>/<token>_<name>.
type Archiver struct {
	exporter    *Exporter
	storage     ports.ArtifactStorage
	invalidator ListInvalidator
	observer    ArchiveObserver
	now         func() time.Time
}

func NewArchiver(exporter *Exporter, storage ports.ArtifactStorage, invalidator ListInvalidator, observer ArchiveObserver) *Archiver {
	if observer == nil {
		observer = noopArchiveObserver{}
	}
	return &Archiver{
		exporter:    exporter,
		storage:     storage,
		invalidator: invalidator,
		observer:    observer,
		now:         time.Now,
	}
}

func (a *Archiver) Handle(ctx context.Context, event domain.PredictionCompleted) error {
	if event.Token == "" {
		return domain.WrapError(domain.ErrInvalidInput, "archive prediction", errors.New("event token is required"))
	}
	if a.invalidator != nil {
		a.invalidator.InvalidateList()
	}

	start := a.now()
	if !event.CompletedAt.IsZero() {
		a.observer.ObserveEventLag(start.Sub(event.CompletedAt))
	}
	a.observer.StartArchive()

	key, size, err := a.archive(ctx, event)
	a.observer.FinishArchive(a.now().Sub(start), size, err)
	if err != nil {
		slog.Error("prediction_archive_failed",
			"token", event.Token,
			"kind", event.Kind,
			"error", err,
		)
		return err
	}
	slog.Info("prediction_archived",
		"token", event.Token,
		"kind", event.Kind,
		"key", key,
		"items", len(event.Results),
		"bytes", size,
	)
	return nil
}

func (a *Archiver) archive(ctx context.Context, event domain.PredictionCompleted) (string, int, error) {
	artifact, err := a.exporter.ResultsCSV(event.Results, domain.RowContext{
		ModelKey:  event.ModelKey,
		CreatedAt: event.CompletedAt,
	})
	if err != nil {
		return "", 0, err
	}
	key := ArchiveKey(event, artifact.Name)
	if err := a.storage.Save(ctx, key, bytes.NewReader(artifact.Data)); err != nil {
		return "", 0, fmt.Errorf("save archive %s: %w", key, err)
	}
	return key, len(artifact.Data), nil
}

func ArchiveKey(event domain.PredictionCompleted, name string) string {
	day := event.CompletedAt
	if day.IsZero() {
		day = time.Now()
	}
	kind := string(event.Kind)
	if kind == "" {
		kind = "unknown"
	}
	return path.Join(kind, day.UTC().Format("2006-01-02"), event.Token+"_"+path.Base(name))
}
