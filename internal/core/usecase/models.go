package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/ports"
)

// ModelService lists classifier models and keeps the shared catalog current.
type ModelService struct {
	inference ports.InferenceService
	catalog   *domain.ModelCatalog
}

func NewModelService(inference ports.InferenceService, catalog *domain.ModelCatalog) *ModelService {
	if catalog == nil {
		catalog = domain.NewModelCatalog(domain.DefaultModels...)
	}
	return &ModelService{inference: inference, catalog: catalog}
}

func (s *ModelService) Catalog() *domain.ModelCatalog {
	return s.catalog
}

// ListModels asks the inference service for its models. Names it reports
// override the catalog; when it is unreachable the catalog is served as is.
func (s *ModelService) ListModels(ctx context.Context) ([]domain.Model, error) {
	models, err := s.inference.ListModels(ctx)
	if err != nil {
		if domain.IsKind(err, domain.ErrInvalidResponseShape) {
			return nil, fmt.Errorf("list models: %w", err)
		}
		slog.Warn("models_fallback_to_catalog", "error", err)
		return s.catalog.Models(), nil
	}
	s.catalog.Update(models)

	out := make([]domain.Model, 0, len(models))
	for _, m := range models {
		if m.Key == "" {
			continue
		}
		out = append(out, domain.Model{Key: m.Key, Name: s.catalog.DisplayName(m.Key)})
	}
	return out, nil
}
