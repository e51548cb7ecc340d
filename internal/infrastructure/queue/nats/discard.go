package nats

import (
	"context"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
)

// Discard is the publisher used when no NATS url is configured.
type Discard struct{}

func (Discard) PublishPredictionCompleted(context.Context, domain.PredictionCompleted) error {
	return nil
}
