package leafapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
)

//go:embed openapi.yaml
var openAPIDocument []byte

const (
	schemaModelList    = "ModelList"
	schemaPrediction   = "Prediction"
	schemaBatchResult  = "BatchResult"
	schemaHistoryList  = "HistoryList"
	schemaHistoryImage = "HistoryImage"
)

// schemaSet validates decoded upstream payloads against the embedded document.
type schemaSet struct {
	schemas openapi3.Schemas
}

func loadSchemas() (*schemaSet, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openAPIDocument)
	if err != nil {
		return nil, fmt.Errorf("load leaf api schema: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("validate leaf api schema: %w", err)
	}
	return &schemaSet{schemas: doc.Components.Schemas}, nil
}

// check decodes raw generically and visits it with the named schema. Any
// mismatch is an invalid response shape; nothing is partially trusted.
func (s *schemaSet) check(operation, name string, raw json.RawMessage) error {
	ref, ok := s.schemas[name]
	if !ok || ref.Value == nil {
		return fmt.Errorf("%s: schema %q is not defined", operation, name)
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return domain.WrapError(domain.ErrInvalidResponseShape, operation, err)
	}
	if err := ref.Value.VisitJSON(value, openapi3.MultiErrors()); err != nil {
		return domain.WrapError(domain.ErrInvalidResponseShape, operation, err)
	}
	return nil
}
