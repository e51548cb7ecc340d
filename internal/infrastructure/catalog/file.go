package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
)

// catalogFile accepts either a list of {key, name} entries under "models" or
// a plain key: name mapping.
type catalogFile struct {
	Models []domain.Model `yaml:"models"`
}

// Load builds the shared model catalog from the defaults plus the optional
// YAML file at path. An empty path returns the defaults.
func Load(path string) (*domain.ModelCatalog, error) {
	c := domain.NewModelCatalog(domain.DefaultModels...)
	path = strings.TrimSpace(path)
	if path == "" {
		return c, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog %s: %w", path, err)
	}
	models, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse model catalog %s: %w", path, err)
	}
	c.Update(models)
	return c, nil
}

func Parse(raw []byte) ([]domain.Model, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "parse model catalog", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, domain.WrapError(domain.ErrInvalidInput, "parse model catalog", errors.New("top level must be a mapping"))
	}

	if hasKey(root, "models") {
		var file catalogFile
		if err := root.Decode(&file); err != nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "parse model catalog", err)
		}
		return file.Models, nil
	}

	var names map[string]string
	if err := root.Decode(&names); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "parse model catalog", err)
	}
	out := make([]domain.Model, 0, len(names))
	for k, v := range names {
		out = append(out, domain.Model{Key: k, Name: v})
	}
	return out, nil
}

func hasKey(node *yaml.Node, key string) bool {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return true
		}
	}
	return false
}
