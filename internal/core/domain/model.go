package domain

import (
	"sort"
	"strings"
	"sync"
)

// Model is one classifier offered by the inference service.
type Model struct {
	Key  string `json:"key" yaml:"key"`
	Name string `json:"name" yaml:"name"`
}

// DefaultModels are the architectures the inference service ships with.
var DefaultModels = []Model{
	{Key: "xception", Name: "Xception"},
	{Key: "resnet50", Name: "ResNet50"},
	{Key: "efficientnetb0", Name: "EfficientNetB0"},
	{Key: "mobilenetv3", Name: "MobileNetV3"},
}

// ModelCatalog is the single model-key to display-name mapping. It is shared
// by every component that prints model names.
type ModelCatalog struct {
	mu    sync.RWMutex
	names map[string]string
}

func NewModelCatalog(models ...Model) *ModelCatalog {
	c := &ModelCatalog{names: make(map[string]string, len(models))}
	c.Update(models)
	return c
}

// Update merges models into the catalog. Entries without a name are ignored.
func (c *ModelCatalog) Update(models []Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range models {
		key := strings.TrimSpace(m.Key)
		name := strings.TrimSpace(m.Name)
		if key == "" || name == "" {
			continue
		}
		c.names[key] = name
	}
}

// DisplayName resolves key; unknown keys pass through verbatim.
func (c *ModelCatalog) DisplayName(key string) string {
	if c == nil {
		return key
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if name, ok := c.names[key]; ok {
		return name
	}
	return key
}

func (c *ModelCatalog) Models() []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Model, 0, len(c.names))
	for k, v := range c.names {
		out = append(out, Model{Key: k, Name: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
