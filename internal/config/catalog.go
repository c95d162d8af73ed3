package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog declares the entity types the server serves when they are not
// registered in code. Each entry becomes a schema entity whose listed
// fields pass through from emitted state.
type Catalog struct {
	Entities []CatalogEntity `yaml:"entities"`
}

type CatalogEntity struct {
	Name    string   `yaml:"name"`
	IDField string   `yaml:"id_field"`
	Fields  []string `yaml:"fields"`
}

// LoadCatalog parses the YAML catalog at path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	seen := make(map[string]struct{}, len(cat.Entities))
	for i, e := range cat.Entities {
		if e.Name == "" {
			return nil, fmt.Errorf("catalog entity %d: name is required", i)
		}
		if _, dup := seen[e.Name]; dup {
			return nil, fmt.Errorf("catalog entity %q declared twice", e.Name)
		}
		seen[e.Name] = struct{}{}
	}
	return &cat, nil
}
