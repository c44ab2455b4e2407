package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Catalog is the optional YAML override for plans and commission tiers.
// Amounts are decimal strings so they round-trip without float error.
//
//	plans:
//	  - id: monthly
//	    duration: 1m
//	    prices: {USD: "9.99", EUR: "9.49"}
//	tiers:
//	  - name: bronze
//	    threshold: "0"
//	    rate: "0.10"
type Catalog struct {
	Plans []PlanSpec `yaml:"plans"`
	Tiers []TierSpec `yaml:"tiers"`
}

// PlanSpec describes one subscription plan. Duration uses the forms
// "<n>d", "<n>m" and "<n>y".
type PlanSpec struct {
	ID       string            `yaml:"id"`
	Duration string            `yaml:"duration"`
	Prices   map[string]string `yaml:"prices"`
}

// TierSpec describes one commission tier bracket.
type TierSpec struct {
	Name      string `yaml:"name"`
	Threshold string `yaml:"threshold"`
	Rate      string `yaml:"rate"`
}

// LoadCatalog reads and parses a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve catalog path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to unmarshal catalog: %w", err)
	}

	if len(cat.Plans) == 0 && len(cat.Tiers) == 0 {
		return nil, fmt.Errorf("catalog %s defines no plans or tiers", path)
	}
	for _, p := range cat.Plans {
		if p.ID == "" || p.Duration == "" {
			return nil, fmt.Errorf("catalog plan entries need id and duration")
		}
	}
	return &cat, nil
}
