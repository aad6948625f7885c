package genesis

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog overrides method costs and descriptions, keyed by artifact id and
// method name:
//
//	artifacts:
//	  genesis_ledger:
//	    transfer: {cost: 2, description: "..."}
type Catalog struct {
	Artifacts map[string]map[string]MethodOverride `yaml:"artifacts"`
}

type MethodOverride struct {
	Cost        *int64 `yaml:"cost"`
	Description string `yaml:"description"`
}

func LoadCatalog(path string) (Catalog, error) {
	var c Catalog
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("genesis catalog %s: %w", path, err)
	}
	return c, nil
}

// ApplyCatalog applies every override. Unknown artifacts or methods and
// negative costs are errors and leave the registry unchanged.
func (r *Registry) ApplyCatalog(c Catalog) error {
	for aid, methods := range c.Artifacts {
		a, ok := r.artifacts[aid]
		if !ok {
			return fmt.Errorf("genesis catalog: unknown artifact %q", aid)
		}
		for name, o := range methods {
			if _, ok := a.Method(name); !ok {
				return fmt.Errorf("genesis catalog: unknown method %s.%s", aid, name)
			}
			if o.Cost != nil && *o.Cost < 0 {
				return fmt.Errorf("genesis catalog: %s.%s cost must be >= 0", aid, name)
			}
		}
	}
	for aid, methods := range c.Artifacts {
		a := r.artifacts[aid]
		for name, o := range methods {
			m, _ := a.Method(name)
			if o.Cost != nil {
				m.Cost = *o.Cost
			}
			if o.Description != "" {
				m.Description = o.Description
			}
		}
	}
	return nil
}
