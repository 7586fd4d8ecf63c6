package app

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"proximity/go-engine/internal/action"
	"proximity/go-engine/internal/model"
	"proximity/go-engine/internal/region"
)

// Catalog is the venue file: the region hierarchy plus the experiences bound to it.
type Catalog struct {
	region.Definition `yaml:",inline"`
	Experiences       []action.Experience `yaml:"experiences"`
	// Mappings overrides the proximity to presence table per provider, by name:
	// {ibeacon: {far: unknown}}.
	Mappings map[string]map[string]string `yaml:"mappings"`
}

// TrackerMappings parses Mappings.
func (c Catalog) TrackerMappings() (map[string]region.Mapping, error) {
	if len(c.Mappings) == 0 {
		return nil, nil
	}
	out := make(map[string]region.Mapping, len(c.Mappings))
	for provider, table := range c.Mappings {
		m := region.DefaultMapping()
		for proxName, presName := range table {
			prox, err := model.ParseProximity(proxName)
			if err != nil {
				return nil, fmt.Errorf("mapping %s: %w", provider, err)
			}
			pres, err := model.ParsePresence(presName)
			if err != nil {
				return nil, fmt.Errorf("mapping %s: %w", provider, err)
			}
			m[prox] = pres
		}
		out[provider] = m
	}
	return out, nil
}

// DecodeCatalog reads a YAML catalog. Unknown keys are rejected.
func DecodeCatalog(r io.Reader) (Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	return c, nil
}

// LoadCatalog reads the catalog file at path.
func LoadCatalog(path string) (Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	c, err := DecodeCatalog(f)
	if err != nil {
		return Catalog{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
