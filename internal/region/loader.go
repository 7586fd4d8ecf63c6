package region

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// DecodeDefinition reads a YAML region definition. Unknown keys are rejected so typos in
// a venue file surface at load time rather than as silently missing regions.
func DecodeDefinition(r io.Reader) (Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return Definition{}, nil
		}
		return Definition{}, fmt.Errorf("decode region definition: %w", err)
	}
	return def, nil
}

// LoadDefinition reads and decodes the definition file at path.
func LoadDefinition(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read region definition %s: %w", path, err)
	}
	return DecodeDefinition(bytes.NewReader(data))
}

// LoadRegistry loads the definition at path and builds a Registry from it.
func LoadRegistry(path string) (*Registry, error) {
	def, err := LoadDefinition(path)
	if err != nil {
		return nil, err
	}
	reg, err := NewRegistry(def)
	if err != nil {
		return nil, fmt.Errorf("build registry from %s: %w", path, err)
	}
	return reg, nil
}
