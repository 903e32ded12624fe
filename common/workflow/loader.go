package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a workflow definition from a YAML or JSON file. Any other
// extension is rejected, as are unknown top-level keys.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return Decode(data, "yaml")
	case ".json":
		return Decode(data, "json")
	default:
		return nil, fmt.Errorf("unsupported workflow file format: %s", filepath.Ext(path))
	}
}

// Decode parses a definition from bytes in the given format ("yaml" or "json"),
// applies defaults and validates.
func Decode(data []byte, format string) (*Definition, error) {
	var def Definition

	switch format {
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil {
			return nil, fmt.Errorf("failed to decode workflow YAML: %w", err)
		}
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&def); err != nil {
			return nil, fmt.Errorf("failed to decode workflow JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported workflow format: %s", format)
	}

	def.ApplyDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Encode serializes a definition back to YAML. Load(Encode(def)) yields
// an equal definition.
func Encode(def *Definition) ([]byte, error) {
	out, err := yaml.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow: %w", err)
	}
	return out, nil
}
