package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Decode parses a config document. Files ending in .yaml/.yml are converted to
// JSON first so both formats go through the same strict decoder.
func Decode(path string, b []byte) (*Config, error) {
	if isYAML(path) {
		jb, err := yamlToJSON(b)
		if err != nil {
			return nil, fmt.Errorf("invalid config %s: %w", filepath.Base(path), err)
		}
		b = jb
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func yamlToJSON(b []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	// An empty file decodes to nil; treat it as an empty object.
	if doc == nil {
		doc = map[string]any{}
	}
	return json.Marshal(stringKeys(doc))
}

// stringKeys rewrites nested maps so encoding/json accepts them; YAML allows
// non-string keys such as chat ids written as bare numbers.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = stringKeys(val)
		}
		return out
	case map[string]any:
		for k, val := range t {
			t[k] = stringKeys(val)
		}
		return t
	case []any:
		for i := range t {
			t[i] = stringKeys(t[i])
		}
		return t
	}
	return v
}
