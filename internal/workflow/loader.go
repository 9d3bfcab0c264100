package workflow

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadDefinition reads a graph definition from a YAML or JSON file.
func LoadDefinition(path string) (*GraphDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	return ParseDefinition(data)
}

// ParseDefinition decodes a graph definition. JSON documents are
// detected by their leading brace; everything else is treated as YAML.
func ParseDefinition(data []byte) (*GraphDefinition, error) {
	var def GraphDefinition
	if isJSON(data) {
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("decode definition: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("decode definition: %w", err)
		}
		for i := range def.Nodes {
			def.Nodes[i].Config = normalizeValue(def.Nodes[i].Config).(map[string]interface{})
		}
	}
	if def.ID == "" {
		return nil, fmt.Errorf("definition has no id")
	}
	return &def, nil
}

func isJSON(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

// normalizeValue rewrites YAML's typed scalars into the shapes the
// expression evaluator and handlers expect: map keys become strings
// and integers become float64.
func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalizeValue(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
