package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	yaml "go.yaml.in/yaml/v3"
)

// toJSON converts YAML and JSONC input to plain JSON so one strict decoder
// (DisallowUnknownFields) serves every format.
func toJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
		j, err := json.Marshal(stringKeys(v))
		if err != nil {
			return nil, fmt.Errorf("yaml to json: %w", err)
		}
		return j, nil
	default:
		// Comments and trailing commas are accepted in .json as well.
		return jsonc.ToJSON(data), nil
	}
}

// stringKeys rewrites map[any]any nodes so the tree is JSON-marshalable.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	default:
		return in
	}
}

// Duration parses a config duration. Empty or zero yields def; negative
// values are rejected.
func Duration(field, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// MustDuration is Duration for values Validate has already accepted.
func MustDuration(raw string, def time.Duration) time.Duration {
	d, err := Duration("", raw, def)
	if err != nil {
		return def
	}
	return d
}
