package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// decode parses a config file strictly: unknown keys and trailing documents
// are errors. YAML files (.yaml, .yml) are converted to JSON first so both
// formats go through the same decoder and struct tags.
func decode(path string, raw []byte) (*Config, error) {
	if isYAML(path) {
		js, err := yamlToJSON(raw)
		if err != nil {
			return nil, err
		}
		raw = js
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	var extra json.RawMessage
	switch err := dec.Decode(&extra); {
	case errors.Is(err, io.EOF):
		return &cfg, nil
	case err != nil:
		return nil, err
	default:
		return nil, errors.New("trailing data after config document")
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func yamlToJSON(raw []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	js, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return js, nil
}

// stringKeys rewrites non-string map keys (athlete ids written as bare
// numbers, for example) so the tree can be marshaled as JSON.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = stringKeys(e)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = stringKeys(e)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = stringKeys(e)
		}
		return t
	}
	return v
}

// UnmarshalJSON accepts the athlete id as a string or a bare number, since
// athletic.net ids are numeric and YAML files usually leave them unquoted.
func (a *AthleteConfig) UnmarshalJSON(b []byte) error {
	type plain AthleteConfig
	var raw struct {
		plain
		ID json.RawMessage `json:"id"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*a = AthleteConfig(raw.plain)
	id := bytes.TrimSpace(raw.ID)
	switch {
	case len(id) == 0 || string(id) == "null":
		a.ID = ""
	case id[0] == '"':
		if err := json.Unmarshal(id, &a.ID); err != nil {
			return err
		}
	default:
		var n json.Number
		if err := json.Unmarshal(id, &n); err != nil {
			return fmt.Errorf("id: %w", err)
		}
		a.ID = n.String()
	}
	return nil
}

// ParseDurationField parses a Go duration string from the field at path.
// Empty means unset and yields zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w", path, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %q is negative", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for an
// unset or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
