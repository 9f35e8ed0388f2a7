package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Hisho/common/redact"
)

// toMap round-trips c through YAML so nested sections become nested maps
// keyed by their yaml tags.
func toMap(c *Config) (map[string]any, error) {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return out, nil
}

// flatten returns the leaves of c as dotted viper keys.
func flatten(c *Config) map[string]any {
	m, err := toMap(c)
	if err != nil {
		return nil
	}
	out := map[string]any{}
	var walk func(prefix string, v map[string]any)
	walk = func(prefix string, v map[string]any) {
		for k, val := range v {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if nested, ok := val.(map[string]any); ok {
				walk(key, nested)
				continue
			}
			out[key] = val
		}
	}
	walk("", m)
	return out
}

// Redacted renders c as YAML with credentials replaced by [REDACTED].
func (c *Config) Redacted() (string, error) {
	m, err := toMap(c)
	if err != nil {
		return "", err
	}
	raw, err := yaml.Marshal(redact.Map(m))
	if err != nil {
		return "", fmt.Errorf("marshal redacted config: %w", err)
	}
	return string(raw), nil
}
