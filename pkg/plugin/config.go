package plugin

import (
	"encoding/json"
	"maps"
	"strings"
	"time"
)

// ReservedPrefix marks engine-owned config keys. They take part in the config
// hash but plugins ignore them.
const ReservedPrefix = "_"

// Config is the effective configuration handed to a plugin.
type Config map[string]any

// String returns the value at key as a string, or def when absent or not a string.
func (c Config) String(key, def string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return def
}

// Bool returns the value at key as a bool, or def.
func (c Config) Bool(key string, def bool) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return def
}

// Int returns the value at key as an int. Values read back from JSON columns
// arrive as json.Number, values from YAML or request bodies as int or
// float64; all are accepted.
func (c Config) Int(key string, def int) int {
	if f, ok := number(c[key]); ok {
		return int(f)
	}
	return def
}

// Float returns the value at key as a float64, or def.
func (c Config) Float(key string, def float64) float64 {
	if f, ok := number(c[key]); ok {
		return f
	}
	return def
}

// Duration returns the value at key as a duration. Strings are parsed with
// time.ParseDuration; bare numbers are seconds.
func (c Config) Duration(key string, def time.Duration) time.Duration {
	if s, ok := c[key].(string); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return def
		}
		return d
	}
	if f, ok := number(c[key]); ok {
		return time.Duration(f * float64(time.Second))
	}
	return def
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return float64(i), true
		}
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Strings returns the value at key as a string slice, or def.
func (c Config) Strings(key string, def []string) []string {
	switch v := c[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return def
}

// Public returns a copy of c without reserved keys.
func (c Config) Public() Config {
	out := make(Config, len(c))
	for k, v := range c {
		if strings.HasPrefix(k, ReservedPrefix) {
			continue
		}
		out[k] = v
	}
	return out
}

// MergeConfig deep-merges layers left to right. Later layers win per key;
// nested maps are merged recursively, every other value is replaced. Inputs
// are never modified. json.Number values from JSON columns come out as int64
// or float64, so the merged config looks the same whichever store a layer
// was read from.
func MergeConfig(layers ...map[string]any) Config {
	out := Config{}
	for _, layer := range layers {
		mergeInto(out, layer)
	}
	return out
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		if !srcIsMap {
			dst[k] = plainValue(v)
			continue
		}
		dstMap, dstIsMap := dst[k].(map[string]any)
		if !dstIsMap {
			dstMap = map[string]any{}
		} else {
			dstMap = maps.Clone(dstMap)
		}
		mergeInto(dstMap, srcMap)
		dst[k] = dstMap
	}
}

// plainValue converts json.Number to int64 or float64, descending into slices.
func plainValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			if m, ok := item.(map[string]any); ok {
				nested := map[string]any{}
				mergeInto(nested, m)
				out[i] = nested
				continue
			}
			out[i] = plainValue(item)
		}
		return out
	}
	return v
}
