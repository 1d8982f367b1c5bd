package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// secretPaths are masked by Sanitize.
var secretPaths = []string{"telegram.token", "workflow.apiKey", "telegraph.accessToken"}

// tree is the generic JSON view of a Config that the dot-path helpers
// operate on.
type tree = map[string]any

func toTree(cfg *Config) (tree, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var t tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return t, nil
}

func fromTree(t tree, cfg *Config) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// lookup follows path through maps and arrays ("telegram.parseModes.0").
func lookup(t tree, path string) (any, error) {
	var cur any = t
	for _, key := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(v) {
				return nil, fmt.Errorf("invalid array index %q in %s", key, path)
			}
			cur = v[i]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %q in %s", cur, key, path)
		}
	}
	return cur, nil
}

// GetByPath retrieves a config value by dot-notation path (e.g. "media.jpegQuality").
func GetByPath(cfg *Config, path string) (any, error) {
	t, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	return lookup(t, path)
}

// SetByPath sets an existing config value by dot-notation path. A string
// value is converted to the type of the field it replaces: booleans and
// numbers are parsed, lists accept comma-separated items or a JSON array.
// Keys that do not exist in Config are rejected.
func SetByPath(cfg *Config, path string, value any) error {
	if path == "" {
		return errors.New("empty path")
	}
	t, err := toTree(cfg)
	if err != nil {
		return err
	}

	parentPath, key := "", path
	if i := strings.LastIndex(path, "."); i >= 0 {
		parentPath, key = path[:i], path[i+1:]
	}
	var parent any = t
	if parentPath != "" {
		if parent, err = lookup(t, parentPath); err != nil {
			return err
		}
	}
	section, ok := parent.(map[string]any)
	if !ok {
		return fmt.Errorf("%s is not a section", parentPath)
	}
	// Empty omitempty fields are absent from the tree; old is nil for them.
	old, known := section[key]
	converted, err := coerce(old, value)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	section[key] = converted

	// Decode into a scratch config so a bad value leaves cfg untouched.
	var next Config
	if err := fromTree(t, &next); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if !known && converted != "" {
		// A key the decoder dropped does not exist in Config.
		if after, err := toTree(&next); err != nil {
			return err
		} else if _, err := lookup(after, path); err != nil {
			return fmt.Errorf("key not found: %s", path)
		}
	}
	*cfg = next
	return nil
}

// coerce converts value to the JSON type of old.
func coerce(old, value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	switch old.(type) {
	case bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("expected a boolean, got %q", s)
		}
		return b, nil
	case float64:
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("expected a number, got %q", s)
		}
		return n, nil
	case []any, nil:
		if strings.HasPrefix(strings.TrimSpace(s), "[") {
			var list []any
			if err := json.Unmarshal([]byte(s), &list); err != nil {
				return nil, fmt.Errorf("invalid list: %w", err)
			}
			return list, nil
		}
		if old == nil {
			return s, nil
		}
		items := []any{}
		for _, item := range strings.Split(s, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return items, nil
	}
	return s, nil
}

// Sanitize returns a copy of the config with secrets masked.
func Sanitize(cfg *Config) *Config {
	t, err := toTree(cfg)
	if err != nil {
		return cfg
	}
	for _, p := range secretPaths {
		v, err := lookup(t, p)
		if err != nil {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			_ = setString(t, p, maskString(s))
		}
	}
	var out Config
	if err := fromTree(t, &out); err != nil {
		return cfg
	}
	return &out
}

func setString(t tree, path, value string) error {
	i := strings.LastIndex(path, ".")
	parent, err := lookup(t, path[:i])
	if err != nil {
		return err
	}
	section, ok := parent.(map[string]any)
	if !ok {
		return fmt.Errorf("%s is not a section", path[:i])
	}
	section[path[i+1:]] = value
	return nil
}

// maskString keeps the first and last four characters of long secrets.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every leaf path with its current value. Lists are
// leaves; use "path.N" with GetByPath to read one item.
func ListPaths(cfg *Config) map[string]any {
	t, err := toTree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			if sub, ok := v.(map[string]any); ok {
				walk(p, sub)
				continue
			}
			out[p] = v
		}
	}
	walk("", t)
	return out
}
