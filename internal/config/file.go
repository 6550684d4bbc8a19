package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

var ErrNestedTable = errors.New("config: nested tables are not supported")

// LoadFile applies every top-level key of the TOML file at path to res in
// file order. Arrays apply one override per element.
func LoadFile(path string, res *Resolver) error {
	var raw map[string]any
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}

	for _, key := range meta.Keys() {
		if len(key) != 1 {
			continue
		}
		name := key[0]
		values, err := propertyValues(raw[name])
		if err != nil {
			return fmt.Errorf("config: load %s: %s: %w", path, name, err)
		}
		for _, value := range values {
			if err := res.ApplyOverride(name, value); err != nil {
				return fmt.Errorf("config: load %s: %s: %w", path, name, err)
			}
		}
	}
	return nil
}

func propertyValues(v any) ([]string, error) {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, err := scalar(item)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	case []map[string]any:
		return nil, ErrNestedTable
	default:
		s, err := scalar(v)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
}

func scalar(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	case time.Time:
		return t.Format(time.RFC3339), nil
	case map[string]any:
		return "", ErrNestedTable
	default:
		return strings.TrimSpace(fmt.Sprint(t)), nil
	}
}
