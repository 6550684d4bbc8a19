package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type property struct {
	name  string
	value string
}

// Properties is a string property store with case-insensitive keys.
// The spelling of the most recent Set wins for Names.
type Properties struct {
	items map[string]property
}

func NewProperties() *Properties {
	return &Properties{items: make(map[string]property)}
}

func (p *Properties) Set(name, value string) {
	if p.items == nil {
		p.items = make(map[string]property)
	}
	p.items[strings.ToLower(name)] = property{name: name, value: value}
}

// Get returns the value for name, or "" when absent.
func (p *Properties) Get(name string) string {
	v, _ := p.Lookup(name)
	return v
}

func (p *Properties) Lookup(name string) (string, bool) {
	if p == nil {
		return "", false
	}
	item, ok := p.items[strings.ToLower(name)]
	return item.value, ok
}

func (p *Properties) Delete(name string) {
	if p == nil {
		return
	}
	delete(p.items, strings.ToLower(name))
}

func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.items)
}

// Names returns property names sorted case-insensitively.
func (p *Properties) Names() []string {
	if p == nil {
		return nil
	}
	names := make([]string, 0, len(p.items))
	for _, item := range p.items {
		names = append(names, item.name)
	}
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
	return names
}

// PutAll copies every entry of other into p, overwriting existing keys.
func (p *Properties) PutAll(other *Properties) {
	if other == nil {
		return
	}
	for _, item := range other.items {
		p.Set(item.name, item.value)
	}
}

func (p *Properties) Clone() *Properties {
	out := NewProperties()
	out.PutAll(p)
	return out
}

// Map returns a plain copy keyed by the stored spelling.
func (p *Properties) Map() map[string]string {
	out := make(map[string]string, p.Len())
	if p == nil {
		return out
	}
	for _, item := range p.items {
		out[item.name] = item.value
	}
	return out
}

// Int reads name as a base-10 integer, returning def when absent or blank.
func (p *Properties) Int(name string, def int) (int, error) {
	raw, ok := p.Lookup(name)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q", ErrInvalidProperty, name, raw)
	}
	return v, nil
}

// Bool reads name using sshd_config spellings (yes/no) as well as strconv forms.
func (p *Properties) Bool(name string, def bool) (bool, error) {
	raw, ok := p.Lookup(name)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	v, ok := ParseBool(raw)
	if !ok {
		return def, fmt.Errorf("%w: %s=%q", ErrInvalidProperty, name, raw)
	}
	return v, nil
}

// Duration reads name as a Go duration ("30s") or as bare milliseconds.
func (p *Properties) Duration(name string, def time.Duration) (time.Duration, error) {
	raw, ok := p.Lookup(name)
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q", ErrInvalidProperty, name, raw)
	}
	return d, nil
}

// ParseBool accepts yes/no, on/off and the strconv.ParseBool spellings.
func ParseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "on":
		return true, true
	case "no", "off":
		return false, true
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, false
	}
	return v, true
}
