// Package subsystem resolves the Subsystem property into installable
// session subsystems.
package subsystem

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/sshd/internal/config"
	"github.com/danmuck/sshd/internal/server"
)

var (
	ErrUnknownSubsystem = errors.New("subsystem: unknown subsystem")
	ErrBuilderExists    = errors.New("subsystem: builder already registered")
	ErrBuilderNil       = errors.New("subsystem: builder is nil")
	ErrInvalidName      = errors.New("subsystem: invalid name")
)

// None disables every subsystem.
const None = "none"

// Builder creates a subsystem factory from server properties.
type Builder interface {
	Name() string
	Build(props *config.Properties) (server.SubsystemFactory, error)
}

// Registry stores builders by name.
type Registry struct {
	items map[string]Builder
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Builder)}
}

// DefaultRegistry holds the built-in subsystems.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(SFTP{})
	return r
}

func (r *Registry) Register(b Builder) error {
	if b == nil {
		return ErrBuilderNil
	}
	name := b.Name()
	if !isValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, ok := r.items[name]; ok {
		return fmt.Errorf("%w: %s", ErrBuilderExists, name)
	}
	r.items[name] = b
	return nil
}

func (r *Registry) Lookup(name string) (Builder, bool) {
	b, ok := r.items[name]
	return b, ok
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve builds the subsystems named by the Subsystem property. Unset
// selects every registered subsystem; "none" or an empty value selects
// nothing. Listed order is kept and duplicates are dropped.
func (r *Registry) Resolve(props *config.Properties) ([]server.SubsystemFactory, error) {
	raw, ok := props.Lookup(config.PropSubsystem)
	var names []string
	switch {
	case !ok:
		names = r.Names()
	case strings.EqualFold(strings.TrimSpace(raw), None):
		return nil, nil
	default:
		names = splitNames(raw)
	}

	var out []server.SubsystemFactory
	for _, name := range names {
		b, ok := r.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSubsystem, name)
		}
		f, err := b.Build(props)
		if err != nil {
			return nil, fmt.Errorf("subsystem: build %s: %w", name, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// Resolve uses the default registry.
func Resolve(props *config.Properties) ([]server.SubsystemFactory, error) {
	return DefaultRegistry().Resolve(props)
}

// Names returns the factory names in order.
func Names(factories []server.SubsystemFactory) []string {
	names := make([]string, 0, len(factories))
	for _, f := range factories {
		names = append(names, f.Name())
	}
	return names
}

func splitNames(raw string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

func isValidName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_' || c == '@'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(name)-1) && isSep {
			return false
		}
	}
	return true
}
