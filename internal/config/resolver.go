package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrKeySourceConflict = errors.New("config: host key source conflict")

// KeySource identifies which dedicated setting established a host key source.
type KeySource int

const (
	KeySourceFiles KeySource = iota + 1
	KeySourceAlgorithm
	KeySourceSize
)

func (s KeySource) String() string {
	switch s {
	case KeySourceFiles:
		return "key-file"
	case KeySourceAlgorithm:
		return "key-type"
	case KeySourceSize:
		return "key-size"
	default:
		return "unknown"
	}
}

// KeySourceConflictError reports an attempt to mix key files with explicit
// algorithm/size settings. Existing is the source that was set first.
type KeySourceConflictError struct {
	Existing  KeySource
	Requested KeySource
}

func (e *KeySourceConflictError) Error() string {
	return fmt.Sprintf("%v: %s requested after %s", ErrKeySourceConflict, e.Requested, e.Existing)
}

func (e *KeySourceConflictError) Unwrap() error {
	return ErrKeySourceConflict
}

// Resolver accumulates settings in token order and enforces the precedence
// and exclusivity rules between dedicated flags and generic overrides.
type Resolver struct {
	cfg      Configuration
	explicit KeySource
}

func NewResolver() *Resolver {
	return &Resolver{cfg: DefaultConfiguration()}
}

// SetPort overwrites the port; the last call wins.
func (r *Resolver) SetPort(port int) {
	r.cfg.Port = port
}

// CheckKeySource reports the conflict that adding the requested key source
// would raise, without mutating the resolver.
func (r *Resolver) CheckKeySource(requested KeySource) error {
	if requested == KeySourceFiles {
		if r.explicit != 0 {
			return &KeySourceConflictError{Existing: r.explicit, Requested: KeySourceFiles}
		}
		return nil
	}
	if len(r.cfg.HostKeyFiles) > 0 {
		return &KeySourceConflictError{Existing: KeySourceFiles, Requested: requested}
	}
	return nil
}

func (r *Resolver) SetHostKeyAlgorithm(algorithm string) error {
	if err := r.CheckKeySource(KeySourceAlgorithm); err != nil {
		return err
	}
	r.cfg.HostKeyAlgorithm = strings.ToUpper(algorithm)
	if r.explicit == 0 {
		r.explicit = KeySourceAlgorithm
	}
	return nil
}

func (r *Resolver) SetHostKeySize(size int) error {
	if err := r.CheckKeySource(KeySourceSize); err != nil {
		return err
	}
	r.cfg.HostKeySize = size
	if r.explicit == 0 {
		r.explicit = KeySourceSize
	}
	return nil
}

// AddHostKeyFile appends path to the ordered key file list.
func (r *Resolver) AddHostKeyFile(path string) error {
	if err := r.CheckKeySource(KeySourceFiles); err != nil {
		return err
	}
	r.cfg.HostKeyFiles = append(r.cfg.HostKeyFiles, path)
	return nil
}

func (r *Resolver) SetIOProvider(provider IOProvider) {
	r.cfg.IOProvider = provider
}

// ApplyOverride folds one name=value override. HostKey and Port are reserved
// and behave like their dedicated flags; anything else is stored verbatim.
func (r *Resolver) ApplyOverride(name, value string) error {
	switch name {
	case PropHostKey:
		return r.AddHostKeyFile(value)
	case PropPort:
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidPort, value)
		}
		r.SetPort(port)
		return nil
	default:
		r.cfg.Overrides.Set(name, value)
		return nil
	}
}

// Configuration returns a frozen copy of the accumulated state.
func (r *Resolver) Configuration() Configuration {
	return r.cfg.Clone()
}

// SplitOverride splits "name=value" at the first '='. The name must be
// non-empty; the value may be empty.
func SplitOverride(raw string) (string, string, error) {
	idx := strings.IndexByte(raw, '=')
	if idx <= 0 {
		return "", "", fmt.Errorf("%w: %q", ErrBadOverride, raw)
	}
	return raw[:idx], raw[idx+1:], nil
}
