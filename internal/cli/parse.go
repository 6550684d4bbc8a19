// Package cli turns sshd command-line tokens into a config.Configuration.
//
// Parsing is strictly left to right with one token of lookahead for flags
// that take a value, and stops at the first error.
package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/sshd/internal/config"
)

const Usage = "usage: sshd [-p port] [-io mina|nio2] [-key-type RSA|DSA|EC] [-key-size NNNN] [-key-file <path>] [-o option=value]"

const (
	FlagPort     = "-p"
	FlagKeyType  = "-key-type"
	FlagKeySize  = "-key-size"
	FlagKeyFile  = "-key-file"
	FlagIO       = "-io"
	FlagOverride = "-o"
)

var (
	ErrMissingValue    = errors.New("option requires an argument")
	ErrConflict        = errors.New("option conflicts with")
	ErrUnknownProvider = errors.New("provider should be mina or nio2")
	ErrBadSyntax       = errors.New("bad syntax for option")
	ErrInvalidNumber   = errors.New("invalid number for")
	ErrIllegalOption   = errors.New("illegal option")
	ErrExtraArgument   = errors.New("extra argument")
)

// UsageError is a fatal command-line error naming the offending token.
type UsageError struct {
	Token    string
	Position int
	Err      error
	Detail   string
	Cause    error
}

func (e *UsageError) Error() string {
	msg := e.Err.Error()
	if e.Detail != "" {
		msg += " " + e.Detail
	}
	return fmt.Sprintf("%s: %s (position %d)", msg, e.Token, e.Position)
}

func (e *UsageError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// RawOption is one directive read from the token stream.
type RawOption struct {
	Name     string
	Value    string
	HasValue bool
	Position int
}

func arity(name string) int {
	switch name {
	case FlagPort, FlagKeyType, FlagKeySize, FlagKeyFile, FlagIO, FlagOverride:
		return 1
	default:
		return 0
	}
}

// Parse resolves args against a fresh resolver.
func Parse(args []string) (config.Configuration, error) {
	return ParseInto(config.NewResolver(), args)
}

// ParseInto folds args into res in token order. res may already carry
// overrides from another source; tokens applied here win over them.
func ParseInto(res *config.Resolver, args []string) (config.Configuration, error) {
	for i := 0; i < len(args); i++ {
		opt, err := next(args, i)
		if err != nil {
			return config.Configuration{}, err
		}
		if opt.HasValue {
			i++
		}
		if err := apply(res, opt); err != nil {
			return config.Configuration{}, err
		}
	}
	return res.Configuration(), nil
}

func next(args []string, i int) (RawOption, error) {
	name := args[i]
	switch arity(name) {
	case 1:
		if i+1 >= len(args) {
			return RawOption{}, &UsageError{Token: name, Position: i, Err: ErrMissingValue}
		}
		return RawOption{Name: name, Value: args[i+1], HasValue: true, Position: i}, nil
	}
	if strings.HasPrefix(name, "-") {
		return RawOption{}, &UsageError{Token: name, Position: i, Err: ErrIllegalOption}
	}
	return RawOption{}, &UsageError{Token: name, Position: i, Err: ErrExtraArgument}
}

func apply(res *config.Resolver, opt RawOption) error {
	switch opt.Name {
	case FlagPort:
		port, err := parseInt(opt)
		if err != nil {
			return err
		}
		res.SetPort(port)
	case FlagKeyType:
		return conflict(opt, res.SetHostKeyAlgorithm(opt.Value))
	case FlagKeySize:
		if err := res.CheckKeySource(config.KeySourceSize); err != nil {
			return conflict(opt, err)
		}
		size, err := parseInt(opt)
		if err != nil {
			return err
		}
		return conflict(opt, res.SetHostKeySize(size))
	case FlagKeyFile:
		return conflict(opt, res.AddHostKeyFile(opt.Value))
	case FlagIO:
		provider, ok := resolveProvider(opt.Value)
		if !ok {
			return &UsageError{Token: opt.Value, Position: opt.Position + 1, Err: ErrUnknownProvider}
		}
		res.SetIOProvider(provider)
	case FlagOverride:
		return applyOverride(res, opt)
	}
	return nil
}

// resolveProvider keeps the historical matching: "mina" by equality and
// "nio2" by checking that the value is a suffix of "nio2".
func resolveProvider(value string) (config.IOProvider, bool) {
	if value == "mina" {
		return config.IOProviderMina, true
	}
	if strings.HasSuffix("nio2", value) {
		return config.IOProviderNio2, true
	}
	return config.IOProviderUnset, false
}

func applyOverride(res *config.Resolver, opt RawOption) error {
	name, value, err := config.SplitOverride(opt.Value)
	if err != nil {
		return &UsageError{Token: opt.Value, Position: opt.Position + 1, Err: ErrBadSyntax, Cause: err}
	}
	err = res.ApplyOverride(name, value)
	if err == nil {
		return nil
	}
	if errors.Is(err, config.ErrInvalidPort) {
		return &UsageError{
			Token:    value,
			Position: opt.Position + 1,
			Err:      ErrInvalidNumber,
			Detail:   config.PropPort,
			Cause:    err,
		}
	}
	return conflict(opt, err)
}

func parseInt(opt RawOption) (int, error) {
	v, err := strconv.Atoi(opt.Value)
	if err != nil {
		return 0, &UsageError{
			Token:    opt.Value,
			Position: opt.Position + 1,
			Err:      ErrInvalidNumber,
			Detail:   opt.Name,
			Cause:    err,
		}
	}
	return v, nil
}

// conflict maps a resolver key-source conflict onto the flag names the
// operator typed.
func conflict(opt RawOption, err error) error {
	if err == nil {
		return nil
	}
	var ke *config.KeySourceConflictError
	if !errors.As(err, &ke) {
		return err
	}
	token, pos := opt.Name, opt.Position
	if opt.Name == FlagOverride {
		token, pos = opt.Value, opt.Position+1
	}
	return &UsageError{
		Token:    token,
		Position: pos,
		Err:      ErrConflict,
		Detail:   flagFor(ke.Existing),
		Cause:    err,
	}
}

func flagFor(src config.KeySource) string {
	switch src {
	case config.KeySourceFiles:
		return FlagKeyFile
	case config.KeySourceAlgorithm:
		return FlagKeyType
	case config.KeySourceSize:
		return FlagKeySize
	default:
		return src.String()
	}
}
