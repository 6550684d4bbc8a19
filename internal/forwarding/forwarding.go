// Package forwarding maps AllowTcpForwarding and GatewayPorts onto a TCP
// forwarding filter.
package forwarding

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/sshd/internal/config"
	"github.com/danmuck/sshd/internal/server"
	"github.com/rs/zerolog/log"
)

var ErrInvalidPolicy = errors.New("forwarding: invalid policy")

// Mode is the AllowTcpForwarding value.
type Mode string

const (
	ModeAll    Mode = "all"
	ModeNone   Mode = "no"
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Policy is a static forwarding filter.
type Policy struct {
	Mode Mode
	// GatewayPorts lets remote forwards bind the requested address instead
	// of loopback.
	GatewayPorts bool
}

var _ server.ForwardingFilter = Policy{}

func (p Policy) AllowLocal(_ string, _ string, port int) bool {
	if port <= 0 || port > 65535 {
		return false
	}
	return p.Mode == ModeAll || p.Mode == ModeLocal
}

func (p Policy) AllowRemote(_ string, bindAddr string, port int) (string, bool) {
	if port < 0 || port > 65535 {
		return "", false
	}
	if p.Mode != ModeAll && p.Mode != ModeRemote {
		return "", false
	}
	if p.GatewayPorts {
		switch bindAddr {
		case "", "*":
			return "", true
		}
		return bindAddr, true
	}
	if bindAddr == "::1" {
		return bindAddr, true
	}
	return "127.0.0.1", true
}

// ParseMode accepts the sshd_config spellings; empty means all.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "yes", "all":
		return ModeAll, nil
	case "no":
		return ModeNone, nil
	case "local":
		return ModeLocal, nil
	case "remote":
		return ModeRemote, nil
	default:
		return "", fmt.Errorf("%w: %s=%q", ErrInvalidPolicy, config.PropAllowTCPForwarding, raw)
	}
}

// FromProperties builds the policy from server properties.
func FromProperties(props *config.Properties) (Policy, error) {
	mode, err := ParseMode(props.Get(config.PropAllowTCPForwarding))
	if err != nil {
		return Policy{}, err
	}
	gateway, err := props.Bool(config.PropGatewayPorts, false)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return Policy{Mode: mode, GatewayPorts: gateway}, nil
}

// Target is the part of the server the forwarding configurator touches.
type Target interface {
	SetForwardingFilter(f server.ForwardingFilter)
}

func Configure(t Target, props *config.Properties) error {
	policy, err := FromProperties(props)
	if err != nil {
		return err
	}
	t.SetForwardingFilter(policy)
	log.Info().
		Str("mode", string(policy.Mode)).
		Bool("gateway_ports", policy.GatewayPorts).
		Msg("sshd.forwarding configured")
	return nil
}
