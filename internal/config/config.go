package config

import (
	"errors"
	"slices"

	"github.com/creasty/defaults"
)

// Reserved override names folded into dedicated fields instead of Overrides.
// Matching is case-sensitive.
const (
	PropHostKey = "HostKey"
	PropPort    = "Port"
)

// Well-known server properties read by the bootstrap collaborators.
const (
	PropMACs                 = "MACs"
	PropWelcomeBanner        = "WelcomeBanner"
	PropBanner               = "Banner"
	PropAllowTCPForwarding   = "AllowTcpForwarding"
	PropGatewayPorts         = "GatewayPorts"
	PropSubsystem            = "Subsystem"
	PropSftpReadOnly         = "SftpReadOnly"
	PropSftpWorkingDirectory = "SftpWorkingDirectory"
	PropNioWorkers           = "NioWorkers"
	PropMaxAuthTries         = "MaxAuthTries"
	PropIdleTimeout          = "IdleTimeout"
	PropServerVersion        = "ServerVersion"
	PropMetricsAddress       = "MetricsAddress"
)

const (
	DefaultPort             = 8000
	DefaultHostKeyAlgorithm = "RSA"
)

var (
	ErrInvalidPort     = errors.New("config: invalid port")
	ErrInvalidProperty = errors.New("config: invalid property value")
	ErrBadOverride     = errors.New("config: bad override syntax")
)

// IOProvider names the network I/O backend the server should use.
type IOProvider string

const (
	IOProviderUnset IOProvider = ""
	IOProviderMina  IOProvider = "mina-backend"
	IOProviderNio2  IOProvider = "nio2-backend"
)

// Configuration is the canonical startup configuration handed to bootstrap.
type Configuration struct {
	Port             int    `default:"8000"`
	HostKeyAlgorithm string `default:"RSA"`
	HostKeySize      int
	HostKeyFiles     []string
	IOProvider       IOProvider
	Overrides        *Properties
}

// DefaultConfiguration returns a Configuration with every default applied.
func DefaultConfiguration() Configuration {
	var cfg Configuration
	if err := defaults.Set(&cfg); err != nil {
		// Tags are static; failure here is a programming error.
		panic(err)
	}
	cfg.Overrides = NewProperties()
	return cfg
}

// Clone returns a deep copy so the result shares no mutable state with c.
func (c Configuration) Clone() Configuration {
	out := c
	out.HostKeyFiles = slices.Clone(c.HostKeyFiles)
	out.Overrides = c.Overrides.Clone()
	return out
}
