// Package bootstrap turns a resolved configuration into a running server
// by calling each collaborator in a fixed order.
package bootstrap

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/danmuck/sshd/internal/algorithms"
	"github.com/danmuck/sshd/internal/auth"
	"github.com/danmuck/sshd/internal/banner"
	"github.com/danmuck/sshd/internal/config"
	"github.com/danmuck/sshd/internal/forwarding"
	"github.com/danmuck/sshd/internal/hostkey"
	"github.com/danmuck/sshd/internal/server"
	"github.com/danmuck/sshd/internal/shell"
	"github.com/danmuck/sshd/internal/subsystem"
	"github.com/rs/zerolog/log"
)

// Collaborators are the replaceable steps of Run.
type Collaborators struct {
	NewServer  func(backend config.IOProvider) *server.Server
	HostKeys   func(algorithm string, size int, files []string) (server.KeyProvider, error)
	Banner     func(srv *server.Server, props *config.Properties) error
	MACs       func(srv *server.Server, list string, clientToServer, serverToClient bool) error
	Shell      func() server.ShellFactory
	Password   func() auth.PasswordAuthenticator
	Publickey  func() auth.PublickeyAuthenticator
	Forwarding func(srv *server.Server, props *config.Properties) error
	Commands   func() server.CommandFactory
	Subsystems func(srv *server.Server, props *config.Properties) ([]server.SubsystemFactory, error)
	Start      func(srv *server.Server) error
}

// DefaultCollaborators wires the in-tree implementations.
func DefaultCollaborators() Collaborators {
	return Collaborators{
		NewServer: server.New,
		HostKeys: func(algorithm string, size int, files []string) (server.KeyProvider, error) {
			return hostkey.Resolve(algorithm, size, files)
		},
		Banner: func(srv *server.Server, props *config.Properties) error {
			return banner.Configure(srv, props)
		},
		MACs: func(srv *server.Server, list string, c2s, s2c bool) error {
			return algorithms.ConfigureMACs(srv, list, c2s, s2c)
		},
		Shell: func() server.ShellFactory {
			return shell.NewInteractiveProcess()
		},
		Password: func() auth.PasswordAuthenticator {
			return auth.EchoPassword{}
		},
		Publickey: func() auth.PublickeyAuthenticator {
			return auth.AcceptAllPublickey{}
		},
		Forwarding: func(srv *server.Server, props *config.Properties) error {
			return forwarding.Configure(srv, props)
		},
		Commands: func() server.CommandFactory {
			return shell.NewProcessCommandFactory()
		},
		Subsystems: func(_ *server.Server, props *config.Properties) ([]server.SubsystemFactory, error) {
			return subsystem.Resolve(props)
		},
		Start: func(srv *server.Server) error {
			return srv.Start()
		},
	}
}

type Options struct {
	Stdout        io.Writer
	Stderr        io.Writer
	Collaborators *Collaborators
}

func (o Options) withDefaults() Options {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Collaborators == nil {
		c := DefaultCollaborators()
		o.Collaborators = &c
	}
	return o
}

// Run configures and starts the server. Errors from any step are returned
// as is, with no rollback of earlier steps.
func Run(cfg config.Configuration, opts Options) (*server.Server, error) {
	opts = opts.withDefaults()
	c := opts.Collaborators

	srv := c.NewServer(cfg.IOProvider)
	props := srv.Properties()
	props.PutAll(cfg.Overrides)

	keys, err := c.HostKeys(cfg.HostKeyAlgorithm, cfg.HostKeySize, cfg.HostKeyFiles)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: host keys: %w", err)
	}
	srv.SetKeyProvider(keys)

	if err := c.Banner(srv, props); err != nil {
		return nil, fmt.Errorf("bootstrap: banner: %w", err)
	}

	srv.SetPort(cfg.Port)

	if macs := props.Get(config.PropMACs); strings.TrimSpace(macs) != "" {
		if err := c.MACs(srv, macs, true, true); err != nil {
			return nil, fmt.Errorf("bootstrap: macs: %w", err)
		}
	}

	srv.SetShellFactory(c.Shell())
	srv.SetPasswordAuthenticator(c.Password())
	srv.SetPublickeyAuthenticator(c.Publickey())

	if err := c.Forwarding(srv, props); err != nil {
		return nil, fmt.Errorf("bootstrap: forwarding: %w", err)
	}

	srv.SetCommandFactory(c.Commands())

	subsystems, err := c.Subsystems(srv, props)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: subsystems: %w", err)
	}
	if len(subsystems) > 0 {
		fmt.Fprintf(opts.Stdout, "Setup subsystems=%s\n", strings.Join(subsystem.Names(subsystems), ","))
		srv.SetSubsystemFactories(subsystems)
	}

	fmt.Fprintf(opts.Stderr, "Starting SSHD on port %d\n", cfg.Port)
	log.Info().
		Int("port", cfg.Port).
		Str("backend", string(cfg.IOProvider)).
		Int("overrides", props.Len()).
		Msg("sshd.bootstrap starting")
	if err := c.Start(srv); err != nil {
		return nil, fmt.Errorf("bootstrap: start: %w", err)
	}
	return srv, nil
}
