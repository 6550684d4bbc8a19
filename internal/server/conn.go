package server

import (
	"context"
	"net"
	"sync"

	"github.com/danmuck/sshd/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// conn is one authenticated client connection.
type conn struct {
	id     string
	srv    *Server
	sc     *ssh.ServerConn
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	shell      ShellFactory
	command    CommandFactory
	subsystems map[string]SubsystemFactory
	forwarding ForwardingFilter

	mu       sync.Mutex
	forwards map[string]net.Listener
	wg       sync.WaitGroup
}

func (s *Server) handshake(id string, nc net.Conn, cfg *ssh.ServerConfig) {
	logger := log.With().Str("conn", id).Str("remote", nc.RemoteAddr().String()).Logger()
	sc, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		s.untrack(id)
		_ = nc.Close()
		observability.RecordHandshakeFailure()
		logger.Debug().Err(err).Msg("sshd.server handshake failed")
		return
	}

	s.mu.Lock()
	subsystems := make(map[string]SubsystemFactory, len(s.subsystems))
	for name, f := range s.subsystems {
		subsystems[name] = f
	}
	ctx, cancel := context.WithCancel(s.ctx)
	c := &conn{
		id:         id,
		srv:        s,
		sc:         sc,
		logger:     logger.With().Str("user", sc.User()).Logger(),
		ctx:        ctx,
		cancel:     cancel,
		shell:      s.shell,
		command:    s.command,
		subsystems: subsystems,
		forwarding: s.forwarding,
		forwards:   make(map[string]net.Listener),
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.serve(chans, reqs)
	}()
}

func (c *conn) serve(chans <-chan ssh.NewChannel, reqs <-chan *ssh.Request) {
	observability.TrackActive(1)
	c.logger.Info().
		Str("client", string(c.sc.ClientVersion())).
		Msg("sshd.server connection established")

	go c.handleGlobalRequests(reqs)
	for newCh := range chans {
		c.dispatchChannel(newCh)
	}

	c.cancel()
	c.closeForwards()
	_ = c.sc.Close()
	c.wg.Wait()
	c.srv.untrack(c.id)
	observability.TrackActive(-1)
	c.logger.Info().Msg("sshd.server connection closed")
}

func (c *conn) dispatchChannel(newCh ssh.NewChannel) {
	switch newCh.ChannelType() {
	case "session":
		observability.RecordChannel("session", true)
		c.goHandle(func() { c.handleSession(newCh) })
	case "direct-tcpip":
		c.goHandle(func() { c.handleDirectTCPIP(newCh) })
	default:
		observability.RecordChannel(newCh.ChannelType(), false)
		c.logger.Debug().Str("type", newCh.ChannelType()).Msg("sshd.server rejected channel")
		_ = newCh.Reject(ssh.UnknownChannelType, "unknown channel type")
	}
}

func (c *conn) goHandle(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *conn) handleGlobalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			c.handleTCPIPForward(req)
		case "cancel-tcpip-forward":
			c.handleCancelTCPIPForward(req)
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}
