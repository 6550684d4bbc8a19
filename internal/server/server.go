// Package server is the SSH daemon built on golang.org/x/crypto/ssh.
//
// A Server is assembled through setters, then Start binds the port and runs
// the accept loop in the background. Connections are identified by a uuid
// that appears in every log event for that connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/danmuck/sshd/internal/auth"
	"github.com/danmuck/sshd/internal/config"
	"github.com/danmuck/sshd/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

var (
	ErrNoHostKeys     = errors.New("server: no host keys")
	ErrAlreadyStarted = errors.New("server: already started")
	ErrNotStarted     = errors.New("server: not started")
	ErrInvalidSetting = errors.New("server: invalid setting")
)

const DefaultServerVersion = "SSH-2.0-SSHD_1.0"

// KeyProvider supplies the host key signers.
type KeyProvider interface {
	Signers() []ssh.Signer
}

// ForwardingFilter decides which TCP forwarding requests are honoured.
type ForwardingFilter interface {
	// AllowLocal gates direct-tcpip channels to host:port.
	AllowLocal(user, host string, port int) bool
	// AllowRemote gates tcpip-forward requests. It returns the address to
	// bind, which may differ from the requested one.
	AllowRemote(user, bindAddr string, port int) (string, bool)
}

type Server struct {
	backend config.IOProvider
	props   *config.Properties

	mu         sync.Mutex
	keys       KeyProvider
	banner     string
	port       int
	macs       []string
	shell      ShellFactory
	command    CommandFactory
	subsystems map[string]SubsystemFactory
	password   auth.PasswordAuthenticator
	publickey  auth.PublickeyAuthenticator
	forwarding ForwardingFilter

	ln      net.Listener
	metrics *observability.Endpoint
	conns   map[string]net.Conn
	started time.Time
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	wg      sync.WaitGroup
}

// New returns an unstarted server using the given I/O backend.
func New(backend config.IOProvider) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		backend:    backend,
		props:      config.NewProperties(),
		subsystems: make(map[string]SubsystemFactory),
		conns:      make(map[string]net.Conn),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Properties is the live, mutable property table read by collaborators and
// by Start.
func (s *Server) Properties() *config.Properties {
	return s.props
}

func (s *Server) Backend() config.IOProvider {
	return s.backend
}

func (s *Server) SetKeyProvider(p KeyProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = p
}

// HostKeys returns the public halves of the installed host keys.
func (s *Server) HostKeys() []ssh.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		return nil
	}
	var out []ssh.PublicKey
	for _, signer := range s.keys.Signers() {
		out = append(out, signer.PublicKey())
	}
	return out
}

// SetBanner sets the pre-authentication banner. Empty disables it.
func (s *Server) SetBanner(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.banner = text
}

func (s *Server) Banner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.banner
}

func (s *Server) SetPort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.port = port
}

func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// SetMACs restricts the MAC algorithms offered in both directions.
func (s *Server) SetMACs(macs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.macs = append([]string(nil), macs...)
}

func (s *Server) MACs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.macs...)
}

func (s *Server) SetShellFactory(f ShellFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shell = f
}

func (s *Server) SetCommandFactory(f CommandFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.command = f
}

// SetSubsystemFactories replaces the installed subsystems.
func (s *Server) SetSubsystemFactories(factories []SubsystemFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subsystems = make(map[string]SubsystemFactory, len(factories))
	for _, f := range factories {
		if f == nil {
			continue
		}
		s.subsystems[f.Name()] = f
	}
}

func (s *Server) SetPasswordAuthenticator(a auth.PasswordAuthenticator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.password = a
}

func (s *Server) SetPublickeyAuthenticator(a auth.PublickeyAuthenticator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publickey = a
}

func (s *Server) SetForwardingFilter(f ForwardingFilter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwarding = f
}

type settings struct {
	workers     int
	idleTimeout time.Duration
	metricsAddr string
}

func (s *Server) readSettings() (settings, error) {
	var st settings
	var err error
	if st.workers, err = s.props.Int(config.PropNioWorkers, runtime.NumCPU()+1); err != nil {
		return st, fmt.Errorf("%w: %v", ErrInvalidSetting, err)
	}
	if st.workers <= 0 {
		return st, fmt.Errorf("%w: %s must be positive", ErrInvalidSetting, config.PropNioWorkers)
	}
	if st.idleTimeout, err = s.props.Duration(config.PropIdleTimeout, 0); err != nil {
		return st, fmt.Errorf("%w: %v", ErrInvalidSetting, err)
	}
	st.metricsAddr = strings.TrimSpace(s.props.Get(config.PropMetricsAddress))
	return st, nil
}

func (s *Server) sshConfig() (*ssh.ServerConfig, error) {
	maxTries, err := s.props.Int(config.PropMaxAuthTries, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSetting, err)
	}
	version := s.props.Get(config.PropServerVersion)
	if version == "" {
		version = DefaultServerVersion
	}
	if !strings.HasPrefix(version, "SSH-2.0-") {
		return nil, fmt.Errorf("%w: %s must start with SSH-2.0-", ErrInvalidSetting, config.PropServerVersion)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil || len(s.keys.Signers()) == 0 {
		return nil, ErrNoHostKeys
	}
	cfg := &ssh.ServerConfig{
		MaxAuthTries:  maxTries,
		ServerVersion: version,
	}
	cfg.MACs = append([]string(nil), s.macs...)
	for _, signer := range s.keys.Signers() {
		cfg.AddHostKey(signer)
	}
	if banner := s.banner; banner != "" {
		cfg.BannerCallback = func(ssh.ConnMetadata) string { return banner }
	}
	if pw := s.password; pw != nil {
		cfg.PasswordCallback = func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			err := pw.AuthenticatePassword(meta.User(), string(password))
			observability.RecordAuthAttempt("password", err == nil)
			log.Debug().
				Str("user", meta.User()).
				Str("remote", meta.RemoteAddr().String()).
				Bool("success", err == nil).
				Msg("sshd.auth password")
			if err != nil {
				return nil, err
			}
			return &ssh.Permissions{}, nil
		}
	}
	if pk := s.publickey; pk != nil {
		cfg.PublicKeyCallback = func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			err := pk.AuthenticatePublickey(meta.User(), key)
			observability.RecordAuthAttempt("publickey", err == nil)
			log.Debug().
				Str("user", meta.User()).
				Str("remote", meta.RemoteAddr().String()).
				Str("key", ssh.FingerprintSHA256(key)).
				Bool("success", err == nil).
				Msg("sshd.auth publickey")
			if err != nil {
				return nil, err
			}
			return &ssh.Permissions{
				Extensions: map[string]string{"pubkey-fp": ssh.FingerprintSHA256(key)},
			}, nil
		}
	}
	return cfg, nil
}

// Start binds the configured port and begins accepting connections.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.ln != nil || s.closed {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	port := s.port
	s.mu.Unlock()

	st, err := s.readSettings()
	if err != nil {
		return err
	}
	cfg, err := s.sshConfig()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("server: listen on port %d: %w", port, err)
	}

	started := time.Now()
	var endpoint *observability.Endpoint
	if st.metricsAddr != "" {
		endpoint, err = observability.Serve(st.metricsAddr, observability.NewRouter("sshd", started))
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("server: metrics endpoint: %w", err)
		}
	}

	s.mu.Lock()
	s.ln = ln
	s.metrics = endpoint
	s.started = started
	s.mu.Unlock()

	log.Info().
		Str("addr", ln.Addr().String()).
		Str("backend", s.backendName()).
		Int("workers", st.workers).
		Msg("sshd.server listening")

	go s.serve(ln, cfg, st)
	return nil
}

func (s *Server) backendName() string {
	if s.backend == config.IOProviderUnset {
		return string(config.IOProviderNio2)
	}
	return string(s.backend)
}

func (s *Server) serve(ln net.Listener, cfg *ssh.ServerConfig, st settings) {
	dispatch, stop := s.dispatcher(cfg, st)
	err := s.acceptLoop(ln, dispatch, st)
	stop()
	s.finish(err)
}

func (s *Server) acceptLoop(ln net.Listener, dispatch func(string, net.Conn), st settings) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = time.Second

	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			if retryableAccept(err) {
				wait := b.NextBackOff()
				log.Warn().Err(err).Dur("retry_in", wait).Msg("sshd.server accept failed")
				time.Sleep(wait)
				continue
			}
			log.Error().Err(err).Msg("sshd.server accept loop stopped")
			return err
		}
		b.Reset()
		observability.RecordConnection(s.backendName())
		if st.idleTimeout > 0 {
			nc = &idleConn{Conn: nc, timeout: st.idleTimeout}
		}
		id := uuid.NewString()
		if !s.track(id, nc) {
			_ = nc.Close()
			return nil
		}
		dispatch(id, nc)
	}
}

func retryableAccept(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ECONNABORTED)
}

// dispatcher returns the connection hand-off for the configured backend.
// The mina backend runs handshakes on a bounded worker pool; the nio2 and
// unset backends start one goroutine per connection.
func (s *Server) dispatcher(cfg *ssh.ServerConfig, st settings) (func(string, net.Conn), func()) {
	if s.backend != config.IOProviderMina {
		dispatch := func(id string, nc net.Conn) {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handshake(id, nc, cfg)
			}()
		}
		return dispatch, func() {}
	}

	type job struct {
		id string
		nc net.Conn
	}
	queue := make(chan job)
	var workers sync.WaitGroup
	for i := 0; i < st.workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for j := range queue {
				s.handshake(j.id, j.nc, cfg)
			}
		}()
	}
	dispatch := func(id string, nc net.Conn) {
		select {
		case queue <- job{id: id, nc: nc}:
		case <-s.ctx.Done():
			s.untrack(id)
			_ = nc.Close()
		}
	}
	stop := func() {
		close(queue)
		workers.Wait()
	}
	return dispatch, stop
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	s.err = err
	close(s.done)
}

// Addr is the bound listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Uptime is the time since Start, zero before it.
func (s *Server) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

// MetricsAddr is the bound metrics endpoint address, nil when disabled.
func (s *Server) MetricsAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics == nil {
		return nil
	}
	return s.metrics.Addr()
}

// Wait blocks until the accept loop stops and returns its terminal error,
// nil after Close.
func (s *Server) Wait() error {
	s.mu.Lock()
	idle := s.ln == nil && !s.closed
	s.mu.Unlock()
	if idle {
		return ErrNotStarted
	}
	<-s.done
	s.wg.Wait()
	return s.err
}

// Close stops accepting, drops live connections and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	endpoint := s.metrics
	conns := make([]net.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	var err error
	if ln != nil {
		err = ln.Close()
	} else {
		s.finish(nil)
	}
	for _, c := range conns {
		_ = c.Close()
	}
	if endpoint != nil {
		if cerr := endpoint.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Server) track(id string, c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[id] = c
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

// idleConn closes the connection after timeout without traffic.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	_ = c.Conn.SetDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(p)
}

func (c *idleConn) Write(p []byte) (int, error) {
	_ = c.Conn.SetDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(p)
}
