package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/sshd/internal/auth"
	"github.com/danmuck/sshd/internal/config"
	"github.com/danmuck/sshd/internal/testutil/sshtest"
	"github.com/danmuck/sshd/internal/testutil/testlog"
	"golang.org/x/crypto/ssh"
)

type allowForwarding struct{}

func (allowForwarding) AllowLocal(string, string, int) bool { return true }

func (allowForwarding) AllowRemote(_ string, bindAddr string, _ int) (string, bool) {
	return "127.0.0.1", true
}

func echoCommands() CommandFactory {
	return CommandFactoryFunc(func(line string) (Command, error) {
		if line == "fail" {
			return nil, errors.New("refused")
		}
		return CommandFunc(func(ctx context.Context, s *Session) (int, error) {
			fmt.Fprintf(s.Stdout, "ran %s as %s", line, s.User)
			fmt.Fprint(s.Stderr, "err")
			if line == "exit3" {
				return 3, nil
			}
			return 0, nil
		}), nil
	})
}

func startServer(t *testing.T, backend config.IOProvider, mutate func(*Server)) (*Server, string, ssh.Signer) {
	t.Helper()
	hostKey := sshtest.NewSigner(t)
	srv := New(backend)
	srv.SetKeyProvider(sshtest.Keys{hostKey})
	srv.SetPort(0)
	srv.SetPasswordAuthenticator(auth.EchoPassword{})
	srv.SetCommandFactory(echoCommands())
	if mutate != nil {
		mutate(srv)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv, sshtest.LoopbackAddr(srv.Addr()), hostKey
}

func TestExecWithEchoPassword(t *testing.T) {
	testlog.Start(t)

	_, addr, hostKey := startServer(t, config.IOProviderUnset, nil)
	client := sshtest.Client{
		Addr:            addr,
		User:            "alice",
		Password:        "alice",
		HostKeyCallback: sshtest.KnownHosts(t, t.TempDir(), addr, hostKey.PublicKey()),
	}

	stdout, stderr, code, err := client.Run("hello", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stdout != "ran hello as alice" || stderr != "err" || code != 0 {
		t.Fatalf("unexpected result: stdout=%q stderr=%q code=%d", stdout, stderr, code)
	}

	_, _, code, err = client.Run("exit3", "")
	if err != nil || code != 3 {
		t.Fatalf("expected exit status 3, got %d (%v)", code, err)
	}
}

func TestPasswordRejected(t *testing.T) {
	testlog.Start(t)

	_, addr, _ := startServer(t, config.IOProviderUnset, nil)
	_, err := sshtest.Client{Addr: addr, User: "alice", Password: "wrong"}.Dial()
	if err == nil {
		t.Fatalf("expected authentication failure")
	}
}

func TestPublickeyAcceptAll(t *testing.T) {
	testlog.Start(t)

	_, addr, _ := startServer(t, config.IOProviderUnset, func(s *Server) {
		s.SetPublickeyAuthenticator(auth.AcceptAllPublickey{})
	})
	stdout, _, _, err := sshtest.Client{Addr: addr, User: "bob", Signer: sshtest.NewSigner(t)}.Run("x", "")
	if err != nil {
		t.Fatalf("publickey run: %v", err)
	}
	if stdout != "ran x as bob" {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
}

func TestBannerDelivered(t *testing.T) {
	testlog.Start(t)

	_, addr, _ := startServer(t, config.IOProviderUnset, func(s *Server) {
		s.SetBanner("Welcome\n")
	})
	var got string
	client, err := sshtest.Client{
		Addr:     addr,
		User:     "u",
		Password: "u",
		Banner:   func(msg string) { got = msg },
	}.Dial()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client.Close()
	if got != "Welcome\n" {
		t.Fatalf("unexpected banner: %q", got)
	}
}

func TestRefusedRequests(t *testing.T) {
	testlog.Start(t)

	_, addr, _ := startServer(t, config.IOProviderUnset, nil)
	client, err := sshtest.Client{Addr: addr, User: "u", Password: "u"}.Dial()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if err := session.RequestSubsystem("nope"); err == nil {
		t.Fatalf("expected unknown subsystem refused")
	}
	session.Close()

	session, err = client.NewSession()
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if err := session.Shell(); err == nil {
		t.Fatalf("expected shell refused without factory")
	}
	session.Close()

	if _, _, _, err := sshtest.RunOn(client, "fail", ""); err == nil {
		t.Fatalf("expected exec refused when factory fails")
	}

	if _, err := client.Dial("tcp", addr); err == nil {
		t.Fatalf("expected direct-tcpip refused without forwarding filter")
	}
}

func TestSessionRequestsAfterStartRefused(t *testing.T) {
	testlog.Start(t)

	_, addr, _ := startServer(t, config.IOProviderUnset, func(s *Server) {
		s.SetCommandFactory(CommandFactoryFunc(func(string) (Command, error) {
			return CommandFunc(func(ctx context.Context, s *Session) (int, error) {
				_, _ = io.Copy(io.Discard, s.Stdin)
				fmt.Fprint(s.Stdout, strings.Join(s.Env, ","))
				return 0, nil
			}), nil
		}))
	})
	client, err := sshtest.Client{Addr: addr, User: "u", Password: "u"}.Dial()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	defer session.Close()
	if err := session.Setenv("A", "1"); err != nil {
		t.Fatalf("setenv before start: %v", err)
	}
	var out strings.Builder
	session.Stdout = &out
	stdin, err := session.StdinPipe()
	if err != nil {
		t.Fatalf("stdin: %v", err)
	}
	if err := session.Start("env"); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 20; i++ {
		if err := session.Setenv(fmt.Sprintf("B%d", i), "2"); err == nil {
			t.Fatalf("expected env refused once the command runs")
		}
	}
	if _, err := session.SendRequest("window-change", false, ssh.Marshal(windowChange{Columns: 100, Rows: 40})); err != nil {
		t.Fatalf("window-change: %v", err)
	}
	_ = stdin.Close()
	if err := session.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := out.String(); got != "A=1" {
		t.Fatalf("unexpected env seen by command: %q", got)
	}
}

func TestSubsystemRuns(t *testing.T) {
	testlog.Start(t)

	_, addr, _ := startServer(t, config.IOProviderUnset, func(s *Server) {
		s.SetSubsystemFactories([]SubsystemFactory{upperSubsystem{}})
	})
	client, err := sshtest.Client{Addr: addr, User: "u", Password: "u"}.Dial()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	defer session.Close()
	stdin, _ := session.StdinPipe()
	stdout, _ := session.StdoutPipe()
	if err := session.RequestSubsystem("upper"); err != nil {
		t.Fatalf("request subsystem: %v", err)
	}
	fmt.Fprintln(stdin, "hello")
	line, err := bufio.NewReader(stdout).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "HELLO\n" {
		t.Fatalf("unexpected line: %q", line)
	}
}

type upperSubsystem struct{}

func (upperSubsystem) Name() string { return "upper" }

func (upperSubsystem) NewSubsystem() Command {
	return CommandFunc(func(ctx context.Context, s *Session) (int, error) {
		line, err := bufio.NewReader(s.Stdin).ReadString('\n')
		if err != nil {
			return 1, err
		}
		_, err = io.WriteString(s.Stdout, strings.ToUpper(line))
		return 0, err
	})
}

func TestDirectTCPIPForwarding(t *testing.T) {
	testlog.Start(t)

	echo := startEcho(t)
	_, addr, _ := startServer(t, config.IOProviderUnset, func(s *Server) {
		s.SetForwardingFilter(allowForwarding{})
	})
	client, err := sshtest.Client{Addr: addr, User: "u", Password: "u"}.Dial()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	conn, err := client.Dial("tcp", echo)
	if err != nil {
		t.Fatalf("direct-tcpip: %v", err)
	}
	defer conn.Close()
	fmt.Fprintln(conn, "ping")
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil || line != "ping\n" {
		t.Fatalf("unexpected echo: %q %v", line, err)
	}
}

func TestRemoteForwarding(t *testing.T) {
	testlog.Start(t)

	_, addr, _ := startServer(t, config.IOProviderUnset, func(s *Server) {
		s.SetForwardingFilter(allowForwarding{})
	})
	client, err := sshtest.Client{Addr: addr, User: "u", Password: "u"}.Dial()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ln, err := client.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("tcpip-forward: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = io.Copy(c, c)
	}()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 5*time.Second)
	if err != nil {
		t.Fatalf("dial forwarded port: %v", err)
	}
	defer conn.Close()
	fmt.Fprintln(conn, "pong")
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil || line != "pong\n" {
		t.Fatalf("unexpected forwarded echo: %q %v", line, err)
	}
}

func TestMinaBackendWorkerPool(t *testing.T) {
	testlog.Start(t)

	_, addr, _ := startServer(t, config.IOProviderMina, func(s *Server) {
		s.Properties().Set(config.PropNioWorkers, "1")
	})

	// Established connections do not hold the single handshake worker.
	first, err := sshtest.Client{Addr: addr, User: "u", Password: "u"}.Dial()
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _, err := sshtest.Client{Addr: addr, User: "u", Password: "u"}.Run("x", "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent run: %v", err)
		}
	}
	if _, _, _, err := sshtest.RunOn(first, "y", ""); err != nil {
		t.Fatalf("first connection still usable: %v", err)
	}
}

func TestStartValidation(t *testing.T) {
	testlog.Start(t)

	srv := New(config.IOProviderUnset)
	srv.SetPort(0)
	if err := srv.Start(); !errors.Is(err, ErrNoHostKeys) {
		t.Fatalf("expected ErrNoHostKeys, got %v", err)
	}
	if err := srv.Wait(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}

	srv.SetKeyProvider(sshtest.Keys{sshtest.NewSigner(t)})
	srv.Properties().Set(config.PropServerVersion, "OpenSSH")
	if err := srv.Start(); !errors.Is(err, ErrInvalidSetting) {
		t.Fatalf("expected ErrInvalidSetting for version, got %v", err)
	}
	srv.Properties().Delete(config.PropServerVersion)
	srv.Properties().Set(config.PropNioWorkers, "0")
	if err := srv.Start(); !errors.Is(err, ErrInvalidSetting) {
		t.Fatalf("expected ErrInvalidSetting for workers, got %v", err)
	}
	srv.Properties().Set(config.PropNioWorkers, "2")
	srv.Properties().Set(config.PropIdleTimeout, "soon")
	if err := srv.Start(); !errors.Is(err, ErrInvalidSetting) {
		t.Fatalf("expected ErrInvalidSetting for idle timeout, got %v", err)
	}
}

func TestCloseUnblocksWait(t *testing.T) {
	testlog.Start(t)

	srv, _, _ := startServer(t, config.IOProviderNio2, nil)
	done := make(chan error, 1)
	go func() { done <- srv.Wait() }()
	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil from Wait after Close, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("wait did not return after close")
	}
	if err := srv.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	testlog.Start(t)

	_, addr, _ := startServer(t, config.IOProviderUnset, func(s *Server) {
		s.Properties().Set(config.PropIdleTimeout, "200")
	})
	client, err := sshtest.Client{Addr: addr, User: "u", Password: "u"}.Dial()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_ = client.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("idle connection was not closed")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	testlog.Start(t)

	srv, _, _ := startServer(t, config.IOProviderUnset, func(s *Server) {
		s.Properties().Set(config.PropMetricsAddress, "127.0.0.1:0")
	})
	if srv.MetricsAddr() == nil {
		t.Fatalf("expected metrics endpoint")
	}
}

func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}
