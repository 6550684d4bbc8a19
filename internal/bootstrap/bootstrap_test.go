package bootstrap

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/danmuck/sshd/internal/auth"
	"github.com/danmuck/sshd/internal/config"
	"github.com/danmuck/sshd/internal/hostkey"
	"github.com/danmuck/sshd/internal/server"
	"github.com/danmuck/sshd/internal/testutil/sshtest"
	"github.com/danmuck/sshd/internal/testutil/testlog"
)

type recorder struct {
	steps       []string
	hostKeyArgs []any
	macArgs     []any
	banner      string
}

func (r *recorder) add(step string) { r.steps = append(r.steps, step) }

// recording wraps the defaults so every step is logged without binding a
// real port.
func recording(t *testing.T, r *recorder) *Collaborators {
	t.Helper()
	d := DefaultCollaborators()
	return &Collaborators{
		NewServer: func(backend config.IOProvider) *server.Server {
			r.add("new:" + string(backend))
			return d.NewServer(backend)
		},
		HostKeys: func(algorithm string, size int, files []string) (server.KeyProvider, error) {
			r.add("hostkeys")
			r.hostKeyArgs = []any{algorithm, size, files}
			return sshtest.Keys{sshtest.NewSigner(t)}, nil
		},
		Banner: func(srv *server.Server, props *config.Properties) error {
			r.add("banner")
			if len(srv.HostKeys()) == 0 {
				t.Fatalf("banner ran before host keys were installed")
			}
			err := d.Banner(srv, props)
			r.banner = srv.Banner()
			return err
		},
		MACs: func(srv *server.Server, list string, c2s, s2c bool) error {
			r.add("macs")
			r.macArgs = []any{list, c2s, s2c}
			return d.MACs(srv, list, c2s, s2c)
		},
		Shell: func() server.ShellFactory {
			r.add("shell")
			return d.Shell()
		},
		Password: func() auth.PasswordAuthenticator {
			r.add("password")
			return d.Password()
		},
		Publickey: func() auth.PublickeyAuthenticator {
			r.add("publickey")
			return d.Publickey()
		},
		Forwarding: func(srv *server.Server, props *config.Properties) error {
			r.add("forwarding")
			return d.Forwarding(srv, props)
		},
		Commands: func() server.CommandFactory {
			r.add("commands")
			return d.Commands()
		},
		Subsystems: func(srv *server.Server, props *config.Properties) ([]server.SubsystemFactory, error) {
			r.add("subsystems")
			return d.Subsystems(srv, props)
		},
		Start: func(srv *server.Server) error {
			r.add("start")
			if srv.Port() != 2222 {
				t.Fatalf("unexpected port at start: %d", srv.Port())
			}
			return nil
		},
	}
}

func TestRunStepOrder(t *testing.T) {
	testlog.Start(t)

	r := &recorder{}
	cfg := config.DefaultConfiguration()
	cfg.Port = 2222
	cfg.IOProvider = config.IOProviderMina
	cfg.HostKeyFiles = []string{"/etc/a", "/etc/b"}
	cfg.Overrides.Set("MACs", "hmac-sha2-256")
	cfg.Overrides.Set("WelcomeBanner", "hello")

	var stdout, stderr bytes.Buffer
	srv, err := Run(cfg, Options{Stdout: &stdout, Stderr: &stderr, Collaborators: recording(t, r)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{
		"new:mina-backend", "hostkeys", "banner", "macs", "shell", "password",
		"publickey", "forwarding", "commands", "subsystems", "start",
	}
	if !reflect.DeepEqual(r.steps, want) {
		t.Fatalf("unexpected step order:\n got %v\nwant %v", r.steps, want)
	}
	if !reflect.DeepEqual(r.hostKeyArgs, []any{"RSA", 0, []string{"/etc/a", "/etc/b"}}) {
		t.Fatalf("unexpected host key args: %v", r.hostKeyArgs)
	}
	if !reflect.DeepEqual(r.macArgs, []any{"hmac-sha2-256", true, true}) {
		t.Fatalf("unexpected mac args: %v", r.macArgs)
	}
	if r.banner != "hello" {
		t.Fatalf("unexpected banner: %q", r.banner)
	}
	if got := srv.Properties().Get("macs"); got != "hmac-sha2-256" {
		t.Fatalf("overrides not merged into server properties: %q", got)
	}
	if stdout.String() != "Setup subsystems=sftp\n" {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}
	if stderr.String() != "Starting SSHD on port 2222\n" {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
}

func TestRunSkipsEmptyOptionalSteps(t *testing.T) {
	testlog.Start(t)

	r := &recorder{}
	cfg := config.DefaultConfiguration()
	cfg.Port = 2222
	cfg.Overrides.Set("Subsystem", "none")

	var stdout bytes.Buffer
	if _, err := Run(cfg, Options{Stdout: &stdout, Stderr: &bytes.Buffer{}, Collaborators: recording(t, r)}); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, step := range r.steps {
		if step == "macs" {
			t.Fatalf("MAC configurator must not run without MACs")
		}
	}
	if stdout.Len() != 0 {
		t.Fatalf("no subsystem line expected, got %q", stdout.String())
	}
}

func TestRunPropagatesCollaboratorErrors(t *testing.T) {
	testlog.Start(t)

	cfg := config.DefaultConfiguration()
	cfg.HostKeyAlgorithm = "NOPE"
	_, err := Run(cfg, Options{Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}})
	if !errors.Is(err, hostkey.ErrUnsupportedAlgorithm) {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}

	r := &recorder{}
	cfg = config.DefaultConfiguration()
	cfg.Port = 2222
	cfg.Overrides.Set("Subsystem", "scp")
	var stderr bytes.Buffer
	_, err = Run(cfg, Options{Stdout: &bytes.Buffer{}, Stderr: &stderr, Collaborators: recording(t, r)})
	if err == nil || !strings.Contains(err.Error(), "subsystems") {
		t.Fatalf("expected subsystem error, got %v", err)
	}
	if stderr.Len() != 0 {
		t.Fatalf("start line must not print after a failure, got %q", stderr.String())
	}
}

func TestRunStartsRealServer(t *testing.T) {
	testlog.Start(t)

	cfg := config.DefaultConfiguration()
	cfg.Port = 0
	cfg.HostKeyAlgorithm = "EC"
	cfg.Overrides.Set("Subsystem", "none")

	var stderr bytes.Buffer
	srv, err := Run(cfg, Options{Stdout: &bytes.Buffer{}, Stderr: &stderr})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer srv.Close()

	client := sshtest.Client{Addr: sshtest.LoopbackAddr(srv.Addr()), User: "carol", Password: "carol"}
	conn, err := client.Dial()
	if err != nil {
		t.Fatalf("dial with user==password: %v", err)
	}
	conn.Close()

	if _, err := (sshtest.Client{Addr: client.Addr, User: "carol", Password: "nope"}).Dial(); err == nil {
		t.Fatalf("expected password rejection")
	}
	if _, err := (sshtest.Client{Addr: client.Addr, User: "dave", Signer: sshtest.NewSigner(t)}).Dial(); err != nil {
		t.Fatalf("expected publickey accept-all, got %v", err)
	}
}
