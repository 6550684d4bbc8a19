// Package sshtest provides key material and SSH/SFTP clients for tests
// that talk to a running server.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Keys is a fixed host key provider.
type Keys []ssh.Signer

func (k Keys) Signers() []ssh.Signer {
	return []ssh.Signer(k)
}

// NewSigner returns a fresh ed25519 signer.
func NewSigner(t testing.TB) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

// WriteKey writes a fresh ed25519 private key under dir and returns its
// path and signer.
func WriteKey(t testing.TB, dir, name string) (string, ssh.Signer) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(dir, name)
	var buf bytes.Buffer
	if err := pem.Encode(&buf, block); err != nil {
		t.Fatalf("encode key: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return path, signer
}

// KnownHosts writes a known_hosts file pinning keys for addr and returns
// the matching callback.
func KnownHosts(t testing.TB, dir, addr string, keys ...ssh.PublicKey) ssh.HostKeyCallback {
	t.Helper()
	var lines []string
	for _, key := range keys {
		lines = append(lines, knownhosts.Line([]string{knownhosts.Normalize(addr)}, key))
	}
	path := filepath.Join(dir, "known_hosts")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}
	callback, err := knownhosts.New(path)
	if err != nil {
		t.Fatalf("load known_hosts: %v", err)
	}
	return callback
}

// Client dials a test server with password or public key credentials.
type Client struct {
	Addr            string
	User            string
	Password        string
	Signer          ssh.Signer
	HostKeyCallback ssh.HostKeyCallback
	Timeout         time.Duration
	// Banner receives the pre-auth banner when set.
	Banner func(string)
}

func (c Client) config() (*ssh.ClientConfig, error) {
	if c.User == "" {
		return nil, errors.New("sshtest: user is required")
	}
	var methods []ssh.AuthMethod
	if c.Signer != nil {
		methods = append(methods, ssh.PublicKeys(c.Signer))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	callback := c.HostKeyCallback
	if callback == nil {
		callback = ssh.InsecureIgnoreHostKey()
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cfg := &ssh.ClientConfig{
		User:            c.User,
		Auth:            methods,
		HostKeyCallback: callback,
		Timeout:         timeout,
	}
	if c.Banner != nil {
		cfg.BannerCallback = func(message string) error {
			c.Banner(message)
			return nil
		}
	}
	return cfg, nil
}

func (c Client) Dial() (*ssh.Client, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	return ssh.Dial("tcp", c.Addr, cfg)
}

// Run executes cmd in a new session and returns its output and exit status.
func (c Client) Run(cmd string, stdin string) (string, string, int, error) {
	client, err := c.Dial()
	if err != nil {
		return "", "", -1, err
	}
	defer client.Close()
	return RunOn(client, cmd, stdin)
}

// RunOn executes cmd on an existing connection.
func RunOn(client *ssh.Client, cmd string, stdin string) (string, string, int, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", "", -1, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	session.Stdin = strings.NewReader(stdin)

	err = session.Run(cmd)
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), stderr.String(), exitErr.ExitStatus(), nil
	}
	if err != nil {
		return stdout.String(), stderr.String(), -1, err
	}
	return stdout.String(), stderr.String(), 0, nil
}

// SFTP opens an sftp client over client.
func SFTP(client *ssh.Client) (*sftp.Client, error) {
	return sftp.NewClient(client)
}

// LoopbackAddr rewrites a wildcard listener address to 127.0.0.1.
func LoopbackAddr(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(tcp.Port))
}
