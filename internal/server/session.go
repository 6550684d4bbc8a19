package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/danmuck/sshd/internal/observability"
	"golang.org/x/crypto/ssh"
)

// Session is the view of a session channel handed to a Command.
type Session struct {
	ConnID     string
	User       string
	RemoteAddr net.Addr
	Env        []string
	PTY        *PTY
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
	// Channel is the raw channel for subsystems that speak a framed
	// protocol over it.
	Channel io.ReadWriteCloser
}

// PTY is the terminal requested by the client. No pseudo-terminal is
// allocated; commands see the request and run over plain pipes.
type PTY struct {
	Term   string
	Width  uint32
	Height uint32
}

// Command runs to completion against a session and returns its exit status.
type Command interface {
	Run(ctx context.Context, s *Session) (int, error)
}

// CommandFunc adapts a function into a Command.
type CommandFunc func(ctx context.Context, s *Session) (int, error)

func (f CommandFunc) Run(ctx context.Context, s *Session) (int, error) {
	return f(ctx, s)
}

type ShellFactory interface {
	NewShell() Command
}

type CommandFactory interface {
	NewCommand(line string) (Command, error)
}

// CommandFactoryFunc adapts a function into a CommandFactory.
type CommandFactoryFunc func(line string) (Command, error)

func (f CommandFactoryFunc) NewCommand(line string) (Command, error) {
	return f(line)
}

type SubsystemFactory interface {
	Name() string
	NewSubsystem() Command
}

type envRequest struct {
	Name  string
	Value string
}

type ptyRequest struct {
	Term     string
	Columns  uint32
	Rows     uint32
	WidthPx  uint32
	HeightPx uint32
	Modes    string
}

type windowChange struct {
	Columns  uint32
	Rows     uint32
	WidthPx  uint32
	HeightPx uint32
}

type execRequest struct {
	Command string
}

type subsystemRequest struct {
	Name string
}

type exitStatus struct {
	Status uint32
}

func (c *conn) handleSession(newCh ssh.NewChannel) {
	ch, reqs, err := newCh.Accept()
	if err != nil {
		c.logger.Debug().Err(err).Msg("sshd.session accept failed")
		return
	}
	sess := &Session{
		ConnID:     c.id,
		User:       c.sc.User(),
		RemoteAddr: c.sc.RemoteAddr(),
		Stdin:      ch,
		Stdout:     ch,
		Stderr:     ch.Stderr(),
		Channel:    ch,
	}

	running := false
	for req := range reqs {
		switch req.Type {
		case "env":
			if running {
				_ = req.Reply(false, nil)
				continue
			}
			var env envRequest
			if err := ssh.Unmarshal(req.Payload, &env); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			sess.Env = append(sess.Env, env.Name+"="+env.Value)
			_ = req.Reply(true, nil)
		case "pty-req":
			if running {
				_ = req.Reply(false, nil)
				continue
			}
			var pty ptyRequest
			if err := ssh.Unmarshal(req.Payload, &pty); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			sess.PTY = &PTY{Term: pty.Term, Width: pty.Columns, Height: pty.Rows}
			sess.Env = append(sess.Env, "TERM="+pty.Term)
			_ = req.Reply(true, nil)
		case "window-change":
			var wc windowChange
			// The running command owns its snapshot; later sizes are acknowledged only.
			if err := ssh.Unmarshal(req.Payload, &wc); err == nil && !running && sess.PTY != nil {
				sess.PTY.Width, sess.PTY.Height = wc.Columns, wc.Rows
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		case "shell", "exec", "subsystem":
			if running {
				_ = req.Reply(false, nil)
				continue
			}
			kind, cmd, err := c.resolveCommand(req)
			if err != nil {
				c.logger.Info().Err(err).Str("request", req.Type).Msg("sshd.session request refused")
				_ = req.Reply(false, nil)
				continue
			}
			running = true
			_ = req.Reply(true, nil)
			launched := sess.snapshot()
			c.goHandle(func() { c.runCommand(ch, launched, kind, cmd) })
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
	if !running {
		_ = ch.Close()
	}
}

// snapshot copies the session state a command may read while the request
// loop keeps running.
func (s *Session) snapshot() *Session {
	out := *s
	out.Env = append([]string(nil), s.Env...)
	if s.PTY != nil {
		pty := *s.PTY
		out.PTY = &pty
	}
	return &out
}

func (c *conn) resolveCommand(req *ssh.Request) (string, Command, error) {
	switch req.Type {
	case "shell":
		if c.shell == nil {
			return "", nil, fmt.Errorf("no shell factory")
		}
		return "shell", c.shell.NewShell(), nil
	case "exec":
		var r execRequest
		if err := ssh.Unmarshal(req.Payload, &r); err != nil {
			return "", nil, err
		}
		if c.command == nil {
			return "", nil, fmt.Errorf("no command factory")
		}
		cmd, err := c.command.NewCommand(r.Command)
		if err != nil {
			return "", nil, err
		}
		c.logger.Info().Str("command", r.Command).Msg("sshd.session exec")
		return "exec", cmd, nil
	default:
		var r subsystemRequest
		if err := ssh.Unmarshal(req.Payload, &r); err != nil {
			return "", nil, err
		}
		f, ok := c.subsystems[r.Name]
		if !ok {
			return "", nil, fmt.Errorf("unknown subsystem %q", r.Name)
		}
		c.logger.Info().Str("subsystem", r.Name).Msg("sshd.session subsystem")
		return "subsystem", f.NewSubsystem(), nil
	}
}

func (c *conn) runCommand(ch ssh.Channel, sess *Session, kind string, cmd Command) {
	start := time.Now()
	status, err := cmd.Run(c.ctx, sess)
	if err != nil {
		c.logger.Debug().Err(err).Str("kind", kind).Int("status", status).Msg("sshd.session command error")
	}
	observability.RecordSession(kind, status, time.Since(start))
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{Status: uint32(status)}))
	_ = ch.Close()
}
