// Package shell provides the session shell and exec command factories,
// both backed by local processes.
package shell

import (
	"context"
	"strings"

	"github.com/danmuck/sshd/internal/server"
	"github.com/danmuck/sshd/internal/tools"
	"github.com/rs/zerolog/log"
)

// InteractiveProcess starts the same program for every shell request.
type InteractiveProcess struct {
	Command []string
	Runner  tools.ProcessRunner
}

// DefaultInteractiveCommand is a login shell over plain pipes.
var DefaultInteractiveCommand = []string{"/bin/sh", "-i", "-l"}

func NewInteractiveProcess(command ...string) *InteractiveProcess {
	if len(command) == 0 {
		command = DefaultInteractiveCommand
	}
	return &InteractiveProcess{
		Command: append([]string(nil), command...),
		Runner:  tools.ExecRunner{},
	}
}

func (p *InteractiveProcess) NewShell() server.Command {
	return &Process{Argv: p.Command, Runner: p.Runner}
}

// ProcessCommandFactory turns an exec request into a local process. The
// command line is split on single spaces without any quoting rules, so
// "a  b" yields an empty argument between a and b.
type ProcessCommandFactory struct {
	Runner tools.ProcessRunner
}

func NewProcessCommandFactory() *ProcessCommandFactory {
	return &ProcessCommandFactory{Runner: tools.ExecRunner{}}
}

func (f *ProcessCommandFactory) NewCommand(line string) (server.Command, error) {
	return &Process{Argv: SplitCommand(line), Runner: f.Runner}, nil
}

// SplitCommand splits line on every single space.
func SplitCommand(line string) []string {
	return strings.Split(line, " ")
}

// Process is one local process bound to a session.
type Process struct {
	Argv   []string
	Runner tools.ProcessRunner
}

func (p *Process) Run(ctx context.Context, s *server.Session) (int, error) {
	runner := p.Runner
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	if len(p.Argv) == 0 || p.Argv[0] == "" {
		return 127, tools.ErrEmptyCommand
	}
	env := append([]string{"USER=" + s.User, "LOGNAME=" + s.User}, s.Env...)
	code, err := runner.Stream(ctx, tools.Process{
		Name:   p.Argv[0],
		Args:   p.Argv[1:],
		Env:    env,
		Stdin:  s.Stdin,
		Stdout: s.Stdout,
		Stderr: s.Stderr,
	})
	log.Debug().
		Str("conn", s.ConnID).
		Strs("argv", p.Argv).
		Int32("status", code).
		Msg("sshd.shell process exited")
	return int(code), err
}
