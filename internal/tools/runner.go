package tools

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"time"
)

var ErrEmptyCommand = errors.New("tools: empty command")

// Process describes one local process and where its stdio goes.
type Process struct {
	Name   string
	Args   []string
	Dir    string
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// ProcessRunner abstracts process execution for the session handlers.
type ProcessRunner interface {
	Stream(ctx context.Context, p Process) (int32, error)
}

// ExecRunner executes processes on the local host.
type ExecRunner struct {
	// WaitDelay bounds how long Stream waits for stdio after exit.
	WaitDelay time.Duration
}

// Stream runs p to completion and returns its exit status. Stdin is copied
// until the process exits or the reader ends, whichever comes first.
func (r ExecRunner) Stream(ctx context.Context, p Process) (int32, error) {
	cmd := exec.CommandContext(ctx, p.Name, p.Args...)
	cmd.Dir = p.Dir
	if len(p.Env) > 0 {
		cmd.Env = append(cmd.Environ(), p.Env...)
	}
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = time.Second
	}

	var stdin io.WriteCloser
	if p.Stdin != nil {
		pipe, err := cmd.StdinPipe()
		if err != nil {
			return 1, err
		}
		stdin = pipe
	}
	if err := cmd.Start(); err != nil {
		return ExitCode(err), err
	}
	if stdin != nil {
		go func() {
			_, _ = io.Copy(stdin, p.Stdin)
			_ = stdin.Close()
		}()
	}
	err := cmd.Wait()
	return ExitCode(err), err
}

// ExitCode maps a process error onto a shell-style exit status.
func ExitCode(err error) int32 {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return int32(code)
		}
		return 1
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return 127
	}
	return 1
}
