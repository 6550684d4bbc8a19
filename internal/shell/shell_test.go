package shell

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/danmuck/sshd/internal/server"
	"github.com/danmuck/sshd/internal/testutil/testlog"
	"github.com/danmuck/sshd/internal/tools"
)

type recordingRunner struct {
	got  tools.Process
	code int32
}

func (r *recordingRunner) Stream(_ context.Context, p tools.Process) (int32, error) {
	r.got = p
	if p.Stdout != nil {
		_, _ = p.Stdout.Write([]byte("out"))
	}
	return r.code, nil
}

func TestSplitCommandKeepsEmptyFields(t *testing.T) {
	cases := map[string][]string{
		"ls -l":      {"ls", "-l"},
		"a  b":       {"a", "", "b"},
		"echo 'x y'": {"echo", "'x", "y'"},
		"":           {""},
	}
	for line, want := range cases {
		if got := SplitCommand(line); !reflect.DeepEqual(got, want) {
			t.Fatalf("split %q: expected %q, got %q", line, want, got)
		}
	}
}

func TestProcessCommandFactory(t *testing.T) {
	testlog.Start(t)

	runner := &recordingRunner{code: 4}
	f := &ProcessCommandFactory{Runner: runner}
	cmd, err := f.NewCommand("ls -l /tmp")
	if err != nil {
		t.Fatalf("new command: %v", err)
	}
	var stdout bytes.Buffer
	code, err := cmd.Run(context.Background(), &server.Session{
		User:   "alice",
		Env:    []string{"LANG=C"},
		Stdin:  strings.NewReader(""),
		Stdout: &stdout,
	})
	if err != nil || code != 4 {
		t.Fatalf("unexpected run result: %d %v", code, err)
	}
	if runner.got.Name != "ls" || !reflect.DeepEqual(runner.got.Args, []string{"-l", "/tmp"}) {
		t.Fatalf("unexpected argv: %q %q", runner.got.Name, runner.got.Args)
	}
	if !reflect.DeepEqual(runner.got.Env, []string{"USER=alice", "LOGNAME=alice", "LANG=C"}) {
		t.Fatalf("unexpected env: %v", runner.got.Env)
	}
	if stdout.String() != "out" {
		t.Fatalf("stdout not wired: %q", stdout.String())
	}
}

func TestEmptyCommandRefused(t *testing.T) {
	testlog.Start(t)

	cmd, _ := (&ProcessCommandFactory{Runner: &recordingRunner{}}).NewCommand("")
	code, err := cmd.Run(context.Background(), &server.Session{})
	if code != 127 || !errors.Is(err, tools.ErrEmptyCommand) {
		t.Fatalf("expected 127 and ErrEmptyCommand, got %d %v", code, err)
	}
}

func TestInteractiveProcessDefaults(t *testing.T) {
	testlog.Start(t)

	p := NewInteractiveProcess()
	if !reflect.DeepEqual(p.Command, []string{"/bin/sh", "-i", "-l"}) {
		t.Fatalf("unexpected shell command: %v", p.Command)
	}
	runner := &recordingRunner{}
	p.Runner = runner
	if _, err := p.NewShell().Run(context.Background(), &server.Session{User: "u"}); err != nil {
		t.Fatalf("run shell: %v", err)
	}
	if runner.got.Name != "/bin/sh" || !reflect.DeepEqual(runner.got.Args, []string{"-i", "-l"}) {
		t.Fatalf("unexpected shell argv: %q %q", runner.got.Name, runner.got.Args)
	}
}
