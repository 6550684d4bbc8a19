package main

import (
	"fmt"
	"io"
	"os"

	"github.com/danmuck/sshd/internal/bootstrap"
	"github.com/danmuck/sshd/internal/cli"
	"github.com/danmuck/sshd/internal/config"
	"github.com/danmuck/sshd/internal/logging"
	"github.com/danmuck/sshd/internal/server"
)

const (
	exitUsage = -1
	exitError = 1
)

// envConfig names a TOML properties file applied before the command line.
const envConfig = "SSHD_CONFIG"

func main() {
	logging.ConfigureRuntime()

	srv, code := start(os.Args[1:], os.Getenv(envConfig), os.Stdout, os.Stderr, nil)
	if srv == nil {
		os.Exit(code)
	}
	err := srv.Wait()
	fmt.Fprintln(os.Stderr, "Exiting after a very (very very) long time")
	if err != nil {
		fmt.Fprintf(os.Stderr, "sshd: %v\n", err)
		os.Exit(exitError)
	}
}

// start resolves the configuration and runs the bootstrap. A nil server
// comes with the process exit code.
func start(args []string, configPath string, stdout, stderr io.Writer, collab *bootstrap.Collaborators) (*server.Server, int) {
	res := config.NewResolver()
	if configPath != "" {
		if err := config.LoadFile(configPath, res); err != nil {
			fmt.Fprintln(stderr, err)
			fmt.Fprintln(stderr, cli.Usage)
			return nil, exitUsage
		}
	}

	cfg, err := cli.ParseInto(res, args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		fmt.Fprintln(stderr, cli.Usage)
		return nil, exitUsage
	}

	srv, err := bootstrap.Run(cfg, bootstrap.Options{
		Stdout:        stdout,
		Stderr:        stderr,
		Collaborators: collab,
	})
	if err != nil {
		fmt.Fprintf(stderr, "sshd: %v\n", err)
		return nil, exitError
	}
	return srv, 0
}
