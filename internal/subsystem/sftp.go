package subsystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/danmuck/sshd/internal/config"
	"github.com/danmuck/sshd/internal/server"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

const SFTPName = "sftp"

// SFTP builds the sftp subsystem from SftpReadOnly and
// SftpWorkingDirectory.
type SFTP struct{}

func (SFTP) Name() string { return SFTPName }

func (SFTP) Build(props *config.Properties) (server.SubsystemFactory, error) {
	readOnly, err := props.Bool(config.PropSftpReadOnly, false)
	if err != nil {
		return nil, err
	}
	dir := props.Get(config.PropSftpWorkingDirectory)
	if dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", config.ErrInvalidProperty, config.PropSftpWorkingDirectory, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: %s: %s is not a directory", config.ErrInvalidProperty, config.PropSftpWorkingDirectory, dir)
		}
	}
	return &sftpFactory{readOnly: readOnly, dir: dir}, nil
}

type sftpFactory struct {
	readOnly bool
	dir      string
}

func (f *sftpFactory) Name() string { return SFTPName }

func (f *sftpFactory) NewSubsystem() server.Command {
	return server.CommandFunc(f.serve)
}

func (f *sftpFactory) options() []sftp.ServerOption {
	var opts []sftp.ServerOption
	if f.readOnly {
		opts = append(opts, sftp.ReadOnly())
	}
	if f.dir != "" {
		opts = append(opts, sftp.WithServerWorkingDirectory(f.dir))
	}
	return opts
}

func (f *sftpFactory) serve(ctx context.Context, s *server.Session) (int, error) {
	srv, err := sftp.NewServer(s.Channel, f.options()...)
	if err != nil {
		return 1, err
	}
	stop := context.AfterFunc(ctx, func() { _ = srv.Close() })
	defer stop()

	log.Debug().Str("conn", s.ConnID).Bool("read_only", f.readOnly).Msg("sshd.sftp session started")
	err = srv.Serve()
	_ = srv.Close()
	if err == nil || errors.Is(err, io.EOF) {
		return 0, nil
	}
	return 1, err
}
