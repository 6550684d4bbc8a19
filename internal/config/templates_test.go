package config

import (
	"path/filepath"
	"testing"
)

func TestTemplateValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sshd.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := WriteTemplate(path, true); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}

	cfg, err := Validate(path)
	if err != nil {
		t.Fatalf("validate template: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Fatalf("unexpected port: %d", cfg.Port)
	}
	if cfg.Overrides.Get(PropSubsystem) != "sftp" {
		t.Fatalf("unexpected subsystem: %q", cfg.Overrides.Get(PropSubsystem))
	}
	if workers, err := cfg.Overrides.Int(PropNioWorkers, 0); err != nil || workers != 4 {
		t.Fatalf("unexpected workers: %d %v", workers, err)
	}
}
