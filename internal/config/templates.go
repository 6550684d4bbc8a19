package config

import (
	"fmt"
	"os"
)

// Template returns a commented sample properties file.
func Template() string {
	return propertiesTemplate
}

// WriteTemplate writes the sample properties file to path.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(propertiesTemplate), 0o600)
}

// Validate loads path into a fresh resolver and returns the result.
func Validate(path string) (Configuration, error) {
	res := NewResolver()
	if err := LoadFile(path, res); err != nil {
		return Configuration{}, err
	}
	return res.Configuration(), nil
}

const propertiesTemplate = `# sshd properties, applied before command-line flags.
Port = 8000
# HostKey = ["/etc/sshd/host_key"]

WelcomeBanner = "#auto-welcome-banner"
MACs = "hmac-sha2-256-etm@openssh.com,hmac-sha2-256"
AllowTcpForwarding = "local"
GatewayPorts = "no"

Subsystem = "sftp"
SftpReadOnly = "no"

NioWorkers = 4
MaxAuthTries = 6
IdleTimeout = "10m"
# MetricsAddress = "127.0.0.1:9102"
`
