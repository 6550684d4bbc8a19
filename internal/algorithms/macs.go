// Package algorithms narrows the negotiated algorithm lists.
package algorithms

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

var ErrNoSupportedMACs = errors.New("algorithms: no supported MACs")

// MACTarget receives the resolved MAC list.
type MACTarget interface {
	SetMACs(macs []string)
}

// SupportedMACs lists every MAC the transport can negotiate, preferred
// ones first.
func SupportedMACs() []string {
	macs := append([]string(nil), ssh.SupportedAlgorithms().MACs...)
	return append(macs, ssh.InsecureAlgorithms().MACs...)
}

// ConfigureMACs installs the comma separated MAC list on t. The transport
// negotiates one list for both directions, so it is installed when either
// direction is requested. Unknown names are skipped with a warning.
func ConfigureMACs(t MACTarget, list string, clientToServer, serverToClient bool) error {
	if !clientToServer && !serverToClient {
		return nil
	}
	supported := make(map[string]bool)
	for _, name := range SupportedMACs() {
		supported[name] = true
	}

	var macs []string
	var skipped []string
	seen := make(map[string]bool)
	for _, raw := range strings.Split(list, ",") {
		name := strings.TrimSpace(raw)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if !supported[name] {
			skipped = append(skipped, name)
			continue
		}
		macs = append(macs, name)
	}
	if len(skipped) > 0 {
		log.Warn().Strs("macs", skipped).Msg("sshd.algorithms skipping unsupported MACs")
	}
	if len(macs) == 0 {
		return fmt.Errorf("%w: %q", ErrNoSupportedMACs, list)
	}
	t.SetMACs(macs)
	log.Info().Strs("macs", macs).Msg("sshd.algorithms MACs configured")
	return nil
}
