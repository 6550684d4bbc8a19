// Package banner sets the pre-authentication banner from server properties.
package banner

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/sshd/internal/config"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

var (
	ErrNoHostKeys = errors.New("banner: auto banner needs host keys")
	ErrBannerFile = errors.New("banner: unreadable banner file")
)

const (
	// AutoWelcomeBanner asks for a banner listing the host key fingerprints.
	AutoWelcomeBanner = "#auto-welcome-banner"
	filePrefix        = "file:"
	none              = "none"
)

// Target is the part of the server the banner configurator touches.
type Target interface {
	HostKeys() []ssh.PublicKey
	SetBanner(text string)
}

// Configure reads WelcomeBanner, falling back to the sshd_config style
// Banner path, and installs the result. No property means no banner.
func Configure(t Target, props *config.Properties) error {
	text, source, err := resolve(t, props)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	t.SetBanner(text)
	log.Info().Str("source", source).Int("bytes", len(text)).Msg("sshd.banner configured")
	return nil
}

func resolve(t Target, props *config.Properties) (string, string, error) {
	if value, ok := props.Lookup(config.PropWelcomeBanner); ok {
		switch {
		case value == "":
			return "", "", nil
		case strings.EqualFold(value, AutoWelcomeBanner):
			text, err := Auto(t.HostKeys())
			return text, "auto", err
		case strings.HasPrefix(value, filePrefix):
			text, err := readFile(strings.TrimPrefix(value, filePrefix))
			return text, "file", err
		default:
			return value, "literal", nil
		}
	}
	if path, ok := props.Lookup(config.PropBanner); ok {
		path = strings.TrimSpace(path)
		if path == "" || strings.EqualFold(path, none) {
			return "", "", nil
		}
		text, err := readFile(path)
		return text, "file", err
	}
	return "", "", nil
}

// Auto renders the fingerprint banner for keys.
func Auto(keys []ssh.PublicKey) (string, error) {
	if len(keys) == 0 {
		return "", ErrNoHostKeys
	}
	var b strings.Builder
	b.WriteString("Welcome to SSHD\n\n")
	if host, err := os.Hostname(); err == nil {
		fmt.Fprintf(&b, "Host: %s\n", host)
	}
	b.WriteString("Host key fingerprints:\n")
	for _, key := range keys {
		fmt.Fprintf(&b, "  %s %s\n", key.Type(), ssh.FingerprintSHA256(key))
	}
	return b.String(), nil
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrBannerFile, path, err)
	}
	return string(data), nil
}
