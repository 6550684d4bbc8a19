// Package auth provides minimal SSH authentication helpers.
//
// It avoids policy decisions and storage concerns; the server asks these
// authenticators once per attempt and maps a nil error to success.
package auth

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/ssh"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// PasswordAuthenticator validates a username/password pair.
type PasswordAuthenticator interface {
	AuthenticatePassword(user, password string) error
}

// PublickeyAuthenticator validates a username and offered public key.
type PublickeyAuthenticator interface {
	AuthenticatePublickey(user string, key ssh.PublicKey) error
}

// EchoPassword accepts a login exactly when the password equals the
// username. It is intended only for development and test servers.
type EchoPassword struct{}

func (EchoPassword) AuthenticatePassword(user, password string) error {
	if subtle.ConstantTimeCompare([]byte(user), []byte(password)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// AcceptAllPublickey accepts any offered key for any user.
type AcceptAllPublickey struct{}

func (AcceptAllPublickey) AuthenticatePublickey(string, ssh.PublicKey) error {
	return nil
}
