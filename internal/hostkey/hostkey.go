// Package hostkey resolves the server identity keys from the requested
// algorithm, size and key file paths.
//
// With no files, one key is generated in memory. With files, each path is
// loaded when it exists and otherwise generated and written there, so later
// starts reuse the same identity.
package hostkey

import (
	"crypto"
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

var (
	ErrUnsupportedAlgorithm = errors.New("hostkey: unsupported algorithm")
	ErrUnsupportedKeySize   = errors.New("hostkey: unsupported key size")
	ErrKeyMaterial          = errors.New("hostkey: unusable key material")
)

const (
	AlgorithmRSA     = "RSA"
	AlgorithmDSA     = "DSA"
	AlgorithmEC      = "EC"
	AlgorithmEd25519 = "ED25519"
)

// Default sizes used when the requested size is 0.
const (
	DefaultRSASize = 2048
	DefaultDSASize = 1024
	DefaultECSize  = 256
)

// Provider is a resolved set of host key signers.
type Provider struct {
	signers []ssh.Signer
	paths   []string
}

func (p *Provider) Signers() []ssh.Signer {
	out := make([]ssh.Signer, len(p.signers))
	copy(out, p.signers)
	return out
}

// Paths lists the files backing the signers, empty for generated keys.
func (p *Provider) Paths() []string {
	out := make([]string, len(p.paths))
	copy(out, p.paths)
	return out
}

// Resolve builds the host key provider. Algorithm matching is case-insensitive.
func Resolve(algorithm string, size int, files []string) (*Provider, error) {
	algorithm = strings.ToUpper(strings.TrimSpace(algorithm))
	if len(files) == 0 {
		key, err := Generate(algorithm, size)
		if err != nil {
			return nil, err
		}
		signer, err := ssh.NewSignerFromKey(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
		}
		log.Info().
			Str("algorithm", algorithm).
			Str("fingerprint", ssh.FingerprintSHA256(signer.PublicKey())).
			Msg("sshd.hostkey generated ephemeral key")
		return &Provider{signers: []ssh.Signer{signer}}, nil
	}

	p := &Provider{}
	for _, path := range files {
		signer, err := loadOrGenerate(path, algorithm, size)
		if err != nil {
			return nil, err
		}
		p.signers = append(p.signers, signer)
		p.paths = append(p.paths, path)
	}
	return p, nil
}

func loadOrGenerate(path, algorithm string, size int) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrKeyMaterial, path, err)
		}
		log.Info().
			Str("path", path).
			Str("type", signer.PublicKey().Type()).
			Str("fingerprint", ssh.FingerprintSHA256(signer.PublicKey())).
			Msg("sshd.hostkey loaded")
		return signer, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyMaterial, path, err)
	}

	key, err := Generate(algorithm, size)
	if err != nil {
		return nil, err
	}
	if err := Write(path, key); err != nil {
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	log.Info().
		Str("path", path).
		Str("algorithm", algorithm).
		Str("fingerprint", ssh.FingerprintSHA256(signer.PublicKey())).
		Msg("sshd.hostkey generated")
	return signer, nil
}

// Generate creates a private key. size 0 selects the algorithm default.
func Generate(algorithm string, size int) (crypto.PrivateKey, error) {
	switch strings.ToUpper(algorithm) {
	case AlgorithmRSA:
		if size == 0 {
			size = DefaultRSASize
		}
		if size < 1024 {
			return nil, fmt.Errorf("%w: RSA %d", ErrUnsupportedKeySize, size)
		}
		return rsa.GenerateKey(rand.Reader, size)
	case AlgorithmEC:
		curve, err := curveFor(size)
		if err != nil {
			return nil, err
		}
		return ecdsa.GenerateKey(curve, rand.Reader)
	case AlgorithmEd25519:
		if size != 0 && size != 256 {
			return nil, fmt.Errorf("%w: ED25519 %d", ErrUnsupportedKeySize, size)
		}
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return priv, nil
	case AlgorithmDSA:
		return generateDSA(size)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
}

func curveFor(size int) (elliptic.Curve, error) {
	switch size {
	case 0, 256:
		return elliptic.P256(), nil
	case 384:
		return elliptic.P384(), nil
	case 521:
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("%w: EC %d", ErrUnsupportedKeySize, size)
	}
}

func generateDSA(size int) (crypto.PrivateKey, error) {
	if size != 0 && size != DefaultDSASize {
		// ssh-dss is defined for 1024-bit keys only.
		return nil, fmt.Errorf("%w: DSA %d", ErrUnsupportedKeySize, size)
	}
	key := new(dsa.PrivateKey)
	if err := dsa.GenerateParameters(&key.Parameters, rand.Reader, dsa.L1024N160); err != nil {
		return nil, err
	}
	if err := dsa.GenerateKey(key, rand.Reader); err != nil {
		return nil, err
	}
	return key, nil
}

type dsaASN1 struct {
	Version       int
	P, Q, G, Y, X *big.Int
}

// Write persists key in PEM form with owner-only permissions.
func Write(path string, key crypto.PrivateKey) error {
	block, err := marshal(key)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrKeyMaterial, path, err)
		}
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrKeyMaterial, path, err)
	}
	return nil
}

func marshal(key crypto.PrivateKey) (*pem.Block, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)}, nil
	case *ecdsa.PrivateKey:
		der, err := x509.MarshalECPrivateKey(k)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
		}
		return &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}, nil
	case ed25519.PrivateKey:
		block, err := ssh.MarshalPrivateKey(k, "")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
		}
		return block, nil
	case *dsa.PrivateKey:
		der, err := asn1.Marshal(dsaASN1{
			P: k.P, Q: k.Q, G: k.G, Y: k.Y, X: k.X,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
		}
		return &pem.Block{Type: "DSA PRIVATE KEY", Bytes: der}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedAlgorithm, key)
	}
}
