package envelope

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	dErrors "veritas/pkg/domain-errors"
)

// KeyConfig locates the PEM encoded signing material. PublicKeyPath may be
// empty when the private key is present; the public half is derived from it.
// A verify-only deployment sets only PublicKeyPath.
type KeyConfig struct {
	PrivateKeyPath string `yaml:"private_key_path"`
	PublicKeyPath  string `yaml:"public_key_path"`
}

// Keys is the immutable key pair shared read-only by every request.
type Keys struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey
}

// NewKeys wraps an existing pair. private may be nil for verify-only use.
func NewKeys(private *rsa.PrivateKey, public *rsa.PublicKey) (*Keys, error) {
	if public == nil && private != nil {
		public = &private.PublicKey
	}
	if public == nil {
		return nil, ErrKeyUnavailable
	}
	return &Keys{private: private, public: public}, nil
}

// GenerateKeys creates a fresh RSA pair, for tests and local development.
func GenerateKeys(bits int) (*Keys, error) {
	private, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, dErrors.Wrap(err, ErrKeyUnavailable.Code, ErrKeyUnavailable.Message)
	}
	return &Keys{private: private, public: &private.PublicKey}, nil
}

// LoadKeys reads the key files named in cfg.
func LoadKeys(cfg KeyConfig) (*Keys, error) {
	var (
		private *rsa.PrivateKey
		public  *rsa.PublicKey
	)
	if path := strings.TrimSpace(cfg.PrivateKeyPath); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, keyError(err, "read private key")
		}
		private, err = jwt.ParseRSAPrivateKeyFromPEM(raw)
		if err != nil {
			return nil, keyError(err, "parse private key")
		}
	}
	if path := strings.TrimSpace(cfg.PublicKeyPath); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, keyError(err, "read public key")
		}
		public, err = jwt.ParseRSAPublicKeyFromPEM(raw)
		if err != nil {
			return nil, keyError(err, "parse public key")
		}
	}
	if private != nil && public != nil && !private.PublicKey.Equal(public) {
		return nil, keyError(errors.New("public key does not match private key"), "load key pair")
	}
	return NewKeys(private, public)
}

// CanSign reports whether the pair includes a private key.
func (k *Keys) CanSign() bool {
	return k != nil && k.private != nil
}

// PublicKey exposes the verification key, for publishing to relying parties.
func (k *Keys) PublicKey() *rsa.PublicKey {
	if k == nil {
		return nil
	}
	return k.public
}

func keyError(cause error, step string) error {
	return dErrors.Wrap(fmt.Errorf("%s: %w", step, cause), ErrKeyUnavailable.Code, ErrKeyUnavailable.Message)
}
