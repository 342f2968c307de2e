package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

var (
	// ErrNoKey is returned when sealing or opening without a configured key.
	ErrNoKey = errors.New("secret key not configured")
	// ErrDecrypt is returned when a sealed value cannot be opened.
	ErrDecrypt = errors.New("cannot decrypt value")
)

const nonceSize = 24

// Sealer encrypts short secret strings (router passwords, bot tokens) at rest.
// Output is base64(nonce || box).
type Sealer struct {
	key *[32]byte
}

// NewSealer returns a Sealer for a 32-byte key. A nil or empty key yields a Sealer
// that refuses to seal or open.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) == 0 {
		return &Sealer{}, nil
	}
	if len(key) != 32 {
		return nil, errors.New("secretbox key must be 32 bytes")
	}
	var k [32]byte
	copy(k[:], key)
	return &Sealer{key: &k}, nil
}

// Enabled reports whether a key is configured.
func (s *Sealer) Enabled() bool {
	return s != nil && s.key != nil
}

// Seal encrypts plaintext with a random nonce.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if !s.Enabled() {
		return "", ErrNoKey
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	out := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, s.key)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	if !s.Enabled() {
		return "", ErrNoKey
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	out, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, s.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(out), nil
}
