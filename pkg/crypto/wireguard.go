// Package crypto generates and validates WireGuard Curve25519 keys.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the length in bytes of a raw WireGuard key.
const KeySize = 32

// KeyPair represents a WireGuard key pair (private and public keys), base64 encoded.
type KeyPair struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// Generator produces WireGuard key pairs from an entropy source.
// The zero value reads from crypto/rand.
type Generator struct {
	Entropy io.Reader
}

// NewGenerator returns a Generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{Entropy: rand.Reader}
}

// GenerateKeyPair generates a new key pair.
func (g *Generator) GenerateKeyPair() (*KeyPair, error) {
	src := g.Entropy
	if src == nil {
		src = rand.Reader
	}

	priv := make([]byte, KeySize)
	if _, err := io.ReadFull(src, priv); err != nil {
		return nil, fmt.Errorf("failed to read entropy for private key: %w", err)
	}
	clampPrivateKey(priv)

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	return &KeyPair{
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
	}, nil
}

// GenerateKeyPair generates a key pair from crypto/rand.
func GenerateKeyPair() (*KeyPair, error) {
	return NewGenerator().GenerateKeyPair()
}

// DerivePublicKey derives the public key for a base64 private key.
func DerivePublicKey(privateKey string) (string, error) {
	priv, err := decodeKey(privateKey)
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}
	clampPrivateKey(priv)

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("failed to derive public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}

// IsValidWireGuardKey reports whether key is a base64 encoding of exactly 32 bytes.
// Keys that pass are safe to interpolate into wg(8) command lines.
func IsValidWireGuardKey(key string) bool {
	if len(key) != 44 {
		return false
	}
	_, err := decodeKey(key)
	return err == nil
}

func decodeKey(key string) ([]byte, error) {
	raw, err := base64.StdEncoding.Strict().DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("not valid base64: %w", err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("incorrect length: expected %d bytes, got %d", KeySize, len(raw))
	}
	return raw, nil
}

func clampPrivateKey(key []byte) {
	key[0] &= 248
	key[31] &= 127
	key[31] |= 64
}
