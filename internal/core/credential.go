package core

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

// Sealer protects stored one-shot credentials.
type Sealer interface {
	Seal(plain string) (string, error)
	Open(stored string) (string, error)
}

// PlainSealer stores credentials verbatim. A credential that looks like a
// stored envelope is escaped so it opens back to itself.
type PlainSealer struct{}

func (PlainSealer) Seal(plain string) (string, error) {
	if strings.HasPrefix(plain, sealedPrefix) || strings.HasPrefix(plain, escapedPrefix) {
		return escapedPrefix + plain, nil
	}
	return plain, nil
}

func (PlainSealer) Open(stored string) (string, error) {
	if plain, ok := strings.CutPrefix(stored, escapedPrefix); ok {
		return plain, nil
	}
	if strings.HasPrefix(stored, sealedPrefix) {
		return "", errors.New("credential is sealed but no key is configured")
	}
	return stored, nil
}

const (
	sealedPrefix = "sb1:"
	// escapedPrefix marks a plaintext credential stored without a key.
	escapedPrefix = "pt1:"
	nonceSize     = 24
)

// SecretboxSealer encrypts credentials with NaCl secretbox.
type SecretboxSealer struct {
	key [32]byte
}

// NewSecretboxSealer parses a 64-character hex key.
func NewSecretboxSealer(hexKey string) (*SecretboxSealer, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("decode credential key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("credential key must be 32 bytes, got %d", len(raw))
	}
	s := &SecretboxSealer{}
	copy(s.key[:], raw)
	return s, nil
}

func (s *SecretboxSealer) Seal(plain string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plain), &nonce, &s.key)
	return sealedPrefix + base64.StdEncoding.EncodeToString(box), nil
}

// Open decrypts a sealed credential. Values stored before a key was
// configured are returned as-is.
func (s *SecretboxSealer) Open(stored string) (string, error) {
	if plain, ok := strings.CutPrefix(stored, escapedPrefix); ok {
		return plain, nil
	}
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	box, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode sealed credential: %w", err)
	}
	if len(box) < nonceSize+secretbox.Overhead {
		return "", errors.New("sealed credential is truncated")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	plain, ok := secretbox.Open(nil, box[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", errors.New("sealed credential failed authentication")
	}
	return string(plain), nil
}
