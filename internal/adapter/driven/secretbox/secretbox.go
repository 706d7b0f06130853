// Package secretbox seals credential values at rest with AES-256-GCM. Both
// token store adapters use it so a database dump never exposes session tokens.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/ericfisherdev/slotkeeper/internal/domain/port/driven"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// Sealer encrypts and decrypts strings with a fixed key. A Sealer with a nil
// key refuses every operation with driven.ErrEncryptionKeyNotSet.
type Sealer struct {
	aead cipher.AEAD
}

// New creates a Sealer from a 32-byte key, or a disabled Sealer if key is nil.
func New(key []byte) (*Sealer, error) {
	if key == nil {
		return &Sealer{}, nil
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &Sealer{aead: gcm}, nil
}

// Enabled reports whether the Sealer holds a key.
func (s *Sealer) Enabled() bool {
	return s != nil && s.aead != nil
}

// Seal returns base64(nonce || ciphertext || tag).
func (s *Sealer) Seal(plaintext string) (string, error) {
	if !s.Enabled() {
		return "", driven.ErrEncryptionKeyNotSet
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Malformed or foreign ciphertext yields an error
// wrapping driven.ErrCredentialUnreadable.
func (s *Sealer) Open(encoded string) (string, error) {
	if !s.Enabled() {
		return "", driven.ErrEncryptionKeyNotSet
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w: %w", driven.ErrCredentialUnreadable, err)
	}

	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short: %w", driven.ErrCredentialUnreadable)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("gcm.Open: %w: %w", driven.ErrCredentialUnreadable, err)
	}
	return string(plaintext), nil
}
