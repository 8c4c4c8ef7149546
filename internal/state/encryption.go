package state

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// sealedPrefix marks a column value produced by Sealer.Seal.
const sealedPrefix = "sealed:v1:"

// Sealer encrypts credential columns at rest with AES-256-GCM. A nil
// Sealer stores values as-is.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer returns a Sealer for a base64 encoded 32-byte key. An empty key
// returns a nil Sealer.
func NewSealer(encodedKey string) (*Sealer, error) {
	if encodedKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode sealing key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("sealing key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{gcm: gcm}, nil
}

// Seal encrypts plaintext. Empty values are not sealed.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if s == nil || plaintext == "" {
		return plaintext, nil
	}

	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a value produced by Seal. Values without the sealed prefix
// are returned unchanged.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if s == nil {
		return "", fmt.Errorf("value is sealed but no sealing key is configured")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}
	nonceSize := s.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to open sealed value (wrong key?): %w", err)
	}
	return string(plaintext), nil
}

// IsSealed reports whether value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}
