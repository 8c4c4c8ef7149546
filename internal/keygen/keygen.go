// Package keygen generates the per-deployment SSH key material.
//
// Private keys are PEM-encoded PKCS#1, public keys are single
// authorized_keys lines. The base64 form of the private key is what gets
// stored in the cloud secret store.
package keygen

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// DefaultBits is the RSA modulus size used when none is configured.
const DefaultBits = 2048

// KeyPair holds an RSA key pair in ready-to-use formats.
type KeyPair struct {
	// PublicKey is a single authorized_keys line without a trailing newline.
	PublicKey string
	// PrivateKeyPEM is the PEM-encoded PKCS#1 private key.
	PrivateKeyPEM []byte
	// PrivateKeyBase64 is PrivateKeyPEM in standard base64.
	PrivateKeyBase64 string
}

// Generator produces key pairs of a fixed strength.
type Generator struct {
	Bits int
}

// NewGenerator returns a Generator for the given bit size, using
// DefaultBits when bits is zero.
func NewGenerator(bits int) *Generator {
	if bits == 0 {
		bits = DefaultBits
	}
	return &Generator{Bits: bits}
}

// Generate creates a fresh key pair. comment is appended to the public key
// line when non-empty.
func (g *Generator) Generate(comment string) (*KeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, g.Bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA private key: %w", err)
	}
	if err := privateKey.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate RSA private key: %w", err)
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})
	return newKeyPair(privateKey, privateKeyPEM, comment)
}

// FromBase64 rebuilds a key pair from a previously stored base64 private key.
func FromBase64(encoded, comment string) (*KeyPair, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	return FromPEM(raw, comment)
}

// FromPEM rebuilds a key pair from a PEM-encoded PKCS#1 private key.
func FromPEM(privateKeyPEM []byte, comment string) (*KeyPair, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("no PEM block found in private key")
	}
	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return newKeyPair(privateKey, privateKeyPEM, comment)
}

func newKeyPair(privateKey *rsa.PrivateKey, privateKeyPEM []byte, comment string) (*KeyPair, error) {
	pub, err := ssh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH public key: %w", err)
	}

	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
	if comment != "" {
		line += " " + comment
	}

	return &KeyPair{
		PublicKey:        line,
		PrivateKeyPEM:    privateKeyPEM,
		PrivateKeyBase64: base64.StdEncoding.EncodeToString(privateKeyPEM),
	}, nil
}

// Signer returns an ssh.Signer for the private key.
func (k *KeyPair) Signer() (ssh.Signer, error) {
	return ssh.ParsePrivateKey(k.PrivateKeyPEM)
}
