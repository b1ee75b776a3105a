// Package crypto implements the RSA+AES hybrid envelope the response
// manager uses to decrypt connection info payloads posted by remote
// launchers (spec.md §3 "Payload", §4.B "Decryption algorithm").
//
// The RSA keypair generation follows the same shape as the teacher's
// pkg/ssh.NewKeyPair, sized down to the 1024-bit key spec.md calls for
// (sized for AES-key wrapping only, not for long-lived host identity).
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
)

// KeySizeBits is the RSA modulus size used for the response manager's
// keypair. Small deliberately: it only ever wraps a 16-byte AES key.
const KeySizeBits = 1024

// KeyPair holds the private key used to unwrap launcher payloads and
// the PEM encoding of its public half, handed to launchers at
// pre_launch time.
type KeyPair struct {
	Private *rsa.PrivateKey
	pubPEM  []byte
}

// NewKeyPair generates a fresh RSA keypair.
func NewKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeySizeBits)
	if err != nil {
		return nil, fmt.Errorf("failed to create private key: %w", err)
	}
	if err := priv.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate private key: %w", err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}
	return &KeyPair{Private: priv, pubPEM: pem.EncodeToMemory(block)}, nil
}

// PublicKeyBase64 returns the PEM body with header, footer, and
// newlines stripped, as spec.md §4.B's public_key_b64() requires.
// The PEM body is itself base64 so no further encoding is needed.
func (k *KeyPair) PublicKeyBase64() string {
	s := string(k.pubPEM)
	s = strings.ReplaceAll(s, "-----BEGIN PUBLIC KEY-----", "")
	s = strings.ReplaceAll(s, "-----END PUBLIC KEY-----", "")
	s = strings.ReplaceAll(s, "\n", "")
	return strings.TrimSpace(s)
}

// DecryptAESKey unwraps an RSA-PKCS1v15 encrypted AES key.
func (k *KeyPair) DecryptAESKey(encrypted []byte) ([]byte, error) {
	return rsa.DecryptPKCS1v15(rand.Reader, k.Private, encrypted)
}

// decodeBase64 is a small helper shared by the envelope codec.
func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
