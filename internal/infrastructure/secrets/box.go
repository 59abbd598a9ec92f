// Package secrets seals small secrets, such as credential passwords, with a
// key derived from the deployment secret.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"github.com/cfdisync/backend/internal/domain/fiscal"
)

// Sealed values are [version | 24-byte nonce | ciphertext+tag], base64url.
const (
	sealVersion      byte = 0x01
	pbkdf2Iterations      = 200_000
	minSecretLength       = 16
)

var defaultSalt = []byte("cfdisync.secrets.v1")

// ErrWeakSecret is returned when the deployment secret is too short.
var ErrWeakSecret = errors.New("secrets: deployment secret must be at least 16 bytes")

// Box implements fiscal.SecretCipher with XChaCha20-Poly1305.
type Box struct {
	key []byte
}

// NewBox derives the sealing key from secret. An empty salt uses the
// built-in one; changing either makes existing values unreadable.
func NewBox(secret string, salt []byte) (*Box, error) {
	if len(secret) < minSecretLength {
		return nil, ErrWeakSecret
	}
	if len(salt) == 0 {
		salt = defaultSalt
	}
	return &Box{key: pbkdf2.Key([]byte(secret), salt, pbkdf2Iterations, chacha20poly1305.KeySize, sha256.New)}, nil
}

// Encrypt seals plaintext.
func (b *Box) Encrypt(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("secrets: create cipher: %w", err)
	}
	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	out[0] = sealVersion
	if _, err := io.ReadFull(rand.Reader, out[1:]); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}
	out = aead.Seal(out, out[1:], plaintext, out[:1])
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decrypt opens a value produced by Encrypt. Anything that does not open,
// including a value sealed under another deployment secret, is reported as
// fiscal.ErrCredential.
func (b *Box) Decrypt(sealed string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fiscal.NewCredentialError("sealed secret is not valid base64")
	}
	if len(raw) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fiscal.NewCredentialError("sealed secret is truncated")
	}
	if raw[0] != sealVersion {
		return nil, fiscal.NewCredentialError(fmt.Sprintf("sealed secret version %d is not supported", raw[0]))
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, fmt.Errorf("secrets: create cipher: %w", err)
	}
	nonce := raw[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, raw[1+chacha20poly1305.NonceSizeX:], raw[:1])
	if err != nil {
		return nil, fiscal.NewCredentialError("credential password cannot be decrypted: the encryption key does not match")
	}
	return plaintext, nil
}

var _ fiscal.SecretCipher = (*Box)(nil)
