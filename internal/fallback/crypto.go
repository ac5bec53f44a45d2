package fallback

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/sheerbytes/callfiles/internal/xferr"
)

// SecretSize is the length of the per-file secret carried in secure-file-meta.
const SecretSize = 32

const hkdfInfo = "callfiles fallback object v1"

// NewSecret returns a fresh random per-file secret.
func NewSecret() ([]byte, error) {
	secret := make([]byte, SecretSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return secret, nil
}

// deriveAEAD expands the secret into an AES-256-GCM key and a nonce.
// Each secret seals exactly one object, so a derived nonce is never reused.
func deriveAEAD(secret []byte) (cipher.AEAD, []byte, error) {
	if len(secret) != SecretSize {
		return nil, nil, fmt.Errorf("secret must be %d bytes, got %d", SecretSize, len(secret))
	}
	r := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, nil, err
	}
	return aead, nonce, nil
}

// Seal encrypts plaintext under secret.
func Seal(secret, plaintext []byte) ([]byte, error) {
	aead, nonce, err := deriveAEAD(secret)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// Open decrypts ciphertext produced by Seal. Authentication failures are integrity errors.
func Open(secret, ciphertext []byte) ([]byte, error) {
	aead, nonce, err := deriveAEAD(secret)
	if err != nil {
		return nil, xferr.Wrap(xferr.ErrIntegrity, err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %w", xferr.ErrIntegrity, err)
	}
	return plaintext, nil
}
