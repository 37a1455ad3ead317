// Package crypto provides AES-256-GCM encryption and decryption for securing
// credential material at rest: access tokens, refresh tokens, and per-instance
// OAuth client secrets.
//
// The package uses AES-256-GCM (Galois/Counter Mode) which provides both
// confidentiality and authenticity. Each encryption operation uses a unique
// random nonce, so encrypting the same token twice produces different
// ciphertexts.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"credential-broker/internal/common/errors"
)

// TokenEncryptor handles encryption and decryption of credential secrets
// using AES-256-GCM. It provides authenticated encryption, so tampered
// ciphertexts fail to decrypt.
//
// The encryptor is safe for concurrent use by multiple goroutines.
type TokenEncryptor struct {
	key []byte // 32-byte AES-256 encryption key
}

// NewTokenEncryptor creates a new TokenEncryptor from a passphrase.
//
// The passphrase is run through PBKDF2 so any non-empty input yields a proper
// 32-byte AES-256 key. Store the passphrase in the environment
// (TOKEN_ENCRYPTION_KEY); never hardcode it.
func NewTokenEncryptor(key string) (*TokenEncryptor, error) {
	if key == "" {
		return nil, errors.ValidationError("encryption key cannot be empty")
	}

	// Static salt keeps key derivation deterministic across restarts
	salt := []byte("credential-broker-salt")
	derivedKey := pbkdf2.Key([]byte(key), salt, 10000, 32, sha256.New)

	return &TokenEncryptor{key: derivedKey}, nil
}

// Encrypt encrypts a plaintext secret using AES-256-GCM and returns the
// nonce-prefixed ciphertext as a base64 string. Empty input passes through
// unencrypted so optional columns stay empty in the store.
func (e *TokenEncryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", errors.InternalError("failed to create cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.InternalError("failed to create GCM", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.InternalError("failed to create nonce", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts a base64-encoded ciphertext produced by Encrypt and
// returns the original plaintext. GCM authenticates the payload, so a wrong
// key or a tampered ciphertext yields an error rather than garbage.
func (e *TokenEncryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.InternalError("failed to decode ciphertext", err)
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", errors.InternalError("failed to create cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.InternalError("failed to create GCM", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.ValidationError("ciphertext too short")
	}

	nonce, ciphertextBytes := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", errors.InternalError("failed to decrypt", err)
	}

	return string(plaintext), nil
}
