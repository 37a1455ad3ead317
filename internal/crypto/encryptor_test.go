package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenEncryptor_EmptyKey(t *testing.T) {
	_, err := NewTokenEncryptor("")
	assert.Error(t, err)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	enc, err := NewTokenEncryptor("unit-test-passphrase")
	require.NoError(t, err)

	plaintext := "ya29.a0AfB_secret-access-token"
	ciphertext, err := enc.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := enc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncrypt_EmptyPassesThrough(t *testing.T) {
	enc, err := NewTokenEncryptor("unit-test-passphrase")
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, ciphertext)

	plaintext, err := enc.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, plaintext)
}

func TestEncrypt_UniqueNonces(t *testing.T) {
	enc, err := NewTokenEncryptor("unit-test-passphrase")
	require.NoError(t, err)

	a, err := enc.Encrypt("same-token")
	require.NoError(t, err)
	b, err := enc.Encrypt("same-token")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	enc1, err := NewTokenEncryptor("key-one")
	require.NoError(t, err)
	enc2, err := NewTokenEncryptor("key-two")
	require.NoError(t, err)

	ciphertext, err := enc1.Encrypt("refresh-token-value")
	require.NoError(t, err)

	_, err = enc2.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestDecrypt_InvalidInput(t *testing.T) {
	enc, err := NewTokenEncryptor("unit-test-passphrase")
	require.NoError(t, err)

	_, err = enc.Decrypt("not-base64!!!")
	assert.Error(t, err)

	_, err = enc.Decrypt("YWJj") // valid base64, too short for a nonce
	assert.Error(t, err)
}
