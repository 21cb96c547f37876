package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rustic/crypto"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	k, _, err := crypto.GenerateKey()
	require.NoError(t, err)

	plaintext := []byte("the quick brown fox")
	ciphertext, err := k.Encrypt(plaintext)
	require.NoError(t, err)
	assert.Len(t, ciphertext, len(plaintext)+crypto.Overhead)

	got, err := k.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptIsNondeterministic(t *testing.T) {
	k, _, err := crypto.GenerateKey()
	require.NoError(t, err)

	a, err := k.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := k.Encrypt([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	k1, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	k2, _, err := crypto.GenerateKey()
	require.NoError(t, err)

	ciphertext, err := k1.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = k2.Decrypt(ciphertext)
	assert.ErrorIs(t, err, crypto.ErrAuth)
}

func TestDecryptTamperedFails(t *testing.T) {
	k, _, err := crypto.GenerateKey()
	require.NoError(t, err)

	ciphertext, err := k.Encrypt([]byte("secret"))
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xFF

	_, err = k.Decrypt(ciphertext)
	assert.ErrorIs(t, err, crypto.ErrAuth)
}

func TestWrapUnwrapMasterKey(t *testing.T) {
	params, err := crypto.DefaultKDFParams()
	require.NoError(t, err)

	_, masterRaw, err := crypto.GenerateKey()
	require.NoError(t, err)

	wrapped, err := crypto.WrapMasterKey("hunter2", params, masterRaw)
	require.NoError(t, err)

	k, err := crypto.UnwrapMasterKey("hunter2", params, wrapped)
	require.NoError(t, err)

	ciphertext, err := k.Encrypt([]byte("ping"))
	require.NoError(t, err)
	got, err := k.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)
}

func TestUnwrapMasterKeyWrongPassword(t *testing.T) {
	params, err := crypto.DefaultKDFParams()
	require.NoError(t, err)

	_, masterRaw, err := crypto.GenerateKey()
	require.NoError(t, err)

	wrapped, err := crypto.WrapMasterKey("correct-password", params, masterRaw)
	require.NoError(t, err)

	_, err = crypto.UnwrapMasterKey("wrong-password", params, wrapped)
	assert.ErrorIs(t, err, crypto.ErrBadKey)
}
