package keycipher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherRoundTrip(t *testing.T) {
	c, err := New("master-key")
	require.NoError(t, err)

	ciphertext, err := c.Encrypt("AIzaSy-plain-key")
	require.NoError(t, err)
	assert.NotContains(t, ciphertext, "AIzaSy")

	plaintext, err := c.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "AIzaSy-plain-key", plaintext)
}

func TestCipherNonceUnique(t *testing.T) {
	c, err := New("master-key")
	require.NoError(t, err)

	a, err := c.Encrypt("same")
	require.NoError(t, err)
	b, err := c.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptFailures(t *testing.T) {
	c, err := New("master-key")
	require.NoError(t, err)

	t.Run("非法 base64", func(t *testing.T) {
		_, err := c.Decrypt("not base64!!!")
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("密文被截断", func(t *testing.T) {
		_, err := c.Decrypt("YWJj")
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("主密钥不匹配", func(t *testing.T) {
		other, err := New("another-key")
		require.NoError(t, err)
		ciphertext, err := other.Encrypt("secret")
		require.NoError(t, err)

		_, err = c.Decrypt(ciphertext)
		assert.ErrorIs(t, err, ErrDecrypt)
	})
}

func TestEmptyMasterKeyRejected(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
