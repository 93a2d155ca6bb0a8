package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T) *Cipher {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	c, err := NewCipher(key)
	require.NoError(t, err)
	return c
}

func TestCipher_RoundTrip(t *testing.T) {
	c := newTestCipher(t)

	plaintexts := []string{
		"sk-test-1234567890abcdef",
		"",
		"带中文的密钥-测试",
	}
	for _, plain := range plaintexts {
		ciphertext, err := c.Encrypt(plain)
		require.NoError(t, err)
		assert.NotEqual(t, plain, ciphertext)

		got, err := c.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestCipher_NonceUnique(t *testing.T) {
	c := newTestCipher(t)

	// 相同明文两次加密必须产生不同密文（随机 nonce）
	c1, err := c.Encrypt("sk-same-key")
	require.NoError(t, err)
	c2, err := c.Encrypt("sk-same-key")
	require.NoError(t, err)
	assert.NotEqual(t, c1, c2)
}

func TestCipher_WrongKey(t *testing.T) {
	c1 := newTestCipher(t)
	c2 := newTestCipher(t)

	ciphertext, err := c1.Encrypt("sk-secret")
	require.NoError(t, err)

	_, err = c2.Decrypt(ciphertext)
	require.Error(t, err)

	var ve *Error
	assert.True(t, errors.As(err, &ve), "decrypt failure must be a typed vault error")
}

func TestCipher_CorruptCiphertext(t *testing.T) {
	c := newTestCipher(t)

	var ve *Error

	_, err := c.Decrypt("not-valid-base64!!!")
	require.Error(t, err)
	assert.True(t, errors.As(err, &ve))

	// 合法 base64 但内容过短，连 nonce 都不够
	short := base64.StdEncoding.EncodeToString([]byte("abc"))
	_, err = c.Decrypt(short)
	require.Error(t, err)
	assert.True(t, errors.As(err, &ve))
}

func TestNewCipher_KeySizes(t *testing.T) {
	for _, size := range []int{16, 24, 32} {
		_, err := NewCipher(make([]byte, size))
		assert.NoError(t, err, "key size %d", size)
	}

	_, err := NewCipher(make([]byte, 20))
	assert.Error(t, err)
}

func TestNewCipherFromBase64(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	c, err := NewCipherFromBase64(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)

	ct, err := c.Encrypt("sk-abc")
	require.NoError(t, err)
	got, err := c.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "sk-abc", got)

	_, err = NewCipherFromBase64("%%%not-base64%%%")
	assert.Error(t, err)
}
