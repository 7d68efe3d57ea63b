package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEncrypter(t *testing.T) *AESEncrypter {
	t.Helper()
	key, err := GenerateRandomKey(32)
	require.NoError(t, err)
	return NewAESEncrypter([]byte(key))
}

func TestSecurity_AESEncryption(t *testing.T) {
	t.Run("success - text is encrypted and decrypted", func(t *testing.T) {
		// arrange
		enc := newTestEncrypter(t)
		expectedText := "this is some text"

		// act
		encrypted, err := enc.EncryptAES(expectedText)
		require.NoError(t, err)
		decrypted, err := enc.DecryptAES(encrypted)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, expectedText, string(decrypted))
	})

	t.Run("failure - wrong key", func(t *testing.T) {
		// arrange
		encrypted, err := newTestEncrypter(t).EncryptAES("secret")
		require.NoError(t, err)

		// act
		_, err = newTestEncrypter(t).DecryptAES(encrypted)

		// assert
		assert.ErrorIs(t, err, ErrInvalidCiphertext)
	})

	t.Run("failure - truncated ciphertext", func(t *testing.T) {
		// act
		_, err := newTestEncrypter(t).DecryptAES("abcd")

		// assert
		assert.ErrorIs(t, err, ErrInvalidCiphertext)
	})
}

func TestSecurity_DecryptValue(t *testing.T) {
	t.Run("success - plain value is returned as is", func(t *testing.T) {
		value, err := DecryptValue(nil, "token")
		assert.NoError(t, err)
		assert.Equal(t, "token", value)
	})

	t.Run("success - prefixed value is decrypted", func(t *testing.T) {
		// arrange
		enc := newTestEncrypter(t)
		encrypted, err := enc.EncryptAES("token")
		require.NoError(t, err)

		// act
		value, err := DecryptValue(enc, EncryptedPrefix+encrypted)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, "token", value)
	})

	t.Run("failure - encrypted value without key", func(t *testing.T) {
		_, err := DecryptValue(nil, EncryptedPrefix+"00")
		assert.Error(t, err)
	})
}

func TestSecurity_EnsureSecretKey(t *testing.T) {
	t.Run("success - missing key is generated and stored", func(t *testing.T) {
		// arrange
		t.Setenv("PATCHTEST_TEST_KEY", "")
		path := filepath.Join(t.TempDir(), ".env")

		// act
		key, err := EnsureSecretKey("PATCHTEST_TEST_KEY", path)

		// assert
		require.NoError(t, err)
		assert.Len(t, key, 32)
		b, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "PATCHTEST_TEST_KEY="+key+"\n", string(b))
	})

	t.Run("success - existing key is kept", func(t *testing.T) {
		// arrange
		t.Setenv("PATCHTEST_TEST_KEY", "existing")
		path := filepath.Join(t.TempDir(), ".env")

		// act
		key, err := EnsureSecretKey("PATCHTEST_TEST_KEY", path)

		// assert
		require.NoError(t, err)
		assert.Equal(t, "existing", key)
		assert.NoFileExists(t, path)
	})
}
