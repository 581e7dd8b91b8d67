package crypto

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	cipher, err := NewCipher(testKey(t))
	require.NoError(t, err)

	plaintext := []byte("curl -H 'Authorization: Bearer abc123' https://api.example.com")

	ciphertext, err := cipher.Encrypt(plaintext)
	require.NoError(t, err)
	assert.Equal(t, byte(FormatVersion), ciphertext[0])
	assert.GreaterOrEqual(t, len(ciphertext), MinCiphertextSize)
	assert.NotContains(t, string(ciphertext), "Bearer")

	decrypted, err := cipher.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptProducesUniqueNonces(t *testing.T) {
	cipher, err := NewCipher(testKey(t))
	require.NoError(t, err)

	plaintext := []byte("same input")
	a, err := cipher.Encrypt(plaintext)
	require.NoError(t, err)
	b, err := cipher.Encrypt(plaintext)
	require.NoError(t, err)

	assert.False(t, bytes.Equal(a, b))
}

func TestEncryptEmptyPlaintextRoundTrip(t *testing.T) {
	cipher, err := NewCipher(testKey(t))
	require.NoError(t, err)

	ciphertext, err := cipher.Encrypt(nil)
	require.NoError(t, err)
	assert.Equal(t, MinCiphertextSize, len(ciphertext))

	decrypted, err := cipher.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Empty(t, decrypted)
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	cipher, err := NewCipher(testKey(t))
	require.NoError(t, err)

	ciphertext, err := cipher.Encrypt([]byte("secret payload"))
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0xFF

	_, err = cipher.Decrypt(ciphertext)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptWrongKey(t *testing.T) {
	cipherA, err := NewCipher(testKey(t))
	require.NoError(t, err)
	cipherB, err := NewCipher(testKey(t))
	require.NoError(t, err)

	ciphertext, err := cipherA.Encrypt([]byte("secret payload"))
	require.NoError(t, err)

	_, err = cipherB.Decrypt(ciphertext)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptMalformedInput(t *testing.T) {
	cipher, err := NewCipher(testKey(t))
	require.NoError(t, err)

	_, err = cipher.Decrypt([]byte{0x01, 0x02})
	require.ErrorIs(t, err, ErrDecryptFailed)

	ciphertext, err := cipher.Encrypt([]byte("payload"))
	require.NoError(t, err)
	ciphertext[0] = 0x7F

	_, err = cipher.Decrypt(ciphertext)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestNewCipherKeyValidation(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{"all-zero key", make([]byte, 32), true},
		{"nil key", nil, true},
		{"short key", make([]byte, 16), true},
		{"long key", make([]byte, 48), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCipher(tt.key)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestNewCipher64ByteKey(t *testing.T) {
	key := make([]byte, 64)
	_, err := rand.Read(key)
	require.NoError(t, err)

	cipher64, err := NewCipher(key)
	require.NoError(t, err)

	// Must derive the same cipher as the first 32 bytes alone
	cipher32, err := NewCipher(key[:32])
	require.NoError(t, err)

	ciphertext, err := cipher64.Encrypt([]byte("payload"))
	require.NoError(t, err)

	decrypted, err := cipher32.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), decrypted)
}

func TestCipherKeyIsolation(t *testing.T) {
	key := testKey(t)
	cipher, err := NewCipher(key)
	require.NoError(t, err)

	ciphertext, err := cipher.Encrypt([]byte("payload"))
	require.NoError(t, err)

	// Wiping the caller's copy must not break the cipher
	SecureWipe(key)

	decrypted, err := cipher.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), decrypted)
}

func TestSecureWipe(t *testing.T) {
	data := []byte("sensitive key material")
	SecureWipe(data)
	assert.Equal(t, make([]byte, len(data)), data)

	SecureWipe(nil)
}

func TestGenerateAndLoadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "encryption.key")

	require.NoError(t, GenerateKey(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	key, err := LoadKey(path)
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	_, err = NewCipher(key)
	require.NoError(t, err)
}

func TestGenerateKeyRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encryption.key")

	require.NoError(t, GenerateKey(path))
	original, err := os.ReadFile(path)
	require.NoError(t, err)

	require.Error(t, GenerateKey(path))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, after)
}

func TestLoadKeyMissing(t *testing.T) {
	_, err := LoadKey(filepath.Join(t.TempDir(), "nope.key"))
	require.Error(t, err)
}

func TestLoadKeyRejectsBadMaterial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.key")
	require.NoError(t, os.WriteFile(path, make([]byte, KeySize), 0600))

	_, err := LoadKey(path)
	require.Error(t, err)
}
