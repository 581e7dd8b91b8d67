package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/shellvault/shellvault/internal/logger"
)

// Encryption constants
const (
	// Ciphertext format version, reserved for future key rotation
	FormatVersion = 0x01

	// XChaCha20-Poly1305 nonce size (24 bytes)
	NonceSize = chacha20poly1305.NonceSizeX

	// Authentication tag size (16 bytes)
	TagSize = 16

	// Minimum ciphertext size (version + nonce + tag)
	MinCiphertextSize = 1 + NonceSize + TagSize

	// Maximum plaintext size (16MB)
	MaxPlaintextSize = 16 * 1024 * 1024
)

// ErrDecryptFailed is returned when a ciphertext cannot be decrypted with
// the loaded key. Callers must treat this as recoverable.
var ErrDecryptFailed = errors.New("decryption failed")

// Cipher performs authenticated encryption with a single
// process-lifetime key. The key is never mutated after construction.
type Cipher struct {
	key    []byte
	logger *logger.Logger
}

// NewCipher creates a cipher keyed by the given secret. The key must be
// 32 bytes, or 64 bytes of which the first 32 are used.
func NewCipher(key []byte) (*Cipher, error) {
	if err := validateKey(key); err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}

	encKey := key
	if len(key) == 64 {
		encKey = key[:32]
	}

	c := &Cipher{
		key:    append([]byte(nil), encKey...),
		logger: logger.GetLogger().Security(),
	}

	return c, nil
}

// Encrypt seals the plaintext with XChaCha20-Poly1305. Any byte
// payload round-trips through Decrypt, the empty one included.
// Format: [version][24-byte nonce][ciphertext+auth tag]
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxPlaintextSize {
		return nil, fmt.Errorf("plaintext too large: %d bytes (max: %d)", len(plaintext), MaxPlaintextSize)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		c.logger.WithError(err).Error().Msg("Failed to generate random nonce")
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	out := make([]byte, 1, MinCiphertextSize+len(plaintext))
	out[0] = FormatVersion
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)

	return out, nil
}

// Decrypt opens a ciphertext produced by Encrypt. A tampered payload, a
// foreign key, or an unknown format version yields ErrDecryptFailed,
// never the wrong plaintext.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < MinCiphertextSize {
		return nil, fmt.Errorf("%w: ciphertext too small (%d bytes)", ErrDecryptFailed, len(ciphertext))
	}

	if ciphertext[0] != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrDecryptFailed, ciphertext[0])
	}

	nonce := ciphertext[1 : 1+NonceSize]
	sealed := ciphertext[1+NonceSize:]

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		c.logger.Debug().Msg("Ciphertext failed authentication")
		return nil, ErrDecryptFailed
	}

	return plaintext, nil
}

// Wipe overwrites the key material. The cipher is unusable afterwards.
func (c *Cipher) Wipe() {
	SecureWipe(c.key)
	c.key = nil
}

// validateKey validates encryption key requirements
func validateKey(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("key cannot be empty")
	}

	if len(key) != 32 && len(key) != 64 {
		return fmt.Errorf("key must be 32 or 64 bytes, got %d", len(key))
	}

	allZeros := true
	for _, b := range key {
		if b != 0 {
			allZeros = false
			break
		}
	}

	if allZeros {
		return fmt.Errorf("key cannot be all zeros")
	}

	return nil
}

// SecureWipe overwrites a byte slice to clear sensitive data from memory
func SecureWipe(data []byte) {
	if len(data) == 0 {
		return
	}

	for i := range data {
		data[i] = 0
	}
	rand.Read(data)
	for i := range data {
		data[i] = 0
	}
}
