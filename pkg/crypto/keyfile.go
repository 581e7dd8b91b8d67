package crypto

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

// KeySize is the size of a generated encryption key in bytes
const KeySize = 32

// LoadKey reads the opaque key secret from the given path. A missing
// key file is a fatal startup condition for callers.
func LoadKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read encryption key %s: %w", path, err)
	}

	if err := validateKey(key); err != nil {
		return nil, fmt.Errorf("encryption key %s is unusable: %w", path, err)
	}

	return key, nil
}

// GenerateKey creates a new random key file with owner-only permissions.
// It refuses to overwrite an existing key: replacing the key would make
// every encrypted payload in the vault unreadable.
func GenerateKey(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("key file already exists: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to generate key material: %w", err)
	}
	defer SecureWipe(key)

	if err := os.WriteFile(path, key, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	return nil
}
