package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltFile is the name of the salt file kept in the data directory.
	SaltFile = "db.salt"

	saltSize = 32

	// KeyIterations is the PBKDF2 work factor for deriving encryption keys.
	KeyIterations = 600000
)

// ErrEmptyPassword is returned when encryption is requested without a password.
var ErrEmptyPassword = errors.New("encryption password is empty")

// DeriveKey derives a 32-byte AES-256 key from password using PBKDF2-SHA256.
func DeriveKey(password, salt []byte, iterations int) []byte {
	return pbkdf2.Key(password, salt, iterations, 32, sha256.New)
}

// LoadOrCreateSalt returns the salt stored in dataDir, generating and
// persisting a new one for a fresh database. The salt must survive restarts
// or the data cannot be decrypted.
func LoadOrCreateSalt(dataDir string) (salt []byte, created bool, err error) {
	path := filepath.Join(dataDir, SaltFile)
	if existing, err := os.ReadFile(path); err == nil && len(existing) == saltSize {
		return existing, false, nil
	}

	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, false, fmt.Errorf("failed to generate encryption salt: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, false, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, false, fmt.Errorf("failed to save encryption salt: %w", err)
	}
	return salt, true, nil
}

// EncryptionKeyFor derives the badger encryption key for a data directory.
// In-memory engines get a random salt that is never persisted.
func EncryptionKeyFor(dataDir string, inMemory bool, password string) ([]byte, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	if inMemory {
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate encryption salt: %w", err)
		}
		return DeriveKey([]byte(password), salt, KeyIterations), nil
	}
	salt, _, err := LoadOrCreateSalt(dataDir)
	if err != nil {
		return nil, err
	}
	return DeriveKey([]byte(password), salt, KeyIterations), nil
}
