// Package encryption derives the key BadgerDB uses to encrypt data at rest.
//
// Badger encrypts every table and value log file with data keys that it
// rotates itself; those data keys are in turn encrypted with one master
// key. This package turns an operator password into that master key with
// PBKDF2-SHA256 and a random per-installation salt stored next to the data.
//
// Example Usage:
//
//	key, err := encryption.StorageKey(dataDir, password, 0)
//	if err != nil {
//		log.Fatal(err)
//	}
//	engine, err := storage.Open(storage.Options{DataDir: dataDir, EncryptionKey: key})
//
// The salt file is not secret, but losing it makes the data unreadable even
// with the right password.
package encryption

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize selects AES-256.
	KeySize = 32
	// SaltSize is the length of a generated salt.
	SaltSize = 32
	// DefaultIterations follows the OWASP 2023 recommendation for PBKDF2-SHA256.
	DefaultIterations = 600000
	// SaltFile is the salt's file name inside the data directory.
	SaltFile = "encryption.salt"
)

// Errors
var (
	ErrEmptyPassword = errors.New("encryption: empty password")
	ErrInvalidSalt   = errors.New("encryption: invalid salt file")
)

// DeriveKey stretches password into a KeySize key. iterations <= 0 uses
// DefaultIterations.
func DeriveKey(password, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key(password, salt, iterations, KeySize, sha256.New)
}

// GenerateSalt returns SaltSize random bytes.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "generating salt")
	}
	return salt, nil
}

// LoadOrCreateSalt reads the salt from dir, creating it on first use.
func LoadOrCreateSalt(dir string) ([]byte, error) {
	path := filepath.Join(dir, SaltFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		salt, err := hex.DecodeString(string(bytes.TrimSpace(data)))
		if err != nil || len(salt) < 16 {
			return nil, errors.Wrapf(ErrInvalidSalt, "%s", path)
		}
		return salt, nil
	case !os.IsNotExist(err):
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", dir)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(salt)+"\n"), 0600); err != nil {
		return nil, errors.Wrapf(err, "writing %s", path)
	}
	log.WithField("path", path).Info("[Encryption] generated new salt")
	return salt, nil
}

// StorageKey returns the master key for the database in dir.
func StorageKey(dir, password string, iterations int) ([]byte, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	salt, err := LoadOrCreateSalt(dir)
	if err != nil {
		return nil, err
	}
	key := DeriveKey([]byte(password), salt, iterations)
	log.WithField("key_id", HashKey(key)).Debug("[Encryption] derived storage key")
	return key, nil
}

// HashKey returns a short fingerprint of key that is safe to log.
func HashKey(key []byte) string {
	hash := sha256.Sum256(key)
	return hex.EncodeToString(hash[:8])
}
