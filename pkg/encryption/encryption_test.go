package encryption

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey(t *testing.T) {
	salt := []byte("0123456789abcdef")
	k1 := DeriveKey([]byte("password"), salt, 1000)
	k2 := DeriveKey([]byte("password"), salt, 1000)
	assert.Len(t, k1, KeySize)
	assert.Equal(t, k1, k2)

	assert.NotEqual(t, k1, DeriveKey([]byte("other"), salt, 1000))
	assert.NotEqual(t, k1, DeriveKey([]byte("password"), []byte("fedcba9876543210"), 1000))
	assert.NotEqual(t, k1, DeriveKey([]byte("password"), salt, 1001))
}

func TestLoadOrCreateSalt(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	salt, err := LoadOrCreateSalt(dir)
	require.NoError(t, err)
	assert.Len(t, salt, SaltSize)

	again, err := LoadOrCreateSalt(dir)
	require.NoError(t, err)
	assert.Equal(t, salt, again, "salt is stable across restarts")

	info, err := os.Stat(filepath.Join(dir, SaltFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoadOrCreateSalt_Corrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SaltFile), []byte("not hex"), 0600))

	_, err := LoadOrCreateSalt(dir)
	assert.ErrorIs(t, err, ErrInvalidSalt)
}

func TestStorageKey(t *testing.T) {
	dir := t.TempDir()

	_, err := StorageKey(dir, "", 1000)
	assert.ErrorIs(t, err, ErrEmptyPassword)

	k1, err := StorageKey(dir, "hunter22", 1000)
	require.NoError(t, err)
	k2, err := StorageKey(dir, "hunter22", 1000)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	other, err := StorageKey(t.TempDir(), "hunter22", 1000)
	require.NoError(t, err)
	assert.NotEqual(t, k1, other, "each installation has its own salt")
}

func TestHashKey(t *testing.T) {
	key := DeriveKey([]byte("p"), []byte("s"), 1)
	assert.Len(t, HashKey(key), 16)
}
