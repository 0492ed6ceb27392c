package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateCert(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "nested", "tls.crt")
	keyPath := filepath.Join(dir, "nested", "tls.key")

	cert, err := LoadOrGenerateCert(certPath, keyPath)
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)
	assert.NotNil(t, cert.PrivateKey)

	assert.FileExists(t, certPath)
	assert.FileExists(t, keyPath)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// second call loads the files written by the first
	again, err := LoadOrGenerateCert(certPath, keyPath)
	require.NoError(t, err)
	assert.Equal(t, cert.Certificate[0], again.Certificate[0])
}

func TestLoadCertFromFiles_InvalidPath(t *testing.T) {
	dir := t.TempDir()
	_, err := loadCertFromFiles(filepath.Join(dir, "invalid.crt"), filepath.Join(dir, "invalid.key"))
	assert.Error(t, err)
}
