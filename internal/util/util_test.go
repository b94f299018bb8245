package util

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureSelfSignedCert(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")

	cert, key, err := EnsureSelfSignedCert(dir)
	require.NoError(t, err)
	_, err = tls.LoadX509KeyPair(cert, key)
	require.NoError(t, err)

	info, err := os.Stat(key)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// existing pairs are reused
	before, err := os.ReadFile(cert)
	require.NoError(t, err)
	_, _, err = EnsureSelfSignedCert(dir)
	require.NoError(t, err)
	after, err := os.ReadFile(cert)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCleanOldLogs(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	names := []string{"hercules_2024-01-01.log", "hercules_2024-01-02.log", "hercules_2024-01-03.log", "other.log"}
	for i, name := range names {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
		mod := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(path, mod, mod))
	}

	cleanOldLogs(dir, 2)

	assert.NoFileExists(t, filepath.Join(dir, names[0]))
	assert.FileExists(t, filepath.Join(dir, names[1]))
	assert.FileExists(t, filepath.Join(dir, names[2]))
	assert.FileExists(t, filepath.Join(dir, "other.log"))
}

func TestGetProcessUsage(t *testing.T) {
	usage, err := GetProcessUsage()
	require.NoError(t, err)
	assert.Greater(t, usage.OpenFiles, int32(0))
}

func TestGetSystemInfo(t *testing.T) {
	info := GetSystemInfo()
	assert.NotEmpty(t, info.Architecture)
	assert.Greater(t, info.CPUThreads, 0)
}
