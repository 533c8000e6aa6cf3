package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "primary.pid")

	require.NoError(t, WritePIDFile(path, 12345))
	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)

	require.NoError(t, RemovePIDFile(path))
	require.NoError(t, RemovePIDFile(path), "remove is idempotent")

	_, err = ReadPIDFile(path)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestReapStale(t *testing.T) {
	dir := t.TempDir()

	pid, err := reapStale(filepath.Join(dir, "absent.pid"))
	require.NoError(t, err)
	assert.Zero(t, pid)

	garbage := filepath.Join(dir, "garbage.pid")
	require.NoError(t, os.WriteFile(garbage, []byte("not-a-pid"), 0o600))
	_, err = reapStale(garbage)
	require.Error(t, err)
	assert.NoFileExists(t, garbage)

	self := filepath.Join(dir, "self.pid")
	require.NoError(t, WritePIDFile(self, os.Getpid()))
	pid, err = reapStale(self)
	require.NoError(t, err)
	assert.Zero(t, pid, "never kills the host itself")
	assert.NoFileExists(t, self)
}

func TestIsProcessAlive_Self(t *testing.T) {
	assert.True(t, IsProcessAlive(os.Getpid()))
}
