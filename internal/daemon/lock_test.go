package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireSingleInstanceLockExclusivity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.flock")

	l1, err := AcquireSingleInstanceLock(path)
	require.NoError(t, err)
	defer l1.Release()

	_, err = AcquireSingleInstanceLock(path)
	assert.Error(t, err, "a second lock attempt should fail while the first is held")
}

func TestAcquireSingleInstanceLockReacquireAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.flock")

	l1, err := AcquireSingleInstanceLock(path)
	require.NoError(t, err)
	l1.Release()

	l2, err := AcquireSingleInstanceLock(path)
	require.NoError(t, err)
	l2.Release()
}

func TestPidFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	require.NoError(t, WritePidFile(path))
	assert.Equal(t, os.Getpid(), ReadPid(path))
}

func TestReadPidMissingFileReturnsZero(t *testing.T) {
	assert.Equal(t, 0, ReadPid(filepath.Join(t.TempDir(), "missing.pid")))
}

func TestProcessAliveForSelf(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
}

func TestGenerateAndReadToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.token")
	token, err := GenerateToken(path)
	require.NoError(t, err)
	assert.Len(t, token, 64)

	read, err := ReadToken(path)
	require.NoError(t, err)
	assert.Equal(t, token, read)
}

func TestAcquireSpawnLockMutualExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spawn.lock")

	release, acquired, err := AcquireSpawnLock(path)
	require.NoError(t, err)
	require.True(t, acquired)
	defer release()

	_, acquired2, err := AcquireSpawnLock(path)
	require.NoError(t, err)
	assert.False(t, acquired2, "a second concurrent spawn attempt should not acquire the lock")
}

func TestAcquireSpawnLockReclaimsStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spawn.lock")
	require.NoError(t, os.WriteFile(path, []byte("123"), 0600))

	stale := time.Now().Add(-spawnLockStaleAfter - time.Second)
	require.NoError(t, os.Chtimes(path, stale, stale))

	release, acquired, err := AcquireSpawnLock(path)
	require.NoError(t, err)
	assert.True(t, acquired, "a stale spawn lock should be reclaimed")
	release()
}
