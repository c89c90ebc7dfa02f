package daemon

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// spawnLockStaleAfter bounds how long a spawn lock file is honored before
// a competing client assumes its owner died mid-spawn and removes it
// (spec.md §4.G, single-instance guard).
const spawnLockStaleAfter = 10 * time.Second

// singleInstanceLock is held for the daemon's entire lifetime: even if the
// pidfile/socket racily suggest no daemon is running, the advisory flock
// prevents two daemon processes from ever serving the same state dir
// concurrently.
type singleInstanceLock struct {
	f *os.File
}

// AcquireSingleInstanceLock takes an exclusive, non-blocking flock on a
// dedicated lock file. Returns an error if another daemon already holds it.
func AcquireSingleInstanceLock(path string) (*singleInstanceLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("daemon already running (flock held): %w", err)
	}
	return &singleInstanceLock{f: f}, nil
}

func (l *singleInstanceLock) Release() {
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
}

// WritePidFile writes the current process's pid.
func WritePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// ReadPid reads a pidfile, returning 0 if absent or malformed.
func ReadPid(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0
	}
	return pid
}

// ProcessAlive reports whether pid refers to a live process (signal 0).
func ProcessAlive(pid int) bool {
	return pid > 0 && syscall.Kill(pid, 0) == nil
}

// GenerateToken creates a 64 hex-character auth token and writes it to
// path with 0600 permissions (spec.md §4.G, §7 hello handshake).
func GenerateToken(path string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)
	if err := os.WriteFile(path, []byte(token), 0600); err != nil {
		return "", fmt.Errorf("write token file: %w", err)
	}
	return token, nil
}

// ReadToken reads the token file written by GenerateToken.
func ReadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// AcquireSpawnLock implements the autospawn mutual-exclusion primitive
// client library uses before launching a new daemon: an atomic
// create-exclusive file holding a timestamp, treated as stale (and
// removed) after spawnLockStaleAfter.
func AcquireSpawnLock(path string) (release func(), acquired bool, err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err == nil {
		fmt.Fprintf(f, "%d", time.Now().Unix())
		f.Close()
		return func() { os.Remove(path) }, true, nil
	}
	if !os.IsExist(err) {
		return nil, false, err
	}

	info, statErr := os.Stat(path)
	if statErr == nil && time.Since(info.ModTime()) > spawnLockStaleAfter {
		os.Remove(path)
		return AcquireSpawnLock(path)
	}
	return nil, false, nil
}
