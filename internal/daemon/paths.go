package daemon

import (
	"os"
	"path/filepath"
)

const (
	socketName     = "terminal-host.sock"
	pidName        = "terminal-host.pid"
	tokenName      = "terminal-host.token"
	logName        = "daemon.log"
	spawnLockName  = "terminal-host.spawn.lock"
	daemonLockName = "terminal-host.flock"
	configName     = "config.yaml"
)

// StateDir returns the directory holding the daemon's socket, pidfile,
// token, log, and spawn lock. Overridable via TERMINAL_HOST_HOME, the
// same override pattern as the teacher's SPACETERM_HOME.
func StateDir() string {
	if d := os.Getenv("TERMINAL_HOST_HOME"); d != "" {
		return d
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".terminal-host")
}

func SocketPath() string     { return filepath.Join(StateDir(), socketName) }
func PidPath() string        { return filepath.Join(StateDir(), pidName) }
func TokenPath() string      { return filepath.Join(StateDir(), tokenName) }
func LogPath() string        { return filepath.Join(StateDir(), logName) }
func SpawnLockPath() string  { return filepath.Join(StateDir(), spawnLockName) }
func DaemonLockPath() string { return filepath.Join(StateDir(), daemonLockName) }
func ConfigPath() string     { return filepath.Join(StateDir(), configName) }

// SubprocessPath returns the path to the terminal-host-pty binary,
// expected alongside the daemon binary unless overridden.
func SubprocessPath() string {
	if p := os.Getenv("TERMINAL_HOST_PTY_PATH"); p != "" {
		return p
	}
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "terminal-host-pty")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return "terminal-host-pty"
}
