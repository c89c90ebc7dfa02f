// Package daemon implements the long-running terminal host process
// (spec.md §4.F/§4.G): the Unix socket listener, request dispatch, and
// session registry lifecycle. Grounded on
// chriswa-spaceterm/pty-daemon/daemon.go's runDaemon/handleClient shape,
// expanded from JSON-over-scanner to the full hello/NDJSON protocol and
// from an in-process PTY to a session registry of subprocesses.
package daemon

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"terminal-host/internal/logging"
	"terminal-host/internal/session"
)

// DaemonVersion is reported in the hello handshake result.
const DaemonVersion = "1.0.0"

// Daemon is the running terminal host process.
type Daemon struct {
	log      *logrus.Logger
	logEntry *logrus.Entry
	cfg      Config

	token string
	pid   int

	registry *session.Registry

	clientsMu sync.Mutex
	clients   map[*clientConn]bool

	lock *singleInstanceLock
	ln   net.Listener

	shutdownOnce sync.Once
	stopped      chan struct{}
}

// Run performs the full daemon lifecycle: acquire the single-instance
// lock, write the pidfile/token, listen on the Unix socket, serve
// connections until a shutdown signal or request arrives, then clean up.
// This is what `terminal-hostd run` invokes directly (spec.md §4.G).
func Run() error {
	stateDir := StateDir()
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	lock, err := AcquireSingleInstanceLock(DaemonLockPath())
	if err != nil {
		return err
	}

	log, err := logging.New(LogPath())
	if err != nil {
		lock.Release()
		return err
	}
	entry := log.WithField("component", "daemon")

	cfg, err := LoadConfig(ConfigPath())
	if err != nil {
		entry.WithError(err).Warn("failed to load config, using defaults")
		cfg = DefaultConfig()
	}

	if err := WritePidFile(PidPath()); err != nil {
		lock.Release()
		return fmt.Errorf("write pidfile: %w", err)
	}
	token, err := GenerateToken(TokenPath())
	if err != nil {
		lock.Release()
		return fmt.Errorf("generate token: %w", err)
	}

	os.Remove(SocketPath())
	ln, err := net.Listen("unix", SocketPath())
	if err != nil {
		lock.Release()
		return fmt.Errorf("listen on %s: %w", SocketPath(), err)
	}
	os.Chmod(SocketPath(), 0600)

	d := &Daemon{
		log:      log,
		logEntry: entry,
		cfg:      cfg,
		token:    token,
		pid:      os.Getpid(),
		clients:  make(map[*clientConn]bool),
		lock:     lock,
		ln:       ln,
		stopped:  make(chan struct{}),
	}
	d.registry = session.New(SubprocessPath(), d, entry, cfg.MaxConcurrentSpawns)

	entry.WithField("pid", d.pid).Info("daemon starting")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		entry.WithField("signal", sig.String()).Info("received shutdown signal")
		d.Shutdown()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			break
		}
		go d.handleConn(conn)
	}

	<-d.stopped
	return nil
}

// Shutdown stops accepting connections, disposes every session, and
// removes the daemon's on-disk artifacts. Idempotent.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.ln.Close()
		d.registry.KillAll()

		deadline := time.After(3500 * time.Millisecond)
		for _, sess := range d.allSessions() {
			select {
			case <-sess.Done():
			case <-deadline:
			}
		}
		d.registry.DisposeAll()
		d.registry.Stop()

		os.Remove(SocketPath())
		os.Remove(PidPath())
		os.Remove(TokenPath())
		d.lock.Release()

		d.logEntry.Info("daemon stopped")
		close(d.stopped)
	})
}

func (d *Daemon) allSessions() []*session.Session {
	infos := d.registry.List()
	sessions := make([]*session.Session, 0, len(infos))
	for _, info := range infos {
		if s, ok := d.registry.Get(info.SessionID); ok {
			sessions = append(sessions, s)
		}
	}
	return sessions
}
