package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"terminal-host/internal/admission"
	"terminal-host/internal/protocol"
)

// tombstoneRetention bounds how long an exited session remains in the
// registry after it has terminated, so a slow listSessions race against
// exit can still observe the final state (adapted from
// chriswa-spaceterm/pty-daemon/session.go's SweepDead, with the daemon's
// sweep interval shortened per spec.md's tighter retention window).
const tombstoneRetention = 5 * time.Second

const sweepInterval = 1 * time.Second

// EventSink receives events the registry fans out on behalf of sessions.
type EventSink interface {
	BroadcastData(sessionID string, data []byte)
	BroadcastExit(sessionID string, exitCode, signal int, reason string)
	BroadcastTerminalError(sessionID, code, message string)
}

// Registry owns every live Session and coordinates creation, lookup, and
// teardown (spec.md §4.E).
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byPaneID map[string]string // paneId -> sessionId, for createOrAttach dedup

	inFlight map[string]chan struct{} // paneId -> completion signal during spawn

	subprocessPath string
	sink           EventSink
	log            *logrus.Entry
	admission      *admission.Semaphore

	stopSweep chan struct{}
}

// New creates an empty Registry. subprocessPath is the path to the
// terminal-host-pty binary execed for every new session. maxConcurrentSpawns
// bounds how many subprocesses may be starting up at once (spec.md §9).
func New(subprocessPath string, sink EventSink, log *logrus.Entry, maxConcurrentSpawns int) *Registry {
	r := &Registry{
		sessions:       make(map[string]*Session),
		byPaneID:       make(map[string]string),
		inFlight:       make(map[string]chan struct{}),
		subprocessPath: subprocessPath,
		sink:           sink,
		log:            log,
		admission:      admission.New(maxConcurrentSpawns),
		stopSweep:      make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// CreateOrAttachResult is returned by CreateOrAttach.
type CreateOrAttachResult struct {
	SessionID    string
	IsNew        bool
	WasRecovered bool
	Pid          int
	Snapshot     protocol.SnapshotResult
}

// attachable reports whether a session in state s can still be attached
// to. A session that is terminating or has already exited must be
// treated as absent (spec.md §4.E step 2) even while it is still sitting
// in the registry's tombstone retention window.
func attachable(s State) bool {
	return s == StateSpawning || s == StateReady
}

// CreateOrAttach spawns a new session for paneID, or attaches to the
// existing one if paneID already maps to a live, attachable session
// (spec.md §4.E, "in-flight future dedup": concurrent callers for the
// same paneId block on the same spawn rather than racing two subprocesses
// into existence). A paneId mapped to a session that is terminating or
// exited is treated as absent and falls through to spawning a fresh one.
func (r *Registry) CreateOrAttach(ctx context.Context, paneID, workspaceID, tabID string, params SpawnParams, shell string, args []string, env map[string]string, priority int) (CreateOrAttachResult, error) {
	for {
		r.mu.Lock()
		if sid, ok := r.byPaneID[paneID]; ok {
			sess := r.sessions[sid]
			if sess != nil && attachable(sess.State()) {
				r.mu.Unlock()
				snap := sess.Attach()
				return CreateOrAttachResult{
					SessionID:    sid,
					IsNew:        false,
					WasRecovered: true,
					Pid:          sess.Info().Pid,
					Snapshot:     snap,
				}, nil
			}
			delete(r.byPaneID, paneID)
			r.mu.Unlock()
			continue
		}
		if wait, busy := r.inFlight[paneID]; busy {
			r.mu.Unlock()
			<-wait
			continue
		}
		done := make(chan struct{})
		r.inFlight[paneID] = done
		r.mu.Unlock()

		result, err := r.spawn(ctx, paneID, workspaceID, tabID, params, shell, args, env, priority)

		r.mu.Lock()
		delete(r.inFlight, paneID)
		r.mu.Unlock()
		close(done)

		return result, err
	}
}

func (r *Registry) spawn(ctx context.Context, paneID, workspaceID, tabID string, params SpawnParams, shell string, args []string, env map[string]string, priority int) (CreateOrAttachResult, error) {
	release, err := r.admission.Acquire(ctx, priority)
	if err != nil {
		return CreateOrAttachResult{}, fmt.Errorf("admission: %w", err)
	}
	defer release()

	sessionID := uuid.NewString()
	id := Identity{SessionID: sessionID, PaneID: paneID, WorkspaceID: workspaceID, TabID: tabID}
	params.Shell = shell
	if params.Shell == "" {
		params.Shell = "/bin/sh"
	}

	cb := Callbacks{
		OnData: func(sid string, data []byte) {
			r.sink.BroadcastData(sid, data)
		},
		OnExit: func(sid string, exitCode, signal int, reason string) {
			r.sink.BroadcastExit(sid, exitCode, signal, reason)
		},
		OnTerminalError: func(sid, code, message string) {
			r.sink.BroadcastTerminalError(sid, code, message)
		},
	}

	sp := SpawnParams{Shell: params.Shell, Args: args, Cwd: params.Cwd, Cols: params.Cols, Rows: params.Rows, Env: env}
	sess, err := New(id, r.subprocessPath, sp, cb, r.log)
	if err != nil {
		return CreateOrAttachResult{}, fmt.Errorf("spawn session: %w", err)
	}

	r.mu.Lock()
	r.sessions[sessionID] = sess
	r.byPaneID[paneID] = sessionID
	r.mu.Unlock()

	snap := sess.Attach()
	return CreateOrAttachResult{
		SessionID: sessionID,
		IsNew:     true,
		Pid:       sess.Info().Pid,
		Snapshot:  snap,
	}, nil
}

// Get returns the session by id, if live.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// List returns info for every session still tracked (including the
// tombstone retention window after exit).
func (r *Registry) List() []protocol.SessionInfo {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]protocol.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// Kill begins kill escalation for one session.
func (r *Registry) Kill(sessionID string, signalName string, deleteHistory bool) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	if deleteHistory {
		defer func() {
			r.mu.Lock()
			delete(r.byPaneID, s.PaneID)
			r.mu.Unlock()
		}()
	}
	return s.Kill(signalName, true)
}

// KillAll begins kill escalation for every session (daemon shutdown).
func (r *Registry) KillAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Kill("SIGTERM", true)
	}
}

// KillByWorkspace begins kill escalation for every session belonging to
// workspaceID (spec.md §4.E), the way KillAll does for every session.
func (r *Registry) KillByWorkspace(workspaceID string) {
	r.mu.Lock()
	sessions := make([]*Session, 0)
	for _, s := range r.sessions {
		if s.WorkspaceID == workspaceID {
			sessions = append(sessions, s)
		}
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Kill("SIGTERM", true)
	}
}

// DisposeAll force-disposes every session immediately, skipping graceful
// escalation. Used when the daemon itself is shutting down and cannot
// wait out the kill ladder.
func (r *Registry) DisposeAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Dispose()
	}
}

// Detach unregisters one client's attachment to a session.
func (r *Registry) Detach(sessionID string) {
	if s, ok := r.Get(sessionID); ok {
		s.Detach()
	}
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopSweep:
			return
		}
	}
}

func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sid, s := range r.sessions {
		if s.State() != StateExited && s.State() != StateDisposed {
			continue
		}
		select {
		case <-s.Done():
		default:
			continue
		}
		exitedAt := s.ExitedAt()
		if exitedAt.IsZero() || time.Since(exitedAt) < tombstoneRetention {
			continue
		}
		delete(r.sessions, sid)
		if r.byPaneID[s.PaneID] == sid {
			delete(r.byPaneID, s.PaneID)
		}
	}
}

// Stop halts the background sweep goroutine.
func (r *Registry) Stop() {
	close(r.stopSweep)
}
