// Package session implements the daemon-side session (spec.md §4.D): the
// owner of one PTY subprocess, its headless emulator, and the bounded
// queues that carry bytes between them. It is grounded on
// chriswa-spaceterm/pty-daemon/session.go's Session/SessionManager shape,
// generalized from a single PTY-in-process model to one subprocess per
// session communicating over the binary frame protocol.
package session

import (
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"terminal-host/internal/bpqueue"
	"terminal-host/internal/emulator"
	"terminal-host/internal/protocol"
)

// State is the session lifecycle state machine (spec.md §4.D).
type State int

const (
	StateSpawning State = iota
	StateReady
	StateTerminating
	StateExited
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateReady:
		return "ready"
	case StateTerminating:
		return "terminating"
	case StateExited:
		return "exited"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

const (
	// writeQueueHigh/Low/Hard bound the daemon -> subprocess stdin queue
	// (spec.md §9, the second of three backpressure points).
	writeQueueHigh = 1 * 1024 * 1024
	writeQueueLow  = 512 * 1024
	writeQueueHard = 2 * 1024 * 1024

	// ingestQueueHigh/Low/Hard bound the subprocess -> emulator ingest
	// queue: Data frames are decoded off the wire promptly and queued here
	// so a slow emulator.Write never blocks the frame reader.
	ingestQueueHigh = 16 * 1024 * 1024
	ingestQueueLow  = 8 * 1024 * 1024
	ingestQueueHard = 128 * 1024 * 1024

	// attachBoundaryTimeout bounds how long Attach waits for the ingest
	// queue to drain before taking a snapshot anyway (spec.md §4.D,
	// "snapshot-boundary semantics").
	attachBoundaryTimeout = 500 * time.Millisecond
)

// Callbacks lets the owning registry observe session lifecycle events
// without this package depending on the transport layer.
type Callbacks struct {
	OnData          func(sessionID string, data []byte)
	OnExit          func(sessionID string, exitCode, signal int, reason string)
	OnTerminalError func(sessionID string, code, message string)
}

// Identity holds the caller-supplied naming fields for a session.
type Identity struct {
	SessionID   string
	PaneID      string
	TabID       string
	WorkspaceID string
}

// SpawnParams describes how to start the subprocess's shell.
type SpawnParams struct {
	Shell string
	Args  []string
	Cwd   string
	Cols  int
	Rows  int
	Env   map[string]string
}

// Session owns one PTY subprocess end to end.
type Session struct {
	Identity
	log *logrus.Entry

	callbacks Callbacks

	mu             sync.Mutex
	state          State
	pid            int
	cols, rows     int
	createdAt      time.Time
	lastAttachedAt time.Time
	exitCode       int
	exitSignal     int
	exitReason     string
	exitedAt       time.Time
	killedByUser   bool

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	enc    *protocol.Encoder
	dec    *protocol.Decoder
	encMu  sync.Mutex

	emu *emulator.Emulator

	writeQMu   sync.Mutex
	writeQCond *sync.Cond
	writeQ     *bpqueue.Queue
	wakeWrite  chan struct{}

	ingestMu      sync.Mutex
	ingestCond    *sync.Cond
	ingestQ       *bpqueue.Queue
	enqueuedBytes int64
	processedSeq  int64
	wakeIngest    chan struct{}

	attachedCount int

	exitOnce sync.Once
	done     chan struct{}
}

// New creates a Session in the spawning state. subprocessPath is the path
// to the terminal-host-pty binary.
func New(id Identity, subprocessPath string, params SpawnParams, cb Callbacks, log *logrus.Entry) (*Session, error) {
	cmd := exec.Command(subprocessPath)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = log.WriterLevel(logrus.WarnLevel)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start subprocess: %w", err)
	}

	s := &Session{
		Identity:  id,
		log:       log.WithField("session_id", id.SessionID),
		callbacks: cb,
		state:     StateSpawning,
		cols:      params.Cols,
		rows:      params.Rows,
		createdAt: time.Now(),

		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		enc:    protocol.NewEncoder(stdin),
		dec:    protocol.NewDecoder(stdout),

		emu: emulator.New(params.Cols, params.Rows),

		writeQ:     bpqueue.New(writeQueueHigh, writeQueueLow, writeQueueHard),
		wakeWrite:  make(chan struct{}, 1),
		ingestQ:    bpqueue.New(ingestQueueHigh, ingestQueueLow, ingestQueueHard),
		wakeIngest: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	s.writeQCond = sync.NewCond(&s.writeQMu)
	s.ingestCond = sync.NewCond(&s.ingestMu)

	s.emu.SetQueryResponder(func(resp []byte) {
		// Only forward query responses when nobody is attached; an
		// attached client's own terminal answers the query instead.
		s.mu.Lock()
		attached := s.attachedCount > 0
		s.mu.Unlock()
		if !attached {
			s.enqueueWrite(resp)
		}
	})

	if err := s.handshake(params); err != nil {
		stdin.Close()
		stdout.Close()
		cmd.Process.Kill()
		return nil, err
	}

	go s.pumpWriteQueue()
	go s.pumpIngestQueue()
	go s.readFrames()

	return s, nil
}

func (s *Session) handshake(params SpawnParams) error {
	f, err := s.dec.Next()
	if err != nil {
		return fmt.Errorf("await Ready: %w", err)
	}
	if f.Type != protocol.FrameReady {
		return fmt.Errorf("expected Ready frame, got %s", f.Type)
	}

	payload, err := json.Marshal(protocol.SpawnPayload{
		Shell: params.Shell,
		Args:  params.Args,
		Cwd:   params.Cwd,
		Cols:  params.Cols,
		Rows:  params.Rows,
		Env:   params.Env,
	})
	if err != nil {
		return fmt.Errorf("marshal Spawn payload: %w", err)
	}
	if err := s.sendFrame(protocol.FrameSpawn, payload); err != nil {
		return fmt.Errorf("write Spawn: %w", err)
	}

	f, err = s.dec.Next()
	if err != nil {
		return fmt.Errorf("await Spawned: %w", err)
	}
	if f.Type != protocol.FrameSpawned {
		return fmt.Errorf("expected Spawned frame, got %s", f.Type)
	}

	s.mu.Lock()
	s.pid = protocol.DecodePID(f.Payload)
	s.state = StateReady
	s.mu.Unlock()
	return nil
}

func (s *Session) sendFrame(t protocol.FrameType, payload []byte) error {
	s.encMu.Lock()
	defer s.encMu.Unlock()
	return s.enc.WriteFrame(t, payload)
}

// Write enqueues client input for the subprocess's stdin, chunked and
// bounded by the write queue (spec.md §9).
func (s *Session) Write(data []byte) error {
	return s.enqueueWrite(data)
}

func (s *Session) enqueueWrite(data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > protocol.MaxWriteChunk {
			n = protocol.MaxWriteChunk
		}
		chunk := append([]byte(nil), data[:n]...)
		s.writeQMu.Lock()
		err := s.writeQ.Push(chunk)
		s.writeQMu.Unlock()
		if err != nil {
			return err
		}
		data = data[n:]
	}
	select {
	case s.wakeWrite <- struct{}{}:
	default:
	}
	return nil
}

func (s *Session) pumpWriteQueue() {
	for {
		s.writeQMu.Lock()
		chunk, ok := s.writeQ.Pop()
		if ok && !s.writeQ.AboveHighWatermark() {
			s.writeQCond.Broadcast()
		}
		s.writeQMu.Unlock()
		if !ok {
			select {
			case <-s.wakeWrite:
				continue
			case <-s.done:
				return
			}
		}
		if err := s.sendFrame(protocol.FrameWrite, chunk); err != nil {
			s.log.WithError(err).Debug("failed writing Write frame to subprocess")
			return
		}
	}
}

// Resize changes the PTY and emulator geometry.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	s.emu.Resize(cols, rows)
	return s.sendFrame(protocol.FrameResize, protocol.EncodeGeometry(cols, rows))
}

// SendSignal forwards an in-band signal to the subprocess's child. It is a
// no-op once the session is terminating, exited or disposed.
func (s *Session) SendSignal(name string) error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st == StateTerminating || st == StateExited || st == StateDisposed {
		return nil
	}
	return s.sendFrame(protocol.FrameSignal, []byte(name))
}

// Kill begins the kill escalation ladder (spec.md §4.B/§4.D). Idempotent.
func (s *Session) Kill(signalName string, byUser bool) error {
	s.mu.Lock()
	if s.state == StateTerminating || s.state == StateExited || s.state == StateDisposed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateTerminating
	s.killedByUser = byUser
	s.mu.Unlock()
	return s.sendFrame(protocol.FrameKill, []byte(signalName))
}

// Dispose releases all resources. As a safety net it sends SIGKILL to the
// terminal-host-pty subprocess 2s later in case it survived the Dispose
// frame (grounded on GandalftheGUI-grove/internal/daemon/instance.go's
// destroy()); the shell's own process group is not signalled from here.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	s.state = StateDisposed
	s.mu.Unlock()

	s.sendFrame(protocol.FrameDispose, nil)
	s.emu.ClearScrollback()
	s.emu.Close()
	s.stdin.Close()
	s.finish()

	// Release anything still parked in waitIngestDrain so it doesn't
	// outlive the session.
	s.ingestMu.Lock()
	s.ingestCond.Broadcast()
	s.ingestMu.Unlock()

	time.AfterFunc(2*time.Second, func() {
		if s.cmd != nil && s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
	})
}

func (s *Session) finish() {
	s.exitOnce.Do(func() { close(s.done) })
}

// Attach registers a client attachment and returns a consistent snapshot
// of current terminal state (spec.md §4.D, snapshot-boundary semantics):
// it waits for bytes already queued for the emulator to finish draining,
// up to attachBoundaryTimeout, so the snapshot reflects exactly what was
// received before the attach call.
func (s *Session) Attach() protocol.SnapshotResult {
	s.ingestMu.Lock()
	target := s.enqueuedBytes
	deadline := time.Now().Add(attachBoundaryTimeout)
	timer := time.AfterFunc(attachBoundaryTimeout, func() {
		s.ingestMu.Lock()
		s.ingestCond.Broadcast()
		s.ingestMu.Unlock()
	})
	for s.processedSeq < target && time.Now().Before(deadline) {
		s.ingestCond.Wait()
	}
	timer.Stop()
	s.ingestMu.Unlock()

	s.mu.Lock()
	s.attachedCount++
	s.lastAttachedAt = time.Now()
	s.mu.Unlock()

	snap := s.emu.Snapshot()
	return protocol.SnapshotResult{
		SnapshotAnsi:       string(snap.SnapshotAnsi),
		RehydrateSequences: snap.RehydrateSequences,
		Cwd:                snap.Cwd,
		Cols:               snap.Cols,
		Rows:               snap.Rows,
		ScrollbackLines:    snap.ScrollbackLines,
		Modes:              snap.Modes,
	}
}

// Detach unregisters a client attachment.
func (s *Session) Detach() {
	s.mu.Lock()
	if s.attachedCount > 0 {
		s.attachedCount--
	}
	s.mu.Unlock()
}

// ClearScrollback clears the emulator's active-buffer scrollback.
func (s *Session) ClearScrollback() {
	s.emu.ClearScrollback()
}

// Info returns a point-in-time snapshot of session metadata for listing.
func (s *Session) Info() protocol.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.SessionInfo{
		SessionID:      s.SessionID,
		PaneID:         s.PaneID,
		WorkspaceID:    s.WorkspaceID,
		Pid:            s.pid,
		Cols:           s.cols,
		Rows:           s.rows,
		IsAlive:        s.state == StateReady || s.state == StateSpawning,
		CreatedAt:      s.createdAt.UnixMilli(),
		LastAttachedAt: s.lastAttachedAt.UnixMilli(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WasKilledByUser reports whether the most recent kill was user-initiated,
// used to choose the exit event's "reason" field (spec.md §4.D tombstones).
func (s *Session) WasKilledByUser() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killedByUser
}

// Done returns a channel closed once the session has fully terminated.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// waitIngestDrain blocks the frame reader while the ingest queue is above
// its high watermark (spec.md §4.D "waitingForDrain" fan-out
// backpressure), returning once it has drained to the low watermark or
// the session has finished.
func (s *Session) waitIngestDrain() {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()
	for s.ingestQ.AboveHighWatermark() {
		select {
		case <-s.done:
			return
		default:
		}
		s.ingestCond.Wait()
	}
}

func (s *Session) pumpIngestQueue() {
	for {
		s.ingestMu.Lock()
		chunk, ok := s.ingestQ.Pop()
		if ok && !s.ingestQ.AboveHighWatermark() {
			s.ingestCond.Broadcast()
		}
		s.ingestMu.Unlock()
		if !ok {
			select {
			case <-s.wakeIngest:
				continue
			case <-s.done:
				return
			}
		}

		s.emu.Write(chunk)
		if s.callbacks.OnData != nil {
			s.callbacks.OnData(s.SessionID, chunk)
		}

		s.ingestMu.Lock()
		s.processedSeq += int64(len(chunk))
		s.ingestCond.Broadcast()
		s.ingestMu.Unlock()
	}
}

// readFrames is the subprocess frame reader: the single goroutine calling
// dec.Next() for the lifetime of the session.
func (s *Session) readFrames() {
	for {
		f, err := s.dec.Next()
		if err != nil {
			s.handleSubprocessGone()
			return
		}
		switch f.Type {
		case protocol.FrameData:
			s.ingestMu.Lock()
			pushErr := s.ingestQ.Push(f.Payload)
			s.enqueuedBytes += int64(len(f.Payload))
			above := s.ingestQ.AboveHighWatermark()
			s.ingestMu.Unlock()
			if pushErr != nil {
				s.log.WithError(pushErr).Warn("emulator ingest queue hard limit exceeded, dropping chunk")
				continue
			}
			select {
			case s.wakeIngest <- struct{}{}:
			default:
			}
			if above {
				// A slow client (or a stalled emulator write) leaves the
				// ingest queue full: stop pulling more Data frames off the
				// wire until it drains below the low watermark, so the
				// subprocess's stdout writes block, it stops reading the
				// PTY, and the shell itself slows down instead of bytes
				// being dropped here.
				s.waitIngestDrain()
			}
		case protocol.FrameExit:
			exitCode, signal, _ := protocol.DecodeExit(f.Payload)
			s.handleExit(exitCode, signal)
			return
		case protocol.FrameError:
			if s.callbacks.OnTerminalError != nil {
				s.callbacks.OnTerminalError(s.SessionID, "SUBPROCESS_ERROR", string(f.Payload))
			}
		}
	}
}

func (s *Session) handleExit(exitCode, signal int) {
	s.mu.Lock()
	reason := "exited"
	if s.killedByUser {
		reason = "killed"
	}
	s.state = StateExited
	s.exitCode = exitCode
	s.exitSignal = signal
	s.exitReason = reason
	s.exitedAt = time.Now()
	s.mu.Unlock()

	if s.callbacks.OnExit != nil {
		s.callbacks.OnExit(s.SessionID, exitCode, signal, reason)
	}
	s.finish()
}

func (s *Session) handleSubprocessGone() {
	s.mu.Lock()
	if s.state == StateExited || s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	reason := "exited"
	if s.killedByUser {
		reason = "killed"
	}
	s.state = StateExited
	s.exitCode = -1
	s.exitReason = reason
	s.exitedAt = time.Now()
	s.mu.Unlock()

	if s.callbacks.OnExit != nil {
		s.callbacks.OnExit(s.SessionID, -1, 0, reason)
	}
	s.finish()
}

// ExitedAt returns the time the session's subprocess was reaped, or the
// zero time if it is still running.
func (s *Session) ExitedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitedAt
}
