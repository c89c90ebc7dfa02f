// Package ptyproc implements the standalone PTY subprocess (spec.md §4.B):
// a small process that owns one PTY and exchanges length-prefixed binary
// frames with its parent daemon over stdin/stdout, isolating blocking PTY
// behavior from the daemon's own reactor loop.
package ptyproc

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"

	"terminal-host/internal/bpqueue"
	"terminal-host/internal/protocol"
)

const (
	outputFlushBytes = 128 * 1024
	outputFlushEvery = 32 * time.Millisecond

	stdinHigh = 8 * 1024 * 1024
	stdinLow  = 4 * 1024 * 1024
	stdinHard = 64 * 1024 * 1024

	killGraceDelay  = 2000 * time.Millisecond
	killFinalDelay  = 1000 * time.Millisecond
)

// Subprocess runs the PTY subprocess reactor. One instance owns exactly
// one PTY for its entire lifetime.
type Subprocess struct {
	log *logrus.Entry

	stdinDec *protocol.Decoder
	stdout   io.Writer
	encMu    sync.Mutex
	enc      *protocol.Encoder

	ptmx *os.File
	cmd  *exec.Cmd
	pid  int

	writer     *ptyWriter
	stdinQMu   sync.Mutex
	stdinQCond *sync.Cond
	stdinQ     *bpqueue.Queue
	wakeWrite  chan struct{}

	terminating bool
	disposed    bool
	mu          sync.Mutex

	exitOnce sync.Once
	done     chan struct{}
}

// New creates a Subprocess reading frames from stdin and writing frames to
// stdout.
func New(stdin io.Reader, stdout io.Writer, log *logrus.Entry) *Subprocess {
	s := &Subprocess{
		log:       log,
		stdinDec:  protocol.NewDecoder(stdin),
		stdout:    stdout,
		enc:       protocol.NewEncoder(stdout),
		stdinQ:    bpqueue.New(stdinHigh, stdinLow, stdinHard),
		wakeWrite: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.stdinQCond = sync.NewCond(&s.stdinQMu)
	return s
}

func (s *Subprocess) sendFrame(t protocol.FrameType, payload []byte) error {
	s.encMu.Lock()
	defer s.encMu.Unlock()
	return s.enc.WriteFrame(t, payload)
}

// Run blocks until the subprocess should exit: the PTY child exited and was
// reaped, a Dispose frame was handled, or kill escalation synthesized its
// own Exit. The return value is the process exit status to use.
func (s *Subprocess) Run() int {
	if err := s.sendFrame(protocol.FrameReady, nil); err != nil {
		s.log.WithError(err).Error("failed writing Ready frame")
		return 1
	}

	spawn, err := s.awaitSpawn()
	if err != nil {
		s.log.WithError(err).Error("failed awaiting Spawn frame")
		return 1
	}

	if err := s.spawnPTY(spawn); err != nil {
		s.sendFrame(protocol.FrameError, []byte("spawn failed: "+err.Error()))
		return 1
	}

	writer, err := newPTYWriter(int(s.ptmx.Fd()))
	if err != nil {
		s.log.WithError(err).Warn("non-blocking PTY writer unavailable, falling back to blocking writes")
	}
	s.writer = writer

	go s.pumpStdinQueue()
	go s.pumpOutput()
	go s.waitForExit()

	s.readControlFrames()

	<-s.done
	return 0
}

func (s *Subprocess) awaitSpawn() (protocol.SpawnPayload, error) {
	for {
		f, err := s.stdinDec.Next()
		if err != nil {
			return protocol.SpawnPayload{}, err
		}
		if f.Type != protocol.FrameSpawn {
			continue // ignore anything before Spawn; protocol requires exactly one
		}
		var sp protocol.SpawnPayload
		if err := json.Unmarshal(f.Payload, &sp); err != nil {
			return protocol.SpawnPayload{}, fmt.Errorf("decode Spawn payload: %w", err)
		}
		return sp, nil
	}
}

func (s *Subprocess) spawnPTY(sp protocol.SpawnPayload) error {
	cmd := exec.Command(sp.Shell, sp.Args...)
	cmd.Dir = sp.Cwd

	env := make([]string, 0, len(sp.Env)+1)
	hasTerm := false
	for k, v := range sp.Env {
		env = append(env, k+"="+v)
		if k == "TERM" {
			hasTerm = true
		}
	}
	if !hasTerm {
		env = append(env, "TERM=xterm-256color")
	}
	cmd.Env = env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(sp.Cols),
		Rows: uint16(sp.Rows),
	})
	if err != nil {
		return fmt.Errorf("pty start: %w", err)
	}

	s.ptmx = ptmx
	s.cmd = cmd
	s.pid = cmd.Process.Pid

	return s.sendFrame(protocol.FrameSpawned, protocol.EncodePID(s.pid))
}

// readControlFrames is the main reactor loop reading Write/Resize/Kill/
// Signal/Dispose frames from the daemon for the lifetime of the PTY.
func (s *Subprocess) readControlFrames() {
	for {
		// Pausing reads from stdin once the PTY-write queue crosses its
		// high watermark propagates backpressure all the way to the
		// daemon (spec.md §4.B, §9 "from ad-hoc backpressure to
		// watermarks").
		s.stdinQMu.Lock()
		for s.stdinQ.AboveHighWatermark() {
			s.stdinQCond.Wait()
		}
		s.stdinQMu.Unlock()

		f, err := s.stdinDec.Next()
		if err != nil {
			// Daemon went away; treat like Dispose.
			s.handleDispose()
			return
		}
		switch f.Type {
		case protocol.FrameWrite:
			s.enqueueWrite(f.Payload)
		case protocol.FrameResize:
			s.handleResize(f.Payload)
		case protocol.FrameKill:
			s.handleKill(string(f.Payload))
		case protocol.FrameSignal:
			s.handleSignal(string(f.Payload))
		case protocol.FrameDispose:
			s.handleDispose()
			return
		}
	}
}

func (s *Subprocess) enqueueWrite(payload []byte) {
	s.stdinQMu.Lock()
	err := s.stdinQ.Push(payload)
	s.stdinQMu.Unlock()
	if err != nil {
		s.sendFrame(protocol.FrameError, []byte("Input backlog exceeded hard limit"))
		return
	}
	select {
	case s.wakeWrite <- struct{}{}:
	default:
	}
}

func (s *Subprocess) pumpStdinQueue() {
	for {
		s.stdinQMu.Lock()
		chunk, ok := s.stdinQ.Pop()
		if ok && !s.stdinQ.AboveHighWatermark() {
			s.stdinQCond.Broadcast()
		}
		s.stdinQMu.Unlock()
		if !ok {
			select {
			case <-s.wakeWrite:
				continue
			case <-s.done:
				return
			}
		}
		if s.writer != nil {
			if err := s.writer.writeAll(chunk); err != nil {
				s.log.WithError(err).Debug("pty write error")
			}
		} else if s.ptmx != nil {
			s.ptmx.Write(chunk)
		}
	}
}

func (s *Subprocess) handleResize(payload []byte) {
	cols, rows, ok := protocol.DecodeGeometry(payload)
	if !ok || s.ptmx == nil {
		return
	}
	_ = pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func signalByName(name string) syscall.Signal {
	switch name {
	case "", "SIGTERM":
		return syscall.SIGTERM
	case "SIGINT":
		return syscall.SIGINT
	case "SIGKILL":
		return syscall.SIGKILL
	case "SIGHUP":
		return syscall.SIGHUP
	case "SIGQUIT":
		return syscall.SIGQUIT
	default:
		return syscall.SIGTERM
	}
}

// handleKill implements the escalation ladder from spec.md §4.B: signal,
// then SIGKILL after 2s if still alive, then a synthesized Exit frame
// after a further 1s if the OS exit callback still has not fired.
func (s *Subprocess) handleKill(signalName string) {
	s.mu.Lock()
	s.terminating = true
	s.mu.Unlock()

	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Signal(signalByName(signalName))
	}

	time.AfterFunc(killGraceDelay, func() {
		if s.isDone() {
			return
		}
		if s.cmd != nil && s.cmd.Process != nil {
			s.cmd.Process.Signal(syscall.SIGKILL)
		}
	})

	time.AfterFunc(killGraceDelay+killFinalDelay, func() {
		if s.isDone() {
			return
		}
		s.sendFrame(protocol.FrameExit, protocol.EncodeExit(-1, 9))
		s.finish()
	})
}

// handleSignal sends an in-band signal without starting kill escalation or
// marking the session terminating (spec.md §4.B, open question #1:
// rejected once terminating has already been set).
func (s *Subprocess) handleSignal(signalName string) {
	s.mu.Lock()
	terminating := s.terminating
	s.mu.Unlock()
	if terminating || s.isDone() {
		return
	}
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Signal(signalByName(signalName))
	}
}

func (s *Subprocess) handleDispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Signal(syscall.SIGKILL)
	}
	s.finish()
}

func (s *Subprocess) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Subprocess) finish() {
	s.exitOnce.Do(func() { close(s.done) })
}

// waitForExit blocks on the child process and reports its exit via an Exit
// frame once reaped.
func (s *Subprocess) waitForExit() {
	if s.cmd == nil {
		return
	}
	state, _ := s.cmd.Process.Wait()
	if s.isDone() {
		return
	}
	exitCode := 0
	signal := 0
	if state != nil {
		exitCode = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			signal = int(ws.Signal())
			exitCode = -1
		}
	}
	s.sendFrame(protocol.FrameExit, protocol.EncodeExit(exitCode, signal))
	s.finish()
}

// pumpOutput reads PTY output, batches it, and flushes Data frames on a
// 128 KiB / 32 ms boundary. It honors stdout backpressure: frames are
// written to stdout with blocking writes from this loop, and the next PTY
// read is only requested after the loop has handled the previous one, so
// a stalled stdout also stops PTY reads.
func (s *Subprocess) pumpOutput() {
	if s.ptmx == nil {
		return
	}
	readBuf := make([]byte, 32*1024)
	var pending []byte // held-back incomplete UTF-8 tail
	var batch []byte
	flushTimer := time.NewTimer(outputFlushEvery)
	defer flushTimer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.sendFrame(protocol.FrameData, batch); err != nil {
			s.log.WithError(err).Debug("failed writing Data frame")
		}
		batch = nil
	}

	resultCh := make(chan struct {
		n   int
		err error
	}, 1)
	readReq := make(chan struct{}, 1)
	readReq <- struct{}{}

	go func() {
		for range readReq {
			n, err := s.ptmx.Read(readBuf)
			resultCh <- struct{ n int; err error }{n, err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-flushTimer.C:
			flush()
			flushTimer.Reset(outputFlushEvery)
		case res := <-resultCh:
			if res.n > 0 {
				chunk := readBuf[:res.n]
				if len(pending) > 0 {
					combined := make([]byte, len(pending)+len(chunk))
					copy(combined, pending)
					copy(combined[len(pending):], chunk)
					chunk = combined
					pending = nil
				}
				if tail := incompleteUTF8Tail(chunk); tail > 0 {
					pending = append([]byte(nil), chunk[len(chunk)-tail:]...)
					chunk = chunk[:len(chunk)-tail]
				}
				if len(chunk) > 0 {
					batch = append(batch, chunk...)
				}
				if len(batch) >= outputFlushBytes {
					flush()
				}
			}
			if res.err != nil {
				if len(pending) > 0 {
					batch = append(batch, pending...)
					pending = nil
				}
				flush()
				return
			}
			select {
			case readReq <- struct{}{}:
			default:
			}
		}
	}
}
