// Package client is the library embedding applications use to talk to the
// terminal host daemon (spec.md §4.H): lazy connection, autospawn of the
// daemon on first use, the hello handshake, and a request/response map
// keyed by request id. Grounded on GandalftheGUI-grove/cmd/grove/main.go's
// ensureDaemon/pingDaemon/tryRequest pattern, adapted from a one-shot CLI
// process into a long-lived client connection with an event dispatcher.
package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/term"

	"terminal-host/internal/bpqueue"
	"terminal-host/internal/daemon"
	"terminal-host/internal/protocol"
)

// DefaultRequestTimeout bounds how long Request waits for a response.
const DefaultRequestTimeout = 30 * time.Second

// outboundQueueHigh/Low/Hard bound the notification fast path used by
// WriteNoAck (spec.md §4.H).
const (
	outboundQueueHigh = 1 * 1024 * 1024
	outboundQueueLow  = 512 * 1024
	outboundQueueHard = 2 * 1024 * 1024
)

// EventHandler receives unsolicited daemon events, keyed by event name.
type EventHandler func(ev protocol.Event)

// Client is a connection to the terminal host daemon. One Client is
// typically shared across a process; Request is safe for concurrent use.
type Client struct {
	conn net.Conn
	enc  *json.Encoder

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Response

	handlersMu sync.Mutex
	handlers   map[string]EventHandler

	outboundQ   *bpqueue.Queue
	outboundMu  sync.Mutex
	outboundCnd *sync.Cond
	wakeOut     chan struct{}

	closed chan struct{}
}

// Connect lazily ensures a daemon is running at the default state
// directory, autospawning it if necessary, and returns an authenticated
// connection.
func Connect() (*Client, error) {
	if !pingDaemon() {
		if err := autospawn(); err != nil {
			return nil, fmt.Errorf("%s: %w", protocol.ErrDaemonSpawnFailed, err)
		}
	}

	conn, err := net.Dial("unix", daemon.SocketPath())
	if err != nil {
		return nil, fmt.Errorf("dial daemon socket: %w", err)
	}

	token, err := daemon.ReadToken(daemon.TokenPath())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read daemon token: %w", err)
	}

	c := &Client{
		conn:      conn,
		enc:       json.NewEncoder(conn),
		pending:   make(map[string]chan protocol.Response),
		handlers:  make(map[string]EventHandler),
		outboundQ: bpqueue.New(outboundQueueHigh, outboundQueueLow, outboundQueueHard),
		wakeOut:   make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	c.outboundCnd = sync.NewCond(&c.outboundMu)

	go c.readLoop()
	go c.pumpOutbound()

	resp, err := c.Request(protocol.ReqHello, protocol.HelloPayload{
		Token:           token,
		ProtocolVersion: protocol.ProtocolVersion,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !resp.OK {
		conn.Close()
		return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
	}
	return c, nil
}

func pingDaemon() bool {
	conn, err := net.DialTimeout("unix", daemon.SocketPath(), 500*time.Millisecond)
	if err != nil {
		return false
	}
	defer conn.Close()
	pid := daemon.ReadPid(daemon.PidPath())
	return pid != 0 && daemon.ProcessAlive(pid)
}

// autospawn starts the daemon in the background, guarded by a spawn lock
// so concurrent clients racing to start the first daemon don't launch two
// (spec.md §4.H, §4.G single-instance guard).
func autospawn() error {
	release, acquired, err := daemon.AcquireSpawnLock(daemon.SpawnLockPath())
	if err != nil {
		return err
	}
	if !acquired {
		return waitForSocket(5 * time.Second)
	}
	defer release()

	if err := os.MkdirAll(daemon.StateDir(), 0755); err != nil {
		return err
	}

	exe, err := os.Executable()
	daemonBin := "terminal-hostd"
	if err == nil {
		candidate := exe[:len(exe)-len(lastSegment(exe))] + "terminal-hostd"
		if _, statErr := os.Stat(candidate); statErr == nil {
			daemonBin = candidate
		}
	}

	printAutospawnNotice("terminal-host: starting daemon...")

	cmd := exec.Command(daemonBin, "run")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, nil, nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	cmd.Process.Release()

	return waitForSocket(5 * time.Second)
}

func lastSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// waitForSocket watches the state directory for the socket's creation
// instead of polling on a fixed tick, the way ehrlich-b-wingthing's
// sandbox/file-watching code reacts to filesystem events rather than
// sleeping and re-stat'ing in a loop.
func waitForSocket(timeout time.Duration) error {
	if _, err := os.Stat(daemon.SocketPath()); err == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return waitForSocketPoll(timeout)
	}
	defer watcher.Close()
	if err := watcher.Add(daemon.StateDir()); err != nil {
		return waitForSocketPoll(timeout)
	}

	deadline := time.After(timeout)
	target := filepath.Base(daemon.SocketPath())
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return waitForSocketPoll(timeout)
			}
			if filepath.Base(ev.Name) == target {
				if _, err := os.Stat(daemon.SocketPath()); err == nil {
					return nil
				}
			}
		case <-watcher.Errors:
		case <-deadline:
			return fmt.Errorf("daemon socket did not appear within %s", timeout)
		}
	}
}

func waitForSocketPoll(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(daemon.SocketPath()); err == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon socket did not appear within %s", timeout)
}

// printAutospawnNotice writes a diagnostic line to stderr only when stderr
// is an interactive terminal, avoiding noise when embedded in another
// program's piped output (grounded on the isatty-gated diagnostics in
// GandalftheGUI-grove's cmd/grove and ehrlich-b-wingthing's CLI entrypoints).
func printAutospawnNotice(msg string) {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		fmt.Fprintln(os.Stderr, msg)
	}
}

// OnEvent registers a handler for a named event ("data", "exit",
// "terminalError").
func (c *Client) OnEvent(name string, h EventHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[name] = h
}

// Request sends a request and blocks for its response, up to
// DefaultRequestTimeout.
func (c *Client) Request(reqType protocol.RequestType, payload any) (protocol.Response, error) {
	id := uuid.NewString()
	ch := make(chan protocol.Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.enc.Encode(protocol.Request{ID: id, Type: string(reqType), Payload: payload})
	c.writeMu.Unlock()
	if err != nil {
		return protocol.Response{}, fmt.Errorf("%s: %w", protocol.ErrConnectionLost, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(DefaultRequestTimeout):
		return protocol.Response{}, fmt.Errorf("%s: request %s timed out", protocol.ErrRequestTimeout, reqType)
	case <-c.closed:
		return protocol.Response{}, fmt.Errorf("%s: connection closed", protocol.ErrConnectionLost)
	}
}

// WriteNoAck sends keystroke-style input through a bounded outbound queue
// without waiting for a response (spec.md §4.H, notification fast path):
// the caller never blocks on the daemon's reply, and a full queue simply
// rejects new writes rather than applying backpressure to the caller.
func (c *Client) WriteNoAck(sessionID string, data []byte) error {
	line, err := json.Marshal(protocol.Request{
		ID:      uuid.NewString(),
		Type:    string(protocol.ReqWrite),
		Payload: protocol.WritePayload{SessionID: sessionID, Data: string(data)},
	})
	if err != nil {
		return err
	}
	line = append(line, '\n')

	c.outboundMu.Lock()
	err = c.outboundQ.Push(line)
	c.outboundMu.Unlock()
	if err != nil {
		return err
	}
	select {
	case c.wakeOut <- struct{}{}:
	default:
	}
	return nil
}

func (c *Client) pumpOutbound() {
	for {
		c.outboundMu.Lock()
		line, ok := c.outboundQ.Pop()
		if ok && !c.outboundQ.AboveHighWatermark() {
			c.outboundCnd.Broadcast()
		}
		c.outboundMu.Unlock()
		if !ok {
			select {
			case <-c.wakeOut:
				continue
			case <-c.closed:
				return
			}
		}
		c.writeMu.Lock()
		c.conn.Write(line)
		c.writeMu.Unlock()
	}
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var peek struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &peek); err != nil {
			continue
		}
		if peek.Type == protocol.EventEnvelopeType {
			var ev protocol.Event
			json.Unmarshal(line, &ev)
			c.handlersMu.Lock()
			h := c.handlers[ev.Event]
			c.handlersMu.Unlock()
			if h != nil {
				h(ev)
			}
			continue
		}
		var resp protocol.Response
		json.Unmarshal(line, &resp)
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
	close(c.closed)
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
