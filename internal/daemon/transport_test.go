package daemon

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"testing"

	"github.com/sirupsen/logrus"

	"terminal-host/internal/protocol"
	"terminal-host/internal/session"
)

// TestMain intercepts runs of this test binary spawned as a fake
// terminal-host-pty subprocess, mirroring internal/session's own test
// harness: when GO_WANT_HELPER_PROCESS is set, act as a minimal stand-in
// for cmd/terminal-host-pty instead of running the daemon package's tests.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runFakeSubprocess()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runFakeSubprocess() {
	enc := protocol.NewEncoder(os.Stdout)
	dec := protocol.NewDecoder(os.Stdin)

	if err := enc.WriteFrame(protocol.FrameReady, nil); err != nil {
		return
	}
	if _, err := dec.Next(); err != nil { // Spawn
		return
	}
	if err := enc.WriteFrame(protocol.FrameSpawned, protocol.EncodePID(os.Getpid())); err != nil {
		return
	}
	for {
		f, err := dec.Next()
		if err != nil {
			return
		}
		switch f.Type {
		case protocol.FrameWrite:
			enc.WriteFrame(protocol.FrameData, f.Payload)
		case protocol.FrameKill:
			enc.WriteFrame(protocol.FrameExit, protocol.EncodeExit(0, 0))
			return
		case protocol.FrameDispose:
			return
		}
	}
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	os.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Cleanup(func() { os.Unsetenv("GO_WANT_HELPER_PROCESS") })

	self, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	entry := log.WithField("test", true)

	d := &Daemon{
		log:      log,
		logEntry: entry,
		cfg:      DefaultConfig(),
		token:    "test-token",
		pid:      os.Getpid(),
		clients:  make(map[*clientConn]bool),
		stopped:  make(chan struct{}),
	}
	d.registry = session.New(self, d, entry, 4)
	t.Cleanup(func() {
		d.registry.DisposeAll()
		d.registry.Stop()
	})
	return d
}

type testClient struct {
	conn net.Conn
	r    *bufio.Scanner
}

func (tc *testClient) send(t *testing.T, req protocol.Request) protocol.Response {
	t.Helper()
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	b = append(b, '\n')
	if _, err := tc.conn.Write(b); err != nil {
		t.Fatalf("write request: %v", err)
	}
	if !tc.r.Scan() {
		t.Fatalf("no response received: %v", tc.r.Err())
	}
	var resp protocol.Response
	if err := json.Unmarshal(tc.r.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func dial(t *testing.T, d *Daemon) *testClient {
	t.Helper()
	server, client := net.Pipe()
	go d.handleConn(server)
	sc := bufio.NewScanner(client)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	t.Cleanup(func() { client.Close() })
	return &testClient{conn: client, r: sc}
}

func TestDispatchRejectsRequestsBeforeHello(t *testing.T) {
	d := newTestDaemon(t)
	tc := dial(t, d)

	resp := tc.send(t, protocol.Request{ID: "1", Type: string(protocol.ReqListSessions)})
	if resp.OK {
		t.Fatal("expected an error before hello")
	}
	if resp.Error.Code != protocol.ErrNotAuthenticated {
		t.Errorf("error code = %s, want %s", resp.Error.Code, protocol.ErrNotAuthenticated)
	}
}

func TestDispatchHelloRejectsBadToken(t *testing.T) {
	d := newTestDaemon(t)
	tc := dial(t, d)

	resp := tc.send(t, protocol.Request{ID: "1", Type: string(protocol.ReqHello), Payload: protocol.HelloPayload{
		Token: "wrong", ProtocolVersion: protocol.ProtocolVersion,
	}})
	if resp.OK {
		t.Fatal("expected auth to fail with the wrong token")
	}
	if resp.Error.Code != protocol.ErrAuthFailed {
		t.Errorf("error code = %s, want %s", resp.Error.Code, protocol.ErrAuthFailed)
	}
}

func TestDispatchHelloThenCreateOrAttach(t *testing.T) {
	d := newTestDaemon(t)
	tc := dial(t, d)

	resp := tc.send(t, protocol.Request{ID: "1", Type: string(protocol.ReqHello), Payload: protocol.HelloPayload{
		Token: "test-token", ProtocolVersion: protocol.ProtocolVersion,
	}})
	if !resp.OK {
		t.Fatalf("hello failed: %+v", resp.Error)
	}

	resp = tc.send(t, protocol.Request{ID: "2", Type: string(protocol.ReqCreateOrAttach), Payload: protocol.CreateOrAttachPayload{
		PaneID: "pane-1", Cols: 80, Rows: 24,
	}})
	if !resp.OK {
		t.Fatalf("createOrAttach failed: %+v", resp.Error)
	}

	var result protocol.CreateOrAttachResult
	b, _ := json.Marshal(resp.Payload)
	json.Unmarshal(b, &result)
	if result.SessionID == "" {
		t.Error("expected a non-empty session id")
	}
	if !result.IsNew {
		t.Error("expected the first createOrAttach for a pane to report IsNew")
	}
}

func TestDispatchCreateOrAttachRejectsBadGeometry(t *testing.T) {
	d := newTestDaemon(t)
	tc := dial(t, d)

	tc.send(t, protocol.Request{ID: "1", Type: string(protocol.ReqHello), Payload: protocol.HelloPayload{
		Token: "test-token", ProtocolVersion: protocol.ProtocolVersion,
	}})

	resp := tc.send(t, protocol.Request{ID: "2", Type: string(protocol.ReqCreateOrAttach), Payload: protocol.CreateOrAttachPayload{
		PaneID: "pane-1", Cols: 0, Rows: 24,
	}})
	if resp.OK {
		t.Fatal("expected invalid geometry to be rejected")
	}
	if resp.Error.Code != protocol.ErrInvalidGeometry {
		t.Errorf("error code = %s, want %s", resp.Error.Code, protocol.ErrInvalidGeometry)
	}
}

func TestDispatchUnknownRequestType(t *testing.T) {
	d := newTestDaemon(t)
	tc := dial(t, d)
	tc.send(t, protocol.Request{ID: "1", Type: string(protocol.ReqHello), Payload: protocol.HelloPayload{
		Token: "test-token", ProtocolVersion: protocol.ProtocolVersion,
	}})

	resp := tc.send(t, protocol.Request{ID: "2", Type: "bogus"})
	if resp.OK {
		t.Fatal("expected an unknown request type to fail")
	}
	if resp.Error.Code != protocol.ErrUnknownRequest {
		t.Errorf("error code = %s, want %s", resp.Error.Code, protocol.ErrUnknownRequest)
	}
}

func TestDispatchWriteToUnknownSession(t *testing.T) {
	d := newTestDaemon(t)
	tc := dial(t, d)
	tc.send(t, protocol.Request{ID: "1", Type: string(protocol.ReqHello), Payload: protocol.HelloPayload{
		Token: "test-token", ProtocolVersion: protocol.ProtocolVersion,
	}})

	resp := tc.send(t, protocol.Request{ID: "2", Type: string(protocol.ReqWrite), Payload: protocol.WritePayload{
		SessionID: "does-not-exist", Data: "hi",
	}})
	if resp.OK {
		t.Fatal("expected write to an unknown session to fail")
	}
	if resp.Error.Code != protocol.ErrSessionNotFound {
		t.Errorf("error code = %s, want %s", resp.Error.Code, protocol.ErrSessionNotFound)
	}
}
