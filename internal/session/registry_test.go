package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type fakeSink struct {
	dataCh chan string
	exitCh chan string
}

func newFakeSink() *fakeSink {
	return &fakeSink{dataCh: make(chan string, 16), exitCh: make(chan string, 16)}
}

func (f *fakeSink) BroadcastData(sessionID string, data []byte) {
	select {
	case f.dataCh <- sessionID:
	default:
	}
}
func (f *fakeSink) BroadcastExit(sessionID string, exitCode, signal int, reason string) {
	select {
	case f.exitCh <- sessionID:
	default:
	}
}
func (f *fakeSink) BroadcastTerminalError(sessionID, code, message string) {}

func newTestRegistry(t *testing.T, maxConcurrent int) (*Registry, *fakeSink) {
	t.Helper()
	os.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Cleanup(func() { os.Unsetenv("GO_WANT_HELPER_PROCESS") })

	self, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	sink := newFakeSink()
	r := New(self, sink, log.WithField("test", true), maxConcurrent)
	t.Cleanup(r.Stop)
	return r, sink
}

func TestRegistryCreateOrAttachSpawnsOnce(t *testing.T) {
	r, _ := newTestRegistry(t, 4)
	ctx := context.Background()
	params := SpawnParams{Cols: 80, Rows: 24}

	res1, err := r.CreateOrAttach(ctx, "pane-a", "ws-1", "tab-1", params, "/bin/sh", nil, nil, 1)
	if err != nil {
		t.Fatalf("CreateOrAttach: %v", err)
	}
	if !res1.IsNew {
		t.Error("first CreateOrAttach for a new pane should report IsNew")
	}

	res2, err := r.CreateOrAttach(ctx, "pane-a", "ws-1", "tab-1", params, "/bin/sh", nil, nil, 1)
	if err != nil {
		t.Fatalf("CreateOrAttach (attach): %v", err)
	}
	if res2.IsNew {
		t.Error("second CreateOrAttach for the same pane should not spawn again")
	}
	if res2.SessionID != res1.SessionID {
		t.Errorf("attach returned a different session id: %s != %s", res2.SessionID, res1.SessionID)
	}

	defer r.Kill(res1.SessionID, "SIGTERM", false)
}

func TestRegistryListAndKill(t *testing.T) {
	r, sink := newTestRegistry(t, 4)
	ctx := context.Background()
	params := SpawnParams{Cols: 80, Rows: 24}

	res, err := r.CreateOrAttach(ctx, "pane-b", "ws-1", "tab-1", params, "/bin/sh", nil, nil, 1)
	if err != nil {
		t.Fatalf("CreateOrAttach: %v", err)
	}

	found := false
	for _, info := range r.List() {
		if info.SessionID == res.SessionID {
			found = true
		}
	}
	if !found {
		t.Error("expected List to include the newly spawned session")
	}

	if err := r.Kill(res.SessionID, "SIGTERM", true); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case sid := <-sink.exitCh:
		if sid != res.SessionID {
			t.Errorf("exit broadcast for wrong session: %s", sid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit broadcast")
	}
}

func TestRegistrySweepRemovesTombstonedSession(t *testing.T) {
	r, _ := newTestRegistry(t, 4)
	ctx := context.Background()
	params := SpawnParams{Cols: 80, Rows: 24}

	res, err := r.CreateOrAttach(ctx, "pane-c", "ws-1", "tab-1", params, "/bin/sh", nil, nil, 1)
	if err != nil {
		t.Fatalf("CreateOrAttach: %v", err)
	}
	sess, ok := r.Get(res.SessionID)
	if !ok {
		t.Fatal("expected session to be registered")
	}
	sess.Kill("SIGTERM", true)
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never reported done after kill")
	}

	// Simulate the tombstone window having already elapsed rather than
	// sleeping tombstoneRetention (5s) in a test.
	sess.mu.Lock()
	sess.exitedAt = time.Now().Add(-tombstoneRetention - time.Second)
	sess.mu.Unlock()

	r.sweep()

	if _, ok := r.Get(res.SessionID); ok {
		t.Error("expected sweep to remove the tombstoned session")
	}
}

func TestRegistryKillByWorkspace(t *testing.T) {
	r, sink := newTestRegistry(t, 4)
	ctx := context.Background()
	params := SpawnParams{Cols: 80, Rows: 24}

	resA, err := r.CreateOrAttach(ctx, "pane-d", "ws-target", "tab-1", params, "/bin/sh", nil, nil, 1)
	if err != nil {
		t.Fatalf("CreateOrAttach: %v", err)
	}
	resB, err := r.CreateOrAttach(ctx, "pane-e", "ws-other", "tab-1", params, "/bin/sh", nil, nil, 1)
	if err != nil {
		t.Fatalf("CreateOrAttach: %v", err)
	}
	defer r.Kill(resB.SessionID, "SIGTERM", false)

	r.KillByWorkspace("ws-target")

	select {
	case sid := <-sink.exitCh:
		if sid != resA.SessionID {
			t.Errorf("exit broadcast for wrong session: got %s, want %s", sid, resA.SessionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit broadcast from killed workspace")
	}

	select {
	case sid := <-sink.exitCh:
		t.Errorf("unexpected exit broadcast for session in untouched workspace: %s", sid)
	case <-time.After(200 * time.Millisecond):
	}

	if sess, ok := r.Get(resB.SessionID); !ok || sess.State() == StateTerminating || sess.State() == StateExited {
		t.Error("session outside the targeted workspace should remain untouched")
	}
}

func TestRegistryCreateOrAttachRespawnsAfterExit(t *testing.T) {
	r, _ := newTestRegistry(t, 4)
	ctx := context.Background()
	params := SpawnParams{Cols: 80, Rows: 24}

	res1, err := r.CreateOrAttach(ctx, "pane-f", "ws-1", "tab-1", params, "/bin/sh", nil, nil, 1)
	if err != nil {
		t.Fatalf("CreateOrAttach: %v", err)
	}
	sess, ok := r.Get(res1.SessionID)
	if !ok {
		t.Fatal("expected session to be registered")
	}
	sess.Kill("SIGTERM", true)
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never reported done after kill")
	}

	// Still inside the tombstone retention window: byPaneID still maps
	// pane-f to the now-exited session, but it must be treated as absent.
	res2, err := r.CreateOrAttach(ctx, "pane-f", "ws-1", "tab-1", params, "/bin/sh", nil, nil, 1)
	if err != nil {
		t.Fatalf("CreateOrAttach (respawn): %v", err)
	}
	if !res2.IsNew {
		t.Error("reconnecting to a pane whose session exited should spawn a fresh one, not attach")
	}
	if res2.SessionID == res1.SessionID {
		t.Error("respawned session should have a new session id")
	}
	defer r.Kill(res2.SessionID, "SIGTERM", false)
}
