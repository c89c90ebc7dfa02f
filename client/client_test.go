package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLastSegment(t *testing.T) {
	cases := map[string]string{
		"/usr/local/bin/terminal-hostd": "terminal-hostd",
		"terminal-hostd":                "terminal-hostd",
		"/a/b/c":                        "c",
		"":                              "",
	}
	for in, want := range cases {
		if got := lastSegment(in); got != want {
			t.Errorf("lastSegment(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWaitForSocketPollReturnsOnceSocketAppears(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TERMINAL_HOST_HOME", dir)
	sockPath := filepath.Join(dir, "terminal-host.sock")

	go func() {
		time.Sleep(50 * time.Millisecond)
		os.WriteFile(sockPath, nil, 0600)
	}()

	if err := waitForSocketPoll(2 * time.Second); err != nil {
		t.Fatalf("waitForSocketPoll: %v", err)
	}
}

func TestWaitForSocketPollTimesOut(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TERMINAL_HOST_HOME", dir)

	if err := waitForSocketPoll(100 * time.Millisecond); err == nil {
		t.Fatal("expected a timeout error when the socket never appears")
	}
}
