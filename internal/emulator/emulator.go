// Package emulator implements the headless terminal emulator (spec.md
// §4.C): it feeds PTY output into a VT emulation library for rendering,
// while a small bounded scanner independently tracks DEC private modes
// and OSC-7 cwd updates — the only sequences the daemon itself needs to
// interpret.
package emulator

import (
	"fmt"
	"strings"
	"sync"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"
)

// maxScrollbackLines bounds the ring of rendered lines scrolled off the
// top of the screen (grounded on ehrlich-b-wingthing/internal/egg/vterm.go).
const maxScrollbackLines = 50000

// QueryResponder receives bytes the emulator itself wants written back to
// the PTY in reply to a CPR/DA query (spec.md §4.C, "Output query
// responses"). The owning Session only forwards these when no client is
// attached, so the shell does not hang waiting on its own query.
type QueryResponder func(response []byte)

// Emulator is a headless VT terminal with DEC-mode and OSC-7 tracking.
// All methods are safe for concurrent use.
type Emulator struct {
	mu sync.Mutex

	vte        *vt.Emulator
	scan       *sequenceScanner
	onResponse QueryResponder

	scrollback []string
	sbHead     int
	sbLen      int

	altScreen    bool
	cursorHidden bool
	cols, rows   int
}

// New creates an Emulator with the given geometry.
func New(cols, rows int) *Emulator {
	e := &Emulator{
		vte:        vt.NewEmulator(cols, rows),
		scan:       newSequenceScanner(),
		scrollback: make([]string, maxScrollbackLines),
		cols:       cols,
		rows:       rows,
	}
	e.scan.onQuery = e.respondToQuery
	e.vte.SetCallbacks(vt.Callbacks{
		ScrollOut: func(lines []uv.Line) {
			if e.altScreen {
				return
			}
			for _, line := range lines {
				rendered := line.Render()
				if e.sbLen == len(e.scrollback) {
					e.scrollback[e.sbHead] = ""
				}
				e.scrollback[e.sbHead] = rendered
				e.sbHead = (e.sbHead + 1) % len(e.scrollback)
				if e.sbLen < len(e.scrollback) {
					e.sbLen++
				}
			}
		},
		ScrollbackClear: func() {
			for i := range e.scrollback {
				e.scrollback[i] = ""
			}
			e.sbLen = 0
			e.sbHead = 0
		},
		AltScreen: func(on bool) {
			e.altScreen = on
		},
		CursorVisibility: func(visible bool) {
			e.cursorHidden = !visible
		},
	})
	return e
}

// SetQueryResponder installs the callback invoked for CPR/DA responses.
func (e *Emulator) SetQueryResponder(r QueryResponder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onResponse = r
}

// Write feeds PTY output bytes to both the VT library (for rendering) and
// the bounded DEC-mode/OSC-7 scanner.
func (e *Emulator) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scan.feed(p)
	return e.vte.Write(p)
}

// Resize changes the terminal dimensions.
func (e *Emulator) Resize(cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vte.Resize(cols, rows)
	e.cols = cols
	e.rows = rows
}

// Cwd returns the last OSC-7-reported working directory, or "" if none.
func (e *Emulator) Cwd() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scan.cwd
}

// Mode returns the current value of tracked DEC mode n.
func (e *Emulator) Mode(n int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scan.modes[n]
}

// ScrollbackLen returns the number of scrollback lines currently stored.
func (e *Emulator) ScrollbackLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sbLen
}

// ClearScrollback clears the active buffer's scrollback only (spec.md §9,
// open question: alternate-screen scrollback is untouched).
func (e *Emulator) ClearScrollback() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.scrollback {
		e.scrollback[i] = ""
	}
	e.sbLen = 0
	e.sbHead = 0
}

// Snapshot is the result of Snapshot(): the byte string that rebuilds the
// visible screen plus everything needed to restore non-default state.
type Snapshot struct {
	SnapshotAnsi       []byte
	RehydrateSequences []string
	Cwd                string
	Cols               int
	Rows               int
	ScrollbackLines    int
	Modes              map[int]bool
}

// Snapshot produces a consistent point-in-time snapshot (spec.md §4.C).
func (e *Emulator) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	var buf strings.Builder

	lines := e.scrollbackLinesLocked()
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	if len(lines) > 0 {
		for i := 0; i < e.rows-1; i++ {
			buf.WriteByte('\n')
		}
	}

	buf.WriteString("\x1b[m\x1b[H")
	buf.WriteString(e.vte.Render())

	pos := e.vte.CursorPosition()
	fmt.Fprintf(&buf, "\x1b[%d;%dH", pos.Y+1, pos.X+1)

	if e.cursorHidden {
		buf.WriteString("\x1b[?25l")
	} else {
		buf.WriteString("\x1b[?25h")
	}

	modesCopy := make(map[int]bool, len(e.scan.modes))
	var rehydrate []string
	for _, n := range TrackedModes {
		v := e.scan.modes[n]
		modesCopy[n] = v
		if isAltScreenMode(n) {
			continue // snapshot bytes already encode the active buffer
		}
		def := n == ModeAutoWrap || n == ModeCursorVisible
		if v != def {
			if v {
				rehydrate = append(rehydrate, decSet(n))
			} else {
				rehydrate = append(rehydrate, decReset(n))
			}
		}
	}

	return Snapshot{
		SnapshotAnsi:       []byte(buf.String()),
		RehydrateSequences: rehydrate,
		Cwd:                e.scan.cwd,
		Cols:               e.cols,
		Rows:               e.rows,
		ScrollbackLines:    e.sbLen,
		Modes:              modesCopy,
	}
}

func (e *Emulator) scrollbackLinesLocked() []string {
	if e.sbLen == 0 {
		return nil
	}
	lines := make([]string, e.sbLen)
	start := (e.sbHead - e.sbLen + len(e.scrollback)) % len(e.scrollback)
	for i := 0; i < e.sbLen; i++ {
		lines[i] = e.scrollback[(start+i)%len(e.scrollback)]
	}
	return lines
}

// respondToQuery synthesizes CPR/DA responses from state this emulator
// already tracks, without depending on any query-handling internals of
// the VT library itself.
func (e *Emulator) respondToQuery(kind queryKind) {
	if e.onResponse == nil {
		return
	}
	switch kind {
	case queryCPR:
		pos := e.vte.CursorPosition()
		e.onResponse([]byte(fmt.Sprintf("\x1b[%d;%dR", pos.Y+1, pos.X+1)))
	case queryDA:
		e.onResponse([]byte("\x1b[?1;2c"))
	}
}

// Close releases the emulator's resources, clearing scrollback explicitly
// first so memory is returned promptly (spec.md §4.C).
func (e *Emulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.scrollback {
		e.scrollback[i] = ""
	}
	e.sbLen = 0
	return e.vte.Close()
}
