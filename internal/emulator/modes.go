package emulator

import "strconv"

// Mode numbers tracked per spec.md §4.C. Only these sequences carry
// semantics the daemon needs; everything else is left to the VT library
// and treated as opaque by this bounded scanner (spec.md §9, "from
// OS-specific escape parsing to bounded scanning").
const (
	ModeApplicationCursorKeys = 1
	ModeOrigin                = 6
	ModeAutoWrap              = 7
	ModeMouseX10              = 9
	ModeCursorVisible         = 25
	ModeAltScreenLegacy       = 47
	ModeMouseVT200            = 1000
	ModeMouseHighlight        = 1001
	ModeMouseButtonEvent      = 1002
	ModeMouseAnyEvent         = 1003
	ModeFocusReporting        = 1004
	ModeMouseUTF8             = 1005
	ModeMouseSGR              = 1006
	ModeAltScreenModern       = 1049
	ModeBracketedPaste        = 2004
)

// TrackedModes lists every mode number the scanner recognizes, in a stable
// order used to build rehydrate sequences deterministically.
var TrackedModes = []int{
	ModeApplicationCursorKeys, ModeOrigin, ModeAutoWrap, ModeMouseX10,
	ModeCursorVisible, ModeAltScreenLegacy,
	ModeMouseVT200, ModeMouseHighlight, ModeMouseButtonEvent, ModeMouseAnyEvent,
	ModeFocusReporting, ModeMouseUTF8, ModeMouseSGR, ModeAltScreenModern,
	ModeBracketedPaste,
}

// defaultModes returns the initial mode table (spec.md §4.C table).
func defaultModes() map[int]bool {
	m := make(map[int]bool, len(TrackedModes))
	for _, n := range TrackedModes {
		m[n] = false
	}
	m[ModeAutoWrap] = true
	m[ModeCursorVisible] = true
	return m
}

// isAltScreenMode reports whether mode n toggles an alternate-screen
// buffer; such modes are intentionally excluded from rehydrate sequences
// since the snapshot bytes already encode the active buffer.
func isAltScreenMode(n int) bool {
	return n == ModeAltScreenLegacy || n == ModeAltScreenModern
}

// decSet/decReset build the CSI ? Pm h / l escape string for one mode.
func decSet(n int) string   { return "\x1b[?" + strconv.Itoa(n) + "h" }
func decReset(n int) string { return "\x1b[?" + strconv.Itoa(n) + "l" }
