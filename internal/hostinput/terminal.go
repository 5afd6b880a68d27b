package hostinput

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/ericcurtin/libkrun/internal/devices/virtio"
)

// TerminalCapture reads raw keystrokes from a terminal and injects them as
// key press/release pairs. Ctrl-C stops the capture.
type TerminalCapture struct {
	f        *os.File
	oldState *term.State
}

// NewTerminalCapture switches the terminal into raw mode. Close restores it.
func NewTerminalCapture(f *os.File) (*TerminalCapture, error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("hostinput: %s is not a terminal", f.Name())
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("hostinput: enter raw mode: %w", err)
	}
	return &TerminalCapture{f: f, oldState: oldState}, nil
}

// Close restores the terminal state.
func (c *TerminalCapture) Close() error {
	return term.Restore(int(c.f.Fd()), c.oldState)
}

// Run forwards keystrokes to the injector until Ctrl-C or read error.
func (c *TerminalCapture) Run(inj Injector) error {
	r := bufio.NewReader(c.f)
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("hostinput: read terminal: %w", err)
		}

		if b == 0x03 { // Ctrl-C
			return nil
		}

		code, shifted, ok := decodeByte(r, b)
		if !ok {
			continue
		}
		injectKeystroke(inj, code, shifted)
	}
}

// injectKeystroke emits a full press/release report for one key, wrapping it
// in shift transitions when the character requires them.
func injectKeystroke(inj Injector, code uint16, shifted bool) {
	var events []virtio.InputEvent
	if shifted {
		events = append(events, virtio.KeyEvent(virtio.KEY_LEFTSHIFT, true))
	}
	events = append(events, virtio.KeyEvent(code, true), virtio.SynReport())
	events = append(events, virtio.KeyEvent(code, false))
	if shifted {
		events = append(events, virtio.KeyEvent(virtio.KEY_LEFTSHIFT, false))
	}
	events = append(events, virtio.SynReport())
	inj.SendEvents(events...)
}

// decodeByte maps a raw input byte (plus any escape-sequence continuation)
// to an evdev key code.
func decodeByte(r *bufio.Reader, b byte) (code uint16, shifted bool, ok bool) {
	if b == 0x1b {
		return decodeEscape(r)
	}
	if code, ok := asciiKeyCodes[b]; ok {
		return code, false, true
	}
	if code, ok := shiftedKeyCodes[b]; ok {
		return code, true, true
	}
	return 0, false, false
}

// decodeEscape handles CSI sequences for navigation keys. A bare ESC with no
// continuation is reported as the Escape key.
func decodeEscape(r *bufio.Reader) (uint16, bool, bool) {
	b, err := r.ReadByte()
	if err != nil || b != '[' {
		return virtio.KEY_ESC, false, true
	}
	b, err = r.ReadByte()
	if err != nil {
		return 0, false, false
	}
	switch b {
	case 'A':
		return virtio.KEY_UP, false, true
	case 'B':
		return virtio.KEY_DOWN, false, true
	case 'C':
		return virtio.KEY_RIGHT, false, true
	case 'D':
		return virtio.KEY_LEFT, false, true
	case 'H':
		return virtio.KEY_HOME, false, true
	case 'F':
		return virtio.KEY_END, false, true
	case '2', '3', '5', '6':
		// CSI <n> ~ sequences.
		if tilde, err := r.ReadByte(); err != nil || tilde != '~' {
			return 0, false, false
		}
		switch b {
		case '2':
			return virtio.KEY_INSERT, false, true
		case '3':
			return virtio.KEY_DELETE, false, true
		case '5':
			return virtio.KEY_PAGEUP, false, true
		}
		return virtio.KEY_PAGEDOWN, false, true
	}
	return 0, false, false
}

var asciiKeyCodes = map[byte]uint16{
	'a': virtio.KEY_A, 'b': virtio.KEY_B, 'c': virtio.KEY_C, 'd': virtio.KEY_D,
	'e': virtio.KEY_E, 'f': virtio.KEY_F, 'g': virtio.KEY_G, 'h': virtio.KEY_H,
	'i': virtio.KEY_I, 'j': virtio.KEY_J, 'k': virtio.KEY_K, 'l': virtio.KEY_L,
	'm': virtio.KEY_M, 'n': virtio.KEY_N, 'o': virtio.KEY_O, 'p': virtio.KEY_P,
	'q': virtio.KEY_Q, 'r': virtio.KEY_R, 's': virtio.KEY_S, 't': virtio.KEY_T,
	'u': virtio.KEY_U, 'v': virtio.KEY_V, 'w': virtio.KEY_W, 'x': virtio.KEY_X,
	'y': virtio.KEY_Y, 'z': virtio.KEY_Z,
	'1': virtio.KEY_1, '2': virtio.KEY_2, '3': virtio.KEY_3, '4': virtio.KEY_4,
	'5': virtio.KEY_5, '6': virtio.KEY_6, '7': virtio.KEY_7, '8': virtio.KEY_8,
	'9': virtio.KEY_9, '0': virtio.KEY_0,
	'-': virtio.KEY_MINUS, '=': virtio.KEY_EQUAL, '[': virtio.KEY_LEFTBRACE,
	']': virtio.KEY_RIGHTBRACE, ';': virtio.KEY_SEMICOLON, '\'': virtio.KEY_APOSTROPHE,
	'`': virtio.KEY_GRAVE, '\\': virtio.KEY_BACKSLASH, ',': virtio.KEY_COMMA,
	'.': virtio.KEY_DOT, '/': virtio.KEY_SLASH,
	' ': virtio.KEY_SPACE, '\r': virtio.KEY_ENTER, '\n': virtio.KEY_ENTER,
	'\t': virtio.KEY_TAB, 0x7f: virtio.KEY_BACKSPACE,
}

var shiftedKeyCodes = map[byte]uint16{
	'A': virtio.KEY_A, 'B': virtio.KEY_B, 'C': virtio.KEY_C, 'D': virtio.KEY_D,
	'E': virtio.KEY_E, 'F': virtio.KEY_F, 'G': virtio.KEY_G, 'H': virtio.KEY_H,
	'I': virtio.KEY_I, 'J': virtio.KEY_J, 'K': virtio.KEY_K, 'L': virtio.KEY_L,
	'M': virtio.KEY_M, 'N': virtio.KEY_N, 'O': virtio.KEY_O, 'P': virtio.KEY_P,
	'Q': virtio.KEY_Q, 'R': virtio.KEY_R, 'S': virtio.KEY_S, 'T': virtio.KEY_T,
	'U': virtio.KEY_U, 'V': virtio.KEY_V, 'W': virtio.KEY_W, 'X': virtio.KEY_X,
	'Y': virtio.KEY_Y, 'Z': virtio.KEY_Z,
	'!': virtio.KEY_1, '@': virtio.KEY_2, '#': virtio.KEY_3, '$': virtio.KEY_4,
	'%': virtio.KEY_5, '^': virtio.KEY_6, '&': virtio.KEY_7, '*': virtio.KEY_8,
	'(': virtio.KEY_9, ')': virtio.KEY_0,
	'_': virtio.KEY_MINUS, '+': virtio.KEY_EQUAL, '{': virtio.KEY_LEFTBRACE,
	'}': virtio.KEY_RIGHTBRACE, ':': virtio.KEY_SEMICOLON, '"': virtio.KEY_APOSTROPHE,
	'~': virtio.KEY_GRAVE, '|': virtio.KEY_BACKSLASH, '<': virtio.KEY_COMMA,
	'>': virtio.KEY_DOT, '?': virtio.KEY_SLASH,
}
