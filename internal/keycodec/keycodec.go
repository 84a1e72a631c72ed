// Package keycodec translates structured terminal key events into the VT
// byte sequences a PTY child expects.
package keycodec

// Key identifies a non-character key.
type Key int

// Recognized keys.
const (
	KeyNone Key = iota
	KeyRune     // printable character, see Event.Rune
	KeyEnter
	KeyBackspace
	KeyTab
	KeyEsc
	KeyUp
	KeyDown
	KeyRight
	KeyLeft
	KeyHome
	KeyEnd
	KeyPageUp
	KeyPageDown
	KeyDelete
	KeyInsert
	KeyF1
	KeyF2
	KeyF3
	KeyF4
	KeyF5
	KeyF6
	KeyF7
	KeyF8
	KeyF9
	KeyF10
	KeyF11
	KeyF12
)

// Event is a decoded key press.
type Event struct {
	Key  Key
	Rune rune
	Ctrl bool
}

// Bracketed paste delimiters. The child relies on seeing the markers even
// for empty paste payloads (image-clipboard detection).
var (
	pasteStart = []byte{0x1b, '[', '2', '0', '0', '~'}
	pasteEnd   = []byte{0x1b, '[', '2', '0', '1', '~'}
)

// Encode maps a key event to the bytes to inject into the PTY. Unrecognized
// keys produce an empty slice; the mapping is total and never panics.
func Encode(ev Event) []byte {
	switch ev.Key {
	case KeyRune:
		if ev.Ctrl {
			return []byte{byte(ev.Rune) & 0x1f}
		}
		return []byte(string(ev.Rune))
	case KeyEnter:
		return []byte{'\r'}
	case KeyBackspace:
		return []byte{0x7f}
	case KeyTab:
		return []byte{'\t'}
	case KeyEsc:
		return []byte{0x1b}
	case KeyUp:
		return []byte{0x1b, '[', 'A'}
	case KeyDown:
		return []byte{0x1b, '[', 'B'}
	case KeyRight:
		return []byte{0x1b, '[', 'C'}
	case KeyLeft:
		return []byte{0x1b, '[', 'D'}
	case KeyHome:
		return []byte{0x1b, '[', 'H'}
	case KeyEnd:
		return []byte{0x1b, '[', 'F'}
	case KeyPageUp:
		return []byte{0x1b, '[', '5', '~'}
	case KeyPageDown:
		return []byte{0x1b, '[', '6', '~'}
	case KeyDelete:
		return []byte{0x1b, '[', '3', '~'}
	case KeyInsert:
		return []byte{0x1b, '[', '2', '~'}
	case KeyF1:
		return []byte{0x1b, 'O', 'P'}
	case KeyF2:
		return []byte{0x1b, 'O', 'Q'}
	case KeyF3:
		return []byte{0x1b, 'O', 'R'}
	case KeyF4:
		return []byte{0x1b, 'O', 'S'}
	case KeyF5:
		return []byte{0x1b, '[', '1', '5', '~'}
	case KeyF6:
		return []byte{0x1b, '[', '1', '7', '~'}
	case KeyF7:
		return []byte{0x1b, '[', '1', '8', '~'}
	case KeyF8:
		return []byte{0x1b, '[', '1', '9', '~'}
	case KeyF9:
		return []byte{0x1b, '[', '2', '0', '~'}
	case KeyF10:
		return []byte{0x1b, '[', '2', '1', '~'}
	case KeyF11:
		return []byte{0x1b, '[', '2', '3', '~'}
	case KeyF12:
		return []byte{0x1b, '[', '2', '4', '~'}
	default:
		return nil
	}
}

// EncodePaste wraps pasted text in bracketed-paste markers. The markers are
// emitted even when text is empty.
func EncodePaste(text string) []byte {
	out := make([]byte, 0, len(pasteStart)+len(text)+len(pasteEnd))
	out = append(out, pasteStart...)
	out = append(out, text...)
	out = append(out, pasteEnd...)
	return out
}
