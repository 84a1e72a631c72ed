package term

import (
	"bytes"
	"unicode/utf8"

	"github.com/klaas-sh/klaas/internal/keycodec"
)

// parser decodes raw stdin bytes into terminal events. It carries state
// across feeds for bracketed-paste payloads and escape sequences split over
// chunk boundaries.
type parser struct {
	inPaste  bool
	pasteBuf bytes.Buffer
	pending  []byte
}

var pasteEndSeq = []byte("\x1b[201~")

func newParser() *parser {
	return &parser{}
}

// feed consumes a chunk of stdin bytes and returns the events decoded so
// far. Incomplete trailing sequences are held for the next feed.
func (p *parser) feed(chunk []byte) []Event {
	data := append(p.pending, chunk...)
	p.pending = nil

	var events []Event
	for len(data) > 0 {
		if p.inPaste {
			if idx := bytes.Index(data, pasteEndSeq); idx >= 0 {
				p.pasteBuf.Write(data[:idx])
				events = append(events, PasteEvent{Text: p.pasteBuf.String()})
				p.pasteBuf.Reset()
				p.inPaste = false
				data = data[idx+len(pasteEndSeq):]
				continue
			}
			// Hold back a possible partial end marker.
			keep := partialSuffix(data, pasteEndSeq)
			p.pasteBuf.Write(data[:len(data)-keep])
			p.pending = data[len(data)-keep:]
			return events
		}

		ev, n, incomplete := decodeOne(data)
		if incomplete {
			p.pending = data
			return events
		}
		if n == 0 {
			// Defensive: never loop forever on garbage.
			data = data[1:]
			continue
		}
		if _, ok := ev.(pasteStartMarker); ok {
			p.inPaste = true
			data = data[n:]
			continue
		}
		if ev != nil {
			events = append(events, ev)
		}
		data = data[n:]
	}
	return events
}

// pasteStartMarker is an internal sentinel produced when ESC[200~ is seen.
type pasteStartMarker struct{}

func (pasteStartMarker) isEvent() {}

// decodeOne decodes a single event from the head of data. Returns the event
// (nil for ignored sequences), the bytes consumed, and whether the head is
// an incomplete sequence that needs more input.
func decodeOne(data []byte) (Event, int, bool) {
	b := data[0]

	if b != 0x1b {
		return decodePlain(data)
	}

	// Lone ESC at the end of a chunk is the Esc key: interactive escape
	// sequences arrive whole in practice.
	if len(data) == 1 {
		return KeyEvent{keycodec.Event{Key: keycodec.KeyEsc}}, 1, false
	}

	switch data[1] {
	case '[':
		return decodeCSI(data)
	case 'O':
		if len(data) < 3 {
			return nil, 0, true
		}
		switch data[2] {
		case 'P':
			return KeyEvent{keycodec.Event{Key: keycodec.KeyF1}}, 3, false
		case 'Q':
			return KeyEvent{keycodec.Event{Key: keycodec.KeyF2}}, 3, false
		case 'R':
			return KeyEvent{keycodec.Event{Key: keycodec.KeyF3}}, 3, false
		case 'S':
			return KeyEvent{keycodec.Event{Key: keycodec.KeyF4}}, 3, false
		}
		return nil, 3, false
	default:
		// ESC followed by an unrelated byte: emit Esc, reprocess the rest.
		return KeyEvent{keycodec.Event{Key: keycodec.KeyEsc}}, 1, false
	}
}

// decodeCSI handles ESC [ sequences.
func decodeCSI(data []byte) (Event, int, bool) {
	// data[0]=ESC data[1]='['
	i := 2
	for i < len(data) {
		c := data[i]
		if c >= '0' && c <= '9' || c == ';' {
			i++
			continue
		}
		break
	}
	if i >= len(data) {
		return nil, 0, true
	}

	final := data[i]
	params := string(data[2:i])
	consumed := i + 1

	switch final {
	case 'A':
		return KeyEvent{keycodec.Event{Key: keycodec.KeyUp}}, consumed, false
	case 'B':
		return KeyEvent{keycodec.Event{Key: keycodec.KeyDown}}, consumed, false
	case 'C':
		return KeyEvent{keycodec.Event{Key: keycodec.KeyRight}}, consumed, false
	case 'D':
		return KeyEvent{keycodec.Event{Key: keycodec.KeyLeft}}, consumed, false
	case 'H':
		return KeyEvent{keycodec.Event{Key: keycodec.KeyHome}}, consumed, false
	case 'F':
		return KeyEvent{keycodec.Event{Key: keycodec.KeyEnd}}, consumed, false
	case '~':
		switch params {
		case "2":
			return KeyEvent{keycodec.Event{Key: keycodec.KeyInsert}}, consumed, false
		case "3":
			return KeyEvent{keycodec.Event{Key: keycodec.KeyDelete}}, consumed, false
		case "5":
			return KeyEvent{keycodec.Event{Key: keycodec.KeyPageUp}}, consumed, false
		case "6":
			return KeyEvent{keycodec.Event{Key: keycodec.KeyPageDown}}, consumed, false
		case "15":
			return KeyEvent{keycodec.Event{Key: keycodec.KeyF5}}, consumed, false
		case "17":
			return KeyEvent{keycodec.Event{Key: keycodec.KeyF6}}, consumed, false
		case "18":
			return KeyEvent{keycodec.Event{Key: keycodec.KeyF7}}, consumed, false
		case "19":
			return KeyEvent{keycodec.Event{Key: keycodec.KeyF8}}, consumed, false
		case "20":
			return KeyEvent{keycodec.Event{Key: keycodec.KeyF9}}, consumed, false
		case "21":
			return KeyEvent{keycodec.Event{Key: keycodec.KeyF10}}, consumed, false
		case "23":
			return KeyEvent{keycodec.Event{Key: keycodec.KeyF11}}, consumed, false
		case "24":
			return KeyEvent{keycodec.Event{Key: keycodec.KeyF12}}, consumed, false
		case "200":
			return pasteStartMarker{}, consumed, false
		case "201":
			// Stray paste end without a start: ignore.
			return nil, consumed, false
		}
		return nil, consumed, false
	default:
		// Unrecognized CSI (mouse, focus, ...) is ignored.
		return nil, consumed, false
	}
}

// decodePlain handles bytes outside escape sequences.
func decodePlain(data []byte) (Event, int, bool) {
	b := data[0]

	switch b {
	case '\r', '\n':
		return KeyEvent{keycodec.Event{Key: keycodec.KeyEnter}}, 1, false
	case '\t':
		return KeyEvent{keycodec.Event{Key: keycodec.KeyTab}}, 1, false
	case 0x7f, 0x08:
		return KeyEvent{keycodec.Event{Key: keycodec.KeyBackspace}}, 1, false
	}

	// Control characters map back to Ctrl+letter.
	if b < 0x20 {
		return KeyEvent{keycodec.Event{
			Key:  keycodec.KeyRune,
			Rune: rune(b) | 0x60,
			Ctrl: true,
		}}, 1, false
	}

	r, size := utf8.DecodeRune(data)
	if r == utf8.RuneError && size == 1 {
		if !utf8.FullRune(data) {
			return nil, 0, true
		}
		// Genuinely invalid byte: drop it.
		return nil, 1, false
	}
	return KeyEvent{keycodec.Event{Key: keycodec.KeyRune, Rune: r}}, size, false
}

// partialSuffix returns the length of the longest suffix of data that is a
// prefix of seq.
func partialSuffix(data, seq []byte) int {
	max := len(seq) - 1
	if max > len(data) {
		max = len(data)
	}
	for n := max; n > 0; n-- {
		if bytes.Equal(data[len(data)-n:], seq[:n]) {
			return n
		}
	}
	return 0
}
