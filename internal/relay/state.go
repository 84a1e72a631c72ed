package relay

import "sync/atomic"

// ConnectionState tracks the transport's relationship to the relay.
type ConnectionState int32

const (
	// Detached: not connected; no outbound streaming.
	Detached ConnectionState = iota
	// Connecting: handshake in progress.
	Connecting
	// Attached: handshake complete; outbound output permitted.
	Attached
	// Reconnecting: connection lost; backoff retries in progress.
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Detached:
		return "detached"
	case Connecting:
		return "connecting"
	case Attached:
		return "attached"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// stateAtom holds the connection state for lock-free reads from the event
// loop and writes from the receive path.
type stateAtom struct {
	v atomic.Int32
}

func (a *stateAtom) Load() ConnectionState {
	return ConnectionState(a.v.Load())
}

func (a *stateAtom) Store(s ConnectionState) {
	a.v.Store(int32(s))
}

// CompareAndSwap transitions from old to new atomically.
func (a *stateAtom) CompareAndSwap(old, new ConnectionState) bool {
	return a.v.CompareAndSwap(int32(old), int32(new))
}
