package session

// State is the lifecycle position of a Session. Transitions only move
// forward; Closing and Closed are terminal.
type State int32

const (
	StateHandshaking State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CanTransition reports whether a session in s may move to next. Live states
// advance one step at a time or jump to Closing; Closing only leads to
// Closed.
func (s State) CanTransition(next State) bool {
	switch s {
	case StateClosed:
		return false
	case StateClosing:
		return next == StateClosed
	default:
		return next == s+1 || next == StateClosing
	}
}

// Terminal reports whether no live state can be reached from s.
func (s State) Terminal() bool {
	return s >= StateClosing
}

// StreamState is the lifecycle position of a Stream.
type StreamState int32

const (
	StreamOpening StreamState = iota
	StreamRelaying
	StreamHalfClosed
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamOpening:
		return "opening"
	case StreamRelaying:
		return "relaying"
	case StreamHalfClosed:
		return "half_closed"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CanTransition reports whether a stream in s may move to next. Any live
// stream may close; otherwise streams advance one step at a time.
func (s StreamState) CanTransition(next StreamState) bool {
	switch s {
	case StreamClosed:
		return false
	default:
		return next == s+1 || next == StreamClosed
	}
}
