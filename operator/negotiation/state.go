package negotiation

type State int32

const (
	StateIdle State = iota
	StateJoining
	StateNegotiating
	StateConnected
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Settled reports whether a new session may be started from s.
func (s State) Settled() bool {
	return s == StateIdle || s == StateClosed
}

// Change describes a single state transition of a session. Err is set on
// transitions caused by a failure or a remote close.
type Change struct {
	Session string
	From    State
	To      State
	Err     error
}
