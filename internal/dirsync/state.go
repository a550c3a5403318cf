package dirsync

// State is the position of a cursor in the poll protocol.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateAwaitingControl
	StateErrorBackoff
	StateResyncRequired
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePolling:
		return "POLLING"
	case StateAwaitingControl:
		return "AWAITING_CONTROL"
	case StateErrorBackoff:
		return "ERROR_BACKOFF"
	case StateResyncRequired:
		return "RESYNC_REQUIRED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// canPoll reports whether a poll may start from s.
func (s State) canPoll() bool {
	return s == StateIdle || s == StateErrorBackoff
}
