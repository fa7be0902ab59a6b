package peercall

// State is the lifecycle of one call session as observed locally.
type State int

const (
	// StateIdle is the zero state before the session starts.
	StateIdle State = iota
	// StateAcquiringMedia covers local device acquisition.
	StateAcquiringMedia
	// StateSignaling covers offer/answer exchange before the transport
	// starts connecting.
	StateSignaling
	// StateConnecting covers ICE and transport establishment.
	StateConnecting
	// StateConnected means media is flowing.
	StateConnected
	// StateEnded is the terminal state for calls that finished normally,
	// were declined, or were hung up.
	StateEnded
	// StateFailed is the terminal state for calls that died on an error.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringMedia:
		return "acquiring_media"
	case StateSignaling:
		return "signaling"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session can no longer change state.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}
