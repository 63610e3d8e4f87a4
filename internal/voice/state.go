package voice

// State is the lifecycle state of a voice session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Active reports whether the session holds a transport.
func (s State) Active() bool {
	return s == StateListening || s == StateSpeaking
}
