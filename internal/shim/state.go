package shim

// State is the connection handshake phase. Transitions only move forward.
type State int32

const (
	StateCreated State = iota
	StateEstablished
	StateReady
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateEstablished:
		return "established"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}
