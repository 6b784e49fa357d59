package terminal

// State is the connection state of one terminal manager
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateConnecting
	StateRedirected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateConnecting:
		return "connecting"
	case StateRedirected:
		return "redirected"
	default:
		return "unknown"
	}
}
