package realtime

// ConnectionState tracks where the subscriber is in its lifecycle.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateSubscribed
	StateReconnecting
	StateClosed
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// terminal reports whether the state permits no further transitions.
func (s ConnectionState) terminal() bool {
	return s == StateClosed || s == StateFailed
}
