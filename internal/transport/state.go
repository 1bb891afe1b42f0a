package transport

// State is the lifecycle state of the duplex connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// ordinal maps a State to the value exported by the connection-state gauge.
func (s State) ordinal() float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	case StateReconnecting:
		return 3
	default:
		return 0
	}
}
