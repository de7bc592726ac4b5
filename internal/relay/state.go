package relay

// State is the connectivity of a node to the border.
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
