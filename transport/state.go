package transport

// EndpointState represents the connection lifecycle stage of an engine
// endpoint.
type EndpointState uint32

// Endpoint connection states. An endpoint starts unconnected, enters
// connecting once its datagram is posted, and terminates in connected or
// failed.
const (
	// UnconnectedState indicates that no connection datagram has been posted
	// for the peer yet.
	UnconnectedState EndpointState = iota
	// ConnectingState indicates that a connection datagram is outstanding and
	// the mailbox pairing is not complete.
	ConnectingState
	// ConnectedState indicates that both sides exchanged mailbox attributes
	// and the endpoint accepts work.
	ConnectedState
	// FailedState indicates a terminal connection failure. Fragments issued
	// to a failed endpoint complete with ErrEndpointFailed.
	FailedState
)

// IsUnconnected returns if the current state is unconnected.
func (s EndpointState) IsUnconnected() bool { return s == UnconnectedState }

// IsConnecting returns if the current state is connecting.
func (s EndpointState) IsConnecting() bool { return s == ConnectingState }

// IsConnected returns if the current state is connected.
func (s EndpointState) IsConnected() bool { return s == ConnectedState }

// IsFailed returns if the current state is failed.
func (s EndpointState) IsFailed() bool { return s == FailedState }

// String returns string representation of the current state.
func (s EndpointState) String() string {
	switch s {
	case UnconnectedState:
		return "unconnected"
	case ConnectingState:
		return "connecting"
	case ConnectedState:
		return "connected"
	case FailedState:
		return "failed"
	default:
		return "unknown"
	}
}
