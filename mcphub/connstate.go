package mcphub

//go:generate stringer -type=ConnState -trimprefix=State

// ConnState is the lifecycle state of a server connection.
type ConnState int

const (
	// StateDisconnected means no session exists; the initial state and the
	// state after an explicit Disconnect.
	StateDisconnected ConnState = iota
	// StateConnecting means a handshake is in flight.
	StateConnecting
	// StateReady means the session is established and invocable.
	StateReady
	// StateFailed means the session was lost or the handshake failed;
	// invokes return unavailable until an explicit reconnect.
	StateFailed
)
