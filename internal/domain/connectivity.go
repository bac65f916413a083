package domain

// ConnState is the named state of a link's connectivity state machine.
type ConnState string

const (
	ConnStateDisconnected      ConnState = "DISCONNECTED"
	ConnStateConnecting        ConnState = "CONNECTING"
	ConnStateConnected         ConnState = "CONNECTED"
	ConnStateReconnectRequired ConnState = "RECONNECT_REQUIRED"
)

// ConnectivityState is a point-in-time view of a link's connectivity.
// It is mutated only by the owning adapter.
type ConnectivityState struct {
	Connected          bool // upstream session established
	TransportConnected bool // streaming transport is up
	State              ConnState
	RetryCount         int
	LastStatus         int // last transport/HTTP status code, 0 if none
	LastError          string
}
