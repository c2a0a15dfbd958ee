package types

// ConnState is the state of a transport connection
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnRegistered   ConnState = "registered"
)

// TransportConnection is a point-in-time view of the signaling transport or
// the control channel
type TransportConnection struct {
	Name             string    `json:"name"`
	State            ConnState `json:"state"`
	ReconnectAttempt int       `json:"reconnectAttempt"`
	ShouldReconnect  bool      `json:"shouldReconnect"`
	Reconnecting     bool      `json:"reconnecting"`
	LastError        string    `json:"lastError,omitempty"`
}
