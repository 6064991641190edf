package mesh

type EventType string

const (
	EventPeerConnected    EventType = "peer_connected"
	EventPeerDisconnected EventType = "peer_disconnected"
)

// Event reports a peer lifecycle change for logging/UI.
type Event struct {
	Type     EventType
	PeerAddr string
	Inbound  bool
}
