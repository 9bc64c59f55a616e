package cluster

import "net"

// Events is the callback surface a node reports into. Implementations are
// injected at construction; callbacks run outside the store and registry
// locks and may call back into the node.
type Events interface {
	// StateChanged fires on every local mutation: op is "set", "delete",
	// or "merge". value is nil when the key was deleted.
	StateChanged(key string, value any, op string)

	// PeerDiscovered fires on the first sighting of a peer and again when
	// a dead peer comes back.
	PeerDiscovered(nodeID string, addr *net.UDPAddr)

	// PeerFailed fires when the liveness sweep declares a peer dead.
	PeerFailed(nodeID string)
}

// NopEvents discards every event.
type NopEvents struct{}

func (NopEvents) StateChanged(string, any, string)    {}
func (NopEvents) PeerDiscovered(string, *net.UDPAddr) {}
func (NopEvents) PeerFailed(string)                   {}
