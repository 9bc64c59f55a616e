package wire

import (
	"net"
	"strconv"

	"meshkv/internal/store"
)

// Address is a transport endpoint as it appears on the wire.
type Address struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// UDPAddr resolves the address for sending. Hostnames resolve through the
// stdlib resolver; plain IPs never fail.
func (a Address) UDPAddr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", a.String())
}

// PeerInfo is one entry of a DISCOVERY known-peers list.
type PeerInfo struct {
	NodeID  string  `json:"node_id"`
	Address Address `json:"address"`
	Alive   bool    `json:"alive"`
}

// Ack acknowledges a previously received sequence number. ACK packets are
// the only kind that is never itself acknowledged.
type Ack struct {
	AckSeq uint32 `json:"ack_seq"`
}

// Heartbeat advertises liveness and the sender's current state version so
// the receiver can detect divergence.
type Heartbeat struct {
	NodeID       string  `json:"node_id"`
	Address      Address `json:"address"`
	StateVersion uint64  `json:"state_version"`
}

// Discovery seeds the mesh: the sender introduces itself and everything it
// knows about.
type Discovery struct {
	NodeID     string     `json:"node_id"`
	Address    Address    `json:"address"`
	KnownPeers []PeerInfo `json:"known_peers"`
}

// SyncRequest asks a peer for its full state.
type SyncRequest struct {
	NodeID       string `json:"node_id"`
	StateVersion uint64 `json:"state_version"`
}

// SyncResponse carries a full state snapshot back to the requester.
type SyncResponse struct {
	NodeID string `json:"node_id"`
	store.Snapshot
}
