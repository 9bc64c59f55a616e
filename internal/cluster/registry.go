package cluster

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Peer is the registry's record of one remote node. Records are created on
// bootstrap contact or discovery and never deleted — a silent peer flips to
// dead and flips back when it is heard from again.
type Peer struct {
	NodeID       string       `json:"node_id"`
	Addr         *net.UDPAddr `json:"-"`
	Address      string       `json:"address"`
	LastSeen     time.Time    `json:"last_seen"`
	StateVersion uint64       `json:"state_version"`
	Alive        bool         `json:"alive"`
	LastSync     time.Time    `json:"last_sync"`
}

// DiscoveredFunc fires on the first sighting of a peer and again each time a
// dead peer comes back.
type DiscoveredFunc func(nodeID string, addr *net.UDPAddr)

// FailedFunc fires when the liveness sweep declares a peer dead.
type FailedFunc func(nodeID string)

// Registry is the address and liveness book of known peers.
type Registry struct {
	mu        sync.Mutex
	peers     map[string]*Peer
	byAddr    map[string]string // address string → node id
	bootstrap []*net.UDPAddr

	onDiscovered DiscoveredFunc
	onFailed     FailedFunc
	now          func() time.Time
	log          zerolog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDiscoveredFunc registers the peer-discovered callback.
func WithDiscoveredFunc(fn DiscoveredFunc) RegistryOption {
	return func(r *Registry) { r.onDiscovered = fn }
}

// WithFailedFunc registers the peer-failed callback.
func WithFailedFunc(fn FailedFunc) RegistryOption {
	return func(r *Registry) { r.onFailed = fn }
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(log zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		peers:  make(map[string]*Peer),
		byAddr: make(map[string]string),
		now:    time.Now,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddBootstrap appends a seed address. No node id is known yet; the peer
// record appears once the seed answers a discovery.
func (r *Registry) AddBootstrap(addr *net.UDPAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.bootstrap {
		if b.String() == addr.String() {
			return
		}
	}
	r.bootstrap = append(r.bootstrap, addr)
}

// BootstrapAddrs returns the seed address list.
func (r *Registry) BootstrapAddrs() []*net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*net.UDPAddr, len(r.bootstrap))
	copy(out, r.bootstrap)
	return out
}

// Observe records a sighting of nodeID at addr: the record is created or
// updated, last_seen is reset, and the peer is marked alive. The discovered
// callback fires on first sighting and on a dead→alive transition, after the
// lock is released.
func (r *Registry) Observe(nodeID string, addr *net.UDPAddr, stateVersion uint64) {
	r.mu.Lock()
	p, known := r.peers[nodeID]
	discovered := !known || !p.Alive
	if !known {
		p = &Peer{NodeID: nodeID}
		r.peers[nodeID] = p
	}
	p.Addr = addr
	p.Address = addr.String()
	p.LastSeen = r.now()
	// State versions only move forward; messages that don't carry one pass 0.
	if stateVersion > p.StateVersion {
		p.StateVersion = stateVersion
	}
	p.Alive = true
	r.byAddr[addr.String()] = nodeID
	cb := r.onDiscovered
	r.mu.Unlock()

	if discovered {
		r.log.Info().Str("peer", nodeID).Str("addr", addr.String()).Msg("peer alive")
		if cb != nil {
			cb(nodeID, addr)
		}
	}
}

// MarkSynced records a completed state merge with nodeID.
func (r *Registry) MarkSynced(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[nodeID]; ok {
		p.LastSync = r.now()
	}
}

// PeerByAddress looks a peer up by its transport address.
func (r *Registry) PeerByAddress(addr string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byAddr[addr]
	if !ok {
		return Peer{}, false
	}
	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// AlivePeers returns a copy of every peer currently considered alive.
func (r *Registry) AlivePeers() []Peer {
	return r.snapshot(true)
}

// AllPeers returns a copy of every known peer, alive or not.
func (r *Registry) AllPeers() []Peer {
	return r.snapshot(false)
}

func (r *Registry) snapshot(aliveOnly bool) []Peer {
	r.mu.Lock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if aliveOnly && !p.Alive {
			continue
		}
		out = append(out, *p)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Counts returns (alive, total) for the status snapshot.
func (r *Registry) Counts() (alive, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		total++
		if p.Alive {
			alive++
		}
	}
	return alive, total
}

// Sweep flips peers silent for longer than timeout to dead and fires the
// failed callback for each, after the lock is released. A dead peer is not
// forgotten: heartbeats keep going to it, and an Observe revives it.
func (r *Registry) Sweep(timeout time.Duration) {
	var failed []string

	r.mu.Lock()
	cutoff := r.now().Add(-timeout)
	for id, p := range r.peers {
		if p.Alive && p.LastSeen.Before(cutoff) {
			p.Alive = false
			failed = append(failed, id)
		}
	}
	cb := r.onFailed
	r.mu.Unlock()

	for _, id := range failed {
		r.log.Warn().Str("peer", id).Dur("timeout", timeout).Msg("peer failed")
		if cb != nil {
			cb(id)
		}
	}
}
