// Package cluster ties the endpoint, store, and peer registry into a mesh
// node: it owns the sync, heartbeat, discovery, and liveness timers and
// translates inbound message types into actions. Every node is both client
// and server; there is no coordinator.
package cluster

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meshkv/internal/store"
	"meshkv/internal/transport"
	"meshkv/internal/wire"
)

// Config holds the tunables of a single node.
type Config struct {
	NodeID        string
	BindPort      int
	AdvertiseHost string

	HeartbeatInterval time.Duration
	SyncInterval      time.Duration
	DiscoveryInterval time.Duration
	PeerTimeout       time.Duration // 0 → 3 × HeartbeatInterval
}

func (c Config) withDefaults() Config {
	if c.AdvertiseHost == "" {
		c.AdvertiseHost = "127.0.0.1"
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = 10 * time.Second
	}
	if c.DiscoveryInterval == 0 {
		c.DiscoveryInterval = 30 * time.Second
	}
	if c.PeerTimeout == 0 {
		c.PeerTimeout = 3 * c.HeartbeatInterval
	}
	return c
}

// Node is one mesh member.
type Node struct {
	cfg    Config
	log    zerolog.Logger
	events Events

	endpoint *transport.Endpoint
	store    *store.Store
	registry *Registry

	mu      sync.Mutex
	started bool

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Node.
type Option func(*nodeConfig)

type nodeConfig struct {
	log       zerolog.Logger
	events    Events
	storeOpts []store.Option
	epOpts    []transport.Option
}

// WithLogger sets the node logger, shared with subcomponents.
func WithLogger(log zerolog.Logger) Option {
	return func(c *nodeConfig) { c.log = log }
}

// WithEvents injects the callback surface.
func WithEvents(ev Events) Option {
	return func(c *nodeConfig) { c.events = ev }
}

// WithStoreOptions passes options through to the store (tests freeze its
// clock this way).
func WithStoreOptions(opts ...store.Option) Option {
	return func(c *nodeConfig) { c.storeOpts = append(c.storeOpts, opts...) }
}

// WithEndpointOptions passes options through to the transport endpoint.
func WithEndpointOptions(opts ...transport.Option) Option {
	return func(c *nodeConfig) { c.epOpts = append(c.epOpts, opts...) }
}

// New assembles a node. Nothing touches the network until Start.
func New(cfg Config, opts ...Option) *Node {
	nc := &nodeConfig{
		log:    zerolog.Nop(),
		events: NopEvents{},
	}
	for _, opt := range opts {
		opt(nc)
	}

	n := &Node{
		cfg:    cfg.withDefaults(),
		log:    nc.log,
		events: nc.events,
		done:   make(chan struct{}),
	}

	storeOpts := append([]store.Option{
		store.WithLogger(nc.log),
		store.WithChangeFunc(func(key string, value any, op string) {
			n.events.StateChanged(key, value, op)
		}),
	}, nc.storeOpts...)
	n.store = store.New(n.cfg.NodeID, storeOpts...)

	n.registry = NewRegistry(
		WithRegistryLogger(nc.log),
		WithDiscoveredFunc(func(id string, addr *net.UDPAddr) {
			n.events.PeerDiscovered(id, addr)
		}),
		WithFailedFunc(func(id string) {
			n.events.PeerFailed(id)
		}),
	)

	epOpts := append([]transport.Option{transport.WithLogger(nc.log)}, nc.epOpts...)
	n.endpoint = transport.New(epOpts...)

	return n
}

// Start binds the socket, registers handlers, spawns the timer workers, and
// sends the initial discovery round to the bootstrap addresses. A bind
// failure is fatal; everything after that is retried by the timers.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return fmt.Errorf("node %s already started", n.cfg.NodeID)
	}
	n.started = true
	n.mu.Unlock()

	n.endpoint.Handle(wire.TypeHeartbeat, n.handleHeartbeat)
	n.endpoint.Handle(wire.TypeDiscovery, n.handleDiscovery)
	n.endpoint.Handle(wire.TypeSyncRequest, n.handleSyncRequest)
	n.endpoint.Handle(wire.TypeSyncResponse, n.handleSyncResponse)

	if err := n.endpoint.Listen(n.cfg.BindPort); err != nil {
		return err
	}

	n.wg.Add(4)
	go n.tickLoop(n.cfg.SyncInterval, n.syncTick)
	go n.tickLoop(n.cfg.HeartbeatInterval, n.heartbeatTick)
	go n.tickLoop(n.cfg.DiscoveryInterval, n.discoveryTick)
	go n.tickLoop(n.cfg.HeartbeatInterval, func() { n.registry.Sweep(n.cfg.PeerTimeout) })

	for _, addr := range n.registry.BootstrapAddrs() {
		n.sendDiscovery(addr)
	}

	n.log.Info().
		Str("node", n.cfg.NodeID).
		Int("port", n.Port()).
		Msg("node started")
	return nil
}

// Stop shuts the node down: workers drain, the socket closes, and pending
// sends are discarded. Idempotent.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.done)
		n.endpoint.Close()
		n.wg.Wait()
		n.log.Info().Str("node", n.cfg.NodeID).Msg("node stopped")
	})
}

// Port returns the actual bound port, which differs from Config.BindPort
// when binding port 0.
func (n *Node) Port() int {
	return n.endpoint.LocalAddr().Port
}

// NodeID returns this node's id.
func (n *Node) NodeID() string {
	return n.cfg.NodeID
}

func (n *Node) selfAddress() wire.Address {
	return wire.Address{Host: n.cfg.AdvertiseHost, Port: n.Port()}
}

// ─── Public KV API ────────────────────────────────────────────────────────────

// Set writes key locally; replication happens on the next sync round.
func (n *Node) Set(key string, value any) {
	n.store.Set(key, value)
}

// Get reads key from local state.
func (n *Node) Get(key string) (any, bool) {
	return n.store.Get(key)
}

// Delete tombstones key locally.
func (n *Node) Delete(key string) {
	n.store.Delete(key)
}

// List returns all visible keys and values.
func (n *Node) List() []store.KV {
	return n.store.List()
}

// Peers returns the registry view of every known peer.
func (n *Node) Peers() []Peer {
	return n.registry.AllPeers()
}

// AddBootstrapPeer registers a seed address. On a running node a discovery
// goes out immediately; otherwise the start-up round covers it.
func (n *Node) AddBootstrapPeer(host string, port int) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("resolve bootstrap %s:%d: %w", host, port, err)
	}
	n.registry.AddBootstrap(addr)

	n.mu.Lock()
	started := n.started
	n.mu.Unlock()
	if started {
		n.sendDiscovery(addr)
	}
	return nil
}

// Status is the observability snapshot.
type Status struct {
	NodeID       string     `json:"node_id"`
	Port         int        `json:"port"`
	StateVersion uint64     `json:"state_version"`
	DataKeys     int        `json:"data_keys"`
	Peers        PeerCounts `json:"peers"`
	PendingAcks  int        `json:"pending_acks"`
}

// PeerCounts splits the peer total by liveness.
type PeerCounts struct {
	Alive int `json:"alive"`
	Total int `json:"total"`
}

// Status reports the node's current state for debugging and the CLI.
func (n *Node) Status() Status {
	alive, total := n.registry.Counts()
	return Status{
		NodeID:       n.cfg.NodeID,
		Port:         n.Port(),
		StateVersion: n.store.StateVersion(),
		DataKeys:     n.store.KeyCount(),
		Peers:        PeerCounts{Alive: alive, Total: total},
		PendingAcks:  n.endpoint.PendingCount(),
	}
}

// ─── Timers ───────────────────────────────────────────────────────────────────

func (n *Node) tickLoop(interval time.Duration, tick func()) {
	defer n.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			tick()
		}
	}
}

// syncTick requests a full snapshot from every alive peer.
func (n *Node) syncTick() {
	for _, p := range n.registry.AlivePeers() {
		n.requestSync(p)
	}
	syncRounds.Inc()
}

// heartbeatTick beats at every known peer, dead ones included — beating at
// a dead peer is how a healed partition is noticed.
func (n *Node) heartbeatTick() {
	hb := wire.Heartbeat{
		NodeID:       n.cfg.NodeID,
		Address:      n.selfAddress(),
		StateVersion: n.store.StateVersion(),
	}
	for _, p := range n.registry.AllPeers() {
		if _, err := n.endpoint.SendReliable(p.Addr, wire.TypeHeartbeat, hb); err != nil {
			n.log.Debug().Err(err).Str("peer", p.NodeID).Msg("heartbeat send failed")
			continue
		}
		heartbeatsSent.Inc()
	}
}

// discoveryTick re-announces to the bootstrap addresses. If a seed was
// unreachable at start, this is the retry.
func (n *Node) discoveryTick() {
	for _, addr := range n.registry.BootstrapAddrs() {
		n.sendDiscovery(addr)
	}
}

func (n *Node) requestSync(p Peer) {
	req := wire.SyncRequest{NodeID: n.cfg.NodeID, StateVersion: n.store.StateVersion()}
	if _, err := n.endpoint.SendReliable(p.Addr, wire.TypeSyncRequest, req); err != nil {
		n.log.Debug().Err(err).Str("peer", p.NodeID).Msg("sync request send failed")
	}
}

func (n *Node) sendDiscovery(to *net.UDPAddr) {
	known := n.registry.AllPeers()
	infos := make([]wire.PeerInfo, 0, len(known))
	for _, p := range known {
		infos = append(infos, wire.PeerInfo{
			NodeID:  p.NodeID,
			Address: wire.Address{Host: p.Addr.IP.String(), Port: p.Addr.Port},
			Alive:   p.Alive,
		})
	}
	msg := wire.Discovery{
		NodeID:     n.cfg.NodeID,
		Address:    n.selfAddress(),
		KnownPeers: infos,
	}
	if _, err := n.endpoint.SendReliable(to, wire.TypeDiscovery, msg); err != nil {
		n.log.Debug().Err(err).Str("dest", to.String()).Msg("discovery send failed")
		return
	}
	discoveriesSent.Inc()
}

// ─── Inbound dispatch ─────────────────────────────────────────────────────────

func (n *Node) handleHeartbeat(from *net.UDPAddr, pkt wire.Packet) {
	var hb wire.Heartbeat
	if err := json.Unmarshal(pkt.Payload, &hb); err != nil {
		n.log.Debug().Err(err).Str("from", from.String()).Msg("malformed heartbeat")
		return
	}
	if hb.NodeID == n.cfg.NodeID {
		return
	}
	n.registry.Observe(hb.NodeID, from, hb.StateVersion)

	// The peer has seen changes we have not: pull now instead of waiting
	// for the next sync tick.
	if n.store.StateVersion() < hb.StateVersion {
		if p, ok := n.registry.PeerByAddress(from.String()); ok {
			n.requestSync(p)
		}
	}
}

func (n *Node) handleDiscovery(from *net.UDPAddr, pkt wire.Packet) {
	var d wire.Discovery
	if err := json.Unmarshal(pkt.Payload, &d); err != nil {
		n.log.Debug().Err(err).Str("from", from.String()).Msg("malformed discovery")
		return
	}
	if d.NodeID == n.cfg.NodeID {
		return
	}

	known := make(map[string]struct{})
	for _, p := range n.registry.AllPeers() {
		known[p.NodeID] = struct{}{}
	}
	_, sawSenderBefore := known[d.NodeID]

	n.registry.Observe(d.NodeID, from, 0)

	for _, pi := range d.KnownPeers {
		if pi.NodeID == n.cfg.NodeID {
			continue
		}
		if _, ok := known[pi.NodeID]; ok {
			continue
		}
		addr, err := pi.Address.UDPAddr()
		if err != nil {
			n.log.Debug().Err(err).Str("peer", pi.NodeID).Msg("unresolvable gossiped address")
			continue
		}
		n.registry.Observe(pi.NodeID, addr, 0)
	}

	// Reply with our own peer list, but only on first contact — both sides
	// answering every discovery would ping-pong forever.
	if !sawSenderBefore {
		n.sendDiscovery(from)
	}
}

func (n *Node) handleSyncRequest(from *net.UDPAddr, pkt wire.Packet) {
	var req wire.SyncRequest
	if err := json.Unmarshal(pkt.Payload, &req); err != nil {
		n.log.Debug().Err(err).Str("from", from.String()).Msg("malformed sync request")
		return
	}
	if req.NodeID == n.cfg.NodeID {
		return
	}
	n.registry.Observe(req.NodeID, from, req.StateVersion)

	resp := wire.SyncResponse{NodeID: n.cfg.NodeID, Snapshot: n.store.Snapshot()}
	if _, err := n.endpoint.SendReliable(from, wire.TypeSyncResponse, resp); err != nil {
		n.log.Debug().Err(err).Str("peer", req.NodeID).Msg("sync response send failed")
	}
}

func (n *Node) handleSyncResponse(from *net.UDPAddr, pkt wire.Packet) {
	var resp wire.SyncResponse
	if err := json.Unmarshal(pkt.Payload, &resp); err != nil {
		// Malformed snapshot: discard, keep the peer. The next round gets
		// another chance.
		n.log.Warn().Err(err).Str("from", from.String()).Msg("discarding malformed snapshot")
		return
	}
	if resp.NodeID == n.cfg.NodeID {
		return
	}
	n.registry.Observe(resp.NodeID, from, 0)

	merged := n.store.Merge(resp.Snapshot)
	n.registry.MarkSynced(resp.NodeID)
	if merged > 0 {
		mergedKeys.Add(float64(merged))
		n.log.Debug().Str("peer", resp.NodeID).Int("keys", merged).Msg("merged remote state")
	}
}
