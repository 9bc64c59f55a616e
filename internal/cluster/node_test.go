package cluster

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshkv/internal/store"
	"meshkv/internal/transport"
)

// fastConfig shrinks every interval so convergence tests finish in seconds.
func fastConfig(id string) Config {
	return Config{
		NodeID:            id,
		BindPort:          0,
		HeartbeatInterval: 100 * time.Millisecond,
		SyncInterval:      150 * time.Millisecond,
		DiscoveryInterval: 200 * time.Millisecond,
		PeerTimeout:       500 * time.Millisecond,
	}
}

func fastEndpoint() Option {
	return WithEndpointOptions(transport.WithRetryPolicy(transport.RetryPolicy{
		ScanInterval:   10 * time.Millisecond,
		InitialTimeout: 50 * time.Millisecond,
		MaxTimeout:     200 * time.Millisecond,
		MaxAttempts:    5,
	}))
}

// startNode builds and starts a node; bootstrapPort 0 means no seed.
func startNode(t *testing.T, id string, bootstrapPort int, opts ...Option) *Node {
	t.Helper()
	n := New(fastConfig(id), append([]Option{fastEndpoint()}, opts...)...)
	if bootstrapPort != 0 {
		require.NoError(t, n.AddBootstrapPeer("127.0.0.1", bootstrapPort))
	}
	require.NoError(t, n.Start())
	t.Cleanup(n.Stop)
	return n
}

func TestTwoNodeSync(t *testing.T) {
	a := startNode(t, "node_a", 0)
	b := startNode(t, "node_b", a.Port())

	a.Set("k", "v")

	require.Eventually(t, func() bool {
		v, ok := b.Get("k")
		return ok && v == "v"
	}, 10*time.Second, 50*time.Millisecond, "write on A should reach B")
}

func TestSyncIsBidirectional(t *testing.T) {
	a := startNode(t, "node_a", 0)
	b := startNode(t, "node_b", a.Port())

	a.Set("from-a", "1")
	b.Set("from-b", "2")

	require.Eventually(t, func() bool {
		_, okA := a.Get("from-b")
		_, okB := b.Get("from-a")
		return okA && okB
	}, 10*time.Second, 50*time.Millisecond)
}

func TestDeletePropagates(t *testing.T) {
	a := startNode(t, "node_a", 0)
	b := startNode(t, "node_b", a.Port())

	a.Set("k", "v")
	require.Eventually(t, func() bool {
		_, ok := b.Get("k")
		return ok
	}, 10*time.Second, 50*time.Millisecond)

	b.Delete("k")
	require.Eventually(t, func() bool {
		_, okA := a.Get("k")
		_, okB := b.Get("k")
		return !okA && !okB
	}, 10*time.Second, 50*time.Millisecond, "delete on B should shadow the key everywhere")
}

func TestLWWTieBreakAcrossNodes(t *testing.T) {
	frozen := time.Unix(1000, 0)
	clock := store.WithClock(func() time.Time { return frozen })

	a := startNode(t, "node_a", 0, WithStoreOptions(clock))
	b := startNode(t, "node_b", a.Port(), WithStoreOptions(clock))

	a.Set("x", "A")
	b.Set("x", "B")

	require.Eventually(t, func() bool {
		va, okA := a.Get("x")
		vb, okB := b.Get("x")
		return okA && okB && va == "B" && vb == "B"
	}, 10*time.Second, 50*time.Millisecond, "equal timestamps: larger node id wins on both sides")
}

func TestThreeNodeConvergence(t *testing.T) {
	a := startNode(t, "node_a", 0)
	b := startNode(t, "node_b", a.Port())
	c := startNode(t, "node_c", a.Port())

	a.Set("key-a", "1")
	b.Set("key-b", "2")
	c.Set("key-c", "3")
	a.Set("shared", "from-a")
	b.Set("shared", "from-b")
	c.Set("shared", "from-c")

	same := func(x, y *Node) bool {
		kx, ky := x.List(), y.List()
		if len(kx) != len(ky) {
			return false
		}
		for i := range kx {
			if kx[i].Key != ky[i].Key || kx[i].Value != ky[i].Value {
				return false
			}
		}
		return true
	}

	require.Eventually(t, func() bool {
		return len(a.List()) == 4 && same(a, b) && same(b, c)
	}, 20*time.Second, 100*time.Millisecond, "all nodes should hold identical state")
}

func TestPeerDiscoveryThroughGossip(t *testing.T) {
	// b and c both bootstrap to a; they must learn about each other
	// through a's known-peers list.
	a := startNode(t, "node_a", 0)
	b := startNode(t, "node_b", a.Port())
	c := startNode(t, "node_c", a.Port())

	knows := func(n *Node, id string) bool {
		for _, p := range n.Peers() {
			if p.NodeID == id && p.Alive {
				return true
			}
		}
		return false
	}

	require.Eventually(t, func() bool {
		return knows(b, "node_c") && knows(c, "node_b")
	}, 10*time.Second, 50*time.Millisecond)
}

func TestFailureDetection(t *testing.T) {
	a := startNode(t, "node_a", 0)
	b := startNode(t, "node_b", a.Port())

	require.Eventually(t, func() bool {
		s := a.Status()
		return s.Peers.Alive == 1
	}, 10*time.Second, 50*time.Millisecond)

	b.Stop()

	require.Eventually(t, func() bool {
		s := a.Status()
		return s.Peers.Alive == 0 && s.Peers.Total == 1
	}, 10*time.Second, 50*time.Millisecond, "killed peer should flip to dead, not vanish")
}

func TestStatusSnapshot(t *testing.T) {
	a := startNode(t, "node_a", 0)
	a.Set("k1", "v")
	a.Set("k2", "v")
	a.Delete("k2")

	s := a.Status()
	assert.Equal(t, "node_a", s.NodeID)
	assert.Equal(t, a.Port(), s.Port)
	assert.EqualValues(t, 3, s.StateVersion)
	assert.Equal(t, 1, s.DataKeys)
	assert.Equal(t, 0, s.Peers.Total)
}

func TestStopIdempotent(t *testing.T) {
	a := startNode(t, "node_a", 0)
	a.Stop()
	a.Stop()
}

// recorder collects events for assertions.
type recorder struct {
	mu         sync.Mutex
	discovered []string
	failed     []string
	ops        []string
}

func (r *recorder) StateChanged(key string, value any, op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func (r *recorder) PeerDiscovered(id string, _ *net.UDPAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovered = append(r.discovered, id)
}

func (r *recorder) PeerFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, id)
}

func (r *recorder) snapshot() (discovered, failed, ops []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.discovered...),
		append([]string(nil), r.failed...),
		append([]string(nil), r.ops...)
}

func TestEventsSurface(t *testing.T) {
	rec := &recorder{}
	a := startNode(t, "node_a", 0, WithEvents(rec))
	b := startNode(t, "node_b", a.Port())

	b.Set("k", "v")

	require.Eventually(t, func() bool {
		discovered, _, ops := rec.snapshot()
		gotMerge := false
		for _, op := range ops {
			if op == store.OpMerge {
				gotMerge = true
			}
		}
		return len(discovered) >= 1 && discovered[0] == "node_b" && gotMerge
	}, 10*time.Second, 50*time.Millisecond)

	b.Stop()

	require.Eventually(t, func() bool {
		_, failed, _ := rec.snapshot()
		return len(failed) >= 1 && failed[0] == "node_b"
	}, 10*time.Second, 50*time.Millisecond)
}
