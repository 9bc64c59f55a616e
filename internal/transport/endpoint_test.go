package transport

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshkv/internal/wire"
)

// fastRetry keeps exhaustion tests under a second.
func fastRetry() RetryPolicy {
	return RetryPolicy{
		ScanInterval:   5 * time.Millisecond,
		InitialTimeout: 20 * time.Millisecond,
		MaxTimeout:     80 * time.Millisecond,
		MaxAttempts:    3,
	}
}

func newEndpoint(t *testing.T, opts ...Option) *Endpoint {
	t.Helper()
	e := New(append([]Option{WithRetryPolicy(fastRetry())}, opts...)...)
	require.NoError(t, e.Listen(0))
	t.Cleanup(e.Close)
	return e
}

// loopback returns a destination address for e reachable from this host.
func loopback(e *Endpoint) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: e.LocalAddr().Port}
}

func TestReliableDelivery(t *testing.T) {
	a := newEndpoint(t)
	b := newEndpoint(t)

	var got atomic.Int32
	b.Handle(wire.TypeData, func(from *net.UDPAddr, pkt wire.Packet) {
		got.Add(1)
	})

	seq, err := a.SendReliable(loopback(b), wire.TypeData, map[string]any{"from": "node_a"})
	require.NoError(t, err)
	assert.NotZero(t, seq)

	require.Eventually(t, func() bool {
		return got.Load() == 1 && a.PendingCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "packet should be delivered and acked")
}

func TestSequenceNumbersMonotone(t *testing.T) {
	a := newEndpoint(t)
	b := newEndpoint(t)
	b.Handle(wire.TypeData, func(*net.UDPAddr, wire.Packet) {})

	var last uint32
	for i := 0; i < 5; i++ {
		seq, err := a.SendReliable(loopback(b), wire.TypeData, map[string]int{"i": i})
		require.NoError(t, err)
		assert.Greater(t, seq, last)
		last = seq
	}
}

func TestDuplicateSuppressed(t *testing.T) {
	b := newEndpoint(t)

	var got atomic.Int32
	b.Handle(wire.TypeData, func(*net.UDPAddr, wire.Packet) {
		got.Add(1)
	})

	// Raw socket: same encoded packet twice, as a retransmit would arrive.
	raw, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer raw.Close()

	packet := wire.Encode(wire.TypeData, 42, []byte(`{"from":"node_x"}`))
	_, err = raw.WriteToUDP(packet, loopback(b))
	require.NoError(t, err)
	_, err = raw.WriteToUDP(packet, loopback(b))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return got.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, got.Load(), "duplicate must not dispatch twice")
}

func TestDuplicateStillAcked(t *testing.T) {
	b := newEndpoint(t)
	b.Handle(wire.TypeData, func(*net.UDPAddr, wire.Packet) {})

	raw, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer raw.Close()

	packet := wire.Encode(wire.TypeData, 7, []byte(`{"from":"node_x"}`))
	acks := 0
	for i := 0; i < 2; i++ {
		_, err = raw.WriteToUDP(packet, loopback(b))
		require.NoError(t, err)

		buf := make([]byte, maxPacketSize)
		require.NoError(t, raw.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, _, err := raw.ReadFromUDP(buf)
		require.NoError(t, err)

		pkt, err := wire.Decode(buf[:n])
		require.NoError(t, err)
		if pkt.Type == wire.TypeAck {
			acks++
		}
	}
	assert.Equal(t, 2, acks, "a retransmit is re-acked even though it is not dispatched")
}

func TestCorruptPacketDropped(t *testing.T) {
	b := newEndpoint(t)

	var got atomic.Int32
	b.Handle(wire.TypeData, func(*net.UDPAddr, wire.Packet) {
		got.Add(1)
	})

	raw, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer raw.Close()

	packet := wire.Encode(wire.TypeData, 1, []byte(`{"from":"node_x"}`))
	packet[len(packet)-1] ^= 0xFF
	_, err = raw.WriteToUDP(packet, loopback(b))
	require.NoError(t, err)

	// No ack comes back for a corrupt packet.
	buf := make([]byte, maxPacketSize)
	require.NoError(t, raw.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = raw.ReadFromUDP(buf)
	assert.Error(t, err)
	assert.Zero(t, got.Load())
}

func TestMalformedJSONDropped(t *testing.T) {
	b := newEndpoint(t)

	var got atomic.Int32
	b.Handle(wire.TypeData, func(*net.UDPAddr, wire.Packet) {
		got.Add(1)
	})

	raw, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer raw.Close()

	packet := wire.Encode(wire.TypeData, 1, []byte(`{"broken":`))
	_, err = raw.WriteToUDP(packet, loopback(b))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, got.Load())
}

func TestRetryUntilAbandoned(t *testing.T) {
	// Reserve a port with no listener behind it.
	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	dead := sink.LocalAddr().(*net.UDPAddr)
	require.NoError(t, sink.Close())

	type drop struct {
		dest *net.UDPAddr
		seq  uint32
	}
	dropped := make(chan drop, 1)
	a := newEndpoint(t, WithAbandonFunc(func(dest *net.UDPAddr, seq uint32) {
		dropped <- drop{dest, seq}
	}))

	seq, err := a.SendReliable(dead, wire.TypeData, map[string]any{"from": "node_a"})
	require.NoError(t, err)
	require.Equal(t, 1, a.PendingCount())

	select {
	case d := <-dropped:
		assert.Equal(t, seq, d.seq)
		assert.Equal(t, dead.Port, d.dest.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("abandon hook never fired")
	}
	assert.Zero(t, a.PendingCount())
}

func TestRetransmitRecoversFromLoss(t *testing.T) {
	// The receiver comes up only after the first transmission is gone,
	// so delivery must happen via a retransmit.
	a := newEndpoint(t)

	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := sink.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, sink.Close())

	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	_, err = a.SendReliable(dest, wire.TypeData, map[string]any{"from": "node_a"})
	require.NoError(t, err)

	var got atomic.Int32
	late := New(WithRetryPolicy(fastRetry()))
	require.NoError(t, late.Listen(port))
	t.Cleanup(late.Close)
	late.Handle(wire.TypeData, func(*net.UDPAddr, wire.Packet) {
		got.Add(1)
	})

	require.Eventually(t, func() bool {
		return got.Load() == 1 && a.PendingCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendAfterClose(t *testing.T) {
	a := New(WithRetryPolicy(fastRetry()))
	require.NoError(t, a.Listen(0))
	a.Close()
	a.Close() // idempotent

	_, err := a.SendReliable(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}, wire.TypeData, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDedupWindowEviction(t *testing.T) {
	w := &dedupWindow{seen: make(map[uint32]struct{})}
	for i := uint32(1); i <= dedupLimit+1; i++ {
		require.True(t, w.add(i))
	}

	// Oldest half evicted: an early sequence is forgotten, a recent one
	// is still remembered.
	assert.True(t, w.add(1))
	assert.False(t, w.add(dedupLimit))
	assert.LessOrEqual(t, len(w.seen), dedupLimit)
}
