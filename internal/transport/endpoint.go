// Package transport layers at-least-once delivery on top of a best-effort
// UDP socket: sequence numbers, acknowledgements, retransmission with
// exponential backoff, duplicate suppression, and integrity checking via the
// wire codec. The endpoint stays connectionless — there is no handshake and
// no per-peer session state beyond the dedup window.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"meshkv/internal/wire"
)

const (
	// maxPacketSize bounds a single datagram; longer packets are truncated
	// by the kernel and dropped by the checksum.
	maxPacketSize = 64 * 1024

	// dedupLimit caps the per-peer received-sequence window. When exceeded
	// the oldest half is evicted: forgetting a sequence can at worst let a
	// duplicate through, and merges are idempotent.
	dedupLimit = 10000
)

// RetryPolicy controls the retransmission schedule of a pending send.
type RetryPolicy struct {
	ScanInterval   time.Duration // cadence of the pending-send scan
	InitialTimeout time.Duration // first retransmit timeout, doubles per attempt
	MaxTimeout     time.Duration // backoff cap
	MaxAttempts    int           // total transmissions before giving up
}

// DefaultRetryPolicy matches the protocol defaults: scan every 100ms, resend
// after 0.5s doubling to an 8s cap, give up after 5 transmissions.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		ScanInterval:   100 * time.Millisecond,
		InitialTimeout: 500 * time.Millisecond,
		MaxTimeout:     8 * time.Second,
		MaxAttempts:    5,
	}
}

// ErrClosed is returned by sends after Close.
var ErrClosed = errors.New("transport: endpoint closed")

// Handler processes one deduplicated inbound packet. It runs on the receive
// goroutine and must not block for long.
type Handler func(from *net.UDPAddr, pkt wire.Packet)

// AbandonFunc is called when a pending send exhausts its retries.
type AbandonFunc func(dest *net.UDPAddr, seq uint32)

// pendingSend tracks one unacknowledged reliable packet.
type pendingSend struct {
	seq       uint32
	packet    []byte
	dest      *net.UDPAddr
	firstSend time.Time
	lastSend  time.Time
	attempts  int
	deadline  time.Time
	backoff   *backoff.ExponentialBackOff
}

// dedupWindow remembers recently seen sequence numbers from one peer.
type dedupWindow struct {
	seen  map[uint32]struct{}
	order []uint32
}

// add records seq and reports whether it was new.
func (w *dedupWindow) add(seq uint32) bool {
	if _, dup := w.seen[seq]; dup {
		return false
	}
	w.seen[seq] = struct{}{}
	w.order = append(w.order, seq)
	if len(w.order) > dedupLimit {
		half := len(w.order) / 2
		for _, old := range w.order[:half] {
			delete(w.seen, old)
		}
		w.order = append(w.order[:0], w.order[half:]...)
	}
	return true
}

// Endpoint is a reliable datagram endpoint bound to one UDP socket.
type Endpoint struct {
	log    zerolog.Logger
	policy RetryPolicy

	conn *net.UDPConn
	seq  atomic.Uint32

	// mu guards pending and seen. It is never held across a socket write.
	mu      sync.Mutex
	pending map[uint32]*pendingSend
	seen    map[string]*dedupWindow

	handlersMu sync.RWMutex
	handlers   map[wire.Type]Handler

	onAbandon AbandonFunc

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Endpoint) { e.log = log }
}

// WithRetryPolicy overrides the retransmission schedule.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Endpoint) { e.policy = p }
}

// WithAbandonFunc registers the retry-exhaustion hook.
func WithAbandonFunc(fn AbandonFunc) Option {
	return func(e *Endpoint) { e.onAbandon = fn }
}

// New creates an unbound endpoint. Call Listen before sending.
func New(opts ...Option) *Endpoint {
	e := &Endpoint{
		log:      zerolog.Nop(),
		policy:   DefaultRetryPolicy(),
		pending:  make(map[uint32]*pendingSend),
		seen:     make(map[string]*dedupWindow),
		handlers: make(map[wire.Type]Handler),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Listen binds the UDP socket and starts the receive and retry workers.
// Port 0 binds an ephemeral port; see LocalAddr.
func (e *Endpoint) Listen(port int) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return fmt.Errorf("bind udp :%d: %w", port, err)
	}
	e.conn = conn

	e.wg.Add(2)
	go e.readLoop()
	go e.retryLoop()
	return nil
}

// LocalAddr returns the bound address.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// Handle registers the handler for a packet type. Packets of an unregistered
// type are acknowledged, then dropped.
func (e *Endpoint) Handle(typ wire.Type, h Handler) {
	e.handlersMu.Lock()
	e.handlers[typ] = h
	e.handlersMu.Unlock()
}

// PendingCount returns the number of unacknowledged sends.
func (e *Endpoint) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// ─── Send path ────────────────────────────────────────────────────────────────

// SendReliable transmits a typed payload and keeps retransmitting until the
// peer acknowledges or the retry budget is spent. It returns as soon as the
// first transmission is on the wire; delivery is asynchronous.
func (e *Endpoint) SendReliable(dest *net.UDPAddr, typ wire.Type, payload any) (uint32, error) {
	select {
	case <-e.done:
		return 0, ErrClosed
	default:
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s payload: %w", typ, err)
	}

	seq := e.seq.Add(1)
	packet := wire.Encode(typ, seq, body)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.policy.InitialTimeout
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = e.policy.MaxTimeout
	bo.MaxElapsedTime = 0
	bo.Reset()

	now := time.Now()
	p := &pendingSend{
		seq:       seq,
		packet:    packet,
		dest:      dest,
		firstSend: now,
		lastSend:  now,
		attempts:  1,
		deadline:  now.Add(bo.NextBackOff()),
		backoff:   bo,
	}

	e.mu.Lock()
	e.pending[seq] = p
	e.mu.Unlock()

	// A failed write keeps the pending entry: the retry scan resends it.
	if _, err := e.conn.WriteToUDP(packet, dest); err != nil {
		e.log.Debug().Err(err).Str("dest", dest.String()).Uint32("seq", seq).Msg("send failed, will retry")
		sendErrors.Inc()
		return seq, nil
	}
	packetsSent.Inc()
	return seq, nil
}

// sendAck acknowledges seq to dest. Best effort, never retried and never
// itself acknowledged.
func (e *Endpoint) sendAck(dest *net.UDPAddr, seq uint32) {
	body, _ := json.Marshal(wire.Ack{AckSeq: seq})
	packet := wire.Encode(wire.TypeAck, e.seq.Add(1), body)
	if _, err := e.conn.WriteToUDP(packet, dest); err != nil {
		e.log.Debug().Err(err).Str("dest", dest.String()).Uint32("ack_seq", seq).Msg("ack send failed")
		sendErrors.Inc()
		return
	}
	packetsSent.Inc()
}

// ─── Receive path ─────────────────────────────────────────────────────────────

func (e *Endpoint) readLoop() {
	defer e.wg.Done()

	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.log.Debug().Err(err).Msg("udp read error")
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		e.handlePacket(from, data)
	}
}

func (e *Endpoint) handlePacket(from *net.UDPAddr, data []byte) {
	pkt, err := wire.Decode(data)
	if err != nil {
		e.log.Debug().Err(err).Str("from", from.String()).Int("len", len(data)).Msg("dropping invalid packet")
		packetsInvalid.Inc()
		return
	}
	packetsReceived.Inc()

	if pkt.Type == wire.TypeAck {
		var ack wire.Ack
		if err := json.Unmarshal(pkt.Payload, &ack); err != nil {
			e.log.Debug().Err(err).Str("from", from.String()).Msg("dropping malformed ack")
			packetsInvalid.Inc()
			return
		}
		e.mu.Lock()
		delete(e.pending, ack.AckSeq)
		e.mu.Unlock()
		return
	}

	if !json.Valid(pkt.Payload) {
		e.log.Debug().Str("from", from.String()).Str("type", pkt.Type.String()).Msg("dropping packet with malformed payload")
		packetsInvalid.Inc()
		return
	}

	// Ack first, then dedup: a lost ack means the peer retransmits, and the
	// duplicate must be re-acked even though it will not be dispatched.
	e.sendAck(from, pkt.Seq)

	e.mu.Lock()
	w, ok := e.seen[from.String()]
	if !ok {
		w = &dedupWindow{seen: make(map[uint32]struct{})}
		e.seen[from.String()] = w
	}
	fresh := w.add(pkt.Seq)
	e.mu.Unlock()

	if !fresh {
		e.log.Debug().Str("from", from.String()).Uint32("seq", pkt.Seq).Msg("duplicate suppressed")
		duplicatesDropped.Inc()
		return
	}

	e.handlersMu.RLock()
	h := e.handlers[pkt.Type]
	e.handlersMu.RUnlock()
	if h == nil {
		e.log.Debug().Str("type", pkt.Type.String()).Str("from", from.String()).Msg("no handler registered")
		return
	}
	h(from, pkt)
}

// ─── Retry scan ───────────────────────────────────────────────────────────────

func (e *Endpoint) retryLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.policy.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case now := <-ticker.C:
			e.scanPending(now)
		}
	}
}

// scanPending resends every due pending entry and abandons the exhausted
// ones. Sends happen after the lock is released.
func (e *Endpoint) scanPending(now time.Time) {
	type resend struct {
		packet []byte
		dest   *net.UDPAddr
	}
	type abandon struct {
		seq      uint32
		dest     *net.UDPAddr
		attempts int
		age      time.Duration
	}
	var resends []resend
	var abandoned []abandon

	e.mu.Lock()
	for seq, p := range e.pending {
		if now.Before(p.deadline) {
			continue
		}
		if p.attempts >= e.policy.MaxAttempts {
			delete(e.pending, seq)
			abandoned = append(abandoned, abandon{seq, p.dest, p.attempts, now.Sub(p.firstSend)})
			continue
		}
		p.attempts++
		p.lastSend = now
		p.deadline = now.Add(p.backoff.NextBackOff())
		resends = append(resends, resend{p.packet, p.dest})
	}
	e.mu.Unlock()

	for _, r := range resends {
		if _, err := e.conn.WriteToUDP(r.packet, r.dest); err != nil {
			e.log.Debug().Err(err).Str("dest", r.dest.String()).Msg("retransmit failed")
			sendErrors.Inc()
			continue
		}
		packetsSent.Inc()
		retransmits.Inc()
	}
	for _, a := range abandoned {
		e.log.Warn().
			Str("dest", a.dest.String()).
			Uint32("seq", a.seq).
			Int("attempts", a.attempts).
			Dur("age", a.age).
			Msg("giving up on unacknowledged packet")
		sendsAbandoned.Inc()
		if e.onAbandon != nil {
			e.onAbandon(a.dest, a.seq)
		}
	}
}

// Close shuts the endpoint down: unblocks the reader, stops the retry scan,
// and waits for both workers. Safe to call more than once.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		if e.conn != nil {
			e.conn.Close()
		}
		e.wg.Wait()
	})
}
