// Package store is the replicated state engine: a last-write-wins register
// map with tombstoned deletes, a vector clock for causality bookkeeping, and
// a deterministic merge so any two replicas that exchange snapshots converge.
//
// Conflict resolution is the (timestamp, origin) order: the write with the
// larger wall-clock timestamp wins, ties broken by the lexicographically
// larger node id. Timestamps are the originating node's clock, so skew can
// invert the order between nodes — accepted, not a bug.
//
// Concurrency: one mutex guards all state. Change callbacks fire after the
// mutex is released, so a callback may call back into the store.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Op names the mutation reported to a change callback.
const (
	OpSet    = "set"
	OpDelete = "delete"
	OpMerge  = "merge"
)

// ChangeFunc observes local state changes. value is nil for deletes and for
// merges that removed the key.
type ChangeFunc func(key string, value any, op string)

// Store holds the replicated key/value state of one node.
type Store struct {
	mu      sync.Mutex
	selfID  string
	data    map[string]Entry
	tombs   map[string]Tombstone
	clock   VectorClock
	version uint64

	now      func() time.Time
	onChange ChangeFunc
	log      zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the time source. Tests freeze it to exercise tie-breaks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithChangeFunc registers the state-change callback.
func WithChangeFunc(fn ChangeFunc) Option {
	return func(s *Store) { s.onChange = fn }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New creates an empty store owned by selfID.
func New(selfID string, opts ...Option) *Store {
	s := &Store{
		selfID: selfID,
		data:   make(map[string]Entry),
		tombs:  make(map[string]Tombstone),
		clock:  make(VectorClock),
		now:    time.Now,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// timestamp converts wall-clock time to wire seconds.
func timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// lessWrite reports whether write (tsA, idA) orders strictly before (tsB, idB).
func lessWrite(tsA float64, idA, tsB float64, idB string) bool {
	if tsA != tsB {
		return tsA < tsB
	}
	return idA < idB
}

// sameWrite reports whether two entries are the same write. Values are never
// compared: equal (timestamp, origin) identifies the write.
func sameWrite(a, b Entry) bool {
	return a.Timestamp == b.Timestamp && a.Origin == b.Origin
}

// ─── Public API ───────────────────────────────────────────────────────────────

// Set records a local write and bumps this node's clock counter.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	ts := timestamp(s.now())
	s.data[key] = Entry{Value: value, Timestamp: ts, Origin: s.selfID}
	if t, ok := s.tombs[key]; ok && lessWrite(t.Timestamp, t.Origin, ts, s.selfID) {
		delete(s.tombs, key)
	}
	s.clock.Increment(s.selfID)
	s.version++
	cb := s.onChange
	s.mu.Unlock()

	if cb != nil {
		cb(key, value, OpSet)
	}
}

// Delete records a tombstone for key and removes the register entry.
// Deleting an absent key still produces a tombstone: the delete must
// replicate even if the write it suppresses has not arrived yet.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	s.tombs[key] = Tombstone{Timestamp: timestamp(s.now()), Origin: s.selfID}
	delete(s.data, key)
	s.clock.Increment(s.selfID)
	s.version++
	cb := s.onChange
	s.mu.Unlock()

	if cb != nil {
		cb(key, nil, OpDelete)
	}
}

// Get returns the value for key, or false if the key is absent or shadowed
// by a tombstone.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if t, tok := s.tombs[key]; tok && !lessWrite(t.Timestamp, t.Origin, e.Timestamp, e.Origin) {
		return nil, false
	}
	return e.Value, true
}

// List returns all visible keys and values, keys sorted.
func (s *Store) List() []KV {
	s.mu.Lock()
	out := make([]KV, 0, len(s.data))
	for k, e := range s.data {
		if t, ok := s.tombs[k]; ok && !lessWrite(t.Timestamp, t.Origin, e.Timestamp, e.Origin) {
			continue
		}
		out = append(out, KV{Key: k, Value: e.Value})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// KV is one visible key/value pair from List.
type KV struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// KeyCount returns the number of visible keys.
func (s *Store) KeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, e := range s.data {
		if t, ok := s.tombs[k]; ok && !lessWrite(t.Timestamp, t.Origin, e.Timestamp, e.Origin) {
			continue
		}
		n++
	}
	return n
}

// StateVersion returns the local change counter. It increments on every
// local write, delete, and every merge that mutated anything.
func (s *Store) StateVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Clock returns a copy of the vector clock.
func (s *Store) Clock() VectorClock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Copy()
}

// Snapshot returns the full serializable state for a sync response.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Data:        make(map[string]Entry, len(s.data)),
		Tombstones:  make(map[string]Tombstone, len(s.tombs)),
		VectorClock: s.clock.Copy(),
	}
	for k, e := range s.data {
		snap.Data[k] = e
	}
	for k, t := range s.tombs {
		snap.Tombstones[k] = t
	}
	return snap
}

// ─── Merge ────────────────────────────────────────────────────────────────────

// mutation is a pending change notification collected under the lock.
type mutation struct {
	key   string
	value any
}

// Merge folds a remote snapshot into local state key by key under the LWW
// order and merges the vector clock component-wise by max. It returns the
// number of keys mutated. Re-applying the same snapshot mutates nothing.
func (s *Store) Merge(remote Snapshot) int {
	s.mu.Lock()

	keys := make(map[string]struct{}, len(remote.Data)+len(remote.Tombstones))
	for k := range remote.Data {
		keys[k] = struct{}{}
	}
	for k := range remote.Tombstones {
		keys[k] = struct{}{}
	}
	for k := range s.data {
		keys[k] = struct{}{}
	}
	for k := range s.tombs {
		keys[k] = struct{}{}
	}

	var muts []mutation
	for k := range keys {
		var re *Entry
		if e, ok := remote.Data[k]; ok {
			re = &e
		}
		var rt *Tombstone
		if t, ok := remote.Tombstones[k]; ok {
			rt = &t
		}
		if changed, visible := s.mergeKey(k, re, rt); changed {
			muts = append(muts, mutation{key: k, value: visible})
		}
	}

	s.clock = s.clock.Merge(remote.VectorClock)
	if len(muts) > 0 {
		s.version++
	}
	cb := s.onChange
	s.mu.Unlock()

	if cb != nil {
		for _, m := range muts {
			cb(m.key, m.value, OpMerge)
		}
	}
	return len(muts)
}

// mergeKey applies the LWW rule for one key. Caller holds s.mu.
//
// Among the four candidates (local/remote entry, local/remote tombstone) the
// maximum under the write order wins; a tombstone beats an entry with the
// identical (timestamp, origin). The losing side is erased when dominated.
func (s *Store) mergeKey(k string, re *Entry, rt *Tombstone) (changed bool, visible any) {
	le, leOK := s.data[k]
	lt, ltOK := s.tombs[k]

	// Best entry candidate.
	var best *Entry
	if leOK {
		best = &le
	}
	if re != nil && (best == nil || lessWrite(best.Timestamp, best.Origin, re.Timestamp, re.Origin)) {
		best = re
	}

	// Best tombstone candidate.
	var bestTomb *Tombstone
	if ltOK {
		bestTomb = &lt
	}
	if rt != nil && (bestTomb == nil || lessWrite(bestTomb.Timestamp, bestTomb.Origin, rt.Timestamp, rt.Origin)) {
		bestTomb = rt
	}

	// Tombstone wins on >=, entry only on strictly greater.
	tombWins := bestTomb != nil &&
		(best == nil || !lessWrite(bestTomb.Timestamp, bestTomb.Origin, best.Timestamp, best.Origin))

	if tombWins {
		if !ltOK || lt != *bestTomb {
			s.tombs[k] = *bestTomb
			changed = true
		}
		// Every entry candidate is dominated by the winning tombstone.
		if leOK {
			delete(s.data, k)
			changed = true
		}
		return changed, nil
	}

	if best == nil {
		return false, nil
	}
	if !leOK || !sameWrite(le, *best) {
		s.data[k] = *best
		changed = true
	}
	if ltOK && lessWrite(lt.Timestamp, lt.Origin, best.Timestamp, best.Origin) {
		delete(s.tombs, k)
		changed = true
	}
	return changed, best.Value
}
