package store

import "maps"

// VectorClock tracks causal progress per node:
//
//	nodeID → logical counter
//
// A node increments its own counter on every local mutation. On merge the
// clocks combine component-wise by max, so no component ever decreases.
//
// The clock is causality bookkeeping, not the conflict-resolution rule:
// winners are picked by the (timestamp, origin) order in store.go.
type VectorClock map[string]uint64

// Increment bumps the counter for nodeID.
func (vc VectorClock) Increment(nodeID string) {
	vc[nodeID]++
}

// Merge returns a new clock holding the component-wise max of vc and other.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	merged := vc.Copy()
	for node, cnt := range other {
		if cnt > merged[node] {
			merged[node] = cnt
		}
	}
	return merged
}

// Copy returns a deep copy. Maps are reference types; handing the internal
// clock to a caller without copying would let them mutate it.
func (vc VectorClock) Copy() VectorClock {
	c := make(VectorClock, len(vc))
	maps.Copy(c, vc)
	return c
}
