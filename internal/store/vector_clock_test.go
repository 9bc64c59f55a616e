package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVectorClockIncrement(t *testing.T) {
	vc := make(VectorClock)
	vc.Increment("node_a")
	vc.Increment("node_a")
	vc.Increment("node_b")

	assert.EqualValues(t, 2, vc["node_a"])
	assert.EqualValues(t, 1, vc["node_b"])
}

func TestVectorClockMerge(t *testing.T) {
	a := VectorClock{"node_a": 3, "node_b": 1}
	b := VectorClock{"node_b": 5, "node_c": 2}

	merged := a.Merge(b)
	assert.Equal(t, VectorClock{"node_a": 3, "node_b": 5, "node_c": 2}, merged)

	// Inputs are untouched.
	assert.Equal(t, VectorClock{"node_a": 3, "node_b": 1}, a)
	assert.Equal(t, VectorClock{"node_b": 5, "node_c": 2}, b)
}

func TestVectorClockCopy(t *testing.T) {
	a := VectorClock{"node_a": 1}
	c := a.Copy()
	c.Increment("node_a")

	assert.EqualValues(t, 1, a["node_a"])
	assert.EqualValues(t, 2, c["node_a"])
}
