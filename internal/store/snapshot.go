package store

import (
	"encoding/json"
	"fmt"
)

// Entry is one live register write: an opaque JSON value plus the
// (timestamp, origin) pair that orders it against competing writes.
// Timestamp is wall-clock seconds with fractional part, captured at the
// originating node.
type Entry struct {
	Value     any
	Timestamp float64
	Origin    string
}

// Tombstone marks a key deleted. It is retained so stale writes cannot
// resurrect the key.
type Tombstone struct {
	Timestamp float64
	Origin    string
}

// Snapshot is the full-state wire view exchanged during anti-entropy sync.
//
// Register entries serialize as [value, ts, origin] triples and tombstones
// as [ts, origin] pairs:
//
//	{"data":{"k":["v",1000.5,"node_a"]},"tombstones":{"d":[999.0,"node_b"]},"vector_clock":{"node_a":3}}
type Snapshot struct {
	Data        map[string]Entry     `json:"data"`
	Tombstones  map[string]Tombstone `json:"tombstones"`
	VectorClock VectorClock          `json:"vector_clock"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]any{e.Value, e.Timestamp, e.Origin})
}

func (e *Entry) UnmarshalJSON(b []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	if len(fields) != 3 {
		return fmt.Errorf("register entry: want [value, ts, origin], got %d elements", len(fields))
	}
	if err := json.Unmarshal(fields[0], &e.Value); err != nil {
		return fmt.Errorf("register entry value: %w", err)
	}
	if err := json.Unmarshal(fields[1], &e.Timestamp); err != nil {
		return fmt.Errorf("register entry timestamp: %w", err)
	}
	if err := json.Unmarshal(fields[2], &e.Origin); err != nil {
		return fmt.Errorf("register entry origin: %w", err)
	}
	return nil
}

func (t Tombstone) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{t.Timestamp, t.Origin})
}

func (t *Tombstone) UnmarshalJSON(b []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	if len(fields) != 2 {
		return fmt.Errorf("tombstone: want [ts, origin], got %d elements", len(fields))
	}
	if err := json.Unmarshal(fields[0], &t.Timestamp); err != nil {
		return fmt.Errorf("tombstone timestamp: %w", err)
	}
	if err := json.Unmarshal(fields[1], &t.Origin); err != nil {
		return fmt.Errorf("tombstone origin: %w", err)
	}
	return nil
}
