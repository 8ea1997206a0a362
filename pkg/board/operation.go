package board

import (
	"errors"
	"fmt"
)

// OpKind names the three replicated mutations.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Valid reports whether k is a known operation kind.
func (k OpKind) Valid() bool {
	switch k {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Operation is the unit of replication. Insert carries a full element
// payload, update a partial one, delete none. The (Timestamp, WriterID)
// pair totally orders operations on an element id.
type Operation struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	WriterID  string `json:"writerId"`
	Kind      OpKind `json:"kind"`
	ElementID string `json:"elementId"`
	Payload   Fields `json:"payload,omitempty"`
}

// Validate checks the structural invariants an operation must satisfy
// before it may reach the merge. Operations arrive off the network, so a
// failure here is absorbed by the caller, never propagated.
func (o *Operation) Validate() error {
	switch {
	case o.ID == "":
		return errors.New("operation missing id")
	case o.Timestamp <= 0:
		return errors.New("operation missing timestamp")
	case o.WriterID == "":
		return errors.New("operation missing writerId")
	case o.ElementID == "":
		return errors.New("operation missing elementId")
	}
	if !o.Kind.Valid() {
		return fmt.Errorf("unknown operation kind %q", o.Kind)
	}
	if o.Kind != OpDelete && len(o.Payload) == 0 {
		return fmt.Errorf("%s operation missing payload", o.Kind)
	}
	return nil
}

// Newer reports whether o wins the last-writer-wins comparison against a
// stored (timestamp, writerId) pair: higher timestamp wins, equal
// timestamps fall back to the lexicographically higher writer id. An exact
// tie loses, which makes duplicate delivery a no-op.
func (o *Operation) Newer(ts int64, writerID string) bool {
	if o.Timestamp != ts {
		return o.Timestamp > ts
	}
	return o.WriterID > writerID
}

// Clone returns a deep copy of o.
func (o Operation) Clone() Operation {
	o.Payload = o.Payload.Clone()
	return o
}
