// Package board defines the shared data model for replicated whiteboard
// state: elements, operations, tombstones, and snapshots. The same types
// travel over the wire, through the merge engine, and into persisted
// snapshots, so both the coordinator and clients speak them natively.
package board

import "encoding/json"

// ElementKind discriminates the payload shape of a board element.
type ElementKind string

const (
	KindStroke ElementKind = "stroke"
	KindNode   ElementKind = "node"
	KindEdge   ElementKind = "edge"
)

// Valid reports whether k is a known element kind.
func (k ElementKind) Valid() bool {
	switch k {
	case KindStroke, KindNode, KindEdge:
		return true
	}
	return false
}

// KindKey is the payload key that carries an element's kind discriminant.
// Insert payloads include it; the engine lifts it into Element.Kind.
const KindKey = "kind"

// Fields is the kind-specific property bag of an element. Values stay raw
// JSON so merges move bytes without reinterpreting them; payload shapes are
// validated against the element kind at the transport boundary, not here.
type Fields map[string]json.RawMessage

// Clone returns a deep copy of f. A nil map clones to nil.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// SplitKind deep-copies f, lifting the kind discriminant out of the map.
// The returned kind is empty when the key is absent or not a known kind.
func SplitKind(f Fields) (ElementKind, Fields) {
	out := make(Fields, len(f))
	kind := ElementKind("")
	for k, v := range f {
		if k == KindKey {
			var s string
			if err := json.Unmarshal(v, &s); err == nil && ElementKind(s).Valid() {
				kind = ElementKind(s)
			}
			continue
		}
		out[k] = append(json.RawMessage(nil), v...)
	}
	return kind, out
}

// Element is the public view of a live board element: what query results
// and REST responses expose. Replication bookkeeping stays internal.
type Element struct {
	ID     string      `json:"id"`
	Kind   ElementKind `json:"kind"`
	Fields Fields      `json:"payload,omitempty"`
}

// Clone returns a deep copy of e.
func (e Element) Clone() Element {
	e.Fields = e.Fields.Clone()
	return e
}

// VersionedElement is the stored form of an element: the public view plus
// the (timestamp, writerId) pair of the last operation that won the
// last-writer-wins comparison for this id. The pair only ever advances.
type VersionedElement struct {
	Element
	WriteTimestamp int64  `json:"writeTimestamp"`
	WriterID       string `json:"writerId"`
}

// Clone returns a deep copy of v.
func (v VersionedElement) Clone() VersionedElement {
	v.Element = v.Element.Clone()
	return v
}

// Tombstone marks a deleted element id. The delete's (timestamp, writerId)
// is retained, in memory and in snapshots: deciding whether a later insert
// resurrects the id requires comparing against the delete that killed it.
type Tombstone struct {
	ElementID string `json:"elementId"`
	Timestamp int64  `json:"timestamp"`
	WriterID  string `json:"writerId"`
}
