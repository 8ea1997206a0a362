package board

import "time"

// Snapshot is a complete dump of one board's replicated state: live
// elements, tombstones, the logical clock, and a bounded tail of recently
// applied operations. Element and tombstone slices are sorted by element
// id so snapshots of identical state compare byte-identical.
type Snapshot struct {
	BoardID      string             `json:"boardId"`
	TakenAt      time.Time          `json:"takenAt"`
	LogicalClock int64              `json:"logicalClock"`
	Elements     []VersionedElement `json:"elements"`
	Tombstones   []Tombstone        `json:"tombstones"`
	Operations   []Operation        `json:"operations,omitempty"`
}

// Clone returns a deep copy of s.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		BoardID:      s.BoardID,
		TakenAt:      s.TakenAt,
		LogicalClock: s.LogicalClock,
	}
	if s.Elements != nil {
		out.Elements = make([]VersionedElement, len(s.Elements))
		for i, ve := range s.Elements {
			out.Elements[i] = ve.Clone()
		}
	}
	if s.Tombstones != nil {
		out.Tombstones = make([]Tombstone, len(s.Tombstones))
		copy(out.Tombstones, s.Tombstones)
	}
	if s.Operations != nil {
		out.Operations = make([]Operation, len(s.Operations))
		for i, op := range s.Operations {
			out.Operations[i] = op.Clone()
		}
	}
	return out
}
