package engine

import "github.com/MRuhan17/flowspace-sync/pkg/board"

// Operation log capacity bounds. The log is diagnostic state, not merge
// input, so the bound is a memory ceiling rather than a correctness knob.
const (
	MinOpLogCapacity     = 100
	MaxOpLogCapacity     = 1000
	DefaultOpLogCapacity = 512
)

// OpLog is a fixed-capacity ring buffer of recently applied operations,
// backed by a preallocated arena. When full, the oldest entry is
// overwritten.
type OpLog struct {
	arena []board.Operation
	head  int // next write position
	size  int
	total uint64
}

// NewOpLog returns a log holding at most capacity operations. Capacities
// outside [MinOpLogCapacity, MaxOpLogCapacity] are clamped.
func NewOpLog(capacity int) *OpLog {
	if capacity < MinOpLogCapacity {
		capacity = MinOpLogCapacity
	}
	if capacity > MaxOpLogCapacity {
		capacity = MaxOpLogCapacity
	}
	return &OpLog{arena: make([]board.Operation, capacity)}
}

// Append records op, evicting the oldest entry if the arena is full.
func (l *OpLog) Append(op board.Operation) {
	l.arena[l.head] = op
	l.head = (l.head + 1) % len(l.arena)
	if l.size < len(l.arena) {
		l.size++
	}
	l.total++
}

// Recent returns up to n of the most recently appended operations in
// append order, oldest first. The returned slice is freshly allocated.
func (l *OpLog) Recent(n int) []board.Operation {
	if n > l.size {
		n = l.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]board.Operation, 0, n)
	start := (l.head - n + len(l.arena)) % len(l.arena)
	for i := 0; i < n; i++ {
		out = append(out, l.arena[(start+i)%len(l.arena)])
	}
	return out
}

// Len returns the number of operations currently retained.
func (l *OpLog) Len() int { return l.size }

// Cap returns the arena capacity.
func (l *OpLog) Cap() int { return len(l.arena) }

// Total returns the count of operations ever appended, including those
// already overwritten.
func (l *OpLog) Total() uint64 { return l.total }
