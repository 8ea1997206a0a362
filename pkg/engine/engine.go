package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MRuhan17/flowspace-sync/pkg/board"
)

// Engine holds one board's replicated state. All mutating entry points
// run under the engine mutex, which is the per-board critical section:
// distinct boards hold distinct engines and proceed fully in parallel.
type Engine struct {
	mu       sync.RWMutex
	writerID string
	clock    *Clock
	logger   *zap.Logger

	elements   map[string]*board.VersionedElement
	tombstones map[string]board.Tombstone
	log        *OpLog

	dirty         bool
	lastPersisted time.Time
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithLogger sets the engine logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithOpLogCapacity bounds the retained operation log.
func WithOpLogCapacity(capacity int) Option {
	return func(e *Engine) { e.log = NewOpLog(capacity) }
}

// WithClockSeed starts the logical clock at seed instead of zero.
func WithClockSeed(seed int64) Option {
	return func(e *Engine) { e.clock = NewClock(seed) }
}

// New returns an empty engine owned by writerID. The writer id stamps
// locally authored operations and breaks timestamp ties, so it must be
// unique among replicas editing the same board.
func New(writerID string, opts ...Option) *Engine {
	e := &Engine{
		writerID:   writerID,
		clock:      NewClock(0),
		logger:     zap.NewNop(),
		elements:   make(map[string]*board.VersionedElement),
		tombstones: make(map[string]board.Tombstone),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = NewOpLog(DefaultOpLogCapacity)
	}
	return e
}

// WriterID returns the id this engine stamps on local operations.
func (e *Engine) WriterID() string { return e.writerID }

// ApplyLocal stamps and applies an operation authored by this replica and
// returns it ready for broadcast. A fresh Lamport tick exceeds every
// timestamp the engine has observed, so a local operation always wins its
// merge; ApplyLocal therefore cannot fail. Unknown kinds and empty element
// ids are caller bugs and panic.
func (e *Engine) ApplyLocal(kind board.OpKind, elementID string, payload board.Fields) board.Operation {
	if !kind.Valid() {
		panic(fmt.Sprintf("engine: unknown operation kind %q", kind))
	}
	if elementID == "" {
		panic("engine: empty element id")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	op := board.Operation{
		ID:        uuid.NewString(),
		Timestamp: e.clock.Tick(),
		WriterID:  e.writerID,
		Kind:      kind,
		ElementID: elementID,
		Payload:   payload.Clone(),
	}
	e.merge(op)
	e.log.Append(op)
	e.dirty = true
	return op
}

// ApplyRemote validates and applies an operation received from another
// replica. Malformed operations are absorbed: logged, counted by the
// caller via the false return, never an error and never a panic, because
// the input is network-born. The return value reports whether the
// operation changed observable state; stale and duplicate deliveries
// return false.
func (e *Engine) ApplyRemote(op board.Operation) bool {
	if err := op.Validate(); err != nil {
		e.logger.Warn("rejected malformed operation",
			zap.Error(err),
			zap.String("op_id", op.ID),
			zap.String("writer_id", op.WriterID),
			zap.String("element_id", op.ElementID),
		)
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.clock.Observe(op.Timestamp)
	if !e.merge(op) {
		e.logger.Debug("discarded stale operation",
			zap.String("op_id", op.ID),
			zap.String("element_id", op.ElementID),
			zap.Int64("timestamp", op.Timestamp),
		)
		return false
	}
	e.log.Append(op)
	e.dirty = true
	return true
}

// ApplyOperations replays a batch of operations in the order given and
// returns how many changed state. This is the resync entry point:
// duplicates and stale entries are expected and absorbed per operation.
func (e *Engine) ApplyOperations(ops []board.Operation) int {
	applied := 0
	for _, op := range ops {
		if e.ApplyRemote(op) {
			applied++
		}
	}
	return applied
}

// merge applies the last-writer-wins rule for op against the current state
// of op.ElementID and reports whether state changed. A single comparator
// governs every conflict, element or tombstone alike: higher timestamp
// wins, equal timestamps fall back to the higher writer id, exact ties
// lose. Caller holds e.mu.
func (e *Engine) merge(op board.Operation) bool {
	switch op.Kind {
	case board.OpInsert:
		return e.mergeUpsert(op, true)
	case board.OpUpdate:
		return e.mergeUpsert(op, false)
	case board.OpDelete:
		return e.mergeDelete(op)
	}
	return false
}

// mergeUpsert handles insert and update. The two differ only on a live
// entry: insert carries a full value and replaces wholesale, update
// shallow-merges its partial payload over the stored fields. Against a
// tombstone both resurrect only by beating the delete that killed the id,
// and on a completely unknown id both create the element (an update
// arriving before its insert self-heals into one).
func (e *Engine) mergeUpsert(op board.Operation, replace bool) bool {
	if tomb, ok := e.tombstones[op.ElementID]; ok {
		if !op.Newer(tomb.Timestamp, tomb.WriterID) {
			return false
		}
		delete(e.tombstones, op.ElementID)
		e.elements[op.ElementID] = elementFromOp(op)
		return true
	}

	cur, ok := e.elements[op.ElementID]
	if !ok {
		e.elements[op.ElementID] = elementFromOp(op)
		return true
	}
	if !op.Newer(cur.WriteTimestamp, cur.WriterID) {
		return false
	}

	if replace {
		e.elements[op.ElementID] = elementFromOp(op)
		return true
	}
	kind, fields := board.SplitKind(op.Payload)
	if cur.Fields == nil {
		// restored elements with no stored fields carry a nil map
		cur.Fields = make(board.Fields, len(fields))
	}
	for k, v := range fields {
		cur.Fields[k] = v
	}
	if kind != "" {
		cur.Kind = kind
	}
	cur.WriteTimestamp = op.Timestamp
	cur.WriterID = op.WriterID
	return true
}

// mergeDelete removes a live entry or advances a tombstone when the
// operation wins the comparison. A delete for a completely unknown id
// records a tombstone unconditionally: the delete may simply have outrun
// the insert it refers to, and the tombstone blocks that insert if it is
// older.
func (e *Engine) mergeDelete(op board.Operation) bool {
	if cur, ok := e.elements[op.ElementID]; ok {
		if !op.Newer(cur.WriteTimestamp, cur.WriterID) {
			return false
		}
		delete(e.elements, op.ElementID)
		e.tombstones[op.ElementID] = tombstoneFromOp(op)
		return true
	}
	if tomb, ok := e.tombstones[op.ElementID]; ok {
		if !op.Newer(tomb.Timestamp, tomb.WriterID) {
			return false
		}
		e.tombstones[op.ElementID] = tombstoneFromOp(op)
		return true
	}
	e.tombstones[op.ElementID] = tombstoneFromOp(op)
	return true
}

func elementFromOp(op board.Operation) *board.VersionedElement {
	kind, fields := board.SplitKind(op.Payload)
	return &board.VersionedElement{
		Element: board.Element{
			ID:     op.ElementID,
			Kind:   kind,
			Fields: fields,
		},
		WriteTimestamp: op.Timestamp,
		WriterID:       op.WriterID,
	}
}

func tombstoneFromOp(op board.Operation) board.Tombstone {
	return board.Tombstone{
		ElementID: op.ElementID,
		Timestamp: op.Timestamp,
		WriterID:  op.WriterID,
	}
}

// Get returns the public view of a live element.
func (e *Engine) Get(elementID string) (board.Element, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cur, ok := e.elements[elementID]
	if !ok {
		return board.Element{}, false
	}
	return cur.Element.Clone(), true
}

// Has reports whether a live element exists for elementID.
func (e *Engine) Has(elementID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.elements[elementID]
	return ok
}

// Elements returns the public views of all live elements, sorted by id.
func (e *Engine) Elements() []board.Element {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]board.Element, 0, len(e.elements))
	for _, cur := range e.elements {
		out = append(out, cur.Element.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ElementsByKind returns the live elements of one kind, sorted by id.
func (e *Engine) ElementsByKind(kind board.ElementKind) []board.Element {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]board.Element, 0)
	for _, cur := range e.elements {
		if cur.Kind == kind {
			out = append(out, cur.Element.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live elements.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.elements)
}

// TombstoneCount returns the number of deleted ids still remembered.
func (e *Engine) TombstoneCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.tombstones)
}

// ClockValue returns the current Lamport counter.
func (e *Engine) ClockValue() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.clock.Now()
}

// RecentOperations returns up to n recently applied operations, oldest
// first.
func (e *Engine) RecentOperations(n int) []board.Operation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.log.Recent(n)
}
