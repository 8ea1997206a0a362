// Package transport carries board operations between clients and the
// coordinator over WebSocket. Every frame is one JSON envelope; the Type
// field selects which of the optional payload fields is meaningful.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/MRuhan17/flowspace-sync/pkg/board"
)

// Message types carried in Envelope.Type.
const (
	// MessageOperation carries a single board operation in either direction.
	MessageOperation = "operation"

	// MessageSnapshotRequest asks the coordinator for the full board state.
	MessageSnapshotRequest = "snapshot-request"

	// MessageSnapshot is the coordinator's reply to a snapshot request.
	MessageSnapshot = "snapshot"

	// MessageResyncBatch carries operations buffered while a client was
	// offline. The coordinator applies them and rebroadcasts the batch.
	MessageResyncBatch = "resync-batch"

	// MessageResyncResult reports how many batch operations took effect.
	MessageResyncResult = "resync-result"
)

// Envelope is the wire frame for all board traffic
type Envelope struct {
	Type     string            `json:"type"`
	Op       *board.Operation  `json:"op,omitempty"`
	Ops      []board.Operation `json:"ops,omitempty"`
	Snapshot *board.Snapshot   `json:"snapshot,omitempty"`
	Applied  *int              `json:"applied,omitempty"`
	Total    *int              `json:"total,omitempty"`
}

// DecodeEnvelope parses a frame and checks that the fields required by its
// type are present. It does not validate operation contents; that is the
// receiver's job.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	switch env.Type {
	case MessageOperation:
		if env.Op == nil {
			return nil, fmt.Errorf("operation envelope missing op")
		}
	case MessageSnapshotRequest:
		// no payload
	case MessageSnapshot:
		if env.Snapshot == nil {
			return nil, fmt.Errorf("snapshot envelope missing snapshot")
		}
	case MessageResyncBatch:
		if len(env.Ops) == 0 {
			return nil, fmt.Errorf("resync-batch envelope has no ops")
		}
	case MessageResyncResult:
		if env.Applied == nil {
			return nil, fmt.Errorf("resync-result envelope missing applied count")
		}
	case "":
		return nil, fmt.Errorf("envelope missing type")
	default:
		return nil, fmt.Errorf("unknown envelope type %q", env.Type)
	}

	return &env, nil
}

// OperationEnvelope wraps a single operation for the wire
func OperationEnvelope(op board.Operation) Envelope {
	return Envelope{Type: MessageOperation, Op: &op}
}

// SnapshotRequestEnvelope asks for the full board state
func SnapshotRequestEnvelope() Envelope {
	return Envelope{Type: MessageSnapshotRequest}
}

// SnapshotEnvelope wraps a board snapshot for the wire
func SnapshotEnvelope(snap *board.Snapshot) Envelope {
	return Envelope{Type: MessageSnapshot, Snapshot: snap}
}

// ResyncBatchEnvelope wraps buffered offline operations for the wire.
// Batches are never empty; a client with nothing buffered sends nothing.
func ResyncBatchEnvelope(ops []board.Operation) Envelope {
	return Envelope{Type: MessageResyncBatch, Ops: ops}
}

// ResyncResultEnvelope reports the outcome of a resync batch
func ResyncResultEnvelope(applied, total int) Envelope {
	return Envelope{Type: MessageResyncResult, Applied: &applied, Total: &total}
}

// Encode serializes the envelope for the wire
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}
