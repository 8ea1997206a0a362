package transport

import (
	"encoding/json"
	"fmt"

	"github.com/MRuhan17/flowspace-sync/pkg/board"
)

// ValidateOperation checks an operation received from the network before it
// reaches an engine. On top of the structural checks in Operation.Validate,
// insert payloads must declare a known element kind and carry that kind's
// required fields, and update payloads must not try to change the kind.
// Replicated state never depends on these checks; they only keep garbage
// out at the boundary.
func ValidateOperation(op *board.Operation) error {
	if op == nil {
		return fmt.Errorf("operation is nil")
	}
	if err := op.Validate(); err != nil {
		return err
	}

	switch op.Kind {
	case board.OpInsert:
		kind, fields := board.SplitKind(op.Payload)
		if !kind.Valid() {
			return fmt.Errorf("insert payload for element %q missing a valid kind", op.ElementID)
		}
		return validateElementFields(kind, fields)
	case board.OpUpdate:
		if _, ok := op.Payload[board.KindKey]; ok {
			return fmt.Errorf("update payload for element %q cannot change kind", op.ElementID)
		}
		return nil
	default:
		return nil
	}
}

func validateElementFields(kind board.ElementKind, fields board.Fields) error {
	switch kind {
	case board.KindStroke:
		raw, ok := fields["points"]
		if !ok {
			return fmt.Errorf("stroke payload missing points")
		}
		var points []json.RawMessage
		if err := json.Unmarshal(raw, &points); err != nil {
			return fmt.Errorf("stroke points must be an array: %w", err)
		}
		if len(points) == 0 {
			return fmt.Errorf("stroke payload has no points")
		}
	case board.KindNode:
		for _, key := range []string{"x", "y"} {
			raw, ok := fields[key]
			if !ok {
				return fmt.Errorf("node payload missing %s", key)
			}
			var coord float64
			if err := json.Unmarshal(raw, &coord); err != nil {
				return fmt.Errorf("node %s must be a number: %w", key, err)
			}
		}
	case board.KindEdge:
		for _, key := range []string{"from", "to"} {
			raw, ok := fields[key]
			if !ok {
				return fmt.Errorf("edge payload missing %s", key)
			}
			var id string
			if err := json.Unmarshal(raw, &id); err != nil {
				return fmt.Errorf("edge %s must be a string: %w", key, err)
			}
			if id == "" {
				return fmt.Errorf("edge %s is empty", key)
			}
		}
	}
	return nil
}
