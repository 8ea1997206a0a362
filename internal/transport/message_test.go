package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MRuhan17/flowspace-sync/pkg/board"
)

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{
			name: "valid operation",
			data: `{"type":"operation","op":{"id":"op-1","timestamp":3,"writerId":"w1","kind":"insert","elementId":"e1","payload":{"kind":"node","x":1,"y":2}}}`,
		},
		{
			name: "valid snapshot request",
			data: `{"type":"snapshot-request"}`,
		},
		{
			name: "valid snapshot",
			data: `{"type":"snapshot","snapshot":{"boardId":"b1","logicalClock":7}}`,
		},
		{
			name: "valid resync batch",
			data: `{"type":"resync-batch","ops":[{"id":"op-1","timestamp":3,"writerId":"w1","kind":"delete","elementId":"e1"}]}`,
		},
		{
			name: "valid resync result",
			data: `{"type":"resync-result","applied":0,"total":3}`,
		},
		{
			name:    "not json",
			data:    `{{{`,
			wantErr: true,
		},
		{
			name:    "missing type",
			data:    `{"op":{"id":"op-1"}}`,
			wantErr: true,
		},
		{
			name:    "unknown type",
			data:    `{"type":"presence-update"}`,
			wantErr: true,
		},
		{
			name:    "operation without op",
			data:    `{"type":"operation"}`,
			wantErr: true,
		},
		{
			name:    "snapshot without snapshot",
			data:    `{"type":"snapshot"}`,
			wantErr: true,
		},
		{
			name:    "resync batch without ops",
			data:    `{"type":"resync-batch"}`,
			wantErr: true,
		},
		{
			name:    "resync batch with empty ops",
			data:    `{"type":"resync-batch","ops":[]}`,
			wantErr: true,
		},
		{
			name:    "resync result without applied",
			data:    `{"type":"resync-result","total":3}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, env.Type)
		})
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	op := board.Operation{
		ID:        "op-1",
		Timestamp: 9,
		WriterID:  "w1",
		Kind:      board.OpDelete,
		ElementID: "e1",
	}

	data, err := OperationEnvelope(op).Encode()
	require.NoError(t, err)

	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, MessageOperation, env.Type)
	assert.Equal(t, op, *env.Op)
}

func TestResyncResultEnvelope_KeepsZeroApplied(t *testing.T) {
	data, err := ResyncResultEnvelope(0, 4).Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"applied":0`)

	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, 0, *env.Applied)
	assert.Equal(t, 4, *env.Total)
}

func TestResyncBatchEnvelope_RoundTrip(t *testing.T) {
	ops := []board.Operation{
		{ID: "op-1", Timestamp: 2, WriterID: "w1", Kind: board.OpDelete, ElementID: "e1"},
		{ID: "op-2", Timestamp: 3, WriterID: "w1", Kind: board.OpDelete, ElementID: "e2"},
	}

	data, err := ResyncBatchEnvelope(ops).Encode()
	require.NoError(t, err)

	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, MessageResyncBatch, env.Type)
	assert.Equal(t, ops, env.Ops)
}
