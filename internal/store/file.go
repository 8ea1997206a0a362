package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/MRuhan17/flowspace-sync/pkg/board"
)

// fileEnvelope wraps a snapshot on disk with its integrity checksum. The
// checksum catches truncated or silently corrupted files before their
// contents reach an engine.
type fileEnvelope struct {
	BoardID  string          `json:"boardId"`
	Checksum string          `json:"checksum"`
	Snapshot json.RawMessage `json:"snapshot"`
}

// FileSnapshotStore persists one JSON document per board under a
// directory. Writes go through a temp file and rename, so a crash mid-save
// leaves the previous snapshot intact.
type FileSnapshotStore struct {
	dir    string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewFileSnapshotStore creates the directory if needed and returns the
// store.
func NewFileSnapshotStore(dir string, logger *zap.Logger) (*FileSnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FileSnapshotStore{dir: dir, logger: logger}, nil
}

// Save writes the snapshot atomically.
func (s *FileSnapshotStore) Save(ctx context.Context, snap *board.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	env := fileEnvelope{
		BoardID:  snap.BoardID,
		Checksum: checksum(raw),
		Snapshot: raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot envelope: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close snapshot file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(snap.BoardID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace snapshot file: %w", err)
	}
	return nil
}

// Load reads and verifies the snapshot for boardID. Corruption (checksum
// mismatch, unparseable JSON) is an error distinct from ErrNotFound; the
// caller decides the fallback.
func (s *FileSnapshotStore) Load(ctx context.Context, boardID string) (*board.Snapshot, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.path(boardID))
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}

	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("corrupt snapshot envelope: %w", err)
	}
	if got := checksum(env.Snapshot); got != env.Checksum {
		return nil, fmt.Errorf("snapshot checksum mismatch for board %q: have %s, want %s", boardID, got, env.Checksum)
	}

	var snap board.Snapshot
	if err := json.Unmarshal(env.Snapshot, &snap); err != nil {
		return nil, fmt.Errorf("corrupt snapshot payload: %w", err)
	}
	return &snap, nil
}

// Delete removes the snapshot file for boardID.
func (s *FileSnapshotStore) Delete(ctx context.Context, boardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(boardID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete snapshot file: %w", err)
	}
	return nil
}

// List returns the board ids of every readable snapshot envelope in the
// directory, sorted. Unreadable files are skipped with a warning.
func (s *FileSnapshotStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot file",
				zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		var env fileEnvelope
		if err := json.Unmarshal(data, &env); err != nil || env.BoardID == "" {
			s.logger.Warn("skipping malformed snapshot file", zap.String("file", entry.Name()))
			continue
		}
		ids = append(ids, env.BoardID)
	}
	sort.Strings(ids)
	return ids, nil
}

// Ping verifies the directory is writable.
func (s *FileSnapshotStore) Ping(ctx context.Context) error {
	tmp, err := os.CreateTemp(s.dir, ".ping-*")
	if err != nil {
		return fmt.Errorf("snapshot directory not writable: %w", err)
	}
	tmp.Close()
	return os.Remove(tmp.Name())
}

// Close is a no-op.
func (s *FileSnapshotStore) Close() error { return nil }

// path maps a board id to its snapshot file. Unsafe characters are
// replaced and a short hash is appended, so hostile ids cannot escape the
// directory or collide after sanitization.
func (s *FileSnapshotStore) path(boardID string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, boardID)
	if len(sanitized) > 64 {
		sanitized = sanitized[:64]
	}
	h := fnv.New32a()
	h.Write([]byte(boardID))
	return filepath.Join(s.dir, fmt.Sprintf("%s-%08x.json", sanitized, h.Sum32()))
}

// checksum returns the hex SHA-256 of data.
func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
