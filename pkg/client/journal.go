package client

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/MRuhan17/flowspace-sync/pkg/board"
)

var opsBucket = []byte("operations")

// Journal buffers locally authored operations across disconnects. Entries
// are appended in authoring order and replayed in full on every connect;
// nothing is removed on send, because the protocol carries no acks and the
// merge absorbs duplicates. Capacity is bounded: once full, the oldest
// entries fall off.
//
// With a path the journal lives in a bbolt file and survives restarts.
// Without one it is memory-only with the same interface.
type Journal struct {
	mu    sync.Mutex
	max   int
	db    *bbolt.DB
	mem   []board.Operation
	count int
}

// OpenJournal opens (or creates) a journal at path holding at most max
// operations. An empty path yields an in-memory journal.
func OpenJournal(path string, max int) (*Journal, error) {
	if max <= 0 {
		max = 1000
	}
	if path == "" {
		return &Journal{max: max}, nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	j := &Journal{max: max, db: db}
	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(opsBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			j.count++
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}
	return j, nil
}

// Append records op as the newest entry, evicting the oldest entries if
// the journal is over capacity.
func (j *Journal) Append(op board.Operation) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.db == nil {
		j.mem = append(j.mem, op.Clone())
		if over := len(j.mem) - j.max; over > 0 {
			j.mem = append(j.mem[:0:0], j.mem[over:]...)
		}
		return nil
	}

	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to encode operation: %w", err)
	}
	err = j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(opsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := b.Put(key, data); err != nil {
			return err
		}
		j.count++
		return j.pruneLocked(b, j.max)
	})
	if err != nil {
		return fmt.Errorf("failed to append to journal: %w", err)
	}
	return nil
}

// All returns every journaled operation, oldest first.
func (j *Journal) All() ([]board.Operation, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.db == nil {
		out := make([]board.Operation, 0, len(j.mem))
		for _, op := range j.mem {
			out = append(out, op.Clone())
		}
		return out, nil
	}

	var out []board.Operation
	err := j.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(opsBucket).ForEach(func(k, v []byte) error {
			var op board.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("corrupt journal entry: %w", err)
			}
			out = append(out, op)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Len returns the number of journaled operations.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return len(j.mem)
	}
	return j.count
}

// Prune drops the oldest entries until at most max remain.
func (j *Journal) Prune(max int) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.db == nil {
		if over := len(j.mem) - max; over > 0 {
			j.mem = append(j.mem[:0:0], j.mem[over:]...)
		}
		return nil
	}

	return j.db.Update(func(tx *bbolt.Tx) error {
		return j.pruneLocked(tx.Bucket(opsBucket), max)
	})
}

// pruneLocked deletes oldest-first inside an open write transaction until
// at most max entries remain. Caller holds j.mu.
func (j *Journal) pruneLocked(b *bbolt.Bucket, max int) error {
	c := b.Cursor()
	for j.count > max {
		k, _ := c.First()
		if k == nil {
			break
		}
		if err := b.Delete(k); err != nil {
			return err
		}
		j.count--
	}
	return nil
}

// Close releases the backing file, if any.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}
