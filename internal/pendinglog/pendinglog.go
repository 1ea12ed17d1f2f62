// Package pendinglog is the durable buffer between the screening engine
// and whatever syncs outcomes into primary storage. Events are appended
// on the call path and drained later by the sync process; entries
// survive process crashes and restarts.
package pendinglog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/quietline/quietline/internal/events"
)

var keyPrefix = []byte("pending/")

// Buffer is an append-only queue of outcome records backed by BadgerDB.
// Append and Drain are safe to call concurrently: an append that lands
// after a drain's snapshot simply waits for the next drain, and a
// record is removed in the same transaction that reads it, so it can
// never appear in two drains.
type Buffer struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Options configures the buffer's storage location.
type Options struct {
	// Dir is the BadgerDB directory. Ignored when InMemory is set.
	Dir string
	// InMemory disables disk persistence. For tests.
	InMemory bool
}

// Open opens (creating if needed) the buffer at opts.Dir. Writes are
// synchronous so that an outcome acknowledged to the engine survives a
// crash immediately after.
func Open(opts Options) (*Buffer, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(opts.Dir).WithSyncWrites(true)
	}
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("opening pending log at %q: %w", opts.Dir, err)
	}

	seq, err := db.GetSequence([]byte("pending_seq"), 64)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening pending log sequence: %w", err)
	}

	return &Buffer{db: db, seq: seq}, nil
}

// Close releases the sequence and the underlying database.
func (b *Buffer) Close() error {
	if b.seq != nil {
		_ = b.seq.Release()
	}
	return b.db.Close()
}

func key(seq uint64) []byte {
	k := make([]byte, len(keyPrefix)+8)
	copy(k, keyPrefix)
	binary.BigEndian.PutUint64(k[len(keyPrefix):], seq)
	return k
}

// Append persists one outcome record. An error here means the record
// was not stored; callers log it but the call path carries on.
func (b *Buffer) Append(o events.Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshaling outcome: %w", err)
	}

	seq, err := b.seq.Next()
	if err != nil {
		return fmt.Errorf("allocating sequence: %w", err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(seq), data)
	})
	if err != nil {
		return fmt.Errorf("appending outcome: %w", err)
	}
	return nil
}

// Drain returns all pending records oldest first and removes them, in
// one transaction. Records appended while a drain is in flight are not
// part of its snapshot and surface in the next drain.
func (b *Buffer) Drain() ([]events.Outcome, error) {
	var out []events.Outcome

	err := b.db.Update(func(txn *badger.Txn) error {
		out = out[:0]

		it := txn.NewIterator(badger.IteratorOptions{Prefix: keyPrefix})
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var o events.Outcome
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &o)
			}); err != nil {
				// A corrupt entry is dropped, not retried forever.
				log.Printf("[PendingLog] Skipping unreadable entry: %v", err)
			} else {
				out = append(out, o)
			}
			keys = append(keys, item.KeyCopy(nil))
		}

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("draining pending log: %w", err)
	}
	return out, nil
}

// Len counts pending records. Diagnostic only.
func (b *Buffer) Len() (int, error) {
	n := 0
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: keyPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Sink adapts the buffer to the events.Sink interface. Append failures
// are logged; the decision path never blocks on storage errors.
type Sink struct {
	buf *Buffer
}

func NewSink(buf *Buffer) *Sink {
	return &Sink{buf: buf}
}

func (s *Sink) Publish(o events.Outcome) {
	if err := s.buf.Append(o); err != nil {
		log.Printf("[PendingLog] Append failed for %s: %v", o.CallerID, err)
	}
}
