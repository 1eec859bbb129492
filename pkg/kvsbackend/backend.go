// Package kvsbackend is the thin facade over the KVS-backend: an
// embedded ordered, transactional key-value store. The concrete backend
// is go.etcd.io/bbolt. Everything above this package (record stores,
// indexes, the recovery unit) talks only to the handful of primitives
// this package exposes — put/get/delete/prefix-delete/prefix-probe,
// cursor create/seek/read, transaction begin/commit/abort, sync, and
// key-space open/create/drop — matching spec §6's external-interface
// contract for the KVS-backend.
//
// bbolt is a single-writer store: only one writable transaction may be
// in flight at a time, and a second writer blocks rather than aborting.
// That is not quite the "snapshot reads + optimistic commit" model spec
// §5 describes for the KVS-backend, where a writer can be told
// "conflict, retry" instead of waiting. This package bridges the gap:
// BeginTx blocks like bbolt does (used for ordinary recovery-unit work,
// where blocking until the previous writer finishes is the correct
// behavior), while TryBeginTx never blocks — it reports ErrWriteConflict
// immediately if another writable transaction is in flight. Capped and
// oplog reclamation use TryBeginTx for their nested transaction (spec
// §4.3, §4.4) so that a reclamation pass never stalls behind — or stalls
// — the caller's own insert.
package kvsbackend

import (
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrWriteConflict is returned by TryBeginTx when a writable transaction
// is already in flight; Commit wraps bbolt's own errors instead. Callers
// at the recovery-unit boundary map this to the write-conflict category
// of spec §7.
var ErrWriteConflict = errors.New("kvsbackend: write conflict")

// ErrKeySpaceNotFound is returned when a key space name was not among
// those passed to Open.
var ErrKeySpaceNotFound = errors.New("kvsbackend: key space not found")

// Backend owns one bbolt database file and the set of key spaces
// (buckets) opened against it.
type Backend struct {
	db        *bolt.DB
	writeMu   sync.Mutex
	keyspaces map[string]struct{}
}

// KeySpaceOptions configures key-space prefix/suffix lengths, mirroring
// spec §6's "per-key-space open/create with configurable prefix length
// and optional suffix length". bbolt buckets don't enforce key shape, so
// Open uses only Name; PrefixLen and SuffixLen are advisory metadata
// that no code in this module reads.
type KeySpaceOptions struct {
	Name       string
	PrefixLen  int
	SuffixLen  int // 0 if the key space has no fixed trailing suffix
}

// Open opens (creating if absent) the bbolt file at path and ensures a
// bucket exists for every requested key space.
func Open(path string, keyspaces []KeySpaceOptions) (*Backend, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("kvsbackend: open %s: %w", path, err)
	}

	names := make(map[string]struct{}, len(keyspaces))
	err = db.Update(func(tx *bolt.Tx) error {
		for _, ks := range keyspaces {
			if _, err := tx.CreateBucketIfNotExists([]byte(ks.Name)); err != nil {
				return fmt.Errorf("kvsbackend: create key space %s: %w", ks.Name, err)
			}
			names[ks.Name] = struct{}{}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Backend{db: db, keyspaces: names}, nil
}

// Close closes the underlying database file.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Sync forces the backend to flush to stable storage. This is the
// primitive the durability manager (spec §4.8) invokes on every sync().
func (b *Backend) Sync() error {
	return b.db.Sync()
}

// Path returns the bbolt file path, for diagnostics.
func (b *Backend) Path() string {
	return b.db.Path()
}

func (b *Backend) hasKeySpace(name string) bool {
	_, ok := b.keyspaces[name]
	return ok
}
