package kvsbackend

import (
	"bytes"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// Txn is a pooled wrapper around a bbolt transaction. The wrapper struct
// (not the underlying bbolt transaction, which must always be fresh) is
// recycled across uses, matching spec §4's "pooled to avoid reallocation"
// requirement for the transaction handle.
type Txn struct {
	backend  *Backend
	tx       *bolt.Tx
	writable bool
	done     bool
}

var txnPool = sync.Pool{
	New: func() any { return &Txn{} },
}

func acquireTxn() *Txn {
	return txnPool.Get().(*Txn)
}

func releaseTxn(t *Txn) {
	t.backend = nil
	t.tx = nil
	t.writable = false
	t.done = false
	txnPool.Put(t)
}

// BeginTx begins a transaction, blocking if a writable transaction is
// already in flight and writable is true. This is the path ordinary
// recovery-unit work takes: spec's KVS-backend is documented as
// providing "snapshot reads + optimistic commit", but in steady state a
// recovery unit is content to wait its turn the way a client of any
// single-writer store would.
func (b *Backend) BeginTx(writable bool) (*Txn, error) {
	if writable {
		b.writeMu.Lock()
	}
	tx, err := b.db.Begin(writable)
	if err != nil {
		if writable {
			b.writeMu.Unlock()
		}
		return nil, fmt.Errorf("kvsbackend: begin: %w", err)
	}
	t := acquireTxn()
	t.backend = b
	t.tx = tx
	t.writable = writable
	return t, nil
}

// TryBeginTx begins a writable transaction without blocking: if another
// writable transaction is already in flight it returns ErrWriteConflict
// immediately. Read-only transactions never conflict under bbolt's MVCC
// readers, so a read-only TryBeginTx is identical to BeginTx.
func (b *Backend) TryBeginTx(writable bool) (*Txn, error) {
	if !writable {
		return b.BeginTx(false)
	}
	if !b.writeMu.TryLock() {
		return nil, ErrWriteConflict
	}
	tx, err := b.db.Begin(true)
	if err != nil {
		b.writeMu.Unlock()
		return nil, fmt.Errorf("kvsbackend: begin: %w", err)
	}
	t := acquireTxn()
	t.backend = b
	t.tx = tx
	t.writable = true
	return t, nil
}

// Commit commits the transaction and returns the wrapper to the pool.
func (t *Txn) Commit() error {
	if t.done {
		return nil
	}
	err := t.tx.Commit()
	t.finish()
	if err != nil {
		return fmt.Errorf("kvsbackend: commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction and returns the wrapper to the pool.
func (t *Txn) Rollback() error {
	if t.done {
		return nil
	}
	err := t.tx.Rollback()
	t.finish()
	if err != nil {
		return fmt.Errorf("kvsbackend: rollback: %w", err)
	}
	return nil
}

func (t *Txn) finish() {
	t.done = true
	writable := t.writable
	backend := t.backend
	releaseTxn(t)
	if writable {
		backend.writeMu.Unlock()
	}
}

// Writable reports whether this transaction can mutate key spaces.
func (t *Txn) Writable() bool {
	return t.writable
}

func (t *Txn) bucket(ks string) (*bolt.Bucket, error) {
	b := t.tx.Bucket([]byte(ks))
	if b == nil {
		return nil, ErrKeySpaceNotFound
	}
	return b, nil
}

// Put writes val under key in key space ks.
func (t *Txn) Put(ks string, key, val []byte) error {
	b, err := t.bucket(ks)
	if err != nil {
		return err
	}
	return b.Put(key, val)
}

// Get reads the value stored under key in key space ks. The returned
// slice is a copy safe to retain past the transaction's lifetime.
func (t *Txn) Get(ks string, key []byte) ([]byte, bool, error) {
	b, err := t.bucket(ks)
	if err != nil {
		return nil, false, err
	}
	v := b.Get(key)
	if v == nil {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// GetLen returns only the length of the value stored under key, without
// copying it — the "length-only get" primitive of spec §6, exposed to
// the engine as RecoveryUnit.GetLen.
func (t *Txn) GetLen(ks string, key []byte) (int, bool, error) {
	b, err := t.bucket(ks)
	if err != nil {
		return 0, false, err
	}
	v := b.Get(key)
	if v == nil {
		return 0, false, nil
	}
	return len(v), true, nil
}

// ProbeKey reports whether key exists in key space ks, without
// returning its value.
func (t *Txn) ProbeKey(ks string, key []byte) (bool, error) {
	b, err := t.bucket(ks)
	if err != nil {
		return false, err
	}
	return b.Get(key) != nil, nil
}

// Delete removes key from key space ks. Deleting an absent key is not an
// error, matching bbolt's own semantics.
func (t *Txn) Delete(ks string, key []byte) error {
	b, err := t.bucket(ks)
	if err != nil {
		return err
	}
	return b.Delete(key)
}

// PrefixDelete removes every key with the given prefix from key space
// ks and returns the number of keys removed. bbolt has no native
// prefix-delete primitive (unlike the abstract KVS-backend of spec §6),
// so this synthesizes it as a forward cursor scan-and-delete; bbolt
// documents Cursor.Delete followed by Next as safe, so this is a single
// pass with no intermediate key buffering.
func (t *Txn) PrefixDelete(ks string, prefix []byte) (int, error) {
	b, err := t.bucket(ks)
	if err != nil {
		return 0, err
	}
	c := b.Cursor()
	n := 0
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// ProbeCount is the zero/one/many result of PrefixProbe (spec §4.6's
// point-get fast path for standard-index cursors).
type ProbeCount int

const (
	ProbeZero ProbeCount = iota
	ProbeOne
	ProbeMany
)

// PrefixProbe reports whether zero, one, or more than one key in key
// space ks carries the given prefix. When exactly one match exists, its
// key and value are returned.
func (t *Txn) PrefixProbe(ks string, prefix []byte) (ProbeCount, []byte, []byte, error) {
	b, err := t.bucket(ks)
	if err != nil {
		return ProbeZero, nil, nil, err
	}
	c := b.Cursor()
	k, v := c.Seek(prefix)
	if k == nil || !bytes.HasPrefix(k, prefix) {
		return ProbeZero, nil, nil, nil
	}
	firstKey := append([]byte(nil), k...)
	firstVal := append([]byte(nil), v...)

	k2, _ := c.Next()
	if k2 != nil && bytes.HasPrefix(k2, prefix) {
		return ProbeMany, nil, nil, nil
	}
	return ProbeOne, firstKey, firstVal, nil
}
