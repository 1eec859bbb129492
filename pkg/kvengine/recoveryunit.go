package kvengine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/smoyergh/hsekv/pkg/elog"
	"github.com/smoyergh/hsekv/pkg/kvsbackend"
	"github.com/smoyergh/hsekv/pkg/metrics"
)

// Change is a commit/rollback pair registered against a recovery unit's
// change list (spec §4.1). Both callbacks must be exception-safe: a
// panic out of either terminates the process, since changes like a
// visibility-manager removal must never be left half-applied.
type Change interface {
	Commit()
	Rollback()
}

// snapshotCounter is the process-wide monotonic counter incremented at
// each unit commit, abort, or abandon (spec §4.1 "Snapshot id"). Higher
// layers compare snapshot ids to detect that a document's visible
// version may have changed across a yield.
var snapshotCounter int64

// CounterKind names which per-ident statistic a counter delta applies
// to.
type CounterKind int

const (
	CounterNumRecords CounterKind = iota
	CounterDataSize
	CounterStorageSize
	CounterIndexSize
)

// CounterID identifies one process-global atomic counter.
type CounterID struct {
	Ident string
	Kind  CounterKind
}

// CounterDeltaSink receives a unit's accumulated counter deltas at
// commit time. The counter manager (counter.go) implements this.
type CounterDeltaSink interface {
	ApplyDelta(id CounterID, delta int64)
}

// Durability is the subset of the durability manager a recovery unit
// needs to implement wait-until-durable (spec §4.1, §4.8).
type Durability interface {
	WaitUntilDurable(ctx context.Context) error
}

// RecoveryUnit is the per-operation-context abstraction of spec §4.1: it
// binds a client transaction to the backend, maps backend conflicts to
// ErrWriteConflict, batches counter deltas, and replays a change list at
// commit/abort. One instance lives for one host operation context.
type RecoveryUnit struct {
	backend     *kvsbackend.Backend
	counters    CounterDeltaSink
	durability  Durability
	nonBlocking bool

	mu       sync.Mutex
	tx       *kvsbackend.Txn
	deltas   map[CounterID]int64
	changes  []Change
	snapshot int64
}

// NewRecoveryUnit constructs a fresh unit bound to backend, with deltas
// folded into counters at commit and wait-until-durable delegated to
// durability.
func NewRecoveryUnit(backend *kvsbackend.Backend, counters CounterDeltaSink, durability Durability) *RecoveryUnit {
	return &RecoveryUnit{backend: backend, counters: counters, durability: durability}
}

// NewNestedRecoveryUnit constructs a unit whose transaction is acquired
// via TryBeginTx rather than the blocking BeginTx: capped-store and
// oplog reclamation run inside one of these so that lock contention
// with the enclosing caller's transaction surfaces as ErrWriteConflict
// and is abandoned, rather than blocking the caller's insert (spec
// §4.3, §4.4).
func NewNestedRecoveryUnit(backend *kvsbackend.Backend, counters CounterDeltaSink, durability Durability) *RecoveryUnit {
	return &RecoveryUnit{backend: backend, counters: counters, durability: durability, nonBlocking: true}
}

func mapBackendErr(err error) error {
	if err == nil {
		return nil
	}
	if err == kvsbackend.ErrWriteConflict {
		metrics.WriteConflictsTotal.Inc()
		return ErrWriteConflict
	}
	return err
}

// txn lazily begins (or returns the cached) transaction for this unit,
// the "lazy transaction" rule of spec §4.1: acquired on first call that
// needs one, cached for reuse across the unit's remaining operations.
func (ru *RecoveryUnit) txn(writable bool) (*kvsbackend.Txn, error) {
	ru.mu.Lock()
	defer ru.mu.Unlock()
	if ru.tx != nil {
		if writable && !ru.tx.Writable() {
			Crash("recovery unit upgraded read-only snapshot to writable mid-unit", nil)
		}
		return ru.tx, nil
	}
	var tx *kvsbackend.Txn
	var err error
	if ru.nonBlocking {
		tx, err = ru.backend.TryBeginTx(writable)
	} else {
		tx, err = ru.backend.BeginTx(writable)
	}
	if err != nil {
		return nil, mapBackendErr(err)
	}
	ru.tx = tx
	return tx, nil
}

// Put writes val under key in key space ks.
func (ru *RecoveryUnit) Put(ks string, key, val []byte) error {
	tx, err := ru.txn(true)
	if err != nil {
		return err
	}
	return mapBackendErr(tx.Put(ks, key, val))
}

// Get reads the value stored under key in key space ks.
func (ru *RecoveryUnit) Get(ks string, key []byte) ([]byte, bool, error) {
	tx, err := ru.txn(false)
	if err != nil {
		return nil, false, err
	}
	v, found, err := tx.Get(ks, key)
	return v, found, mapBackendErr(err)
}

// GetLen returns only the stored length under key, the length-only get.
// RecordStore's update and delete read the prior value with Get instead.
func (ru *RecoveryUnit) GetLen(ks string, key []byte) (int, bool, error) {
	tx, err := ru.txn(false)
	if err != nil {
		return 0, false, err
	}
	n, found, err := tx.GetLen(ks, key)
	return n, found, mapBackendErr(err)
}

// ProbeKey reports whether key exists in key space ks.
func (ru *RecoveryUnit) ProbeKey(ks string, key []byte) (bool, error) {
	tx, err := ru.txn(false)
	if err != nil {
		return false, err
	}
	found, err := tx.ProbeKey(ks, key)
	return found, mapBackendErr(err)
}

// Del removes key from key space ks.
func (ru *RecoveryUnit) Del(ks string, key []byte) error {
	tx, err := ru.txn(true)
	if err != nil {
		return err
	}
	return mapBackendErr(tx.Delete(ks, key))
}

// PrefixDelete removes every key under prefix in key space ks and
// reports how many keys were removed.
func (ru *RecoveryUnit) PrefixDelete(ks string, prefix []byte) (int, error) {
	tx, err := ru.txn(true)
	if err != nil {
		return 0, err
	}
	n, err := tx.PrefixDelete(ks, prefix)
	return n, mapBackendErr(err)
}

// PrefixProbe reports whether zero, one, or many keys carry prefix.
func (ru *RecoveryUnit) PrefixProbe(ks string, prefix []byte) (kvsbackend.ProbeCount, []byte, []byte, error) {
	tx, err := ru.txn(false)
	if err != nil {
		return kvsbackend.ProbeZero, nil, nil, err
	}
	pc, k, v, err := tx.PrefixProbe(ks, prefix)
	return pc, k, v, mapBackendErr(err)
}

// BeginScan opens a transaction-bound cursor over key space ks, scoped
// to prefix, iterating forward or in reverse.
func (ru *RecoveryUnit) BeginScan(ks string, prefix []byte, forward bool) (*kvsbackend.Cursor, error) {
	tx, err := ru.txn(false)
	if err != nil {
		return nil, err
	}
	c, err := tx.NewCursor(ks, prefix, forward)
	return c, mapBackendErr(err)
}

// RegisterChange appends a commit/rollback pair to the unit's change
// list. On commit the list replays in registration order; on abort it
// replays in reverse.
func (ru *RecoveryUnit) RegisterChange(c Change) {
	ru.mu.Lock()
	defer ru.mu.Unlock()
	ru.changes = append(ru.changes, c)
}

// IncrementCounter accumulates a per-unit delta for id, keyed by a
// process-unique counter identifier. Deltas are invisible to other
// units until commit, and discarded entirely on abort.
func (ru *RecoveryUnit) IncrementCounter(id CounterID, delta int64) {
	ru.mu.Lock()
	defer ru.mu.Unlock()
	if ru.deltas == nil {
		ru.deltas = make(map[CounterID]int64)
	}
	ru.deltas[id] += delta
}

// GetDeltaCounter returns this unit's own uncommitted delta for id,
// making it visible within the unit before commit folds it into the
// process-global counter.
func (ru *RecoveryUnit) GetDeltaCounter(id CounterID) int64 {
	ru.mu.Lock()
	defer ru.mu.Unlock()
	return ru.deltas[id]
}

// ResetCounter discards any accumulated delta for id, used by
// truncate() to drop deltas that would otherwise skew a counter that is
// about to be reset to zero.
func (ru *RecoveryUnit) ResetCounter(id CounterID) {
	ru.mu.Lock()
	defer ru.mu.Unlock()
	delete(ru.deltas, id)
}

// Commit folds counter deltas into the process-global counters, commits
// the underlying transaction (if one was ever begun), and replays the
// change list in registration order. A panic from a change callback is
// an invariant violation and crashes the process rather than unwinding.
func (ru *RecoveryUnit) Commit() error {
	t := metrics.NewTimer()
	ru.mu.Lock()
	tx := ru.tx
	deltas := ru.deltas
	changes := ru.changes
	ru.tx, ru.deltas, ru.changes = nil, nil, nil
	ru.mu.Unlock()

	defer t.ObserveDuration(metrics.CommitDuration)
	if tx != nil {
		if err := tx.Commit(); err != nil {
			return mapBackendErr(err)
		}
	}
	for id, delta := range deltas {
		if delta != 0 {
			ru.counters.ApplyDelta(id, delta)
		}
	}
	replayChanges(changes, true)
	ru.bumpSnapshot()
	return nil
}

// Abort discards counter deltas, rolls back the underlying transaction,
// and replays the change list in reverse.
func (ru *RecoveryUnit) Abort() error {
	ru.mu.Lock()
	tx := ru.tx
	changes := ru.changes
	ru.tx, ru.deltas, ru.changes = nil, nil, nil
	ru.mu.Unlock()

	var err error
	if tx != nil {
		err = mapBackendErr(tx.Rollback())
	}
	reversed := make([]Change, len(changes))
	for i, c := range changes {
		reversed[len(changes)-1-i] = c
	}
	replayChanges(reversed, false)
	ru.bumpSnapshot()
	return err
}

// AbandonSnapshot discards the unit's current transaction without
// replaying the change list, so the next operation acquires a fresh
// snapshot. Used outside a unit-of-work boundary, e.g. between reads
// that don't need read-your-writes continuity.
func (ru *RecoveryUnit) AbandonSnapshot() {
	ru.mu.Lock()
	tx := ru.tx
	ru.tx = nil
	ru.mu.Unlock()
	if tx != nil {
		_ = tx.Rollback()
	}
	ru.bumpSnapshot()
}

func (ru *RecoveryUnit) bumpSnapshot() {
	ru.snapshot = atomic.AddInt64(&snapshotCounter, 1)
}

// SnapshotID returns the snapshot id assigned at this unit's last
// commit, abort, or abandon.
func (ru *RecoveryUnit) SnapshotID() int64 {
	return atomic.LoadInt64(&ru.snapshot)
}

// WaitUntilDurable blocks until all data committed before this call is
// durable on the backend (spec §4.8).
func (ru *RecoveryUnit) WaitUntilDurable(ctx context.Context) error {
	return ru.durability.WaitUntilDurable(ctx)
}

func replayChanges(changes []Change, commit bool) {
	for _, c := range changes {
		func() {
			defer func() {
				if r := recover(); r != nil {
					elog.Logger.Error().Interface("panic", r).Msg("change callback panicked")
					Crash("change callback panicked", nil)
				}
			}()
			if commit {
				c.Commit()
			} else {
				c.Rollback()
			}
		}()
	}
}
