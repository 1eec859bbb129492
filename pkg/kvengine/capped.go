package kvengine

import "sync/atomic"

// maxReclaimPerInsert bounds how many records a single insert's
// reclamation pass can delete, keeping insert latency predictable
// (spec §4.3 "at most N records are reclaimed per invocation").
const maxReclaimPerInsert = 20000

// CappedDeletionCallback is invoked once per reclaimed record, letting
// the host clean up anything keyed off the record (spec §4.3
// "capped-deletion callback").
type CappedDeletionCallback func(ru *RecoveryUnit, loc Loc, data []byte)

// CappedOptions configures a capped store's soft limits.
type CappedOptions struct {
	RecordStoreOptions
	MaxSize    int64 // 0 disables the size cap
	MaxRecords int64 // 0 disables the document cap
	OnDelete   CappedDeletionCallback
}

// CappedRecordStore extends RecordStore with a soft size/document cap
// enforced opportunistically on insert (spec §4.3).
type CappedRecordStore struct {
	*RecordStore

	maxSize    int64
	maxRecords int64
	onDelete   CappedDeletionCallback
}

// OpenCappedRecordStore opens a capped store bound to prefix.
func OpenCappedRecordStore(ru *RecoveryUnit, ident string, prefix IdentPrefix, opts CappedOptions) (*CappedRecordStore, error) {
	base, err := OpenRecordStore(ru, ident, prefix, opts.RecordStoreOptions)
	if err != nil {
		return nil, err
	}
	return &CappedRecordStore{
		RecordStore: base,
		maxSize:     opts.MaxSize,
		maxRecords:  opts.MaxRecords,
		onDelete:    opts.OnDelete,
	}, nil
}

func (cs *CappedRecordStore) overCap(ru *RecoveryUnit) bool {
	numRecordsDelta := ru.GetDeltaCounter(CounterID{Ident: cs.ident, Kind: CounterNumRecords})
	dataSizeDelta := ru.GetDeltaCounter(CounterID{Ident: cs.ident, Kind: CounterDataSize})
	numRecords := atomic.LoadInt64(&cs.numRecords) + numRecordsDelta
	dataSize := atomic.LoadInt64(&cs.dataSize) + dataSizeDelta

	if cs.maxRecords > 0 && numRecords > cs.maxRecords {
		return true
	}
	if cs.maxSize > 0 && dataSize > cs.maxSize {
		return true
	}
	return false
}

// Insert inserts data, then opportunistically reclaims space in a
// nested transaction if the store is now over its cap (spec §4.3
// steps 1-4). A reclamation write-conflict is swallowed: the cap is
// enforced eventually by a later insert, never at the cost of failing
// this one.
func (cs *CappedRecordStore) Insert(ru *RecoveryUnit, data []byte) (Loc, error) {
	loc, err := cs.RecordStore.Insert(ru, data)
	if err != nil {
		return Loc{}, err
	}
	if cs.overCap(ru) {
		cs.reclaim(ru, loc.ID)
	}
	return loc, nil
}

// reclaim scans forward from the ident's start in a nested unit,
// deleting records until the cap is satisfied, a hidden (still
// uncommitted) record is reached, the just-inserted id is reached, or
// maxReclaimPerInsert records have been removed — whichever comes
// first (spec §4.3).
func (cs *CappedRecordStore) reclaim(parent *RecoveryUnit, insertedID RecordID) {
	nested := NewNestedRecoveryUnit(parent.backend, parent.counters, parent.durability)
	defer func() {
		if nested.tx != nil {
			_ = nested.Abort()
		}
	}()

	// Acquire the nested unit's single writable transaction up front:
	// the scan and the deletes it drives must share one transaction,
	// and acquiring it non-blocking here is what turns lock contention
	// with the caller's own transaction into an abandoned reclamation
	// pass rather than a stall (spec §4.3).
	if _, err := nested.txn(true); err != nil {
		return
	}

	cur, err := cs.GetCursor(nested, true)
	if err != nil {
		return
	}

	reclaimed := 0
	for reclaimed < maxReclaimPerInsert && cur.Valid() {
		_, id := decodeRecordKeyPrefix(cur.Key())
		if id >= insertedID {
			break
		}
		loc := Loc{Prefix: cs.prefix, ID: id}
		data, found, err := cs.Find(nested, loc)
		if err != nil {
			return
		}
		if !found {
			if !cur.Next() {
				break
			}
			continue
		}
		if err := cs.Delete(nested, loc); err != nil {
			return
		}
		if cs.onDelete != nil {
			cs.onDelete(nested, loc, data)
		}
		reclaimed++

		if !cs.overCap(nested) {
			break
		}
		if !cur.Next() {
			break
		}
	}

	if reclaimed == 0 {
		return
	}
	if err := nested.Commit(); err != nil {
		_ = nested.Abort()
	}
}
