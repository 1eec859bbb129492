package kvengine

import (
	"fmt"
	"sync/atomic"

	"github.com/smoyergh/hsekv/pkg/metrics"
)

const (
	mainKeySpace  = "main"
	largeKeySpace = "large"
)

// RecordStoreOptions configures a record store at creation time.
type RecordStoreOptions struct {
	Compressor Compressor
	VMAX       int
}

// Loc identifies a stored record within one store, the (prefix, id)
// pair encoded into its key (spec §3).
type Loc struct {
	Prefix IdentPrefix
	ID     RecordID
}

// RecordStore is the base, non-capped record store of spec §4.2: CRUD
// on a collection, chunking large values, and numRecords/dataSize
// counters flowing through the enclosing recovery unit.
type RecordStore struct {
	ident      string
	prefix     IdentPrefix
	compressor Compressor
	vmax       int

	numRecords int64
	dataSize   int64

	nextID int64 // atomic
}

// OpenRecordStore constructs a store bound to prefix, seeding its
// record id allocator from the highest extant id (spec §4.2 "Record id
// allocation"). ru is used only for the seeding scan; it is not
// retained.
func OpenRecordStore(ru *RecoveryUnit, ident string, prefix IdentPrefix, opts RecordStoreOptions) (*RecordStore, error) {
	vmax := opts.VMAX
	if vmax <= 0 {
		vmax = DefaultVMAX
	}
	rs := &RecordStore{
		ident:      ident,
		prefix:     prefix,
		compressor: opts.Compressor,
		vmax:       vmax,
	}

	highest, err := highestRecordID(ru, prefix)
	if err != nil {
		return nil, err
	}
	rs.nextID = int64(highest) + 1
	return rs, nil
}

func highestRecordID(ru *RecoveryUnit, prefix IdentPrefix) (RecordID, error) {
	prefixBytes := make([]byte, 0, identPrefixLen)
	prefixBytes = putIdentPrefix(prefixBytes, prefix)
	cur, err := ru.BeginScan(mainKeySpace, prefixBytes, false)
	if err != nil {
		return 0, err
	}
	if !cur.Valid() {
		return 0, nil
	}
	_, id := decodeRecordKeyPrefix(cur.Key())
	return id, nil
}

// Ident returns the record store's ident name.
func (rs *RecordStore) Ident() string { return rs.ident }

// NumRecords returns the process-global record count as of the last
// committed unit, not including any uncommitted unit deltas.
func (rs *RecordStore) NumRecords() int64 { return atomic.LoadInt64(&rs.numRecords) }

// DataSize returns the process-global data size as of the last
// committed unit.
func (rs *RecordStore) DataSize() int64 { return atomic.LoadInt64(&rs.dataSize) }

// SyncCounters implements Syncable; the counter manager calls this
// periodically (spec §4.7). The in-memory atomics here already reflect
// every committed delta; this republishes them as the record-count and
// data-size Prometheus gauges and writes nothing to the backend.
func (rs *RecordStore) SyncCounters() {
	metrics.RecordsTotal.WithLabelValues(rs.ident).Set(float64(rs.NumRecords()))
	metrics.DataSizeBytes.WithLabelValues(rs.ident).Set(float64(rs.DataSize()))
}

// ApplyDelta implements CounterTarget: folds a committed recovery-unit
// delta into the record store's own atomics.
func (rs *RecordStore) ApplyDelta(kind CounterKind, delta int64) {
	switch kind {
	case CounterNumRecords:
		atomic.AddInt64(&rs.numRecords, delta)
	case CounterDataSize:
		atomic.AddInt64(&rs.dataSize, delta)
	}
}

func (rs *RecordStore) allocID() RecordID {
	return RecordID(atomic.AddInt64(&rs.nextID, 1) - 1)
}

func (rs *RecordStore) counterDeltas(ru *RecoveryUnit, numRecordsDelta, dataSizeDelta int64) {
	if numRecordsDelta != 0 {
		ru.IncrementCounter(CounterID{Ident: rs.ident, Kind: CounterNumRecords}, numRecordsDelta)
	}
	if dataSizeDelta != 0 {
		ru.IncrementCounter(CounterID{Ident: rs.ident, Kind: CounterDataSize}, dataSizeDelta)
	}
}

// Insert allocates a fresh record id, writes data (chunking if
// necessary), and increments numRecords/dataSize deltas on ru (spec
// §4.2 insert).
func (rs *RecordStore) Insert(ru *RecoveryUnit, data []byte) (Loc, error) {
	t := metrics.NewTimer()
	id := rs.allocID()
	loc := Loc{Prefix: rs.prefix, ID: id}
	if _, err := rs.writeRecord(ru, loc, data); err != nil {
		metrics.RecordStoreOpsTotal.WithLabelValues("insert", "error").Inc()
		return Loc{}, err
	}
	rs.counterDeltas(ru, 1, int64(len(data)))
	metrics.RecordStoreOpsTotal.WithLabelValues("insert", "ok").Inc()
	t.ObserveDurationVec(metrics.RecordStoreOpDuration, "insert")
	return loc, nil
}

// writeRecord encodes and writes data's master+chunk keys, returning
// the number of chunks written so callers don't need to re-encode the
// same value just to learn its chunk count.
func (rs *RecordStore) writeRecord(ru *RecoveryUnit, loc Loc, data []byte) (numChunks int, err error) {
	master, chunks := encodeValue(data, rs.compressor, rs.vmax)
	if err := ru.Put(mainKeySpace, recordKey(loc.Prefix, loc.ID), master); err != nil {
		return 0, err
	}
	for i, chunk := range chunks {
		if err := ru.Put(largeKeySpace, chunkKey(loc.Prefix, loc.ID, i), chunk); err != nil {
			return 0, err
		}
	}
	return len(chunks), nil
}

// Update reads the prior value's length, writes the new value, deletes
// now-stale chunks past the new chunk count, and adjusts dataSize by
// the delta (spec §4.2 update).
func (rs *RecordStore) Update(ru *RecoveryUnit, loc Loc, data []byte) error {
	t := metrics.NewTimer()
	oldMaster, found, err := ru.Get(mainKeySpace, recordKey(loc.Prefix, loc.ID))
	if err != nil {
		metrics.RecordStoreOpsTotal.WithLabelValues("update", "error").Inc()
		return err
	}
	if !found {
		metrics.RecordStoreOpsTotal.WithLabelValues("update", "error").Inc()
		return ErrIdentNotFound
	}
	oldLen := len(oldMaster)
	oldOverhead, oldPayloadLen, err := headerLens(oldMaster, rs.vmax, rs.compressor)
	if err != nil {
		metrics.RecordStoreOpsTotal.WithLabelValues("update", "error").Inc()
		return err
	}
	oldChunks := chunkCountFromLens(oldOverhead, oldPayloadLen, rs.vmax)

	newChunks, err := rs.writeRecord(ru, loc, data)
	if err != nil {
		metrics.RecordStoreOpsTotal.WithLabelValues("update", "error").Inc()
		return err
	}

	for i := newChunks; i < oldChunks; i++ {
		if err := ru.Del(largeKeySpace, chunkKey(loc.Prefix, loc.ID, i)); err != nil {
			return err
		}
	}

	rs.counterDeltas(ru, 0, int64(len(data))-int64(oldLen))
	metrics.RecordStoreOpsTotal.WithLabelValues("update", "ok").Inc()
	t.ObserveDurationVec(metrics.RecordStoreOpDuration, "update")
	return nil
}

// headerLens parses a chunked master's header overhead (bytes before
// the payload begins) and declared payload length, or (0, len(master))
// if master is stored inline.
func headerLens(master []byte, vmax int, c Compressor) (overhead int, payloadLen uint64, err error) {
	if !isChunked(master, vmax) {
		return 0, uint64(len(master)), nil
	}
	if c == nil {
		c = NoCompression
	}
	if len(master) < valueMetaSize {
		return 0, 0, fmt.Errorf("kvengine: truncated value header (%d bytes)", len(master))
	}
	rest := master[valueMetaSize:]
	n := valueMetaSize
	if c.Algorithm() != 0 {
		if len(rest) < 1 {
			return 0, 0, fmt.Errorf("kvengine: truncated compression tag")
		}
		pl, consumed := leb128Get(rest[1:])
		if consumed == 0 {
			return 0, 0, fmt.Errorf("kvengine: truncated compressed-length varint")
		}
		n += 1 + consumed
		return n, pl, nil
	}
	rawLen := int(master[0])<<24 | int(master[1])<<16 | int(master[2])<<8 | int(master[3])
	return n, uint64(rawLen), nil
}

// Delete reads the prior length, deletes the master key, and deletes
// all chunk-suffix keys of the master (spec §4.2 delete).
func (rs *RecordStore) Delete(ru *RecoveryUnit, loc Loc) error {
	t := metrics.NewTimer()
	master, found, err := ru.Get(mainKeySpace, recordKey(loc.Prefix, loc.ID))
	if err != nil {
		metrics.RecordStoreOpsTotal.WithLabelValues("delete", "error").Inc()
		return err
	}
	if !found {
		metrics.RecordStoreOpsTotal.WithLabelValues("delete", "error").Inc()
		return ErrIdentNotFound
	}
	overhead, payloadLen, err := headerLens(master, rs.vmax, rs.compressor)
	if err != nil {
		metrics.RecordStoreOpsTotal.WithLabelValues("delete", "error").Inc()
		return err
	}
	nChunks := chunkCountFromLens(overhead, payloadLen, rs.vmax)

	if err := ru.Del(mainKeySpace, recordKey(loc.Prefix, loc.ID)); err != nil {
		return err
	}
	for i := 0; i < nChunks; i++ {
		if err := ru.Del(largeKeySpace, chunkKey(loc.Prefix, loc.ID, i)); err != nil {
			return err
		}
	}
	rs.counterDeltas(ru, -1, -int64(len(master)))
	metrics.RecordStoreOpsTotal.WithLabelValues("delete", "ok").Inc()
	t.ObserveDurationVec(metrics.RecordStoreOpDuration, "delete")
	return nil
}

// Find reads the master value at loc; if chunked, reads all chunks
// into a contiguous decoded buffer (spec §4.2 find).
func (rs *RecordStore) Find(ru *RecoveryUnit, loc Loc) ([]byte, bool, error) {
	t := metrics.NewTimer()
	master, found, err := ru.Get(mainKeySpace, recordKey(loc.Prefix, loc.ID))
	if err != nil || !found {
		metrics.RecordStoreOpsTotal.WithLabelValues("find", "error").Inc()
		return nil, found, err
	}
	data, err := decodeValue(master, rs.compressor, rs.vmax, func(i int) ([]byte, error) {
		b, found, err := ru.Get(largeKeySpace, chunkKey(loc.Prefix, loc.ID, i))
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, &FatalError{Reason: fmt.Sprintf("missing chunk %d for record %v", i, loc)}
		}
		return b, nil
	})
	if err != nil {
		metrics.RecordStoreOpsTotal.WithLabelValues("find", "error").Inc()
		return nil, true, err
	}
	metrics.RecordStoreOpsTotal.WithLabelValues("find", "ok").Inc()
	t.ObserveDurationVec(metrics.RecordStoreOpDuration, "find")
	return data, true, nil
}

// GetCursor opens a prefix-scoped cursor on the ident prefix (spec
// §4.2 get-cursor).
func (rs *RecordStore) GetCursor(ru *RecoveryUnit, forward bool) (*Cursor, error) {
	prefixBytes := make([]byte, 0, identPrefixLen)
	prefixBytes = putIdentPrefix(prefixBytes, rs.prefix)
	return newCursor(ru, mainKeySpace, prefixBytes, forward)
}

// Truncate prefix-deletes the ident and resets counters (spec §4.2
// truncate).
func (rs *RecordStore) Truncate(ru *RecoveryUnit) error {
	prefixBytes := make([]byte, 0, identPrefixLen)
	prefixBytes = putIdentPrefix(prefixBytes, rs.prefix)
	if _, err := ru.PrefixDelete(mainKeySpace, prefixBytes); err != nil {
		return err
	}
	if _, err := ru.PrefixDelete(largeKeySpace, prefixBytes); err != nil {
		return err
	}
	ru.ResetCounter(CounterID{Ident: rs.ident, Kind: CounterNumRecords})
	ru.ResetCounter(CounterID{Ident: rs.ident, Kind: CounterDataSize})
	atomic.StoreInt64(&rs.numRecords, 0)
	atomic.StoreInt64(&rs.dataSize, 0)
	return nil
}
