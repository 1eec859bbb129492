package kvengine

import (
	"context"
	"sync/atomic"

	"github.com/smoyergh/hsekv/pkg/elog"
	"github.com/smoyergh/hsekv/pkg/kvsbackend"
	"github.com/smoyergh/hsekv/pkg/metrics"
)

const (
	oplogKeySpace      = "oplog"
	oplogLargeKeySpace = "oplog-large"

	// maxReclaimBlocksPerPass bounds one reclamation iteration, the
	// oplog analogue of capped.go's maxReclaimPerInsert.
	maxReclaimBlocksPerPass = 64
)

// OplogOptions configures an oplog store at creation time.
type OplogOptions struct {
	Compressor Compressor
	VMAX       int
	OplogBlockOptions
	MaxSize int64 // soft cap; OpenOplogStore ignores it, block reclamation is driven by OplogBlockOptions
}

// OplogStore is the performance-critical specialization of spec §4.4:
// block-based layout, ordered visibility, and background reclamation,
// built on top of the same value-chunking scheme as RecordStore.
type OplogStore struct {
	ident      string
	prefix     IdentPrefix
	compressor Compressor
	vmax       int

	backend    *kvsbackend.Backend
	counters   CounterDeltaSink
	durability *DurabilityManager

	blocks     *OplogBlockManager
	visibility *VisibilityManager

	numRecords int64
	dataSize   int64
}

// OpenOplogStore performs the startup recovery of spec §4.4: the block
// manager reconstructs the block deque and current block, and the
// visibility manager starts just past the highest id ever seen.
func OpenOplogStore(ru *RecoveryUnit, ident string, prefix IdentPrefix, backend *kvsbackend.Backend, counters CounterDeltaSink, durability *DurabilityManager, opts OplogOptions) (*OplogStore, error) {
	vmax := opts.VMAX
	if vmax <= 0 {
		vmax = DefaultVMAX
	}
	blocks, err := OpenOplogBlockManager(ru, prefix, opts.OplogBlockOptions)
	if err != nil {
		return nil, err
	}
	vis := NewVisibilityManager(blocks.GetHighestSeenLoc() + 1)

	os := &OplogStore{
		ident:      ident,
		prefix:     prefix,
		compressor: opts.Compressor,
		vmax:       vmax,
		backend:    backend,
		counters:   counters,
		durability: durability,
		blocks:     blocks,
		visibility: vis,
	}
	durability.SetOplogVisibility(vis)
	return os, nil
}

func (os *OplogStore) Ident() string              { return os.ident }
func (os *OplogStore) NumRecords() int64          { return atomic.LoadInt64(&os.numRecords) }
func (os *OplogStore) DataSize() int64            { return atomic.LoadInt64(&os.dataSize) }
func (os *OplogStore) Visibility() *VisibilityManager { return os.visibility }

// SyncCounters implements Syncable; republishes the record-count and
// data-size Prometheus gauges.
func (os *OplogStore) SyncCounters() {
	metrics.RecordsTotal.WithLabelValues(os.ident).Set(float64(os.NumRecords()))
	metrics.DataSizeBytes.WithLabelValues(os.ident).Set(float64(os.DataSize()))
	metrics.OplogBlocksTotal.Set(float64(os.blocks.NumBlocks()))
}

// ApplyDelta implements CounterTarget.
func (os *OplogStore) ApplyDelta(kind CounterKind, delta int64) {
	switch kind {
	case CounterNumRecords:
		atomic.AddInt64(&os.numRecords, delta)
	case CounterDataSize:
		atomic.AddInt64(&os.dataSize, delta)
	}
}

// Insert writes data under the caller-supplied id (spec §4.4 "the host
// supplies the record id, encoded from a timestamp"): registers the id
// as uncommitted, picks (and possibly rolls) the target block, writes
// the value, and folds counter deltas.
func (os *OplogStore) Insert(ru *RecoveryUnit, id RecordID, data []byte) error {
	t := metrics.NewTimer()
	os.visibility.AddUncommitted(ru, id)

	blockID, err := os.blocks.GetBlockIDToInsertAndGrow(ru, id, 1, int64(len(data)))
	if err != nil {
		metrics.RecordStoreOpsTotal.WithLabelValues("oplog_insert", "error").Inc()
		return err
	}

	master, chunks := encodeValue(data, os.compressor, os.vmax)
	if err := ru.Put(oplogKeySpace, oplogKey(os.prefix, blockID, id), master); err != nil {
		metrics.RecordStoreOpsTotal.WithLabelValues("oplog_insert", "error").Inc()
		return err
	}
	for i, chunk := range chunks {
		if err := ru.Put(oplogLargeKeySpace, oplogChunkKey(os.prefix, blockID, id, i), chunk); err != nil {
			metrics.RecordStoreOpsTotal.WithLabelValues("oplog_insert", "error").Inc()
			return err
		}
	}

	ru.IncrementCounter(CounterID{Ident: os.ident, Kind: CounterNumRecords}, 1)
	ru.IncrementCounter(CounterID{Ident: os.ident, Kind: CounterDataSize}, int64(len(data)))
	metrics.RecordStoreOpsTotal.WithLabelValues("oplog_insert", "ok").Inc()
	t.ObserveDurationVec(metrics.RecordStoreOpDuration, "oplog_insert")
	return nil
}

// Find locates id's block by range containment and reads (and
// de-chunks) its value.
func (os *OplogStore) Find(ru *RecoveryUnit, id RecordID) ([]byte, bool, error) {
	blockID := os.blocks.GetBlockIDToInsert(id)
	master, found, err := ru.Get(oplogKeySpace, oplogKey(os.prefix, blockID, id))
	if err != nil || !found {
		return nil, found, err
	}
	data, err := decodeValue(master, os.compressor, os.vmax, func(i int) ([]byte, error) {
		b, found, err := ru.Get(oplogLargeKeySpace, oplogChunkKey(os.prefix, blockID, id, i))
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, &FatalError{Reason: "missing oplog chunk"}
		}
		return b, nil
	})
	return data, true, err
}

// GetCursor opens a cursor spanning every block of the ident: block
// ids grow in lockstep with record ids, so a single forward/reverse
// scan over the bare ident prefix already yields records in id order
// (spec §4.4/§4.5). A forward cursor is tailable and must never surface
// a committed-but-not-yet-durable (or still-uncommitted) record, so it
// snapshots the persist-boundary at open time and stops just short of
// it (spec §4.5 "Ordering rule").
func (os *OplogStore) GetCursor(ru *RecoveryUnit, forward bool) (*Cursor, error) {
	prefixBytes := make([]byte, 0, identPrefixLen)
	prefixBytes = putIdentPrefix(prefixBytes, os.prefix)
	cur, err := newCursor(ru, oplogKeySpace, prefixBytes, forward)
	if err != nil {
		return nil, err
	}
	if forward {
		// Without journaling there is no persist lag: a commit is as
		// durable as it will ever be, so persist-boundary would never
		// advance and gating by it would starve every tailer.
		bound := os.visibility.CommitBoundary()
		if os.durability.IsDurable() {
			bound = os.visibility.GetPersistBoundary()
		}
		cur = cur.withPersistBound(bound, decodeOplogKeyRecordID)
	}
	return cur, nil
}

// Truncate drops every record, block marker, and the last-deleted
// marker for the ident, resetting counters.
func (os *OplogStore) Truncate(ru *RecoveryUnit) error {
	prefixBytes := make([]byte, 0, identPrefixLen)
	prefixBytes = putIdentPrefix(prefixBytes, os.prefix)
	if _, err := ru.PrefixDelete(oplogKeySpace, prefixBytes); err != nil {
		return err
	}
	if _, err := ru.PrefixDelete(oplogLargeKeySpace, prefixBytes); err != nil {
		return err
	}
	if _, err := ru.PrefixDelete(metaKeySpace, prefixBytes); err != nil {
		return err
	}
	ru.ResetCounter(CounterID{Ident: os.ident, Kind: CounterNumRecords})
	ru.ResetCounter(CounterID{Ident: os.ident, Kind: CounterDataSize})
	atomic.StoreInt64(&os.numRecords, 0)
	atomic.StoreInt64(&os.dataSize, 0)
	return nil
}

// CappedTruncateAfter removes every record with id > end (or >= end if
// inclusive), identifies the affected block by scanning it, deletes
// all following blocks wholesale, and rewinds the visibility manager's
// highest-seen id (spec §4.4 "Truncation (cappedTruncateAfter)").
func (os *OplogStore) CappedTruncateAfter(ru *RecoveryUnit, end RecordID, inclusive bool) (lastKept RecordID, numRecsDel, sizeDel int64, err error) {
	affectedBlock := os.blocks.GetBlockIDToInsert(end)

	prefixBytes := oplogPrefix(os.prefix, affectedBlock)
	cur, err := ru.BeginScan(oplogKeySpace, prefixBytes, true)
	if err != nil {
		return 0, 0, 0, err
	}

	lastKept = end
	var keptNumRecs, keptSizeBytes int64
	for cur.Valid() {
		id := decodeOplogKeyRecordID(cur.Key())
		cut := id > end
		if inclusive {
			cut = id >= end
		}
		if !cut {
			lastKept = id
			keptNumRecs++
			keptSizeBytes += int64(len(cur.Value()))
			if !cur.Next() {
				break
			}
			continue
		}
		val := cur.Value()
		overhead, payloadLen, herr := headerLens(val, os.vmax, os.compressor)
		if herr != nil {
			return 0, 0, 0, herr
		}
		nChunks := chunkCountFromLens(overhead, payloadLen, os.vmax)
		if err := ru.Del(oplogKeySpace, append([]byte(nil), cur.Key()...)); err != nil {
			return 0, 0, 0, err
		}
		for i := 0; i < nChunks; i++ {
			if err := ru.Del(oplogLargeKeySpace, oplogChunkKey(os.prefix, affectedBlock, id, i)); err != nil {
				return 0, 0, 0, err
			}
		}
		numRecsDel++
		sizeDel += int64(len(val))
		if !cur.Next() {
			break
		}
	}

	for blockID := affectedBlock + 1; ; blockID++ {
		prefixBytes := oplogPrefix(os.prefix, blockID)
		pc, _, _, err := ru.PrefixProbe(oplogKeySpace, prefixBytes)
		if err != nil {
			return 0, 0, 0, err
		}
		if pc == kvsbackend.ProbeZero {
			break
		}
		if _, err := ru.PrefixDelete(oplogKeySpace, prefixBytes); err != nil {
			return 0, 0, 0, err
		}
		if _, err := ru.PrefixDelete(oplogLargeKeySpace, prefixBytes); err != nil {
			return 0, 0, 0, err
		}
	}

	// Rewrite block-manager state: every block after affectedBlock is
	// gone, affectedBlock itself shrinks to its surviving records and
	// becomes the new current block (spec §4.4 "Truncation": invariant
	// 3's b_i.highest-rec < lowest-rec(b_{i+1}) must keep holding for
	// whatever blocks remain).
	subNumRecsDel, subSizeDel, err := os.blocks.TrimAfter(ru, affectedBlock, lastKept, keptNumRecs, keptSizeBytes)
	if err != nil {
		return 0, 0, 0, err
	}
	numRecsDel += subNumRecsDel
	sizeDel += subSizeDel

	// The visibility manager's highest-seen (and, derived from it,
	// commit/persist boundaries) must rewind too, or a tailer would keep
	// waiting on ids that no longer exist (spec §4.4 "Truncation").
	os.visibility.RewindAfterTruncate(lastKept)

	ru.IncrementCounter(CounterID{Ident: os.ident, Kind: CounterNumRecords}, -numRecsDel)
	ru.IncrementCounter(CounterID{Ident: os.ident, Kind: CounterDataSize}, -sizeDel)
	return lastKept, numRecsDel, sizeDel, nil
}

// RunReclamation blocks on the block manager's condition variable and
// reclaims the oldest excess block whenever one appears, until ctx is
// canceled or Stop is called (spec §4.4 "Reclamation"). Intended to be
// launched once per oplog store in its own goroutine.
func (os *OplogStore) RunReclamation(ctx context.Context) {
	for {
		if ctx.Err() != nil || os.blocks.IsDead() {
			return
		}
		os.blocks.AwaitHasExcessBlocksOrDead()
		if os.blocks.IsDead() {
			return
		}
		os.reclaimPass(ctx)
	}
}

func (os *OplogStore) reclaimPass(ctx context.Context) {
	for i := 0; i < maxReclaimBlocksPerPass; i++ {
		if ctx.Err() != nil {
			return
		}
		blk, ok := os.blocks.GetOldestBlockIfExcess()
		if !ok {
			return
		}
		if err := os.reclaimOne(blk); err != nil {
			elog.Logger.Warn().Err(err).Uint32("block_id", blk.BlockID).Msg("oplog block reclamation deferred")
			return
		}
		os.blocks.RemoveOldestBlock()
		atomic.AddInt64(&os.numRecords, -blk.NumRecs)
		atomic.AddInt64(&os.dataSize, -blk.SizeBytes)
	}
}

func (os *OplogStore) reclaimOne(blk OplogBlock) error {
	t := metrics.NewTimer()
	nested := NewNestedRecoveryUnit(os.backend, os.counters, os.durability)
	defer func() {
		if nested.tx != nil {
			_ = nested.Abort()
		}
	}()
	if _, err := nested.txn(true); err != nil {
		return err
	}
	if err := os.blocks.DeleteBlock(nested, blk); err != nil {
		return err
	}
	nested.IncrementCounter(CounterID{Ident: os.ident, Kind: CounterNumRecords}, -blk.NumRecs)
	nested.IncrementCounter(CounterID{Ident: os.ident, Kind: CounterDataSize}, -blk.SizeBytes)
	if err := nested.Commit(); err != nil {
		return err
	}
	metrics.OplogReclaimedBlocksTotal.Inc()
	t.ObserveDuration(metrics.OplogReclaimDuration)
	return nil
}
