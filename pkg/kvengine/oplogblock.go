package kvengine

import (
	"encoding/binary"
	"sync"
)

const (
	metaKeySpace = "meta"

	// oplogStartBlock is the first block id ever assigned to a fresh
	// oplog (spec §4.4 startup recovery: "the start block if absent").
	oplogStartBlock uint32 = 1

	// blockMarkerSerLen is the encoded length of an OplogBlock marker:
	// 4-byte block id + 8-byte highest record id + 8-byte size in bytes
	// + 8-byte record count.
	blockMarkerSerLen = 4 + 8 + 8 + 8
)

// OplogBlock is the metadata describing one contiguous span of oplog
// entries (spec §4.4 "Layout").
type OplogBlock struct {
	BlockID    uint32
	HighestRec RecordID
	SizeBytes  int64
	NumRecs    int64
}

func (b OplogBlock) marshal() []byte {
	buf := make([]byte, blockMarkerSerLen)
	binary.BigEndian.PutUint32(buf[0:4], b.BlockID)
	binary.BigEndian.PutUint64(buf[4:12], uint64(b.HighestRec))
	binary.BigEndian.PutUint64(buf[12:20], uint64(b.SizeBytes))
	binary.BigEndian.PutUint64(buf[20:28], uint64(b.NumRecs))
	return buf
}

func unmarshalOplogBlock(buf []byte) OplogBlock {
	return OplogBlock{
		BlockID:    binary.BigEndian.Uint32(buf[0:4]),
		HighestRec: RecordID(binary.BigEndian.Uint64(buf[4:12])),
		SizeBytes:  int64(binary.BigEndian.Uint64(buf[12:20])),
		NumRecs:    int64(binary.BigEndian.Uint64(buf[20:28])),
	}
}

func lastDeletedBlockKey(prefix IdentPrefix) []byte {
	dst := putIdentPrefix(make([]byte, 0, identPrefixLen+2), prefix)
	return append(dst, 'L', 'D')
}

func currentBlockKey(prefix IdentPrefix) []byte {
	dst := putIdentPrefix(make([]byte, 0, identPrefixLen+2), prefix)
	return append(dst, 'C', 'B')
}

func blockMarkerKey(prefix IdentPrefix, blockID uint32) []byte {
	dst := putIdentPrefix(make([]byte, 0, identPrefixLen+2+blockIDLen), prefix)
	dst = append(dst, 'B', 'M')
	return putBlockID(dst, blockID)
}

// OplogBlockOptions configures the block manager's sizing targets.
type OplogBlockOptions struct {
	MinBytesPerBlock int64 // default 16 MiB
	MaxBlocksToKeep  int   // default 100, must be >= 10
}

// OplogBlockManager owns the block deque of spec §4.4: which block is
// current, which blocks are eligible for reclamation, and the
// last-deleted marker that anchors startup recovery.
type OplogBlockManager struct {
	prefix IdentPrefix

	minBytesPerBlock int64
	maxBlocksToKeep  int

	mu        sync.Mutex
	blocks    []OplogBlock // oldest first; excludes the current block
	current   OplogBlock
	highestSeen RecordID

	reclaimMu sync.Mutex
	reclaimCV *sync.Cond
	dead      bool
}

// OpenOplogBlockManager reconstructs block state at startup (spec §4.4
// "Startup recovery"): the last-deleted marker fixes the first active
// block, markers are read forward from there, and the current block is
// either loaded from its key or rebuilt by scanning.
func OpenOplogBlockManager(ru *RecoveryUnit, prefix IdentPrefix, opts OplogBlockOptions) (*OplogBlockManager, error) {
	minBytes := opts.MinBytesPerBlock
	if minBytes <= 0 {
		minBytes = 16 << 20
	}
	maxBlocks := opts.MaxBlocksToKeep
	if maxBlocks < 10 {
		maxBlocks = 100
	}

	m := &OplogBlockManager{prefix: prefix, minBytesPerBlock: minBytes, maxBlocksToKeep: maxBlocks}
	m.reclaimCV = sync.NewCond(&m.reclaimMu)

	firstActive := oplogStartBlock
	if v, found, err := ru.Get(metaKeySpace, lastDeletedBlockKey(prefix)); err != nil {
		return nil, err
	} else if found {
		firstActive = binary.BigEndian.Uint32(v) + 1
	}

	for id := firstActive; ; id++ {
		v, found, err := ru.Get(metaKeySpace, blockMarkerKey(prefix, id))
		if err != nil {
			return nil, err
		}
		if !found {
			break
		}
		blk := unmarshalOplogBlock(v)
		m.blocks = append(m.blocks, blk)
		if blk.HighestRec > m.highestSeen {
			m.highestSeen = blk.HighestRec
		}
	}

	nextID := firstActive + uint32(len(m.blocks))
	if v, found, err := ru.Get(metaKeySpace, currentBlockKey(prefix)); err != nil {
		return nil, err
	} else if found {
		m.current = unmarshalOplogBlock(v)
		if err := ru.Del(metaKeySpace, currentBlockKey(prefix)); err != nil {
			return nil, err
		}
	} else {
		m.current, err = m.rebuildCurrentBlock(ru, nextID)
		if err != nil {
			return nil, err
		}
	}
	if m.current.HighestRec > m.highestSeen {
		m.highestSeen = m.current.HighestRec
	}
	return m, nil
}

// rebuildCurrentBlock forward-scans blockID's key range to recompute
// highest-id/size/count when no current-block marker survived a crash
// (spec §4.4 step 3's fallback).
func (m *OplogBlockManager) rebuildCurrentBlock(ru *RecoveryUnit, blockID uint32) (OplogBlock, error) {
	blk := OplogBlock{BlockID: blockID}
	prefixBytes := oplogPrefix(m.prefix, blockID)
	cur, err := ru.BeginScan(oplogKeySpace, prefixBytes, true)
	if err != nil {
		return blk, err
	}
	for cur.Valid() {
		id := decodeOplogKeyRecordID(cur.Key())
		if id > blk.HighestRec {
			blk.HighestRec = id
		}
		blk.NumRecs++
		blk.SizeBytes += int64(len(cur.Value()))
		if !cur.Next() {
			break
		}
	}
	return blk, nil
}

// GetCurrentBlockID returns the block id new inserts should target
// absent an older-block override.
func (m *OplogBlockManager) GetCurrentBlockID() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.BlockID
}

// GetBlockIDToInsert chooses the block id loc belongs in: the current
// block unless loc falls inside an earlier block (rollback/
// insert-before; spec §4.4 insert step 2).
func (m *OplogBlockManager) GetBlockIDToInsert(loc RecordID) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.blocks {
		if loc <= b.HighestRec {
			return b.BlockID
		}
	}
	return m.current.BlockID
}

// GetBlockIDToInsertAndGrow is GetBlockIDToInsert plus the block-roll
// bookkeeping: the current block's byte/record counts grow, and once
// they cross minBytesPerBlock a marker is written and a fresh current
// block begins (spec §4.4 "Layout").
func (m *OplogBlockManager) GetBlockIDToInsertAndGrow(ru *RecoveryUnit, loc RecordID, nRecs, size int64) (uint32, error) {
	m.mu.Lock()
	for _, b := range m.blocks {
		if loc <= b.HighestRec {
			m.mu.Unlock()
			return b.BlockID, nil
		}
	}
	id := m.current.BlockID
	m.current.NumRecs += nRecs
	m.current.SizeBytes += size
	if loc > m.current.HighestRec {
		m.current.HighestRec = loc
	}
	if m.current.HighestRec > m.highestSeen {
		m.highestSeen = m.current.HighestRec
	}

	roll := m.current.SizeBytes >= m.minBytesPerBlock
	var closed OplogBlock
	var next uint32
	if roll {
		closed = m.current
		next = m.current.BlockID + 1
		m.blocks = append(m.blocks, closed)
		m.current = OplogBlock{BlockID: next}
	}
	m.mu.Unlock()

	if roll {
		if err := ru.Put(metaKeySpace, blockMarkerKey(m.prefix, closed.BlockID), closed.marshal()); err != nil {
			return 0, err
		}
		m.pokeReclaimIfNeeded()
	}
	return id, nil
}

// NumBlocks returns the count of non-current blocks.
func (m *OplogBlockManager) NumBlocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

// CurrentBytes and CurrentRecords expose the current (uncommitted
// marker) block's running totals, for tests and stats.
func (m *OplogBlockManager) CurrentBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.SizeBytes
}

func (m *OplogBlockManager) CurrentRecords() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.NumRecs
}

func (m *OplogBlockManager) GetHighestSeenLoc() RecordID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highestSeen
}

func (m *OplogBlockManager) hasExcessBlocks() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks) > m.maxBlocksToKeep
}

func (m *OplogBlockManager) pokeReclaimIfNeeded() {
	if m.hasExcessBlocks() {
		m.reclaimCV.Broadcast()
	}
}

// AwaitHasExcessBlocksOrDead blocks the reclamation goroutine until
// either there are more blocks than maxBlocksToKeep, or Stop was
// called (spec §4.4 "A background thread waits on a condition
// variable for excess blocks").
func (m *OplogBlockManager) AwaitHasExcessBlocksOrDead() {
	m.reclaimMu.Lock()
	defer m.reclaimMu.Unlock()
	for !m.hasExcessBlocks() && !m.dead {
		m.reclaimCV.Wait()
	}
}

// Stop marks the manager dead, waking any goroutine parked in
// AwaitHasExcessBlocksOrDead.
func (m *OplogBlockManager) Stop() {
	m.reclaimMu.Lock()
	m.dead = true
	m.reclaimMu.Unlock()
	m.reclaimCV.Broadcast()
}

func (m *OplogBlockManager) IsDead() bool {
	m.reclaimMu.Lock()
	defer m.reclaimMu.Unlock()
	return m.dead
}

// GetOldestBlockIfExcess returns the oldest block and true if the
// deque is over maxBlocksToKeep.
func (m *OplogBlockManager) GetOldestBlockIfExcess() (OplogBlock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.blocks) <= m.maxBlocksToKeep {
		return OplogBlock{}, false
	}
	return m.blocks[0], true
}

// RemoveOldestBlock pops the oldest block from the in-memory deque,
// called after its records and marker have been deleted.
func (m *OplogBlockManager) RemoveOldestBlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.blocks) > 0 {
		m.blocks = m.blocks[1:]
	}
}

// DeleteBlock prefix-deletes block's entries from both oplog key
// spaces and records it as last-deleted, transactionally (spec §4.4
// "Reclamation").
func (m *OplogBlockManager) DeleteBlock(ru *RecoveryUnit, block OplogBlock) error {
	prefixBytes := oplogPrefix(m.prefix, block.BlockID)
	if _, err := ru.PrefixDelete(oplogKeySpace, prefixBytes); err != nil {
		return err
	}
	if _, err := ru.PrefixDelete(oplogLargeKeySpace, prefixBytes); err != nil {
		return err
	}
	if err := ru.Del(metaKeySpace, blockMarkerKey(m.prefix, block.BlockID)); err != nil {
		return err
	}
	return ru.Put(metaKeySpace, lastDeletedBlockKey(m.prefix), func() []byte {
		b := make([]byte, blockIDLen)
		binary.BigEndian.PutUint32(b, block.BlockID)
		return b
	}())
}

// TrimAfter rewrites block state after a capped truncate-after has
// deleted every record beyond lastKept within affectedBlockID (spec
// §4.4 invariant 3: a closed block's highest-rec must stay below the
// next block's lowest-rec, so every block after the truncation point
// has to go). Every block strictly after affectedBlockID is dropped
// wholesale, its persisted marker removed; affectedBlockID itself is
// rewritten to its surviving keptNumRecs/keptSizeBytes and reopened as
// the new current block, so a crash right after sees a consistent
// state rather than replaying a stale marker for a block that no
// longer matches what's on disk. Returns the combined NumRecs/
// SizeBytes of the wholly-deleted blocks, for the caller's counters.
func (m *OplogBlockManager) TrimAfter(ru *RecoveryUnit, affectedBlockID uint32, lastKept RecordID, keptNumRecs, keptSizeBytes int64) (delNumRecs, delSizeBytes int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.blocks[:0:0]
	for _, b := range m.blocks {
		switch {
		case b.BlockID < affectedBlockID:
			kept = append(kept, b)
		case b.BlockID == affectedBlockID:
			// Rewritten below and reopened as current; drop its closed
			// marker either way.
			if err := ru.Del(metaKeySpace, blockMarkerKey(m.prefix, b.BlockID)); err != nil {
				return 0, 0, err
			}
		default:
			delNumRecs += b.NumRecs
			delSizeBytes += b.SizeBytes
			if err := ru.Del(metaKeySpace, blockMarkerKey(m.prefix, b.BlockID)); err != nil {
				return 0, 0, err
			}
		}
	}
	if m.current.BlockID > affectedBlockID {
		delNumRecs += m.current.NumRecs
		delSizeBytes += m.current.SizeBytes
	}

	m.blocks = kept
	m.current = OplogBlock{BlockID: affectedBlockID, HighestRec: lastKept, NumRecs: keptNumRecs, SizeBytes: keptSizeBytes}
	m.highestSeen = lastKept
	return delNumRecs, delSizeBytes, nil
}

// PersistCurrentBlock writes the current block's marker under the
// current-block key on a clean shutdown (spec §4.4 step 3).
func (m *OplogBlockManager) PersistCurrentBlock(ru *RecoveryUnit) error {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	return ru.Put(metaKeySpace, currentBlockKey(m.prefix), cur.marshal())
}
