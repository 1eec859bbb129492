package kvengine

import (
	"sync/atomic"

	"github.com/smoyergh/hsekv/pkg/kvsbackend"
	"github.com/smoyergh/hsekv/pkg/metrics"
)

const (
	uniqIdxKeySpace = "uniqidx"
	stdIdxKeySpace  = "stdidx"
	maxIndexKeyLen  = 1024
)

// IndexOptions configures an index at creation time.
type IndexOptions struct {
	Unique         bool
	AllowDuplicates bool // only meaningful when Unique is true
	MaxKeyLen      int
}

// Index is the unique/standard secondary index of spec §4.6: key
// encoding, insert/unindex/dup-check, and cursor traversal with a
// point-get fast path.
type Index struct {
	ident     string
	prefix    IdentPrefix
	unique    bool
	allowDups bool
	maxKeyLen int

	indexSize int64
}

// OpenIndex constructs an index bound to prefix.
func OpenIndex(ident string, prefix IdentPrefix, opts IndexOptions) *Index {
	maxLen := opts.MaxKeyLen
	if maxLen <= 0 {
		maxLen = maxIndexKeyLen
	}
	return &Index{ident: ident, prefix: prefix, unique: opts.Unique, allowDups: opts.AllowDuplicates, maxKeyLen: maxLen}
}

// IndexSize returns the process-global index size as of the last
// committed unit.
func (ix *Index) IndexSize() int64 { return atomic.LoadInt64(&ix.indexSize) }

// SyncCounters implements Syncable; republishes the index-size
// Prometheus gauge.
func (ix *Index) SyncCounters() {
	metrics.IndexSizeBytes.WithLabelValues(ix.ident).Set(float64(ix.IndexSize()))
}

// ApplyDelta implements CounterTarget.
func (ix *Index) ApplyDelta(kind CounterKind, delta int64) {
	if kind == CounterIndexSize {
		atomic.AddInt64(&ix.indexSize, delta)
	}
}

func (ix *Index) checkKeyLen(encodedKey []byte) error {
	if len(encodedKey) > ix.maxKeyLen {
		return ErrKeyTooLong
	}
	return nil
}

// uniqEntry is one (record id, type bits) pair in a unique index
// value's duplicate list.
type uniqEntry struct {
	id       RecordID
	typeBits []byte
}

func encodeUniqValue(entries []uniqEntry) []byte {
	if len(entries) == 1 && len(entries[0].typeBits) == 0 {
		return putRecordID(nil, entries[0].id)
	}
	if len(entries) == 1 {
		v := putRecordID(nil, entries[0].id)
		return append(v, entries[0].typeBits...)
	}
	v := []byte{1} // list tag
	for _, e := range entries {
		v = putRecordID(v, e.id)
		v = append(v, byte(len(e.typeBits)))
		v = append(v, e.typeBits...)
	}
	return v
}

func decodeUniqValue(v []byte) []uniqEntry {
	if len(v) == recordIDLen {
		return []uniqEntry{{id: decodeRecordID(v)}}
	}
	if len(v) > 0 && v[0] == 1 {
		rest := v[1:]
		var entries []uniqEntry
		for len(rest) > 0 {
			id := decodeRecordID(rest[:recordIDLen])
			rest = rest[recordIDLen:]
			n := int(rest[0])
			rest = rest[1:]
			tb := append([]byte(nil), rest[:n]...)
			rest = rest[n:]
			entries = append(entries, uniqEntry{id: id, typeBits: tb})
		}
		return entries
	}
	// Single entry with non-empty type bits and no list tag: id ‖
	// typeBits, rest is the trailer.
	id := decodeRecordID(v[:recordIDLen])
	tb := append([]byte(nil), v[recordIDLen:]...)
	return []uniqEntry{{id: id, typeBits: tb}}
}

// InsertUnique implements spec §4.6's unique index insert.
func (ix *Index) InsertUnique(ru *RecoveryUnit, encodedKey []byte, loc RecordID, typeBits []byte) error {
	if err := ix.checkKeyLen(encodedKey); err != nil {
		metrics.IndexOpsTotal.WithLabelValues("insert", "error").Inc()
		return err
	}
	key := uniqIndexKey(ix.prefix, encodedKey)
	existing, found, err := ru.Get(uniqIdxKeySpace, key)
	if err != nil {
		metrics.IndexOpsTotal.WithLabelValues("insert", "error").Inc()
		return err
	}
	if !found {
		if err := ru.Put(uniqIdxKeySpace, key, encodeUniqValue([]uniqEntry{{id: loc, typeBits: typeBits}})); err != nil {
			metrics.IndexOpsTotal.WithLabelValues("insert", "error").Inc()
			return err
		}
		ix.bumpSize(ru, int64(len(key)+len(typeBits)+recordIDLen))
		metrics.IndexOpsTotal.WithLabelValues("insert", "ok").Inc()
		return nil
	}

	entries := decodeUniqValue(existing)
	for _, e := range entries {
		if e.id == loc {
			metrics.IndexOpsTotal.WithLabelValues("insert", "ok").Inc()
			return nil
		}
	}
	if !ix.allowDups {
		metrics.DuplicateKeyTotal.Inc()
		metrics.IndexOpsTotal.WithLabelValues("insert", "duplicate").Inc()
		return ErrDuplicateKey
	}
	entries = append(entries, uniqEntry{id: loc, typeBits: typeBits})
	newVal := encodeUniqValue(entries)
	if err := ru.Put(uniqIdxKeySpace, key, newVal); err != nil {
		metrics.IndexOpsTotal.WithLabelValues("insert", "error").Inc()
		return err
	}
	ix.bumpSize(ru, int64(len(newVal)-len(existing)))
	metrics.IndexOpsTotal.WithLabelValues("insert", "ok").Inc()
	return nil
}

// UnindexUnique implements spec §4.6's unique index unindex.
func (ix *Index) UnindexUnique(ru *RecoveryUnit, encodedKey []byte, loc RecordID) error {
	key := uniqIndexKey(ix.prefix, encodedKey)
	if !ix.allowDups {
		existing, found, err := ru.Get(uniqIdxKeySpace, key)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		if err := ru.Del(uniqIdxKeySpace, key); err != nil {
			return err
		}
		ix.bumpSize(ru, -int64(len(key)+len(existing)))
		return nil
	}

	existing, found, err := ru.Get(uniqIdxKeySpace, key)
	if err != nil || !found {
		return err
	}
	entries := decodeUniqValue(existing)
	out := entries[:0]
	for _, e := range entries {
		if e.id != loc {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		if err := ru.Del(uniqIdxKeySpace, key); err != nil {
			return err
		}
		ix.bumpSize(ru, -int64(len(key)+len(existing)))
		return nil
	}
	newVal := encodeUniqValue(out)
	if err := ru.Put(uniqIdxKeySpace, key, newVal); err != nil {
		return err
	}
	ix.bumpSize(ru, int64(len(newVal)-len(existing)))
	return nil
}

// InsertStandard implements spec §4.6's standard index insert: the
// record id is already part of the key, so insert is a single put.
func (ix *Index) InsertStandard(ru *RecoveryUnit, encodedKey []byte, loc RecordID, typeBits []byte) error {
	if err := ix.checkKeyLen(encodedKey); err != nil {
		metrics.IndexOpsTotal.WithLabelValues("insert", "error").Inc()
		return err
	}
	key := stdIndexKey(ix.prefix, encodedKey, loc)
	if err := ru.Put(stdIdxKeySpace, key, typeBits); err != nil {
		metrics.IndexOpsTotal.WithLabelValues("insert", "error").Inc()
		return err
	}
	ix.bumpSize(ru, int64(len(key)+len(typeBits)))
	metrics.IndexOpsTotal.WithLabelValues("insert", "ok").Inc()
	return nil
}

// UnindexStandard implements spec §4.6's standard index unindex.
func (ix *Index) UnindexStandard(ru *RecoveryUnit, encodedKey []byte, loc RecordID) error {
	key := stdIndexKey(ix.prefix, encodedKey, loc)
	val, found, err := ru.Get(stdIdxKeySpace, key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if err := ru.Del(stdIdxKeySpace, key); err != nil {
		return err
	}
	ix.bumpSize(ru, -int64(len(key)+len(val)))
	return nil
}

func (ix *Index) bumpSize(ru *RecoveryUnit, delta int64) {
	if delta == 0 {
		return
	}
	ru.IncrementCounter(CounterID{Ident: ix.ident, Kind: CounterIndexSize}, delta)
}

// DupCheck reports whether encodedKey already exists in a unique index
// under a record id other than loc.
func (ix *Index) DupCheck(ru *RecoveryUnit, encodedKey []byte, loc RecordID) (bool, error) {
	v, found, err := ru.Get(uniqIdxKeySpace, uniqIndexKey(ix.prefix, encodedKey))
	if err != nil || !found {
		return false, err
	}
	for _, e := range decodeUniqValue(v) {
		if e.id != loc {
			return true, nil
		}
	}
	return false, nil
}

// IndexCursor traverses an index's prefix, exposing the point-get fast
// path of spec §4.6's "Cursor" section.
type IndexCursor struct {
	ix      *Index
	cur     *Cursor
	forward bool
}

// NewCursor opens a cursor over the index's prefix.
func (ix *Index) NewCursor(ru *RecoveryUnit, forward bool) (*IndexCursor, error) {
	ks := stdIdxKeySpace
	if ix.unique {
		ks = uniqIdxKeySpace
	}
	prefixBytes := make([]byte, 0, identPrefixLen)
	prefixBytes = putIdentPrefix(prefixBytes, ix.prefix)
	c, err := newCursor(ru, ks, prefixBytes, forward)
	if err != nil {
		return nil, err
	}
	return &IndexCursor{ix: ix, cur: c, forward: forward}, nil
}

// Seek positions the cursor at encodedKey. On every inclusive seek a
// unique index whose key is present resolves via a single point-get,
// and a standard index prefix-probes first and only falls back to the
// cursor when more than one record shares the key. No check is made
// that the target is the scan's end position.
func (ix *Index) Seek(ru *RecoveryUnit, ic *IndexCursor, encodedKey []byte, inclusive bool) (bool, error) {
	if ix.unique {
		key := uniqIndexKey(ix.prefix, encodedKey)
		v, found, err := ru.Get(uniqIdxKeySpace, key)
		if err != nil {
			return false, err
		}
		if found && inclusive {
			ic.cur.markPointGet(key)
			return true, nil
		}
		ok := ic.cur.Seek(key)
		return ok, nil
	}

	if inclusive {
		prefixBytes := putIdentPrefix(make([]byte, 0, identPrefixLen+len(encodedKey)), ix.prefix)
		prefixBytes = append(prefixBytes, encodedKey...)
		pc, k, _, err := ru.PrefixProbe(stdIdxKeySpace, prefixBytes)
		if err != nil {
			return false, err
		}
		switch pc {
		case kvsbackend.ProbeZero:
			return false, nil
		case kvsbackend.ProbeOne:
			ic.cur.markPointGet(k)
			return true, nil
		}
	}
	seekKey := stdIndexKey(ix.prefix, encodedKey, 0)
	ok := ic.cur.Seek(seekKey)
	return ok, nil
}

// Valid, Key, Next mirror Cursor.
func (ic *IndexCursor) Valid() bool  { return ic.cur.Valid() }
func (ic *IndexCursor) Next() bool   { return ic.cur.Next() }
func (ic *IndexCursor) RawKey() []byte { return ic.cur.Key() }
func (ic *IndexCursor) RawValue() []byte { return ic.cur.Value() }

// EncodedKeyAndLoc decodes the current position's host key-string and
// record id.
func (ic *IndexCursor) EncodedKeyAndLoc() ([]byte, RecordID) {
	full := ic.cur.Key()
	suffix := full[identPrefixLen:]
	if ic.ix.unique {
		if entries := decodeUniqValue(ic.cur.Value()); len(entries) > 0 {
			return suffix, entries[0].id
		}
		return suffix, 0
	}
	return decodeStdIndexKeySuffix(suffix)
}
