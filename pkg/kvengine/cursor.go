package kvengine

import (
	"bytes"
	"time"

	"github.com/smoyergh/hsekv/pkg/kvsbackend"
)

// Cursor wraps a kvsbackend.Cursor with the retry/reverse-iteration/
// post-restore bookkeeping spec §4's "Cursor adapter" row and §4.6's
// post-restore behavior describe. Record stores and indexes share this
// adapter rather than talking to kvsbackend directly.
type Cursor struct {
	ru      *RecoveryUnit
	ks      string
	prefix  []byte
	forward bool

	inner *kvsbackend.Cursor

	lastWasPointGet bool
	lastKey         []byte

	// persistBounded/persistBoundary/decodeID implement the tailable
	// oplog cursor's ordering rule (spec §4.5): once set, the cursor
	// reports itself exhausted at the first key whose decoded record id
	// is >= persistBoundary, rather than exposing committed-but-not-yet-
	// durable (or still-uncommitted) entries.
	persistBounded  bool
	persistBoundary RecordID
	decodeID        func([]byte) RecordID
	boundExceeded   bool
}

// cursorOpenBackoff is the Fibonacci backoff (capped) used when
// opening a cursor under transient resource pressure (spec §5
// "Cancellation / timeouts").
var cursorOpenBackoff = []time.Duration{
	1 * time.Millisecond,
	1 * time.Millisecond,
	2 * time.Millisecond,
	3 * time.Millisecond,
	5 * time.Millisecond,
}

func newCursor(ru *RecoveryUnit, ks string, prefix []byte, forward bool) (*Cursor, error) {
	var inner *kvsbackend.Cursor
	var err error
	for attempt := 0; ; attempt++ {
		inner, err = ru.BeginScan(ks, prefix, forward)
		if err == nil {
			break
		}
		if err != ErrWriteConflict || attempt >= len(cursorOpenBackoff) {
			return nil, err
		}
		time.Sleep(cursorOpenBackoff[attempt])
	}
	return &Cursor{ru: ru, ks: ks, prefix: append([]byte(nil), prefix...), forward: forward, inner: inner}, nil
}

// Valid reports whether the cursor currently points at an in-range key.
func (c *Cursor) Valid() bool { return c.inner.Valid() && !c.boundExceeded }

// withPersistBound configures the cursor to stop just short of boundary
// (exclusive), applying the bound to the current position immediately.
func (c *Cursor) withPersistBound(boundary RecordID, decodeID func([]byte) RecordID) *Cursor {
	c.persistBounded = true
	c.persistBoundary = boundary
	c.decodeID = decodeID
	c.checkBound()
	return c
}

// checkBound marks the cursor exhausted once its current key's decoded
// id reaches persistBoundary, for a persist-bounded cursor.
func (c *Cursor) checkBound() {
	if !c.persistBounded || c.boundExceeded || !c.inner.Valid() {
		return
	}
	if c.decodeID(c.inner.Key()) >= c.persistBoundary {
		c.boundExceeded = true
	}
}

// Key returns the full current key (including the ident/index prefix).
func (c *Cursor) Key() []byte { return c.inner.Key() }

// Value returns the current raw (possibly chunk-framed) value.
func (c *Cursor) Value() []byte { return c.inner.Value() }

// Next advances the cursor, consuming any pending point-get skip first
// (spec §4.6 post-restore behavior: "if the last operation was a
// point-get, a subsequent next() must position the cursor by seeking to
// the stored key and skipping it").
func (c *Cursor) Next() bool {
	if c.lastWasPointGet {
		c.lastWasPointGet = false
		ok := c.inner.Seek(c.lastKey)
		if ok && bytes.Equal(c.inner.Key(), c.lastKey) {
			ok = c.inner.Next()
		}
		c.checkBound()
		return ok && !c.boundExceeded
	}
	ok := c.inner.Next()
	if ok {
		c.lastKey = append(c.lastKey[:0], c.inner.Key()...)
	}
	c.checkBound()
	return ok && !c.boundExceeded
}

// Seek repositions the cursor at key.
func (c *Cursor) Seek(key []byte) bool {
	c.lastWasPointGet = false
	ok := c.inner.Seek(key)
	if ok {
		c.lastKey = append(c.lastKey[:0], c.inner.Key()...)
	}
	c.checkBound()
	return ok && !c.boundExceeded
}

// markPointGet records that the cursor's current position was reached
// via a single-key point-get fast path (spec §4.6), so the next Next()
// call knows to seek-and-skip rather than simply stepping.
func (c *Cursor) markPointGet(key []byte) {
	c.lastWasPointGet = true
	c.lastKey = append(c.lastKey[:0], key...)
}

// Restore repositions the cursor onto the enclosing recovery unit's
// current snapshot, required after a yield (spec §4.6 "post-restore
// behavior"). It opens a fresh backend cursor on the unit's current
// transaction and re-seeks it to the last known key.
func (c *Cursor) Restore() error {
	inner, err := newCursor(c.ru, c.ks, c.prefix, c.forward)
	if err != nil {
		return err
	}
	c.inner = inner.inner
	if c.lastKey != nil {
		c.inner.Seek(c.lastKey)
	}
	c.checkBound()
	return nil
}
