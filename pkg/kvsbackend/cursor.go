package kvsbackend

import "bytes"

// Cursor is a prefix-scoped, directional scan over one key space. It is
// the raw primitive spec §6 calls "cursor create (optionally
// transaction-bound, optionally reverse) / seek / read / update /
// destroy"; pkg/kvengine's cursor adapter layers retry, reverse
// iteration bookkeeping, and point-get fast paths on top of this.
type Cursor struct {
	txn     *Txn
	ks      string
	prefix  []byte
	forward bool
	cur     interface {
		First() ([]byte, []byte)
		Last() ([]byte, []byte)
		Next() ([]byte, []byte)
		Prev() ([]byte, []byte)
		Seek([]byte) ([]byte, []byte)
	}
	key, val []byte
	valid    bool
}

// NewCursor opens a cursor over key space ks, scoped to keys with the
// given prefix, iterating forward or in reverse.
func (t *Txn) NewCursor(ks string, prefix []byte, forward bool) (*Cursor, error) {
	b, err := t.bucket(ks)
	if err != nil {
		return nil, err
	}
	bc := b.Cursor()
	c := &Cursor{
		txn:     t,
		ks:      ks,
		prefix:  append([]byte(nil), prefix...),
		forward: forward,
		cur:     bc,
	}
	c.reset()
	return c, nil
}

func (c *Cursor) reset() {
	if c.forward {
		k, v := c.cur.Seek(c.prefix)
		c.setPos(k, v)
		return
	}
	c.seekLastWithPrefix()
}

// seekLastWithPrefix positions the underlying bbolt cursor at the last
// key carrying c.prefix, using the "seek to successor prefix, then step
// back" idiom bbolt has no native upper-bound seek for.
func (c *Cursor) seekLastWithPrefix() {
	upper := prefixUpperBound(c.prefix)
	if upper == nil {
		// prefix is all 0xFF bytes; there is no successor, so scan from
		// the end of the key space.
		k, v := c.cur.Last()
		for k != nil && !bytes.HasPrefix(k, c.prefix) {
			k, v = c.cur.Prev()
		}
		c.setPos(k, v)
		return
	}
	k, _ := c.cur.Seek(upper)
	if k == nil {
		k, _ = c.cur.Last()
	} else {
		k, _ = c.cur.Prev()
	}
	for k != nil && !bytes.HasPrefix(k, c.prefix) {
		k, _ = c.cur.Prev()
	}
	// Re-fetch the value at the final position via Seek since Prev/Last
	// already gave us (k, v) pairs directly above; recompute cleanly.
	if k == nil {
		c.setPos(nil, nil)
		return
	}
	kk, vv := c.cur.Seek(k)
	c.setPos(kk, vv)
}

func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

func (c *Cursor) setPos(k, v []byte) {
	if k == nil || !bytes.HasPrefix(k, c.prefix) {
		c.key, c.val, c.valid = nil, nil, false
		return
	}
	c.key = append([]byte(nil), k...)
	c.val = append([]byte(nil), v...)
	c.valid = true
}

// Valid reports whether the cursor currently points at an in-range key.
func (c *Cursor) Valid() bool { return c.valid }

// Key returns the current key. Only valid when Valid() is true.
func (c *Cursor) Key() []byte { return c.key }

// Value returns the current value. Only valid when Valid() is true.
func (c *Cursor) Value() []byte { return c.val }

// Next advances the cursor in its configured direction.
func (c *Cursor) Next() bool {
	if !c.valid {
		return false
	}
	var k, v []byte
	if c.forward {
		k, v = c.cur.Next()
	} else {
		k, v = c.cur.Prev()
	}
	c.setPos(k, v)
	return c.valid
}

// Seek repositions the cursor at key (or the first in-range key at or
// after it for forward cursors, at or before it for reverse cursors).
func (c *Cursor) Seek(key []byte) bool {
	k, v := c.cur.Seek(key)
	if !c.forward {
		// bbolt's Seek always finds the first key >= target; a reverse
		// cursor wants the last key <= target.
		if k == nil || !bytes.Equal(k, key) {
			k, v = c.cur.Prev()
		}
	}
	c.setPos(k, v)
	return c.valid
}
