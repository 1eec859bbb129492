package kvengine

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestRecordStore wires a fresh backend, a real CounterManager (so
// committed deltas actually reach the store's numRecords/dataSize
// atomics), and an open RecordStore bound to prefix 1.
func openTestRecordStore(t *testing.T, opts RecordStoreOptions) (*RecordStore, *CounterManager, func() *RecoveryUnit) {
	t.Helper()
	backend := openTestBackend(t)
	cm := NewCounterManager()
	newRU := func() *RecoveryUnit { return NewRecoveryUnit(backend, cm, nil) }

	rs, err := OpenRecordStore(newRU(), "coll", IdentPrefix(1), opts)
	require.NoError(t, err)
	cm.Register("coll", rs)
	return rs, cm, newRU
}

func TestRecordStoreInsertFindDelete(t *testing.T) {
	rs, _, newRU := openTestRecordStore(t, RecordStoreOptions{})

	ru := newRU()
	loc, err := rs.Insert(ru, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, ru.Commit())

	assert.EqualValues(t, 1, rs.NumRecords())
	assert.EqualValues(t, 5, rs.DataSize())

	ru2 := newRU()
	got, found, err := rs.Find(ru2, loc)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), got)
	require.NoError(t, ru2.Abort())

	ru3 := newRU()
	require.NoError(t, rs.Delete(ru3, loc))
	require.NoError(t, ru3.Commit())

	assert.EqualValues(t, 0, rs.NumRecords())
	assert.EqualValues(t, 0, rs.DataSize())

	ru4 := newRU()
	_, found, err = rs.Find(ru4, loc)
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, ru4.Abort())
}

func TestRecordStoreInsertAllocatesDistinctIDs(t *testing.T) {
	rs, _, newRU := openTestRecordStore(t, RecordStoreOptions{})

	ru := newRU()
	loc1, err := rs.Insert(ru, []byte("a"))
	require.NoError(t, err)
	loc2, err := rs.Insert(ru, []byte("b"))
	require.NoError(t, err)
	require.NoError(t, ru.Commit())

	assert.NotEqual(t, loc1.ID, loc2.ID)
	assert.EqualValues(t, 2, rs.NumRecords())
}

func TestRecordStoreUpdateAdjustsDataSize(t *testing.T) {
	rs, _, newRU := openTestRecordStore(t, RecordStoreOptions{})

	ru := newRU()
	loc, err := rs.Insert(ru, []byte("short"))
	require.NoError(t, err)
	require.NoError(t, ru.Commit())
	assert.EqualValues(t, 5, rs.DataSize())

	ru2 := newRU()
	require.NoError(t, rs.Update(ru2, loc, []byte("a much longer value")))
	require.NoError(t, ru2.Commit())
	assert.EqualValues(t, 19, rs.DataSize())
	assert.EqualValues(t, 1, rs.NumRecords())

	ru3 := newRU()
	got, found, err := rs.Find(ru3, loc)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("a much longer value"), got)
	require.NoError(t, ru3.Abort())
}

func TestRecordStoreUpdateMissingRecordReturnsErrIdentNotFound(t *testing.T) {
	rs, _, newRU := openTestRecordStore(t, RecordStoreOptions{})
	ru := newRU()
	err := rs.Update(ru, Loc{Prefix: rs.prefix, ID: 999}, []byte("x"))
	assert.ErrorIs(t, err, ErrIdentNotFound)
	require.NoError(t, ru.Abort())
}

func TestRecordStoreChunkedValueRoundTrip(t *testing.T) {
	rs, _, newRU := openTestRecordStore(t, RecordStoreOptions{VMAX: 32})

	raw := bytes.Repeat([]byte("chunked-value-"), 20)
	ru := newRU()
	loc, err := rs.Insert(ru, raw)
	require.NoError(t, err)
	require.NoError(t, ru.Commit())

	ru2 := newRU()
	got, found, err := rs.Find(ru2, loc)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, raw, got)
	require.NoError(t, ru2.Abort())

	ru3 := newRU()
	require.NoError(t, rs.Delete(ru3, loc))
	require.NoError(t, ru3.Commit())
}

func TestRecordStoreTruncateResetsCountersAndData(t *testing.T) {
	rs, _, newRU := openTestRecordStore(t, RecordStoreOptions{})

	ru := newRU()
	loc, err := rs.Insert(ru, []byte("a"))
	require.NoError(t, err)
	_, err = rs.Insert(ru, []byte("bb"))
	require.NoError(t, err)
	require.NoError(t, ru.Commit())
	assert.EqualValues(t, 2, rs.NumRecords())

	ru2 := newRU()
	require.NoError(t, rs.Truncate(ru2))
	require.NoError(t, ru2.Commit())

	assert.EqualValues(t, 0, rs.NumRecords())
	assert.EqualValues(t, 0, rs.DataSize())

	ru3 := newRU()
	_, found, err := rs.Find(ru3, loc)
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, ru3.Abort())
}

func TestOpenRecordStoreSeedsNextIDFromExistingRecords(t *testing.T) {
	backend := openTestBackend(t)
	cm := NewCounterManager()
	newRU := func() *RecoveryUnit { return NewRecoveryUnit(backend, cm, nil) }

	rs, err := OpenRecordStore(newRU(), "coll", IdentPrefix(1), RecordStoreOptions{})
	require.NoError(t, err)
	cm.Register("coll", rs)

	ru := newRU()
	loc, err := rs.Insert(ru, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, ru.Commit())

	// Re-open against the same prefix: the allocator must resume past
	// the highest id already on disk rather than restarting at zero.
	rs2, err := OpenRecordStore(newRU(), "coll", IdentPrefix(1), RecordStoreOptions{})
	require.NoError(t, err)
	ru2 := newRU()
	loc2, err := rs2.Insert(ru2, []byte("y"))
	require.NoError(t, err)
	require.NoError(t, ru2.Commit())

	assert.Greater(t, loc2.ID, loc.ID)
}
