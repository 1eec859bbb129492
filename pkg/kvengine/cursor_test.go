package kvengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordStoreCursorForwardIteratesInIDOrder(t *testing.T) {
	rs, _, newRU := openTestRecordStore(t, RecordStoreOptions{})

	ru := newRU()
	var locs []Loc
	for i := 0; i < 5; i++ {
		loc, err := rs.Insert(ru, []byte{byte(i)})
		require.NoError(t, err)
		locs = append(locs, loc)
	}
	require.NoError(t, ru.Commit())

	ru2 := newRU()
	cur, err := rs.GetCursor(ru2, true)
	require.NoError(t, err)

	var gotIDs []RecordID
	for cur.Valid() {
		_, id := decodeRecordKeyPrefix(cur.Key())
		gotIDs = append(gotIDs, id)
		if !cur.Next() {
			break
		}
	}
	require.NoError(t, ru2.Abort())

	require.Len(t, gotIDs, 5)
	for i := 1; i < len(gotIDs); i++ {
		assert.Less(t, gotIDs[i-1], gotIDs[i])
	}
}

func TestRecordStoreCursorReverseIteratesDescending(t *testing.T) {
	rs, _, newRU := openTestRecordStore(t, RecordStoreOptions{})

	ru := newRU()
	for i := 0; i < 3; i++ {
		_, err := rs.Insert(ru, []byte{byte(i)})
		require.NoError(t, err)
	}
	require.NoError(t, ru.Commit())

	ru2 := newRU()
	cur, err := rs.GetCursor(ru2, false)
	require.NoError(t, err)

	var gotIDs []RecordID
	for cur.Valid() {
		_, id := decodeRecordKeyPrefix(cur.Key())
		gotIDs = append(gotIDs, id)
		if !cur.Next() {
			break
		}
	}
	require.NoError(t, ru2.Abort())

	require.Len(t, gotIDs, 3)
	for i := 1; i < len(gotIDs); i++ {
		assert.Greater(t, gotIDs[i-1], gotIDs[i])
	}
}
