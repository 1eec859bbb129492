package kvengine

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smoyergh/hsekv/pkg/kvsbackend"
)

func openTestBackend(t *testing.T) *kvsbackend.Backend {
	t.Helper()
	dir := t.TempDir()
	b, err := kvsbackend.Open(filepath.Join(dir, "test.db"), []kvsbackend.KeySpaceOptions{
		{Name: "main", PrefixLen: 4},
		{Name: "large", PrefixLen: 4},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

type recordingDeltaSink struct {
	mu      sync.Mutex
	applied map[CounterID]int64
}

func newRecordingDeltaSink() *recordingDeltaSink {
	return &recordingDeltaSink{applied: make(map[CounterID]int64)}
}

func (s *recordingDeltaSink) ApplyDelta(id CounterID, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied[id] += delta
}

func TestRecoveryUnitPutGetCommitIsVisibleAfterCommit(t *testing.T) {
	backend := openTestBackend(t)
	sink := newRecordingDeltaSink()

	ru := NewRecoveryUnit(backend, sink, nil)
	require.NoError(t, ru.Put("main", []byte("k"), []byte("v1")))
	require.NoError(t, ru.Commit())

	ru2 := NewRecoveryUnit(backend, sink, nil)
	v, found, err := ru2.Get("main", []byte("k"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v1"), v)
	require.NoError(t, ru2.Abort())
}

func TestRecoveryUnitAbortDiscardsWrites(t *testing.T) {
	backend := openTestBackend(t)
	sink := newRecordingDeltaSink()

	ru := NewRecoveryUnit(backend, sink, nil)
	require.NoError(t, ru.Put("main", []byte("k2"), []byte("v2")))
	require.NoError(t, ru.Abort())

	ru2 := NewRecoveryUnit(backend, sink, nil)
	_, found, err := ru2.Get("main", []byte("k2"))
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, ru2.Abort())
}

func TestRecoveryUnitCommitFoldsCounterDeltas(t *testing.T) {
	backend := openTestBackend(t)
	sink := newRecordingDeltaSink()

	ru := NewRecoveryUnit(backend, sink, nil)
	id := CounterID{Ident: "coll", Kind: CounterNumRecords}
	ru.IncrementCounter(id, 3)
	ru.IncrementCounter(id, -1)
	assert.EqualValues(t, 2, ru.GetDeltaCounter(id))

	require.NoError(t, ru.Commit())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.EqualValues(t, 2, sink.applied[id])
}

func TestRecoveryUnitAbortDiscardsCounterDeltas(t *testing.T) {
	backend := openTestBackend(t)
	sink := newRecordingDeltaSink()

	ru := NewRecoveryUnit(backend, sink, nil)
	id := CounterID{Ident: "coll", Kind: CounterNumRecords}
	ru.IncrementCounter(id, 5)
	require.NoError(t, ru.Abort())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	_, ok := sink.applied[id]
	assert.False(t, ok)
}

func TestRecoveryUnitResetCounterDropsDelta(t *testing.T) {
	backend := openTestBackend(t)
	sink := newRecordingDeltaSink()

	ru := NewRecoveryUnit(backend, sink, nil)
	id := CounterID{Ident: "coll", Kind: CounterDataSize}
	ru.IncrementCounter(id, 100)
	ru.ResetCounter(id)
	assert.EqualValues(t, 0, ru.GetDeltaCounter(id))
}

type orderRecordingChange struct {
	label string
	log   *[]string
}

func (c *orderRecordingChange) Commit()   { *c.log = append(*c.log, "commit:"+c.label) }
func (c *orderRecordingChange) Rollback() { *c.log = append(*c.log, "rollback:"+c.label) }

func TestRecoveryUnitCommitReplaysChangesInOrder(t *testing.T) {
	backend := openTestBackend(t)
	sink := newRecordingDeltaSink()
	ru := NewRecoveryUnit(backend, sink, nil)

	var log []string
	ru.RegisterChange(&orderRecordingChange{label: "a", log: &log})
	ru.RegisterChange(&orderRecordingChange{label: "b", log: &log})

	require.NoError(t, ru.Commit())
	assert.Equal(t, []string{"commit:a", "commit:b"}, log)
}

func TestRecoveryUnitAbortReplaysChangesInReverse(t *testing.T) {
	backend := openTestBackend(t)
	sink := newRecordingDeltaSink()
	ru := NewRecoveryUnit(backend, sink, nil)

	var log []string
	ru.RegisterChange(&orderRecordingChange{label: "a", log: &log})
	ru.RegisterChange(&orderRecordingChange{label: "b", log: &log})

	require.NoError(t, ru.Abort())
	assert.Equal(t, []string{"rollback:b", "rollback:a"}, log)
}

func TestRecoveryUnitSnapshotIDAdvancesOnCommitAndAbort(t *testing.T) {
	backend := openTestBackend(t)
	sink := newRecordingDeltaSink()

	ru := NewRecoveryUnit(backend, sink, nil)
	before := ru.SnapshotID()
	require.NoError(t, ru.Commit())
	assert.Greater(t, ru.SnapshotID(), before)

	mid := ru.SnapshotID()
	require.NoError(t, ru.Abort())
	assert.Greater(t, ru.SnapshotID(), mid)
}

func TestNestedRecoveryUnitReportsWriteConflictWithoutBlocking(t *testing.T) {
	backend := openTestBackend(t)
	sink := newRecordingDeltaSink()

	outer := NewRecoveryUnit(backend, sink, nil)
	require.NoError(t, outer.Put("main", []byte("held"), []byte("v")))
	defer outer.Abort()

	nested := NewNestedRecoveryUnit(backend, sink, nil)
	err := nested.Put("main", []byte("x"), []byte("y"))
	assert.ErrorIs(t, err, ErrWriteConflict)
}

func TestRecoveryUnitPrefixDeleteAndProbe(t *testing.T) {
	backend := openTestBackend(t)
	sink := newRecordingDeltaSink()

	ru := NewRecoveryUnit(backend, sink, nil)
	require.NoError(t, ru.Put("main", []byte("p:1"), []byte("a")))
	require.NoError(t, ru.Put("main", []byte("p:2"), []byte("b")))
	require.NoError(t, ru.Put("main", []byte("q:1"), []byte("c")))
	require.NoError(t, ru.Commit())

	ru2 := NewRecoveryUnit(backend, sink, nil)
	pc, _, _, err := ru2.PrefixProbe("main", []byte("p:"))
	require.NoError(t, err)
	assert.Equal(t, kvsbackend.ProbeMany, pc)

	n, err := ru2.PrefixDelete("main", []byte("p:"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, ru2.Commit())

	ru3 := NewRecoveryUnit(backend, sink, nil)
	pc, _, _, err = ru3.PrefixProbe("main", []byte("p:"))
	require.NoError(t, err)
	assert.Equal(t, kvsbackend.ProbeZero, pc)
	require.NoError(t, ru3.Abort())
}
