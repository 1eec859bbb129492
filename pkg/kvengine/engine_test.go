package kvengine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smoyergh/hsekv/pkg/metrics"
)

func openTestEngine(t *testing.T, durable bool) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.db")
	e, err := Open(EngineOptions{Path: path, Durable: durable})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, path
}

func TestEngineCreateAndGetRecordStore(t *testing.T) {
	e, _ := openTestEngine(t, false)

	rs, err := e.CreateRecordStore(context.Background(), "coll", CappedOptions{})
	require.NoError(t, err)
	require.NotNil(t, rs)

	got, ok := e.GetRecordStore("coll")
	assert.True(t, ok)
	assert.Same(t, rs, got)

	_, ok = e.GetCappedRecordStore("coll")
	assert.False(t, ok)
}

func TestEngineCreateRecordStoreRejectsDuplicateIdent(t *testing.T) {
	e, _ := openTestEngine(t, false)

	_, err := e.CreateRecordStore(context.Background(), "coll", CappedOptions{})
	require.NoError(t, err)
	_, err = e.CreateRecordStore(context.Background(), "coll", CappedOptions{})
	assert.Error(t, err)
}

func TestEngineCreateCappedRecordStore(t *testing.T) {
	e, _ := openTestEngine(t, false)

	rs, err := e.CreateRecordStore(context.Background(), "capped", CappedOptions{MaxRecords: 10})
	require.NoError(t, err)
	require.NotNil(t, rs)

	cs, ok := e.GetCappedRecordStore("capped")
	assert.True(t, ok)
	assert.Same(t, rs, cs.RecordStore)
}

func TestEngineCreateAndGetOplogStore(t *testing.T) {
	e, _ := openTestEngine(t, false)

	os, err := e.CreateOplogStore(context.Background(), "ops", OplogOptions{})
	require.NoError(t, err)
	require.NotNil(t, os)

	got, ok := e.GetOplogStore("ops")
	assert.True(t, ok)
	assert.Same(t, os, got)
}

func TestEngineCreateSortedDataInterface(t *testing.T) {
	e, _ := openTestEngine(t, false)

	ix, err := e.CreateSortedDataInterface(context.Background(), "idx", IndexOptions{Unique: true})
	require.NoError(t, err)
	require.NotNil(t, ix)

	got, ok := e.GetIndex("idx")
	assert.True(t, ok)
	assert.Same(t, ix, got)
}

func TestEngineIdentsEnumeratesEveryLiveIdent(t *testing.T) {
	e, _ := openTestEngine(t, false)

	_, err := e.CreateRecordStore(context.Background(), "coll", CappedOptions{})
	require.NoError(t, err)
	_, err = e.CreateOplogStore(context.Background(), "ops", OplogOptions{})
	require.NoError(t, err)
	_, err = e.CreateSortedDataInterface(context.Background(), "idx", IndexOptions{})
	require.NoError(t, err)

	idents := e.Idents()
	assert.Equal(t, string(identCollection), idents["coll"])
	assert.Equal(t, string(identOplog), idents["ops"])
	assert.Equal(t, string(identStdIndex), idents["idx"])
}

func TestEngineDropIdentRemovesRecordStoreAndData(t *testing.T) {
	e, _ := openTestEngine(t, false)

	rs, err := e.CreateRecordStore(context.Background(), "coll", CappedOptions{})
	require.NoError(t, err)

	ru := e.NewRecoveryUnit()
	_, err = rs.Insert(ru, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, ru.Commit())

	require.NoError(t, e.DropIdent(context.Background(), "coll"))

	_, ok := e.GetRecordStore("coll")
	assert.False(t, ok)
	idents := e.Idents()
	_, present := idents["coll"]
	assert.False(t, present)
}

func TestEngineDropIdentOnMissingIdentReturnsErrIdentNotFound(t *testing.T) {
	e, _ := openTestEngine(t, false)
	err := e.DropIdent(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrIdentNotFound)
}

func TestEngineDropIdentStopsOplogReclamation(t *testing.T) {
	e, _ := openTestEngine(t, false)
	os, err := e.CreateOplogStore(context.Background(), "ops", OplogOptions{})
	require.NoError(t, err)

	require.NoError(t, e.DropIdent(context.Background(), "ops"))
	assert.True(t, os.blocks.IsDead())
}

func TestEngineSyncCountersAndDurable(t *testing.T) {
	e, _ := openTestEngine(t, true)
	assert.True(t, e.IsDurable())

	rs, err := e.CreateRecordStore(context.Background(), "coll", CappedOptions{})
	require.NoError(t, err)
	ru := e.NewRecoveryUnit()
	_, err = rs.Insert(ru, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, ru.Commit())

	e.SyncCounters()
	require.NoError(t, e.SyncDurable())
}

func TestEngineNonDurableIsDurableReportsFalse(t *testing.T) {
	e, _ := openTestEngine(t, false)
	assert.False(t, e.IsDurable())
	require.NoError(t, e.SyncDurable())
}

func TestEngineReopenReloadsIdentConfigsAndUnderlyingData(t *testing.T) {
	e, path := openTestEngine(t, false)

	rs, err := e.CreateRecordStore(context.Background(), "coll", CappedOptions{})
	require.NoError(t, err)
	ru := e.NewRecoveryUnit()
	loc, err := rs.Insert(ru, []byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, ru.Commit())
	prefix := e.idents["coll"].Prefix

	require.NoError(t, e.Close())

	e2, err := Open(EngineOptions{Path: path})
	require.NoError(t, err)
	defer e2.Close()

	idents := e2.Idents()
	assert.Equal(t, string(identCollection), idents["coll"])

	// Open is a cold load of ident config only; the host re-opens each
	// record store against its persisted prefix to rehydrate it.
	rs2, err := OpenRecordStore(e2.NewRecoveryUnit(), "coll", prefix, RecordStoreOptions{})
	require.NoError(t, err)
	ru2 := e2.NewRecoveryUnit()
	data, found, err := rs2.Find(ru2, loc)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("persisted"), data)
	require.NoError(t, ru2.Abort())
}

func TestEngineOpenRegistersHealthyComponents(t *testing.T) {
	openTestEngine(t, true)

	status := metrics.GetHealth()
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Components["kvsbackend"])
	assert.Equal(t, "healthy", status.Components["durability"])
}

func TestEngineOrphanPrefixSafeguardAdvancesAllocatorPastOnDiskData(t *testing.T) {
	e, path := openTestEngine(t, false)

	rs, err := e.CreateRecordStore(context.Background(), "coll", CappedOptions{})
	require.NoError(t, err)
	ru := e.NewRecoveryUnit()
	_, err = rs.Insert(ru, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, ru.Commit())

	firstPrefix := e.idents["coll"].Prefix
	require.NoError(t, e.Close())

	e2, err := Open(EngineOptions{Path: path})
	require.NoError(t, err)
	defer e2.Close()

	_, err = e2.CreateRecordStore(context.Background(), "another", CappedOptions{})
	require.NoError(t, err)
	assert.Greater(t, e2.idents["another"].Prefix, firstPrefix)
}
