package kvengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopDeltaSink struct{}

func (nopDeltaSink) ApplyDelta(CounterID, int64) {}

func newTestRU() *RecoveryUnit {
	return NewRecoveryUnit(nil, nopDeltaSink{}, nil)
}

func TestVisibilityManagerInitialBoundaries(t *testing.T) {
	v := NewVisibilityManager(10)
	assert.Equal(t, RecordID(10), v.CommitBoundary())
	assert.Equal(t, RecordID(10), v.GetPersistBoundary())
}

func TestVisibilityManagerCommitAdvancesBoundary(t *testing.T) {
	v := NewVisibilityManager(1)
	ru := newTestRU()
	v.AddUncommitted(ru, 1)
	assert.Equal(t, RecordID(1), v.CommitBoundary())

	require.NoError(t, ru.Commit())
	assert.Equal(t, RecordID(2), v.CommitBoundary())
}

func TestVisibilityManagerRollbackResolvesOutOfOrder(t *testing.T) {
	v := NewVisibilityManager(1)
	ru1 := newTestRU()
	ru2 := newTestRU()
	v.AddUncommitted(ru1, 1)
	v.AddUncommitted(ru2, 2)

	// id 2 resolves first; commit-boundary stays gated on the still
	// in-flight id 1.
	require.NoError(t, ru2.Commit())
	assert.Equal(t, RecordID(1), v.CommitBoundary())

	require.NoError(t, ru1.Abort())
	assert.Equal(t, RecordID(3), v.CommitBoundary())
}

func TestVisibilityManagerDurableCallbackClampsToCommitBoundary(t *testing.T) {
	v := NewVisibilityManager(1)
	ru := newTestRU()
	v.AddUncommitted(ru, 1)
	// commit-boundary is still 1 (nothing resolved yet); a persist
	// callback claiming further than that must be clamped.
	v.DurableCallback(100)
	assert.Equal(t, RecordID(1), v.GetPersistBoundary())
}

func TestVisibilityManagerDurableCallbackAdvancesPersistBoundary(t *testing.T) {
	v := NewVisibilityManager(1)
	ru := newTestRU()
	v.AddUncommitted(ru, 1)
	require.NoError(t, ru.Commit())

	v.DurableCallback(2)
	assert.Equal(t, RecordID(2), v.GetPersistBoundary())
}

func TestVisibilityManagerWaitForAllVisibleReturnsWhenCaughtUp(t *testing.T) {
	v := NewVisibilityManager(1)
	ru := newTestRU()
	v.AddUncommitted(ru, 1)
	require.NoError(t, ru.Commit())
	v.DurableCallback(2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, v.WaitForAllVisible(ctx, 1))
}

func TestVisibilityManagerWaitForAllVisibleTimesOut(t *testing.T) {
	v := NewVisibilityManager(1)
	ru := newTestRU()
	v.AddUncommitted(ru, 1) // never resolved

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := v.WaitForAllVisible(ctx, 5)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
