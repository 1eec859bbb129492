package kvengine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeCounterTarget struct {
	mu       sync.Mutex
	value    int64
	syncs    int
	lastSync int64
}

func (f *fakeCounterTarget) ApplyDelta(kind CounterKind, delta int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value += delta
}

func (f *fakeCounterTarget) SyncCounters() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	f.lastSync = f.value
}

func (f *fakeCounterTarget) snapshot() (value int64, syncs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.syncs
}

func TestCounterManagerRoutesDeltaToRegisteredTarget(t *testing.T) {
	cm := NewCounterManager()
	target := &fakeCounterTarget{}
	cm.Register("ident-a", target)

	cm.ApplyDelta(CounterID{Ident: "ident-a", Kind: CounterNumRecords}, 3)
	cm.ApplyDelta(CounterID{Ident: "ident-a", Kind: CounterNumRecords}, -1)

	value, _ := target.snapshot()
	assert.EqualValues(t, 2, value)
}

func TestCounterManagerIgnoresDeltaForUnknownIdent(t *testing.T) {
	cm := NewCounterManager()
	target := &fakeCounterTarget{}
	cm.Register("known", target)

	assert.NotPanics(t, func() {
		cm.ApplyDelta(CounterID{Ident: "unknown", Kind: CounterNumRecords}, 5)
	})
	value, _ := target.snapshot()
	assert.EqualValues(t, 0, value)
}

func TestCounterManagerDeregisterStopsRouting(t *testing.T) {
	cm := NewCounterManager()
	target := &fakeCounterTarget{}
	cm.Register("ident-a", target)
	cm.Deregister("ident-a")

	cm.ApplyDelta(CounterID{Ident: "ident-a", Kind: CounterNumRecords}, 7)
	value, _ := target.snapshot()
	assert.EqualValues(t, 0, value)
}

func TestCounterManagerSyncCallsEveryMember(t *testing.T) {
	cm := NewCounterManager()
	a := &fakeCounterTarget{}
	b := &fakeCounterTarget{}
	cm.Register("a", a)
	cm.Register("b", b)

	cm.Sync()

	_, aSyncs := a.snapshot()
	_, bSyncs := b.snapshot()
	assert.Equal(t, 1, aSyncs)
	assert.Equal(t, 1, bSyncs)
}

func TestCounterManagerSyncForRenameOnlySyncsNamedMember(t *testing.T) {
	cm := NewCounterManager()
	a := &fakeCounterTarget{}
	b := &fakeCounterTarget{}
	cm.Register("a", a)
	cm.Register("b", b)

	cm.SyncForRename("a")

	_, aSyncs := a.snapshot()
	_, bSyncs := b.snapshot()
	assert.Equal(t, 1, aSyncs)
	assert.Equal(t, 0, bSyncs)
}

func TestCounterManagerConcurrentApplyDelta(t *testing.T) {
	cm := NewCounterManager()
	target := &fakeCounterTarget{}
	cm.Register("ident-a", target)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cm.ApplyDelta(CounterID{Ident: "ident-a", Kind: CounterNumRecords}, 1)
		}()
	}
	wg.Wait()

	value, _ := target.snapshot()
	assert.EqualValues(t, 100, value)
}
