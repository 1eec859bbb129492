package kvengine

import (
	"context"
	"sync"

	"github.com/smoyergh/hsekv/pkg/kvsbackend"
	"github.com/smoyergh/hsekv/pkg/metrics"
)

// OplogVisibility is the subset of the visibility manager the
// durability manager notifies after each sync (spec §4.5, §4.8).
type OplogVisibility interface {
	CommitBoundary() RecordID
	DurableCallback(newBound RecordID)
}

// DurabilityManager coordinates sync() requests against the backend,
// tracks sync generations, and notifies oplog visibility of newly
// durable records after each sync (spec §4's "Durability manager" row).
type DurabilityManager struct {
	backend *kvsbackend.Backend
	durable bool

	mu         sync.Mutex
	cond       *sync.Cond
	numSyncs   uint64
	visibility OplogVisibility
}

// NewDurabilityManager returns a manager bound to backend. durable
// mirrors the host's journaling setting: when false, Sync and
// WaitUntilDurable are no-ops, matching a non-journaled engine where
// every write is already as durable as it will ever be.
func NewDurabilityManager(backend *kvsbackend.Backend, durable bool) *DurabilityManager {
	d := &DurabilityManager{backend: backend, durable: durable}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// SetOplogVisibility registers (or, passed nil, clears) the oplog
// visibility manager notified after each sync. A durability manager
// outlives any single oplog store instance, so this is re-settable.
func (d *DurabilityManager) SetOplogVisibility(v OplogVisibility) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.visibility = v
}

// IsDurable reports whether journaling is enabled for this engine.
func (d *DurabilityManager) IsDurable() bool { return d.durable }

// Sync flushes the backend to stable storage and advances the oplog's
// persist boundary to the commit boundary observed just before the
// flush (spec §4.5 durable-callback; grounded on
// KVDBDurabilityManager::sync in original_source).
func (d *DurabilityManager) Sync() error {
	if !d.durable {
		return nil
	}
	d.mu.Lock()
	v := d.visibility
	d.mu.Unlock()

	var newBound RecordID
	haveBound := v != nil
	if haveBound {
		newBound = v.CommitBoundary()
	}

	if err := d.backend.Sync(); err != nil {
		return err
	}

	if haveBound {
		v.DurableCallback(newBound)
		metrics.OplogCommitBoundary.Set(float64(newBound))
		if pv, ok := v.(*VisibilityManager); ok {
			metrics.OplogPersistBoundary.Set(float64(pv.GetPersistBoundary()))
		}
	}

	d.mu.Lock()
	d.numSyncs++
	gen := d.numSyncs
	d.cond.Broadcast()
	d.mu.Unlock()

	metrics.DurabilitySyncTotal.Inc()
	metrics.DurabilityGeneration.Set(float64(gen))
	return nil
}

// WaitUntilDurable blocks until two full sync passes complete after
// this call begins. One pass may already have been in flight (and thus
// started before the caller's own commit) when the call began, so a
// single pass is not sufficient proof the caller's data is durable
// (spec §4.8; grounded on original's wait for numSyncs > waitingFor+1).
func (d *DurabilityManager) WaitUntilDurable(ctx context.Context) error {
	if !d.durable {
		return nil
	}
	d.mu.Lock()
	waitingFor := d.numSyncs
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.mu.Lock()
		for d.numSyncs <= waitingFor+1 {
			d.cond.Wait()
		}
		d.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
