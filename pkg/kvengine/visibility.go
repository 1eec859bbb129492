package kvengine

import (
	"container/list"
	"context"
	"sync"
)

// VisibilityManager orders concurrent oplog writers and readers,
// exposing a monotonic read bound for forward tailable cursors (spec
// §4.5). Every oplog store owns exactly one.
type VisibilityManager struct {
	mu sync.Mutex

	uncommitted    *list.List // ordered RecordID, ascending insertion order
	elemByID       map[RecordID]*list.Element
	highestSeen    RecordID
	commitBoundary RecordID // exclusive upper bound of ids known resolved
	persistBound   RecordID // exclusive upper bound of ids known durable

	waiters *sync.Cond
}

// NewVisibilityManager returns a manager with both boundaries starting
// at start (the oplog's first usable record id).
func NewVisibilityManager(start RecordID) *VisibilityManager {
	v := &VisibilityManager{
		uncommitted:    list.New(),
		elemByID:       make(map[RecordID]*list.Element),
		highestSeen:    start - 1,
		commitBoundary: start,
		persistBound:   start,
	}
	v.waiters = sync.NewCond(&v.mu)
	return v
}

// visibilityChange is the Change registered by AddUncommitted: on
// commit or rollback it resolves the id out of the uncommitted set.
type visibilityChange struct {
	v  *VisibilityManager
	id RecordID
}

func (c *visibilityChange) Commit()   { c.v.resolve(c.id) }
func (c *visibilityChange) Rollback() { c.v.resolve(c.id) }

// AddUncommitted registers id as in-flight, updates highest-seen, and
// registers a commit/rollback change on ru that resolves it out of the
// uncommitted set when the unit finishes (spec §4.5 add-uncommitted).
func (v *VisibilityManager) AddUncommitted(ru *RecoveryUnit, id RecordID) {
	v.mu.Lock()
	elem := v.uncommitted.PushBack(id)
	v.elemByID[id] = elem
	if id > v.highestSeen {
		v.highestSeen = id
	}
	v.mu.Unlock()

	ru.RegisterChange(&visibilityChange{v: v, id: id})
}

// resolve removes id from the uncommitted set and recomputes
// commit-boundary (spec §4.5 "On change resolution").
func (v *VisibilityManager) resolve(id RecordID) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if elem, ok := v.elemByID[id]; ok {
		v.uncommitted.Remove(elem)
		delete(v.elemByID, id)
	}

	if v.uncommitted.Len() == 0 {
		v.commitBoundary = v.highestSeen + 1
	} else {
		v.commitBoundary = v.uncommitted.Front().Value.(RecordID)
	}
	v.waiters.Broadcast()
}

// DurableCallback advances persist-boundary toward, but never past,
// commit-boundary, and broadcasts to any WaitForAllVisible callers
// (spec §4.5 durable-callback).
func (v *VisibilityManager) DurableCallback(newPersist RecordID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if newPersist > v.commitBoundary {
		newPersist = v.commitBoundary
	}
	if newPersist > v.persistBound {
		v.persistBound = newPersist
	}
	v.waiters.Broadcast()
}

// CommitBoundary returns the current commit-boundary (implements
// OplogVisibility for the durability manager).
func (v *VisibilityManager) CommitBoundary() RecordID {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.commitBoundary
}

// GetPersistBoundary returns the current persist-boundary (spec §4.5
// get-persist-boundary). Forward oplog cursors gate reads by this
// value so a reader never observes an uncommitted or non-durable entry.
func (v *VisibilityManager) GetPersistBoundary() RecordID {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.persistBound
}

// RewindAfterTruncate resets highest-seen and both boundaries after a
// capped truncate-after has removed every record beyond lastKept (spec
// §4.4 "Truncation": "the visibility manager's highest-seen is
// rewound"). Any uncommitted entries beyond lastKept are dropped along
// with it, since the records they describe no longer exist.
func (v *VisibilityManager) RewindAfterTruncate(lastKept RecordID) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for e := v.uncommitted.Front(); e != nil; {
		next := e.Next()
		id := e.Value.(RecordID)
		if id > lastKept {
			v.uncommitted.Remove(e)
			delete(v.elemByID, id)
		}
		e = next
	}

	v.highestSeen = lastKept
	if v.uncommitted.Len() == 0 {
		v.commitBoundary = v.highestSeen + 1
	} else {
		v.commitBoundary = v.uncommitted.Front().Value.(RecordID)
	}
	if v.persistBound > v.commitBoundary {
		v.persistBound = v.commitBoundary
	}
	v.waiters.Broadcast()
}

// WaitForAllVisible blocks until either the uncommitted set is empty
// and commit == persist, or persist-boundary has advanced past
// waitingFor (spec §4.5 wait-for-all-visible).
func (v *VisibilityManager) WaitForAllVisible(ctx context.Context, waitingFor RecordID) error {
	done := make(chan struct{})
	go func() {
		v.mu.Lock()
		for {
			allVisible := v.uncommitted.Len() == 0 && v.commitBoundary == v.persistBound
			if allVisible || v.persistBound > waitingFor {
				break
			}
			v.waiters.Wait()
		}
		v.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
