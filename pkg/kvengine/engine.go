package kvengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/smoyergh/hsekv/pkg/elog"
	"github.com/smoyergh/hsekv/pkg/kvsbackend"
	"github.com/smoyergh/hsekv/pkg/metrics"
)

// identKind names what an ident prefix was allocated for (spec §3
// "Ident config").
type identKind string

const (
	identCollection identKind = "collection"
	identStdIndex   identKind = "std-index"
	identUniqIndex  identKind = "uniq-index"
	identOplog      identKind = "oplog"
)

// identConfig is the persisted metadata backing every ident (spec §3
// "Ident config": created on create-record-store/create-index,
// destroyed on drop-ident). JSON is the corpus's own convention for
// persisted structs (teacher's pkg/storage/boltdb.go marshals cluster
// state the same way); BSON itself is the host's concern per spec §1.
type identConfig struct {
	Prefix IdentPrefix `json:"prefix"`
	Kind   identKind   `json:"kind"`
}

const nextPrefixKey = "__next_prefix__"

func identConfigKey(ident string) []byte { return append([]byte("ident:"), ident...) }

// Engine is the concrete KVEngine of spec §6: it owns the backend, the
// seven bbolt key spaces, the ident prefix allocator, and the shared
// counter/durability managers every record store, oplog, and index is
// built against.
type Engine struct {
	backend *kvsbackend.Backend

	counters   *CounterManager
	durability *DurabilityManager

	mu           sync.Mutex
	idents       map[string]identConfig
	recordStores map[string]*RecordStore
	cappedStores map[string]*CappedRecordStore
	oplogStores  map[string]*OplogStore
	indexes      map[string]*Index

	nextPrefix int64 // atomic
}

// EngineOptions configures Open.
type EngineOptions struct {
	Path    string
	Durable bool
}

// keySpaceNames are the seven bbolt buckets every engine opens (spec §6
// ADDED persisted-state layout note).
var keySpaceNames = []string{mainKeySpace, largeKeySpace, uniqIdxKeySpace, stdIdxKeySpace, oplogKeySpace, oplogLargeKeySpace, metaKeySpace}

// Open opens (creating if absent) the backend at opts.Path, loads ident
// configs, and runs the orphan-prefix safeguard of spec §4.4.
func Open(opts EngineOptions) (*Engine, error) {
	opened := make([]kvsbackend.KeySpaceOptions, 0, len(keySpaceNames))
	for _, name := range keySpaceNames {
		opened = append(opened, kvsbackend.KeySpaceOptions{Name: name, PrefixLen: identPrefixLen})
	}
	backend, err := kvsbackend.Open(opts.Path, opened)
	if err != nil {
		return nil, fmt.Errorf("hsekv: open backend: %w", err)
	}

	e := &Engine{
		backend:      backend,
		durability:   NewDurabilityManager(backend, opts.Durable),
		idents:       make(map[string]identConfig),
		recordStores: make(map[string]*RecordStore),
		cappedStores: make(map[string]*CappedRecordStore),
		oplogStores:  make(map[string]*OplogStore),
		indexes:      make(map[string]*Index),
	}
	e.counters = NewCounterManager()

	ru := e.newRecoveryUnit()
	defer ru.AbandonSnapshot()

	if err := e.loadIdentConfigs(ru); err != nil {
		backend.Close()
		return nil, err
	}
	if err := e.runOrphanPrefixSafeguard(ru); err != nil {
		backend.Close()
		return nil, err
	}

	metrics.RegisterComponent("kvsbackend", true, "")
	if opts.Durable {
		metrics.RegisterComponent("durability", true, "")
	} else {
		metrics.RegisterComponent("durability", true, "running non-durable")
	}
	return e, nil
}

func (e *Engine) loadIdentConfigs(ru *RecoveryUnit) error {
	prefixBytes := []byte("ident:")
	cur, err := ru.BeginScan(metaKeySpace, prefixBytes, true)
	if err != nil {
		return err
	}
	for cur.Valid() {
		name := string(cur.Key()[len(prefixBytes):])
		var cfg identConfig
		if err := json.Unmarshal(cur.Value(), &cfg); err != nil {
			return &FatalError{Reason: "corrupt ident config", Err: err}
		}
		e.idents[name] = cfg
		if int64(cfg.Prefix) >= atomic.LoadInt64(&e.nextPrefix) {
			atomic.StoreInt64(&e.nextPrefix, int64(cfg.Prefix)+1)
		}
		if !cur.Next() {
			break
		}
	}

	if v, found, err := ru.Get(metaKeySpace, []byte(nextPrefixKey)); err != nil {
		return err
	} else if found {
		var persisted int64
		if err := json.Unmarshal(v, &persisted); err != nil {
			return &FatalError{Reason: "corrupt next-prefix marker", Err: err}
		}
		if persisted > atomic.LoadInt64(&e.nextPrefix) {
			atomic.StoreInt64(&e.nextPrefix, persisted)
		}
	}
	return nil
}

// runOrphanPrefixSafeguard scans every scan-bearing key space for the
// maximum extant ident prefix, bumping the allocator past it if
// metadata under-reports it (spec §4.4 "Orphan-prefix safeguard") —
// guards against a crash between allocating a prefix and persisting
// its ident config.
func (e *Engine) runOrphanPrefixSafeguard(ru *RecoveryUnit) error {
	for _, ks := range []string{mainKeySpace, largeKeySpace, uniqIdxKeySpace, stdIdxKeySpace, oplogKeySpace, oplogLargeKeySpace} {
		cur, err := ru.BeginScan(ks, nil, false)
		if err != nil {
			return err
		}
		if !cur.Valid() {
			continue
		}
		key := cur.Key()
		if len(key) < identPrefixLen {
			continue
		}
		maxPrefix := decodeIdentPrefix(key[:identPrefixLen])
		if int64(maxPrefix)+1 > atomic.LoadInt64(&e.nextPrefix) {
			atomic.StoreInt64(&e.nextPrefix, int64(maxPrefix)+1)
		}
	}
	return nil
}

func (e *Engine) allocPrefix() IdentPrefix {
	return IdentPrefix(atomic.AddInt64(&e.nextPrefix, 1) - 1)
}

// newRecoveryUnit implements KVEngine.NewRecoveryUnit.
func (e *Engine) newRecoveryUnit() *RecoveryUnit {
	return NewRecoveryUnit(e.backend, e.counters, e.durability)
}

// NewRecoveryUnit returns a fresh recovery unit bound to this engine.
func (e *Engine) NewRecoveryUnit() *RecoveryUnit { return e.newRecoveryUnit() }

func (e *Engine) persistIdentConfig(ru *RecoveryUnit, ident string, cfg identConfig) error {
	buf, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return ru.Put(metaKeySpace, identConfigKey(ident), buf)
}

// CreateRecordStore implements KVEngine.CreateRecordStore, creating a
// fresh ident and opening a base record store against it, or a capped
// one when opts sets MaxSize or MaxRecords.
func (e *Engine) CreateRecordStore(ctx context.Context, ident string, opts CappedOptions) (*RecordStore, error) {
	opID := uuid.New().String()
	log := elog.Logger.With().Str("op", opID).Str("ident", ident).Logger()

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.idents[ident]; exists {
		return nil, fmt.Errorf("hsekv: ident %q already exists", ident)
	}

	prefix := e.allocPrefix()
	ru := e.newRecoveryUnit()

	capped := opts.MaxSize > 0 || opts.MaxRecords > 0
	kind := identCollection
	if capped {
		kind = identCollection
	}
	if err := e.persistIdentConfig(ru, ident, identConfig{Prefix: prefix, Kind: kind}); err != nil {
		ru.Abort()
		return nil, err
	}

	var rs *RecordStore
	var err error
	if capped {
		var cs *CappedRecordStore
		cs, err = OpenCappedRecordStore(ru, ident, prefix, opts)
		if err == nil {
			e.cappedStores[ident] = cs
			rs = cs.RecordStore
		}
	} else {
		rs, err = OpenRecordStore(ru, ident, prefix, opts.RecordStoreOptions)
	}
	if err != nil {
		ru.Abort()
		return nil, err
	}
	if err := ru.Commit(); err != nil {
		return nil, err
	}

	e.idents[ident] = identConfig{Prefix: prefix, Kind: kind}
	e.recordStores[ident] = rs
	e.counters.Register(ident, rs)
	log.Debug().Msg("record store created")
	return rs, nil
}

// GetRecordStore implements KVEngine.GetRecordStore.
func (e *Engine) GetRecordStore(ident string) (*RecordStore, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.recordStores[ident]
	return rs, ok
}

// GetCappedRecordStore returns the capped store registered under ident,
// if any.
func (e *Engine) GetCappedRecordStore(ident string) (*CappedRecordStore, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.cappedStores[ident]
	return cs, ok
}

// CreateOplogStore implements KVEngine.CreateOplogStore.
func (e *Engine) CreateOplogStore(ctx context.Context, ident string, opts OplogOptions) (*OplogStore, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.idents[ident]; exists {
		return nil, fmt.Errorf("hsekv: ident %q already exists", ident)
	}

	prefix := e.allocPrefix()
	ru := e.newRecoveryUnit()
	if err := e.persistIdentConfig(ru, ident, identConfig{Prefix: prefix, Kind: identOplog}); err != nil {
		ru.Abort()
		return nil, err
	}

	os, err := OpenOplogStore(ru, ident, prefix, e.backend, e.counters, e.durability, opts)
	if err != nil {
		ru.Abort()
		return nil, err
	}
	if err := ru.Commit(); err != nil {
		return nil, err
	}

	e.idents[ident] = identConfig{Prefix: prefix, Kind: identOplog}
	e.oplogStores[ident] = os
	e.counters.Register(ident, os)
	go os.RunReclamation(context.Background())
	return os, nil
}

// GetOplogStore returns the oplog store registered under ident, if any.
func (e *Engine) GetOplogStore(ident string) (*OplogStore, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	os, ok := e.oplogStores[ident]
	return os, ok
}

// CreateSortedDataInterface implements KVEngine.CreateSortedDataInterface.
func (e *Engine) CreateSortedDataInterface(ctx context.Context, ident string, opts IndexOptions) (*Index, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.idents[ident]; exists {
		return nil, fmt.Errorf("hsekv: ident %q already exists", ident)
	}

	prefix := e.allocPrefix()
	kind := identStdIndex
	if opts.Unique {
		kind = identUniqIndex
	}

	ru := e.newRecoveryUnit()
	if err := e.persistIdentConfig(ru, ident, identConfig{Prefix: prefix, Kind: kind}); err != nil {
		ru.Abort()
		return nil, err
	}
	if err := ru.Commit(); err != nil {
		return nil, err
	}

	ix := OpenIndex(ident, prefix, opts)
	e.idents[ident] = identConfig{Prefix: prefix, Kind: kind}
	e.indexes[ident] = ix
	e.counters.Register(ident, ix)
	return ix, nil
}

// GetIndex returns the index registered under ident, if any.
func (e *Engine) GetIndex(ident string) (*Index, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ix, ok := e.indexes[ident]
	return ix, ok
}

// Idents returns every live ident's kind, keyed by ident name — the
// enumeration a stats/debug surface needs since the kind dictates which
// Get* accessor to call back into.
func (e *Engine) Idents() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.idents))
	for ident, cfg := range e.idents {
		out[ident] = string(cfg.Kind)
	}
	return out
}

// DropIdent implements KVEngine.DropIdent: prefix-deletes ident's data
// from every key space it could have touched and forgets its config
// (spec §3 "Destroyed by drop-ident").
func (e *Engine) DropIdent(ctx context.Context, ident string) error {
	e.mu.Lock()
	cfg, exists := e.idents[ident]
	e.mu.Unlock()
	if !exists {
		return ErrIdentNotFound
	}

	ru := e.newRecoveryUnit()
	prefixBytes := putIdentPrefix(make([]byte, 0, identPrefixLen), cfg.Prefix)
	for _, ks := range keySpaceNames {
		if ks == metaKeySpace {
			continue
		}
		if _, err := ru.PrefixDelete(ks, prefixBytes); err != nil {
			ru.Abort()
			return err
		}
	}
	if err := ru.Del(metaKeySpace, identConfigKey(ident)); err != nil {
		ru.Abort()
		return err
	}
	if err := ru.Commit(); err != nil {
		return err
	}

	e.mu.Lock()
	if _, ok := e.recordStores[ident]; ok {
		delete(e.recordStores, ident)
	}
	if _, ok := e.cappedStores[ident]; ok {
		delete(e.cappedStores, ident)
	}
	if os, ok := e.oplogStores[ident]; ok {
		os.blocks.Stop()
		delete(e.oplogStores, ident)
	}
	if _, ok := e.indexes[ident]; ok {
		delete(e.indexes, ident)
	}
	e.counters.Deregister(ident)
	delete(e.idents, ident)
	e.mu.Unlock()
	return nil
}

// SyncCounters forces an immediate counter-manager sync across every
// live record store, oplog store, and index.
func (e *Engine) SyncCounters() { e.counters.Sync() }

// SyncDurable forces an immediate durability sync.
func (e *Engine) SyncDurable() error { return e.durability.Sync() }

// IsDurable reports whether this engine journals (spec §4.8).
func (e *Engine) IsDurable() bool { return e.durability.IsDurable() }

// Close syncs and releases the backend. Any oplog reclamation
// goroutines are stopped first.
func (e *Engine) Close() error {
	e.mu.Lock()
	ru := e.newRecoveryUnit()
	for _, os := range e.oplogStores {
		os.blocks.Stop()
		if err := os.blocks.PersistCurrentBlock(ru); err != nil {
			elog.Logger.Warn().Err(err).Str("ident", os.Ident()).Msg("failed to persist current oplog block on close")
		}
	}
	if err := ru.Commit(); err != nil {
		elog.Logger.Warn().Err(err).Msg("failed to commit oplog block markers on close")
	}
	e.mu.Unlock()

	e.counters.Sync()
	if err := e.durability.Sync(); err != nil {
		metrics.RegisterComponent("durability", false, err.Error())
		return err
	}
	err := e.backend.Close()
	metrics.RegisterComponent("kvsbackend", err == nil, errString(err))
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
