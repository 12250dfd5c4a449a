// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package router holds the loaded-model lifecycle: one LRU slot table per
// ModelType, load coalescing, and drain-before-evict stream accounting
// (spec §4.5, the system's hard core).
package router

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lemonade-router/lemonade-server/internal/backend"
	"github.com/lemonade-router/lemonade-server/internal/lemonadeerr"
	"github.com/lemonade-router/lemonade-server/internal/registry"
	"github.com/lemonade-router/lemonade-server/internal/supervisor"
)

// evictionWait is the hard cap on waiting for a victim's in-flight streams
// to drain before giving up and reporting BackendBusy to the new load,
// never force-killing mid-stream (spec §4.5 tie-break rule).
const evictionWait = 30 * time.Second

// Slot is one live backend child and its loaded model.
type Slot struct {
	Record   *registry.Record
	Process  *supervisor.Process
	LoadedAt time.Time

	streamTokens atomic.Int64
	elem         *list.Element // node in its typeTable's LRU list
}

// AcquireStream registers one in-flight stream against the slot, preventing
// eviction until ReleaseStream is called (spec §4.5 invariant 5).
func (s *Slot) AcquireStream() { s.streamTokens.Add(1) }

// ReleaseStream releases a stream token acquired with AcquireStream.
func (s *Slot) ReleaseStream() { s.streamTokens.Add(-1) }

func (s *Slot) streamCount() int64 { return s.streamTokens.Load() }

// typeTable is the per-ModelType LRU slot table (spec §4.5).
type typeTable struct {
	mu       sync.Mutex
	cap      int
	slots    map[string]*Slot // keyed by record ID
	lru      *list.List       // front = most recently used
	elemToID map[*list.Element]string

	// loadMu serializes the cap-check/evict/spawn/insert sequence of load1
	// across every id of this type, so only one backend spawn is ever in
	// flight per type (spec §4.5 invariant 3) even though concurrent
	// load1 calls for distinct ids use distinct singleflight keys.
	loadMu sync.Mutex
}

func newTypeTable(cap int) *typeTable {
	return &typeTable{
		cap:      cap,
		slots:    map[string]*Slot{},
		lru:      list.New(),
		elemToID: map[*list.Element]string{},
	}
}

// touch moves id to the front of the LRU list. Caller holds t.mu.
func (t *typeTable) touch(id string) {
	s := t.slots[id]
	if s.elem != nil {
		t.lru.MoveToFront(s.elem)
		return
	}
	s.elem = t.lru.PushFront(id)
	t.elemToID[s.elem] = id
}

// lruVictim returns the least-recently-used slot id. Ties (equal LoadedAt)
// break by list order, which is touch order: the slot least recently
// touched sits at the back regardless of map iteration order, the stable
// secondary key spec §9 Open Question (i) calls for. Caller holds t.mu.
func (t *typeTable) lruVictim() string {
	back := t.lru.Back()
	if back == nil {
		return ""
	}
	return t.elemToID[back]
}

// Router owns every typeTable and adapts one backend.Adapter per recipe.
type Router struct {
	cacheDir string
	logDir   string

	tables map[registry.ModelType]*typeTable
	reg    *registry.Registry

	// AdapterFactory resolves the backend.Adapter for a recipe. It defaults
	// to backend.Factory; tests override it with a fake to exercise the
	// load/evict algorithms without a real backend executable.
	AdapterFactory func(registry.Recipe) backend.Adapter

	loadGroup singleflight.Group

	mu          sync.Mutex
	subscribers []chan struct{}
}

// Limits configures the per-type slot caps from the CLI's
// --max-loaded-models flag (spec §6).
type Limits struct {
	LLM       int
	Embedding int
	Reranking int
	Audio     int
	Image     int
}

// DefaultLimits matches the teacher's single-model-at-a-time default: one
// slot per type unless the operator asks for more.
var DefaultLimits = Limits{LLM: 1, Embedding: 1, Reranking: 1, Audio: 1, Image: 1}

// New creates a Router backed by reg, caching downloaded weights and
// backend binaries under cacheDir and writing per-child logs under logDir.
func New(reg *registry.Registry, cacheDir, logDir string, limits Limits) *Router {
	r := &Router{
		cacheDir:       cacheDir,
		logDir:         logDir,
		reg:            reg,
		AdapterFactory: backend.Factory,
		tables: map[registry.ModelType]*typeTable{
			registry.TypeLLM:       newTypeTable(limits.LLM),
			registry.TypeEmbedding: newTypeTable(limits.Embedding),
			registry.TypeReranking: newTypeTable(limits.Reranking),
			registry.TypeAudio:     newTypeTable(limits.Audio),
			registry.TypeImage:     newTypeTable(limits.Image),
		},
	}
	return r
}

// Subscribe returns a channel that receives a notification on every slot
// table mutation (load/unload/eviction), mirroring registry.Registry's
// pub/sub shape for the gateway's /logs and UI polling needs.
func (r *Router) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.mu.Unlock()
	return ch
}

func (r *Router) notify() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Get returns the currently loaded slot for modelType's id, or nil.
func (r *Router) Get(modelType registry.ModelType, id string) *Slot {
	t := r.tables[modelType]
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[id]
}

// Snapshot returns every currently loaded slot across all types, for
// /health and /system-stats.
func (r *Router) Snapshot() []*Slot {
	var out []*Slot
	for _, t := range r.tables {
		t.mu.Lock()
		for _, s := range t.slots {
			out = append(out, s)
		}
		t.mu.Unlock()
	}
	return out
}

// Load ensures id is resident in its type's slot table, evicting the LRU
// victim if the table is at capacity, and coalescing concurrent callers
// for the same id onto one backend spawn (spec §4.5 invariants 2-4, the
// load algorithm).
func (r *Router) Load(ctx context.Context, id string) (*Slot, error) {
	rec := r.reg.Get(id)
	if rec == nil {
		return nil, lemonadeerr.New(lemonadeerr.InvalidRequest, "unknown model %q", id)
	}
	modelType := rec.Type()
	t := r.tables[modelType]

	t.mu.Lock()
	if s, ok := t.slots[id]; ok {
		t.touch(id)
		t.mu.Unlock()
		return s, nil
	}
	t.mu.Unlock()

	v, err, _ := r.loadGroup.Do(string(modelType)+"/"+id, func() (any, error) {
		return r.load1(ctx, t, rec)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Slot), nil
}

func (r *Router) load1(ctx context.Context, t *typeTable, rec *registry.Record) (*Slot, error) {
	// Hold the type's load gate for the whole cap-check/evict/spawn/insert
	// sequence: two concurrent Load calls for distinct ids of the same
	// type reach load1 through distinct singleflight keys, so without this
	// gate both would see the table under cap and spawn concurrently,
	// violating the per-type cap (spec §4.5 invariants 1, 3, 4).
	t.loadMu.Lock()
	defer t.loadMu.Unlock()

	t.mu.Lock()
	if s, ok := t.slots[rec.ID]; ok {
		t.touch(rec.ID)
		t.mu.Unlock()
		return s, nil
	}
	var victim string
	if t.cap > 0 && len(t.slots) >= t.cap {
		victim = t.lruVictim()
	}
	t.mu.Unlock()

	if victim != "" {
		if err := r.evict(t, victim); err != nil {
			return nil, err
		}
	}

	adapter := r.AdapterFactory(rec.Recipe)
	if adapter == nil {
		return nil, lemonadeerr.New(lemonadeerr.UnsupportedOperation, "no adapter for recipe %q", rec.Recipe)
	}
	if err := adapter.Install(ctx, r.cacheDir); err != nil {
		return nil, lemonadeerr.Wrap(lemonadeerr.InstallationError, err, "install failed")
	}
	if !rec.Downloaded {
		if err := adapter.DownloadModel(ctx, r.cacheDir, rec, nil); err != nil {
			return nil, lemonadeerr.Wrap(lemonadeerr.DownloadError, err, "model download failed")
		}
	}
	proc, err := adapter.Load(ctx, r.cacheDir, r.logDir, rec)
	if err != nil {
		return nil, lemonadeerr.Wrap(lemonadeerr.ProcessError, err, "backend failed to start")
	}

	s := &Slot{Record: rec, Process: proc, LoadedAt: time.Now()}
	t.mu.Lock()
	t.slots[rec.ID] = s
	t.touch(rec.ID)
	t.mu.Unlock()

	go r.watchDeath(t, s)
	r.notify()
	return s, nil
}

// watchDeath purges a slot whose child exited on its own, per spec §4.5
// invariant 7.
func (r *Router) watchDeath(t *typeTable, s *Slot) {
	err := <-s.Process.Done()
	t.mu.Lock()
	if t.slots[s.Record.ID] == s {
		delete(t.slots, s.Record.ID)
		if s.elem != nil {
			t.lru.Remove(s.elem)
			delete(t.elemToID, s.elem)
		}
	}
	t.mu.Unlock()
	if err != nil {
		slog.Warn("router", "state", "child exited unexpectedly", "model", s.Record.ID, "err", err)
	}
	r.notify()
}

// evict drains id's in-flight streams (up to evictionWait) then stops its
// backend child and removes its slot. Returns BackendBusy if the drain
// times out; the caller never force-kills mid-stream (spec §4.5).
func (r *Router) evict(t *typeTable, id string) error {
	t.mu.Lock()
	s, ok := t.slots[id]
	t.mu.Unlock()
	if !ok {
		return nil
	}

	deadline := time.Now().Add(evictionWait)
	for s.streamCount() > 0 {
		if time.Now().After(deadline) {
			return lemonadeerr.New(lemonadeerr.BackendBusy, "model %q is busy draining streams", id)
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.slots[id]; !ok || cur != s {
		// Already purged by watchDeath or a concurrent evict; nothing to do.
		return nil
	}
	if err := s.Process.Stop(); err != nil {
		slog.Warn("router", "state", "error stopping evicted backend", "model", id, "err", err)
	}
	delete(t.slots, id)
	if s.elem != nil {
		t.lru.Remove(s.elem)
		delete(t.elemToID, s.elem)
	}
	return nil
}

// Unload stops id's backend child if loaded. Idempotent: unloading an id
// that is not loaded is a success (spec §4.5 invariant 6).
func (r *Router) Unload(id string) error {
	rec := r.reg.Get(id)
	if rec == nil {
		return lemonadeerr.New(lemonadeerr.InvalidRequest, "unknown model %q", id)
	}
	t := r.tables[rec.Type()]
	err := r.evict(t, id)
	r.notify()
	return err
}
