// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package registry

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultCatalog is the shipped catalog of known models, the registry
// equivalent of the teacher's embedded default_config.yml.
//
//go:embed default_models.yaml
var DefaultCatalog []byte

type catalogFile struct {
	Models []Record `yaml:"models"`
}

// Registry merges the shipped catalog with a user catalog persisted at
// <cache>/user_models.json, per spec §4.3. Reads return copies of the
// records taken under the read lock; writers update the maps in place
// under the write lock.
type Registry struct {
	cacheDir string
	userPath string

	mu       sync.RWMutex
	records  map[string]*Record // built-in ∪ user
	userOnly map[string]*Record // subset persisted to disk

	subMu       sync.Mutex
	subscribers []chan struct{}
}

// New loads the embedded catalog and the user catalog at <cache>/user_models.json
// (treated as empty if absent; it is first written by Insert or Delete),
// merges them, and returns the Registry.
func New(cacheDir string) (*Registry, error) {
	r := &Registry{
		cacheDir: cacheDir,
		userPath: filepath.Join(cacheDir, "user_models.json"),
		records:  map[string]*Record{},
		userOnly: map[string]*Record{},
	}
	var cat catalogFile
	d := yaml.NewDecoder(bytes.NewReader(DefaultCatalog))
	d.KnownFields(true)
	if err := d.Decode(&cat); err != nil {
		return nil, fmt.Errorf("failed to parse embedded catalog: %w", err)
	}
	for i := range cat.Models {
		m := cat.Models[i]
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("embedded catalog: %w", err)
		}
		r.records[m.ID] = &m
	}
	if err := r.loadUser(); err != nil {
		return nil, err
	}
	scanDownloaded(r.cacheDir, r.records)
	return r, nil
}

// LoadExtraDir merges every "*.yaml"/"*.yml" file in dir into the
// registry as additional built-in entries, the same catalogFile shape as
// the embedded catalog. This backs the --extra-models-dir CLI flag (spec
// §6): operators drop their own model YAML files in a directory instead
// of editing user_models.json by hand.
func (r *Registry) LoadExtraDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read extra models dir %q: %w", dir, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %q: %w", path, err)
		}
		var cat catalogFile
		d := yaml.NewDecoder(bytes.NewReader(b))
		d.KnownFields(true)
		if err := d.Decode(&cat); err != nil {
			return fmt.Errorf("failed to parse %q: %w", path, err)
		}
		for i := range cat.Models {
			m := cat.Models[i]
			if err := m.Validate(); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			r.records[m.ID] = &m
		}
	}
	scanDownloaded(r.cacheDir, r.records)
	return nil
}

func (r *Registry) loadUser() error {
	b, err := os.ReadFile(r.userPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %q: %w", r.userPath, err)
	}
	var m map[string]*Record
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("failed to parse %q: %w", r.userPath, err)
	}
	for id, rec := range m {
		rec.ID = id
		r.records[id] = rec
		r.userOnly[id] = rec
	}
	return nil
}

func (r *Registry) saveUserLocked() error {
	if err := os.MkdirAll(filepath.Dir(r.userPath), 0o755); err != nil {
		return fmt.Errorf("failed to create %q: %w", filepath.Dir(r.userPath), err)
	}
	b, err := json.MarshalIndent(r.userOnly, "", "  ")
	if err != nil {
		return fmt.Errorf("internal error: %w", err)
	}
	if err := os.WriteFile(r.userPath, b, 0o644); err != nil {
		return fmt.Errorf("failed to write %q: %w", r.userPath, err)
	}
	return nil
}

// Get returns the record for id, case-sensitively, or nil if absent.
func (r *Registry) Get(id string) *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.records[id]; ok {
		cp := *rec
		return &cp
	}
	return nil
}

// List returns every record, stable-sorted by id (spec §4.3).
func (r *Registry) List() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UserModelInput describes a user-defined model for Insert. The boolean
// flags map to labels as described in spec §4.3: every user entry carries
// "custom"; the others are added when true.
type UserModelInput struct {
	ID         string
	Checkpoint string
	Recipe     Recipe
	Reasoning  bool
	Vision     bool
	Embeddings bool
	Reranking  bool
	MMProj     string
}

// Insert validates in and adds it to the registry under the "user." prefix
// rule from spec §4.3: the caller-supplied id must not already carry that
// prefix (the registry owns assigning it).
func (r *Registry) Insert(in UserModelInput) (*Record, error) {
	if IsUser(in.ID) {
		return nil, fmt.Errorf("model id %q must not start with %q", in.ID, "user.")
	}
	id := "user." + in.ID
	rec := &Record{
		ID:         id,
		Checkpoint: in.Checkpoint,
		Recipe:     in.Recipe,
		MMProj:     in.MMProj,
		Labels:     []Label{LabelCustom},
	}
	if in.Reasoning {
		rec.Labels = append(rec.Labels, LabelReasoning)
	}
	if in.Vision {
		rec.Labels = append(rec.Labels, LabelVision)
	}
	if in.Embeddings {
		rec.Labels = append(rec.Labels, LabelEmbeddings)
	}
	if in.Reranking {
		rec.Labels = append(rec.Labels, LabelReranking)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.records[id] = rec
	r.userOnly[id] = rec
	_, statErr := os.Stat(CheckpointPath(r.cacheDir, rec))
	rec.Downloaded = statErr == nil
	err := r.saveUserLocked()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	r.notify()
	return rec, nil
}

// Delete removes a user-defined model. Deleting a built-in model or one
// that doesn't exist is an error.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	if _, ok := r.userOnly[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("model %q is not a user-defined model", id)
	}
	delete(r.records, id)
	delete(r.userOnly, id)
	err := r.saveUserLocked()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.notify()
	return nil
}

// SetDownloaded updates the derived on-disk-presence flag for id.
func (r *Registry) SetDownloaded(id string, downloaded bool) {
	r.mu.Lock()
	if rec, ok := r.records[id]; ok {
		rec.Downloaded = downloaded
	}
	r.mu.Unlock()
	r.notify()
}

// Subscribe returns a channel that receives a value (non-blocking, best
// effort) on every registry mutation (spec §4.3). The gateway does not
// cache /models and does not subscribe.
func (r *Registry) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()
	return ch
}

func (r *Registry) notify() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
