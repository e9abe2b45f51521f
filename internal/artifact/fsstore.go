package artifact

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
)

// FSStore persists each content-addressed artifact at
// artifacts/<id>/bytes plus a JSON manifest sidecar at artifacts/<id>/manifest,
// matching the on-disk layout the CLI's `artifact get` command reads from.
// Named pointers (pointers/<name>.json) record the ordered (version,
// id) history a logical artifact name has been Put under. Manifests and
// pointers are cached in memory; a reverse dependents index is built lazily
// on first use and invalidated by Put — computed via lookup, never by
// pointer-chasing a live object graph.
type FSStore struct {
	root string

	mu        sync.Mutex
	manifests map[string]*Manifest
	pointers  map[string][]PointerEntry

	dmu        sync.Mutex
	dependents map[string][]string // nil until first Dependents call
}

// NewFSStore constructs a Store rooted at root (the CLI passes a
// project-level artifacts directory shared by all runs). The directory is
// created on first Put.
func NewFSStore(root string) *FSStore {
	return &FSStore{
		root:      root,
		manifests: make(map[string]*Manifest),
		pointers:  make(map[string][]PointerEntry),
	}
}

// Put computes id from the SHA-256 of bytes. If an artifact with that id
// already exists, its refcount is incremented and the existing id is
// returned without rewriting the bytes file. When meta.Name is set, the
// (Version, id) pair is additionally appended to that name's pointer
// history after validating that Version is strictly greater than every
// version already recorded for Name.
func (s *FSStore) Put(data []byte, meta Metadata) (string, error) {
	sum := sha256.Sum256(data)
	id := fmt.Sprintf("%x", sum)

	version := meta.Version
	if version == "" {
		version = "0.1.0"
	}
	if _, err := semver.NewVersion(version); err != nil {
		return "", fmt.Errorf("artifact: invalid semver %q: %w", version, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.manifests[id]
	if !ok {
		m = &Manifest{
			ID:           id,
			Kind:         meta.Kind,
			Version:      version,
			Status:       StatusDraft,
			Dependencies: append([]string(nil), meta.Dependencies...),
			CreatedBy:    meta.CreatedBy,
			CreatedAt:    time.Now(),
		}
		s.manifests[id] = m
		if err := os.MkdirAll(filepath.Join(s.root, id), 0o755); err != nil {
			return "", fmt.Errorf("artifact: create artifact dir: %w", err)
		}
		if err := os.WriteFile(filepath.Join(s.root, id, "bytes"), data, 0o644); err != nil {
			return "", fmt.Errorf("artifact: write bytes: %w", err)
		}
	}
	m.RefCount++
	if err := s.writeManifestLocked(m); err != nil {
		return "", err
	}
	s.invalidateDependents()

	if meta.Name != "" {
		if err := s.appendPointerLocked(meta.Name, version, id); err != nil {
			return "", err
		}
	}
	return id, nil
}

func (s *FSStore) appendPointerLocked(name, version, id string) error {
	history := s.pointers[name]
	if err := validateMonotonic(history, version); err != nil {
		return err
	}
	history = append(history, PointerEntry{Version: version, ID: id})
	s.pointers[name] = history
	return s.writePointerLocked(name, history)
}

// Get returns the bytes for id.
func (s *FSStore) Get(id string) ([]byte, error) {
	s.mu.Lock()
	_, ok := s.manifests[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return os.ReadFile(filepath.Join(s.root, id, "bytes"))
}

// Manifest returns a copy of the tracked manifest for id.
func (s *FSStore) Manifest(id string) (Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[id]
	if !ok {
		return Manifest{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *m, nil
}

// History returns the ordered (version, id) pairs registered under a named
// pointer — the full history, including the entries Rollback re-appends.
func (s *FSStore) History(name string) ([]PointerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history, ok := s.pointers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPointerNotFound, name)
	}
	out := make([]PointerEntry, len(history))
	copy(out, history)
	return out, nil
}

// Current returns the entry a named pointer currently resolves to: the
// most recently Put version, unless Rollback has moved it to an earlier
// one.
func (s *FSStore) Current(name string) (PointerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history, ok := s.pointers[name]
	if !ok || len(history) == 0 {
		return PointerEntry{}, fmt.Errorf("%w: %s", ErrPointerNotFound, name)
	}
	return history[len(history)-1], nil
}

// Dependents returns the ids of every artifact that declares id among its
// Dependencies, derived by scanning all manifests lazily on first call and
// cached until the next Put.
func (s *FSStore) Dependents(id string) ([]string, error) {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if s.dependents == nil {
		s.rebuildDependentsLocked()
	}
	return append([]string(nil), s.dependents[id]...), nil
}

func (s *FSStore) rebuildDependentsLocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := make(map[string][]string)
	for id, m := range s.manifests {
		for _, dep := range m.Dependencies {
			index[dep] = append(index[dep], id)
		}
	}
	s.dependents = index
}

func (s *FSStore) invalidateDependents() {
	s.dmu.Lock()
	s.dependents = nil
	s.dmu.Unlock()
}

// Rollback moves the named pointer's "current" entry to toVersion without
// removing any entry from its history — the pointer's History() still
// reports every version ever Put, in original order, and every version's
// bytes remain retrievable via Get.
func (s *FSStore) Rollback(name string, toVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	history, ok := s.pointers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPointerNotFound, name)
	}
	idx := -1
	for i, e := range history {
		if e.Version == toVersion {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s@%s", ErrVersionNotFound, name, toVersion)
	}
	// Moving "current" to an earlier entry means re-appending it at the end
	// of the recorded order without discarding anything already there —
	// an append-only history, plus a pointer that now
	// resolves to the rolled-back version.
	rolledTo := history[idx]
	s.pointers[name] = append(history, rolledTo)
	return s.writePointerLocked(name, s.pointers[name])
}

// SetStatus validates and applies a forward-only status transition.
func (s *FSStore) SetStatus(id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := ValidateStatusTransition(id, m.Status, status); err != nil {
		return err
	}
	m.Status = status
	return s.writeManifestLocked(m)
}

func (s *FSStore) writeManifestLocked(m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact: marshal manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(s.root, m.ID, "manifest"), data, 0o644)
}

func (s *FSStore) writePointerLocked(name string, history []PointerEntry) error {
	dir := filepath.Join(s.root, "pointers")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("artifact: create pointers dir: %w", err)
	}
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact: marshal pointer: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, name+".json"), data, 0o644)
}

// validateMonotonic requires next to compare greater than every version
// already recorded, using semantic-version ordering rather than string
// comparison. Because every entry is checked, a Put after a Rollback must
// still exceed the highest version ever recorded, not just the rolled-back
// one.
func validateMonotonic(history []PointerEntry, next string) error {
	nv, err := semver.NewVersion(next)
	if err != nil {
		return fmt.Errorf("artifact: invalid semver %q: %w", next, err)
	}
	for _, e := range history {
		ev, err := semver.NewVersion(e.Version)
		if err != nil {
			continue
		}
		if nv.Compare(ev) <= 0 {
			return fmt.Errorf("%w: %s is not greater than existing %s", ErrNotMonotonic, next, e.Version)
		}
	}
	return nil
}

var _ Store = (*FSStore)(nil)
