// Package rmapindex wraps an artifact.Store with a cross-node manifest
// index backed by a goa.design/pulse/rmap.Map, the same replicated-map
// primitive used elsewhere in this codebase for cross-node health state.
// It is optional: the default FSStore is sufficient for a single
// coordinator process; this wrapper exists for deployments where
// "artifact get"/"approval decide"-style read paths run from a different
// OS process than "run start" and need a shared view of which artifact ids
// exist without re-scanning the filesystem.
package rmapindex

import (
	"context"
	"encoding/json"
	"fmt"

	"goa.design/pulse/rmap"

	"goa.design/pipeline-core/internal/artifact"
)

// Store wraps an artifact.Store, additionally publishing each manifest to a
// shared rmap.Map on every Put/Rollback/SetStatus so any node joined to the
// same map can read a manifest (ManifestFromIndex) without talking to this
// node. Dependents and History are answered only by the wrapped Store.
type Store struct {
	artifact.Store
	index *rmap.Map
}

// New wraps inner, publishing manifest JSON into index keyed by artifact id.
func New(inner artifact.Store, index *rmap.Map) *Store {
	return &Store{Store: inner, index: index}
}

func (s *Store) Put(data []byte, meta artifact.Metadata) (string, error) {
	id, err := s.Store.Put(data, meta)
	if err != nil {
		return "", err
	}
	if err := s.publish(id); err != nil {
		return id, fmt.Errorf("rmapindex: publish manifest: %w", err)
	}
	return id, nil
}

func (s *Store) Rollback(name, toVersion string) error {
	if err := s.Store.Rollback(name, toVersion); err != nil {
		return err
	}
	entry, err := s.Store.Current(name)
	if err != nil {
		return err
	}
	return s.publish(entry.ID)
}

func (s *Store) SetStatus(id string, status artifact.Status) error {
	if err := s.Store.SetStatus(id, status); err != nil {
		return err
	}
	return s.publish(id)
}

func (s *Store) publish(id string) error {
	m, err := s.Store.Manifest(id)
	if err != nil {
		return err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.index.Set(context.Background(), id, string(body))
	return err
}

// ManifestFromIndex reads a manifest straight from the shared map, for a
// node that never ran this artifact's Put locally.
func (s *Store) ManifestFromIndex(id string) (artifact.Manifest, bool) {
	raw, ok := s.index.Get(id)
	if !ok {
		return artifact.Manifest{}, false
	}
	var m artifact.Manifest
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return artifact.Manifest{}, false
	}
	return m, true
}

var _ artifact.Store = (*Store)(nil)
