package artifact_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pipeline-core/internal/artifact"
)

func newStore(t *testing.T) *artifact.FSStore {
	t.Helper()
	return artifact.NewFSStore(filepath.Join(t.TempDir(), "artifacts"))
}

func TestPutDedupesByHash(t *testing.T) {
	s := newStore(t)
	id1, err := s.Put([]byte(`{"x":1}`), artifact.Metadata{Kind: "adr", Version: "1.0.0", CreatedBy: "architect.platform"})
	require.NoError(t, err)
	id2, err := s.Put([]byte(`{"x":1}`), artifact.Metadata{Kind: "adr", Version: "1.0.0", CreatedBy: "architect.platform"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	m, err := s.Manifest(id1)
	require.NoError(t, err)
	assert.Equal(t, 2, m.RefCount)
}

func TestPutRejectsNonMonotonicVersionUnderSameName(t *testing.T) {
	s := newStore(t)
	_, err := s.Put([]byte(`{"x":1}`), artifact.Metadata{Name: "login-component", Version: "1.2.0"})
	require.NoError(t, err)
	_, err = s.Put([]byte(`{"x":2}`), artifact.Metadata{Name: "login-component", Version: "1.0.0"})
	require.ErrorIs(t, err, artifact.ErrNotMonotonic)
}

func TestGetReturnsExactBytesForID(t *testing.T) {
	s := newStore(t)
	id, err := s.Put([]byte(`{"v":1}`), artifact.Metadata{Version: "1.0.0"})
	require.NoError(t, err)

	data, err := s.Get(id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(data))
}

func TestDependentsDerivedFromManifests(t *testing.T) {
	s := newStore(t)
	base, err := s.Put([]byte(`{"base":true}`), artifact.Metadata{Version: "1.0.0"})
	require.NoError(t, err)
	dep, err := s.Put([]byte(`{"dep":true}`), artifact.Metadata{Version: "1.0.0", Dependencies: []string{base}})
	require.NoError(t, err)

	dependents, err := s.Dependents(base)
	require.NoError(t, err)
	assert.Contains(t, dependents, dep)
}

func TestRollbackMovesPointerWithoutDeletingHistory(t *testing.T) {
	s := newStore(t)
	idV1, err := s.Put([]byte(`{"v":1}`), artifact.Metadata{Name: "login-component", Version: "1.0.0"})
	require.NoError(t, err)
	idV2, err := s.Put([]byte(`{"v":2}`), artifact.Metadata{Name: "login-component", Version: "1.1.0"})
	require.NoError(t, err)

	current, err := s.Current("login-component")
	require.NoError(t, err)
	assert.Equal(t, idV2, current.ID)

	require.NoError(t, s.Rollback("login-component", "1.0.0"))
	current, err = s.Current("login-component")
	require.NoError(t, err)
	assert.Equal(t, idV1, current.ID)

	history, err := s.History("login-component")
	require.NoError(t, err)
	assert.Len(t, history, 3) // original two Puts plus the rollback re-append

	// both versions still retrievable by id
	v1, err := s.Get(idV1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(v1))
	v2, err := s.Get(idV2)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(v2))
}

func TestSetStatusEnforcesForwardOnlyTransitions(t *testing.T) {
	s := newStore(t)
	id, err := s.Put([]byte(`{"v":1}`), artifact.Metadata{Version: "1.0.0"})
	require.NoError(t, err)

	require.NoError(t, s.SetStatus(id, artifact.StatusInReview))
	require.NoError(t, s.SetStatus(id, artifact.StatusApproved))

	err = s.SetStatus(id, artifact.StatusDraft)
	require.Error(t, err)
	var illegal *artifact.ErrIllegalStatusTransition
	assert.ErrorAs(t, err, &illegal)
}
