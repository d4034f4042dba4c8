package storage

import (
	"testing"
	"time"

	"github.com/cuemby/taskworker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestClaimLifecycle(t *testing.T) {
	store := newTestStore(t)

	claim := &ClaimRecord{
		TaskID:    "task-1",
		RunID:     0,
		Phase:     "claimed",
		ClaimedAt: time.Now().UTC(),
	}
	require.NoError(t, store.RecordClaim(claim))

	require.NoError(t, store.SetClaimPhase("task-1", 0, "execute"))

	claims, err := store.ListClaims()
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "task-1", claims[0].TaskID)
	assert.Equal(t, "execute", claims[0].Phase)

	require.NoError(t, store.DeleteClaim("task-1", 0))
	claims, err = store.ListClaims()
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestSetClaimPhase_Missing(t *testing.T) {
	store := newTestStore(t)
	assert.Error(t, store.SetClaimPhase("nope", 3, "execute"))
}

func TestClaimsSurviveReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.RecordClaim(&ClaimRecord{TaskID: "task-1", RunID: 1}))
	require.NoError(t, store.Close())

	store, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()

	claims, err := store.ListClaims()
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, 1, claims[0].RunID)
}

func TestResolutionsNewestFirst(t *testing.T) {
	store := newTestStore(t)

	for i, status := range []types.Status{types.StatusSuccess, types.StatusFailure, types.StatusWorkerShutdown} {
		require.NoError(t, store.RecordResolution(&Resolution{
			TaskID: "task",
			RunID:  i,
			Status: status,
		}))
	}

	resolutions, err := store.ListResolutions(2)
	require.NoError(t, err)
	require.Len(t, resolutions, 2)
	assert.Equal(t, types.StatusWorkerShutdown, resolutions[0].Status)
	assert.Equal(t, types.StatusFailure, resolutions[1].Status)

	all, err := store.ListResolutions(0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestResolutionsTrimmed(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < maxResolutions+5; i++ {
		require.NoError(t, store.RecordResolution(&Resolution{TaskID: "task", RunID: i}))
	}

	all, err := store.ListResolutions(0)
	require.NoError(t, err)
	assert.Len(t, all, maxResolutions)
	assert.Equal(t, maxResolutions+4, all[0].RunID)
}
