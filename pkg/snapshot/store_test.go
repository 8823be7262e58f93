package snapshot

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SnapshotRestoreIdempotent(t *testing.T) {
	s := openTestStore(t)

	payload := []byte(`{"messages":[{"id":"m1"}]}`)
	id, err := s.Snapshot(payload, "", map[string]any{"name": "first"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.Restore(id)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestStore_RestoreMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)

	got, err := s.Restore("does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_EmptyPayloadRejected(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Snapshot(nil, "", nil)
	assert.Error(t, err)
}

func TestStore_ParentMustExist(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Snapshot([]byte("x"), "phantom-parent", nil)
	assert.Error(t, err)
}

func TestStore_BranchFrom(t *testing.T) {
	s := openTestStore(t)

	payload := []byte(`{"state":"original"}`)
	rootID, err := s.Snapshot(payload, "", nil)
	require.NoError(t, err)

	branchID, branchPayload, err := s.BranchFrom(rootID, map[string]any{"name": "alt"})
	require.NoError(t, err)
	assert.NotEqual(t, rootID, branchID)
	assert.Equal(t, payload, branchPayload)

	// The root payload is untouched by the branch.
	rootPayload, err := s.Restore(rootID)
	require.NoError(t, err)
	assert.Equal(t, payload, rootPayload)
}

func TestStore_BranchFromMissingFails(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.BranchFrom("nope", nil)
	assert.Error(t, err)
}

func TestStore_ListNewestFirst(t *testing.T) {
	s := openTestStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.Snapshot([]byte(fmt.Sprintf(`{"n":%d}`, i)), "", map[string]any{"name": fmt.Sprintf("snap-%d", i)})
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}

	descs, err := s.List(10, 0)
	require.NoError(t, err)
	require.Len(t, descs, 3)

	assert.Equal(t, ids[2], descs[0].ID)
	assert.Equal(t, ids[0], descs[2].ID)
	assert.Equal(t, "snap-2", descs[0].Name)

	// Pagination.
	page, err := s.List(1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[1], page[0].ID)
}

func TestStore_ConcurrentSnapshots(t *testing.T) {
	s := openTestStore(t)

	const n = 16
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := s.Snapshot([]byte(fmt.Sprintf(`{"i":%d}`, i)), "", nil)
			errCh <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errCh)
	}

	descs, err := s.List(100, 0)
	require.NoError(t, err)
	assert.Len(t, descs, n)
}
