package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := NewStore(":memory:", nil)
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	return s
}

func TestUpsertFileMapping_InsertThenUpdate(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertFileMapping(ctx, FileMapping{
		LocalRelPath: "docs/a.txt",
		RemoteToken:  "tok-a",
		LocalHash:    "h1",
	}))

	m, err := s.MappingByLocalPath(ctx, "docs/a.txt")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "tok-a", m.RemoteToken)
	assert.Equal(t, StatusSynced, m.Status)
	assert.Equal(t, "file", m.RemoteType)

	// Same local path, changed hash: updates in place.
	require.NoError(t, s.UpsertFileMapping(ctx, FileMapping{
		LocalRelPath: "docs/a.txt",
		RemoteToken:  "tok-a",
		LocalHash:    "h2",
	}))

	n, err := s.CountFileMappings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err = s.MappingByLocalPath(ctx, "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "h2", m.LocalHash)
}

func TestUpsertFileMapping_MatchesByRemoteToken(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertFileMapping(ctx, FileMapping{
		LocalRelPath: "old-name.txt",
		RemoteToken:  "tok-x",
	}))

	// New local path for the same remote token: the row moves, no unique
	// constraint violation.
	require.NoError(t, s.UpsertFileMapping(ctx, FileMapping{
		LocalRelPath: "new-name.txt",
		RemoteToken:  "tok-x",
	}))

	n, err := s.CountFileMappings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := s.MappingByRemoteToken(ctx, "tok-x")
	require.NoError(t, err)
	assert.Equal(t, "new-name.txt", m.LocalRelPath)
}

func TestMarkMappingDeleted_HidesFromLiveListing(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertFileMapping(ctx, FileMapping{LocalRelPath: "a.txt", RemoteToken: "t1"}))
	require.NoError(t, s.UpsertFileMapping(ctx, FileMapping{LocalRelPath: "b.txt", RemoteToken: "t2"}))

	m, err := s.MappingByLocalPath(ctx, "a.txt")
	require.NoError(t, err)
	require.NoError(t, s.MarkMappingDeleted(ctx, m.ID))

	live, err := s.LiveFileMappings(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "b.txt", live[0].LocalRelPath)

	n, err := s.CountFileMappings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpsertFileMapping_RecreateAfterDeleteKeepsAudit(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertFileMapping(ctx, FileMapping{LocalRelPath: "a.txt", RemoteToken: "tok-1"}))

	m, err := s.MappingByLocalPath(ctx, "a.txt")
	require.NoError(t, err)
	require.NoError(t, s.MarkMappingDeleted(ctx, m.ID))

	// Re-creating the path inserts a fresh row; the deleted one stays
	// behind for audit.
	require.NoError(t, s.UpsertFileMapping(ctx, FileMapping{LocalRelPath: "a.txt", RemoteToken: "tok-2"}))

	total, err := s.TotalFileMappings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	live, err := s.LiveFileMappings(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "tok-2", live[0].RemoteToken)

	cur, err := s.MappingByLocalPath(ctx, "a.txt")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "tok-2", cur.RemoteToken, "lookups must see the live row, not the deleted one")
}

func TestRenameMappingPath(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertFileMapping(ctx, FileMapping{LocalRelPath: "before.txt", RemoteToken: "t1"}))

	m, err := s.MappingByLocalPath(ctx, "before.txt")
	require.NoError(t, err)
	require.NoError(t, s.RenameMappingPath(ctx, m.ID, "after.txt"))

	moved, err := s.MappingByLocalPath(ctx, "after.txt")
	require.NoError(t, err)
	require.NotNil(t, moved)
	assert.Equal(t, "t1", moved.RemoteToken)
}

func TestFolderMappings(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertFolderMapping(ctx, "", "root-tok"))
	require.NoError(t, s.UpsertFolderMapping(ctx, "docs", "docs-tok"))
	// Re-pointing an existing dir replaces the token.
	require.NoError(t, s.UpsertFolderMapping(ctx, "docs", "docs-tok2"))

	folders, err := s.FolderMappings(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 2)
	assert.Equal(t, "", folders[0].LocalRelDir)
	assert.Equal(t, "docs-tok2", folders[1].RemoteFolderToken)
}

func TestRetryQueue_DueOrderingAndLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.EnqueueRetry(ctx, "upload", `{"p":"later"}`, 0, now.Add(time.Hour), ""))
	require.NoError(t, s.EnqueueRetry(ctx, "upload", `{"p":"due2"}`, 1, now.Add(-time.Minute), "boom"))
	require.NoError(t, s.EnqueueRetry(ctx, "pull", `{"p":"due1"}`, 0, now.Add(-time.Hour), ""))

	due, err := s.DueRetries(ctx, now, 50)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, `{"p":"due1"}`, due[0].PayloadJSON, "oldest due first")
	assert.Equal(t, `{"p":"due2"}`, due[1].PayloadJSON)

	// Successful entry leaves the queue.
	require.NoError(t, s.DeleteRetry(ctx, due[0].ID))

	// Failed entry is pushed out with a new attempt count.
	require.NoError(t, s.RescheduleRetry(ctx, due[1].ID, 2, now.Add(8*time.Second), "still failing"))

	due, err = s.DueRetries(ctx, now, 50)
	require.NoError(t, err)
	assert.Empty(t, due)

	depth, err := s.RetryQueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestSyncRuns(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertSyncRun(ctx, "manual", time.Now())
	require.NoError(t, err)

	runs, err := s.RecentSyncRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunRunning, runs[0].Status)

	require.NoError(t, s.FinishSyncRun(ctx, id, RunSuccess, time.Now(), `{"uploaded":3}`))

	runs, err = s.RecentSyncRuns(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, runs[0].Status)
	assert.Equal(t, `{"uploaded":3}`, runs[0].SummaryJSON)
	assert.False(t, runs[0].FinishedAt.IsZero())
}

func TestTombstonesAndSettings(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertTombstone(ctx, SideRemote, "gone.txt", "tok-gone", "remote_404"))

	stones, err := s.RecentTombstones(ctx, 5)
	require.NoError(t, err)
	require.Len(t, stones, 1)
	assert.Equal(t, SideRemote, stones[0].Side)
	assert.Equal(t, "remote_404", stones[0].Reason)

	val, err := s.GetSetting(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, val)

	require.NoError(t, s.SetSetting(ctx, "k", "v1"))
	require.NoError(t, s.SetSetting(ctx, "k", "v2"))

	val, err = s.GetSetting(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", val)
}
