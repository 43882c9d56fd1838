package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larksync/larksync/internal/config"
	"github.com/larksync/larksync/internal/drive"
	"github.com/larksync/larksync/internal/state"
)

const (
	shaOfA     = "ca978112ca1bbdcafac231b39a23dc4da786eff8147c4e72b9807785afee48bb"
	shaOfEmpty = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

func testOptions(localRoot string) Options {
	return Options{
		LocalRoot:        localRoot,
		Direction:        config.DirectionRemoteWins,
		InitialStrategy:  config.InitialLocalWins,
		RecycleBinName:   "SyncRecycleBin",
		LocalTrashDir:    ".sync_trash",
		RemoteDeleteMode: config.DeleteModeRecycleBin,
		ExcludeDirs:      []string{".git", ".sync_trash", ".sync_quarantine", ".local_state"},
		MaxRetry:         5,
	}
}

func newTestEngine(t *testing.T, mutate func(*Options)) (*Engine, *fakeDrive, *state.Store, string) {
	t.Helper()

	localRoot := filepath.Join(t.TempDir(), "files")
	require.NoError(t, os.MkdirAll(localRoot, 0o755))

	opts := testOptions(localRoot)
	if mutate != nil {
		mutate(&opts)
	}

	store, err := state.NewStore(":memory:", nil)
	require.NoError(t, err)

	t.Cleanup(func() { store.Close() })

	drv := newFakeDrive()
	eng := NewEngine(opts, store, drv, nil, nil)

	return eng, drv, store, localRoot
}

func writeLocal(t *testing.T, root, rel, content string) {
	t.Helper()

	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestRun_FirstRunLocalWins(t *testing.T) {
	t.Parallel()

	eng, drv, store, root := newTestEngine(t, nil)
	ctx := context.Background()

	writeLocal(t, root, "a.txt", "a")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "d"), 0o755))

	summary := eng.Run(ctx, "manual")

	assert.Empty(t, summary.FatalError)
	assert.Equal(t, 1, summary.Uploaded)
	assert.Zero(t, summary.Downloaded)
	assert.Zero(t, summary.Errors)
	assert.Equal(t, 1, summary.LocalTotal)

	assert.NotEmpty(t, drv.folderAt("d"), "empty dir mirrored remotely")
	assert.NotEmpty(t, drv.fileAt("a.txt"))

	m, err := store.MappingByLocalPath(ctx, "a.txt")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.NotEmpty(t, m.RemoteToken)
	assert.Equal(t, shaOfA, m.LocalHash)

	runs, err := store.RecentSyncRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, state.RunSuccess, runs[0].Status)
}

func TestRun_SecondRunIsNoOp(t *testing.T) {
	t.Parallel()

	eng, drv, _, root := newTestEngine(t, nil)
	ctx := context.Background()

	writeLocal(t, root, "x/a.txt", "hello")

	first := eng.Run(ctx, "manual")
	require.Zero(t, first.Errors)
	require.Equal(t, 1, first.Uploaded)

	uploadsAfterFirst := drv.uploadCalls

	second := eng.Run(ctx, "manual")
	assert.Zero(t, second.Errors)
	assert.Zero(t, second.Uploaded)
	assert.Zero(t, second.Downloaded)
	assert.Zero(t, second.Conflicts)
	assert.Equal(t, uploadsAfterFirst, drv.uploadCalls)
}

func TestRun_InitialRemoteWinsPullsOnly(t *testing.T) {
	t.Parallel()

	eng, drv, _, root := newTestEngine(t, func(o *Options) {
		o.InitialStrategy = config.InitialRemoteWins
	})
	ctx := context.Background()

	writeLocal(t, root, "only-local.txt", "local data")
	drv.addFile("docs/remote.txt", "remote data", "1700000000")

	summary := eng.Run(ctx, "manual")

	assert.Zero(t, summary.Errors)
	assert.Equal(t, 1, summary.Downloaded)
	// Local side treated as empty on the initial pass: nothing uploaded,
	// nothing deleted.
	assert.Zero(t, summary.Uploaded)
	assert.Zero(t, summary.LocalSoftDeleted)
	assert.Zero(t, summary.LocalTotal)

	data, err := os.ReadFile(filepath.Join(root, "docs", "remote.txt"))
	require.NoError(t, err)
	assert.Equal(t, "remote data", string(data))
}

func TestRun_RenameDetection(t *testing.T) {
	t.Parallel()

	eng, drv, store, root := newTestEngine(t, nil)
	ctx := context.Background()

	writeLocal(t, root, "old.md", "the content")
	first := eng.Run(ctx, "manual")
	require.Zero(t, first.Errors)

	remoteTok := drv.fileAt("old.md")
	require.NotEmpty(t, remoteTok)

	// Rename locally between runs.
	require.NoError(t, os.Rename(
		filepath.Join(root, "old.md"),
		filepath.Join(root, "new.md"),
	))

	summary := eng.Run(ctx, "manual")

	assert.Equal(t, 1, summary.Renamed)
	assert.Zero(t, summary.Uploaded)
	assert.Zero(t, summary.Downloaded)
	assert.Zero(t, summary.Errors)

	require.NotEmpty(t, drv.renameCalled)
	assert.Equal(t, [2]string{remoteTok, "new.md"}, drv.renameCalled[0])

	m, err := store.MappingByLocalPath(ctx, "new.md")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, remoteTok, m.RemoteToken)

	// With no further changes the next run is a no-op.
	third := eng.Run(ctx, "manual")
	assert.Zero(t, third.Renamed)
	assert.Zero(t, third.Uploaded)
	assert.Zero(t, third.Downloaded)
}

func TestRun_BothChangedBidirectionalRemoteNewer(t *testing.T) {
	t.Parallel()

	eng, drv, store, root := newTestEngine(t, func(o *Options) {
		o.Direction = config.DirectionBidirectional
	})
	ctx := context.Background()

	writeLocal(t, root, "doc.txt", "v1")
	require.Zero(t, eng.Run(ctx, "manual").Errors)

	tok := drv.fileAt("doc.txt")
	require.NotEmpty(t, tok)

	// Change both sides; make the remote clearly newer than the local
	// file's mtime.
	writeLocal(t, root, "doc.txt", "local v2")
	drv.mu.Lock()
	drv.files[tok].content = "remote v2"
	drv.files[tok].modified = "99999999999"
	drv.mu.Unlock()

	summary := eng.Run(ctx, "manual")

	assert.Equal(t, 1, summary.Downloaded)
	assert.Zero(t, summary.Uploaded)

	data, err := os.ReadFile(filepath.Join(root, "doc.txt"))
	require.NoError(t, err)
	assert.Equal(t, "remote v2", string(data))

	m, err := store.MappingByLocalPath(ctx, "doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "99999999999:9", m.RemoteHash)
}

func TestRun_BothChangedBidirectionalLocalNewer(t *testing.T) {
	t.Parallel()

	eng, drv, _, root := newTestEngine(t, func(o *Options) {
		o.Direction = config.DirectionBidirectional
	})
	ctx := context.Background()

	writeLocal(t, root, "doc.txt", "v1")
	require.Zero(t, eng.Run(ctx, "manual").Errors)

	tok := drv.fileAt("doc.txt")

	writeLocal(t, root, "doc.txt", "local v2")
	drv.mu.Lock()
	drv.files[tok].content = "remote v2"
	drv.files[tok].modified = "100" // far in the past
	drv.mu.Unlock()

	summary := eng.Run(ctx, "manual")

	assert.Equal(t, 1, summary.Uploaded)
	assert.Zero(t, summary.Downloaded)
}

func TestRun_ConflictOnNewMapping(t *testing.T) {
	t.Parallel()

	eng, drv, store, root := newTestEngine(t, nil)
	ctx := context.Background()

	// Seed one synced file so this is not an initial run.
	writeLocal(t, root, "seed.txt", "seed")
	require.Zero(t, eng.Run(ctx, "manual").Errors)

	// Now the same path appears independently on both sides.
	writeLocal(t, root, "p.txt", "local version")
	drv.addFile("p.txt", "remote version", "1700000001")

	summary := eng.Run(ctx, "manual")

	assert.Equal(t, 1, summary.Conflicts)
	assert.Zero(t, summary.Uploaded)
	assert.Zero(t, summary.Errors)

	// Local file untouched; remote bytes landed next to it.
	data, err := os.ReadFile(filepath.Join(root, "p.txt"))
	require.NoError(t, err)
	assert.Equal(t, "local version", string(data))

	entries, err := filepath.Glob(filepath.Join(root, "p.txt.remote_conflict_*"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	conflictData, err := os.ReadFile(entries[0])
	require.NoError(t, err)
	assert.Equal(t, "remote version", string(conflictData))

	m, err := store.MappingByLocalPath(ctx, "p.txt")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, state.StatusConflict, m.Status)
	assert.True(t, m.Conflict)
}

func TestRun_ConflictRetryAfterTransientDownloadFailure(t *testing.T) {
	t.Parallel()

	eng, drv, store, root := newTestEngine(t, nil)
	ctx := context.Background()

	t0 := time.Now()
	clock := t0
	eng.now = func() time.Time { return clock }

	// Seed one synced file so this is not an initial run.
	writeLocal(t, root, "seed.txt", "seed")
	require.Zero(t, eng.Run(ctx, "manual").Errors)

	// The same path appears independently on both sides, and the remote
	// twin's download fails transiently.
	writeLocal(t, root, "p.txt", "local version")
	tok := drv.addFile("p.txt", "remote version", "1700000001")
	drv.downloadErr[tok] = assert.AnError

	second := eng.Run(ctx, "manual")

	// One collision, counted once, queued once.
	assert.Equal(t, 1, second.Errors)
	assert.Zero(t, second.Conflicts)
	assert.Zero(t, second.Uploaded, "the conflicted local file must not be re-uploaded")

	depth, err := store.RetryQueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// Fault cleared; the drained entry must still produce conflict
	// semantics, not a plain pull.
	delete(drv.downloadErr, tok)
	clock = clock.Add(10 * time.Second)

	third := eng.Run(ctx, "manual")
	assert.Equal(t, 1, third.RetrySuccess)

	entries, err := filepath.Glob(filepath.Join(root, "p.txt.remote_conflict_*"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	conflictData, err := os.ReadFile(entries[0])
	require.NoError(t, err)
	assert.Equal(t, "remote version", string(conflictData))

	data, err := os.ReadFile(filepath.Join(root, "p.txt"))
	require.NoError(t, err)
	assert.Equal(t, "local version", string(data))

	m, err := store.MappingByLocalPath(ctx, "p.txt")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, state.StatusConflict, m.Status)
	assert.True(t, m.Conflict)

	// Exactly one remote p.txt; no duplicate sibling was ever uploaded.
	drv.mu.Lock()
	twins := 0
	for _, f := range drv.files {
		if f.name == "p.txt" {
			twins++
		}
	}
	drv.mu.Unlock()
	assert.Equal(t, 1, twins)
}

func TestRun_RemoteWinsLocalMissingPullsBack(t *testing.T) {
	t.Parallel()

	eng, _, _, root := newTestEngine(t, nil)
	ctx := context.Background()

	writeLocal(t, root, "keep.txt", "contents")
	require.Zero(t, eng.Run(ctx, "manual").Errors)

	require.NoError(t, os.Remove(filepath.Join(root, "keep.txt")))

	summary := eng.Run(ctx, "manual")

	assert.Equal(t, 1, summary.Downloaded)
	assert.Zero(t, summary.RemoteSoftDeleted)

	data, err := os.ReadFile(filepath.Join(root, "keep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "contents", string(data))
}

func TestRun_LocalWinsLocalMissingDeletesRemote(t *testing.T) {
	t.Parallel()

	eng, drv, store, root := newTestEngine(t, func(o *Options) {
		o.Direction = config.DirectionLocalWins
	})
	ctx := context.Background()

	writeLocal(t, root, "gone.txt", "contents")
	require.Zero(t, eng.Run(ctx, "manual").Errors)

	tok := drv.fileAt("gone.txt")
	require.NotEmpty(t, tok)

	require.NoError(t, os.Remove(filepath.Join(root, "gone.txt")))

	summary := eng.Run(ctx, "manual")

	assert.Equal(t, 1, summary.RemoteSoftDeleted)
	assert.Zero(t, summary.Downloaded)

	// Soft delete: the file moved into the recycle folder, not erased.
	assert.Equal(t, "SyncRecycleBin/gone.txt", drv.pathOf(tok))

	stones, err := store.RecentTombstones(ctx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, stones)
	assert.Equal(t, "local_deleted_assumed", stones[0].Reason)
	assert.Equal(t, state.SideLocal, stones[0].Side)
}

func TestRun_RemoteWinsRemoteMissingTrashesLocal(t *testing.T) {
	t.Parallel()

	eng, drv, store, root := newTestEngine(t, nil)
	ctx := context.Background()

	writeLocal(t, root, "docs/x.txt", "precious")
	require.Zero(t, eng.Run(ctx, "manual").Errors)

	tok := drv.fileAt("docs/x.txt")
	require.NotEmpty(t, tok)

	drv.mu.Lock()
	delete(drv.files, tok)
	drv.mu.Unlock()

	summary := eng.Run(ctx, "manual")

	assert.Equal(t, 1, summary.LocalSoftDeleted)

	// The original path is gone but the bytes survive in the trash area.
	_, err := os.Stat(filepath.Join(root, "docs", "x.txt"))
	assert.True(t, os.IsNotExist(err))

	trashed, err := filepath.Glob(filepath.Join(root, ".sync_trash", "*", "docs", "x.txt"))
	require.NoError(t, err)
	require.Len(t, trashed, 1)

	data, err := os.ReadFile(trashed[0])
	require.NoError(t, err)
	assert.Equal(t, "precious", string(data))

	stones, err := store.RecentTombstones(ctx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, stones)
	assert.Equal(t, "remote_deleted", stones[0].Reason)
}

func TestRun_RetryBackoffThenSuccess(t *testing.T) {
	t.Parallel()

	eng, drv, store, root := newTestEngine(t, nil)
	ctx := context.Background()

	t0 := time.Now()
	eng.now = func() time.Time { return t0 }

	writeLocal(t, root, "x.txt", "payload")

	drv.uploadErr = assert.AnError
	first := eng.Run(ctx, "manual")

	assert.Equal(t, 1, first.Errors)
	assert.Zero(t, first.Uploaded)

	due, err := store.DueRetries(ctx, t0.Add(5*time.Second), 50)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, kindUpload, due[0].OpType)
	assert.Equal(t, 0, due[0].AttemptCount)
	assert.WithinDuration(t, t0.Add(4*time.Second), due[0].NextRetryAt, time.Second)

	// Next run, past the backoff, with the fault cleared.
	drv.uploadErr = nil
	eng.now = func() time.Time { return t0.Add(10 * time.Second) }

	second := eng.Run(ctx, "manual")

	assert.Equal(t, 1, second.RetrySuccess)
	assert.NotEmpty(t, drv.fileAt("x.txt"))

	depth, err := store.RetryQueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRun_RetryDiscardedAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	eng, drv, store, root := newTestEngine(t, func(o *Options) {
		o.MaxRetry = 2
	})
	ctx := context.Background()

	t0 := time.Now()
	clock := t0
	eng.now = func() time.Time { return clock }

	writeLocal(t, root, "x.txt", "payload")

	drv.uploadErr = assert.AnError
	eng.Run(ctx, "manual")

	// Remove the file so the entry keeps failing with "local file missing"
	// instead of being rediscovered as a fresh upload.
	require.NoError(t, os.Remove(filepath.Join(root, "x.txt")))

	// Each subsequent run drains and fails the entry until the budget is
	// spent.
	for i := 0; i < 3; i++ {
		clock = clock.Add(time.Hour)
		eng.Run(ctx, "manual")
	}

	depth, err := store.RetryQueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "exhausted entry must be discarded")
}

func TestRun_Pull404TombstonesWithoutRetry(t *testing.T) {
	t.Parallel()

	eng, drv, store, root := newTestEngine(t, nil)
	ctx := context.Background()

	writeLocal(t, root, "seed.txt", "seed")
	require.Zero(t, eng.Run(ctx, "manual").Errors)

	// A remote file that lists fine but whose download 404s.
	tok := drv.addFile("ghost.txt", "never retrievable", "1700000002")
	drv.downloadErr[tok] = &drive.APIError{StatusCode: 404, Err: drive.ErrNotFound}

	summary := eng.Run(ctx, "manual")

	assert.Zero(t, summary.Downloaded)

	stones, err := store.RecentTombstones(ctx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, stones)
	assert.Equal(t, "remote_404", stones[0].Reason)
	assert.Equal(t, tok, stones[0].RemoteToken)

	depth, err := store.RetryQueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "permanently missing remote files are not retried")
}

func TestRun_DedupKeepsNewestTieBreakSmallestToken(t *testing.T) {
	t.Parallel()

	eng, drv, _, root := newTestEngine(t, nil)
	ctx := context.Background()

	writeLocal(t, root, "seed.txt", "seed")
	require.Zero(t, eng.Run(ctx, "manual").Errors)

	// Three same-name siblings: one newest, two tied older.
	newest := drv.addFile("dup.txt", "newest", "1700000300")
	drv.addFile("dup.txt", "older-a", "1700000100")
	drv.addFile("dup.txt", "older-b", "1700000100")

	summary := eng.Run(ctx, "manual")
	require.Zero(t, summary.FatalError)

	drv.mu.Lock()
	var survivors []string
	for tok, f := range drv.files {
		if f.name == "dup.txt" && f.parent == drv.rootTok {
			survivors = append(survivors, tok)
		}
	}
	drv.mu.Unlock()

	require.Len(t, survivors, 1)
	assert.Equal(t, newest, survivors[0])

	// Tie case: both candidates share the newest time; the smaller token
	// must survive regardless of map iteration order.
	low := drv.addFile("tie.txt", "low", "1700000500")
	high := drv.addFile("tie.txt", "high", "1700000500")

	keeper := low
	if high < low {
		keeper = high
	}

	require.NoError(t, eng.dedupRemoteSameName(ctx, drv.rootTok))

	drv.mu.Lock()
	_, lowAlive := drv.files[low]
	_, highAlive := drv.files[high]
	drv.mu.Unlock()

	if keeper == low {
		assert.True(t, lowAlive)
		assert.False(t, highAlive)
	} else {
		assert.True(t, highAlive)
		assert.False(t, lowAlive)
	}
}

func TestDedup_Idempotent(t *testing.T) {
	t.Parallel()

	eng, drv, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	drv.addFile("dup.txt", "newest", "1700000300")
	drv.addFile("dup.txt", "older", "1700000100")
	drv.addFile("solo.txt", "solo", "1700000200")

	require.NoError(t, eng.dedupRemoteSameName(ctx, drv.rootTok))

	drv.mu.Lock()
	afterFirst := len(drv.files)
	drv.mu.Unlock()

	assert.Equal(t, 2, afterFirst)

	require.NoError(t, eng.dedupRemoteSameName(ctx, drv.rootTok))

	drv.mu.Lock()
	afterSecond := len(drv.files)
	drv.mu.Unlock()

	assert.Equal(t, afterFirst, afterSecond, "second pass must be a no-op")
}

func TestRun_EmptyLocalRootIsNonDestructive(t *testing.T) {
	t.Parallel()

	eng, drv, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	drv.addFile("docs/keep.txt", "remote only", "1700000000")

	summary := eng.Run(ctx, "manual")

	assert.Zero(t, summary.LocalTotal)
	assert.Zero(t, summary.RemoteSoftDeleted, "empty local side must not delete remote files")

	// local_wins initial strategy treats the remote side as absent, so the
	// remote file is left untouched either way.
	assert.NotEmpty(t, drv.fileAt("docs/keep.txt"))
}

func TestRun_EmptyFileRoundTrips(t *testing.T) {
	t.Parallel()

	eng, _, store, root := newTestEngine(t, nil)
	ctx := context.Background()

	writeLocal(t, root, "empty.bin", "")

	summary := eng.Run(ctx, "manual")
	require.Zero(t, summary.Errors)

	m, err := store.MappingByLocalPath(ctx, "empty.bin")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, shaOfEmpty, m.LocalHash)

	second := eng.Run(ctx, "manual")
	assert.Zero(t, second.Uploaded)
	assert.Zero(t, second.Downloaded)
}

func TestRun_CleanupRemovesMissingRemoteDirs(t *testing.T) {
	t.Parallel()

	eng, drv, _, root := newTestEngine(t, func(o *Options) {
		o.CleanupRemoteMissingDirsRecursive = true
	})
	ctx := context.Background()

	writeLocal(t, root, "kept/a.txt", "a")
	require.Zero(t, eng.Run(ctx, "manual").Errors)

	// A remote-only empty folder appears; the next run removes it.
	orphan := drv.addFolder("orphan")

	summary := eng.Run(ctx, "manual")
	require.Zero(t, summary.FatalError)

	assert.GreaterOrEqual(t, summary.RemoteSoftDeleted, 1)

	drv.mu.Lock()
	f := drv.folders[orphan]
	drv.mu.Unlock()

	// Soft delete mode: moved under the recycle folder.
	require.NotNil(t, f)
	assert.Equal(t, drv.folderAt("SyncRecycleBin"), f.parent)

	// The kept folder is untouched.
	assert.NotEmpty(t, drv.folderAt("kept"))
}

func TestDryRun_LocalOnly(t *testing.T) {
	t.Parallel()

	eng, drv, _, root := newTestEngine(t, nil)
	ctx := context.Background()

	writeLocal(t, root, "a.txt", "a")
	writeLocal(t, root, "b/c.txt", "c")

	summary, err := eng.DryRun(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.LocalTotal)
	assert.Zero(t, summary.RemoteTotal)
	assert.Zero(t, summary.Uploaded)
	assert.Equal(t, "dry_run_skips_remote_operations", summary.Note)
	assert.Zero(t, drv.uploadCalls, "dry run must not touch the remote side")
}
