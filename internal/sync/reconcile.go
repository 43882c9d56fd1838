package sync

import (
	"context"
	"errors"
	"log/slog"

	"github.com/larksync/larksync/internal/config"
	"github.com/larksync/larksync/internal/drive"
	"github.com/larksync/larksync/internal/state"
)

// reconcileMappings walks every live mapping and resolves the state of its
// two sides according to the direction policy. initialDryRun suppresses
// side-deletions during a first pass with the dry_run initial strategy.
// Entries consumed by a deletion are pruned from both snapshots so the
// discovery phases cannot resurrect them; the surviving remote snapshot is
// returned.
func (e *Engine) reconcileMappings(ctx context.Context, rootToken string, localFiles map[string]LocalFile, remoteFiles []RemoteFile, initialDryRun bool, summary *Summary) ([]RemoteFile, error) {
	mappings, err := e.store.LiveFileMappings(ctx)
	if err != nil {
		return remoteFiles, err
	}

	remoteByToken := map[string]RemoteFile{}
	for _, r := range remoteFiles {
		remoteByToken[r.Token] = r
	}

	consumed := map[string]bool{}

	for _, m := range mappings {
		local, localExists := localFiles[m.LocalRelPath]
		remote, remoteExists := remoteByToken[m.RemoteToken]

		switch {
		case !localExists && remoteExists:
			e.resolveLocalMissing(ctx, rootToken, m, remote, initialDryRun, consumed, summary)
		case localExists && !remoteExists:
			e.resolveRemoteMissing(ctx, rootToken, m, local, initialDryRun, localFiles, summary)
		case !localExists && !remoteExists:
			e.resolveBothMissing(ctx, m, summary)
		default:
			e.resolveBothPresent(ctx, rootToken, m, local, remote, summary)
		}
	}

	if len(consumed) == 0 {
		return remoteFiles, nil
	}

	kept := make([]RemoteFile, 0, len(remoteFiles))

	for _, r := range remoteFiles {
		if !consumed[r.Token] {
			kept = append(kept, r)
		}
	}

	return kept, nil
}

// resolveLocalMissing handles a mapping whose local file is gone but whose
// remote file still exists. A remote token it soft-deletes is recorded in
// consumed.
func (e *Engine) resolveLocalMissing(ctx context.Context, rootToken string, m state.FileMapping, remote RemoteFile, initialDryRun bool, consumed map[string]bool, summary *Summary) {
	pull := false

	switch e.opts.Direction {
	case config.DirectionRemoteWins:
		pull = true
	case config.DirectionBidirectional:
		// A remote change since the last sync outranks the local absence.
		pull = remoteFingerprint(remote) != m.RemoteHash
	}

	if pull {
		if err := e.pullRemoteToLocal(ctx, m.LocalRelPath, remote); err != nil {
			if errors.Is(err, drive.ErrNotFound) {
				e.tombstone(ctx, state.SideRemote, m.LocalRelPath, remote.Token, "remote_404")
				return
			}

			e.enqueueRetry(ctx, Payload{Kind: kindPull, RelPath: m.LocalRelPath, Remote: &remote}, err.Error())
			summary.Errors++

			return
		}

		summary.Downloaded++

		return
	}

	// local_wins (or unchanged remote under bidirectional): the local file
	// is assumed deleted by the user, so the remote side follows. The
	// reason code records that "deleted" is inferred, not observed.
	if initialDryRun {
		e.logger.Info("initial_dry_run_skip_remote_delete", slog.String("path", m.LocalRelPath))
		return
	}

	if err := e.softDeleteRemote(ctx, remote.Token, orDefault(remote.Type, drive.TypeFile), rootToken); err != nil {
		e.enqueueRetry(ctx, Payload{
			Kind:        kindDeleteRemote,
			RemoteToken: remote.Token,
			RemoteType:  orDefault(remote.Type, drive.TypeFile),
		}, err.Error())
		summary.Errors++

		return
	}

	e.tombstone(ctx, state.SideLocal, m.LocalRelPath, remote.Token, "local_deleted_assumed")
	e.markDeleted(ctx, m.ID)
	consumed[remote.Token] = true
	summary.RemoteSoftDeleted++
}

// resolveRemoteMissing handles a mapping whose remote file is gone but whose
// local file still exists. A path it trashes is removed from the local
// snapshot.
func (e *Engine) resolveRemoteMissing(ctx context.Context, rootToken string, m state.FileMapping, local LocalFile, initialDryRun bool, localFiles map[string]LocalFile, summary *Summary) {
	upload := false

	switch e.opts.Direction {
	case config.DirectionLocalWins:
		upload = true
	case config.DirectionBidirectional:
		upload = local.Hash != m.LocalHash
	}

	if upload {
		if err := e.uploadLocalFile(ctx, rootToken, m.LocalRelPath, "", ""); err != nil {
			e.enqueueRetry(ctx, Payload{Kind: kindUpload, RelPath: m.LocalRelPath}, err.Error())
			summary.Errors++

			return
		}

		summary.Uploaded++

		return
	}

	if initialDryRun {
		e.logger.Info("initial_dry_run_skip_local_delete", slog.String("path", m.LocalRelPath))
		return
	}

	if err := e.softDeleteLocal(m.LocalRelPath); err != nil {
		e.enqueueRetry(ctx, Payload{Kind: kindDeleteLocal, RelPath: m.LocalRelPath}, err.Error())
		summary.Errors++

		return
	}

	e.tombstone(ctx, state.SideRemote, m.LocalRelPath, m.RemoteToken, "remote_deleted")
	e.markDeleted(ctx, m.ID)
	delete(localFiles, m.LocalRelPath)
	summary.LocalSoftDeleted++
}

// resolveBothMissing retires a mapping when neither side exists anymore. The
// tombstone names whichever side showed activity last.
func (e *Engine) resolveBothMissing(ctx context.Context, m state.FileMapping, _ *Summary) {
	side := state.SideLocal
	if parseRemoteTime(m.RemoteModifiedTime) > m.LocalMtime {
		side = state.SideRemote
	}

	e.tombstone(ctx, side, m.LocalRelPath, m.RemoteToken, "both_missing")
	e.markDeleted(ctx, m.ID)
}

// resolveBothPresent compares both sides of a mapping against the recorded
// hashes and transfers in the direction the policy dictates.
func (e *Engine) resolveBothPresent(ctx context.Context, rootToken string, m state.FileMapping, local LocalFile, remote RemoteFile, summary *Summary) {
	localChanged := local.Hash != m.LocalHash
	remoteChanged := remoteFingerprint(remote) != m.RemoteHash

	if !localChanged && !remoteChanged {
		return
	}

	doPull := func() {
		if err := e.pullRemoteToLocal(ctx, m.LocalRelPath, remote); err != nil {
			if errors.Is(err, drive.ErrNotFound) {
				e.tombstone(ctx, state.SideRemote, m.LocalRelPath, remote.Token, "remote_404")
				return
			}

			e.enqueueRetry(ctx, Payload{Kind: kindPull, RelPath: m.LocalRelPath, Remote: &remote}, err.Error())
			summary.Errors++

			return
		}

		summary.Downloaded++
	}

	doUpload := func() {
		err := e.uploadLocalFile(ctx, rootToken, m.LocalRelPath, m.RemoteToken, orDefault(m.RemoteType, drive.TypeFile))
		if err != nil {
			e.enqueueRetry(ctx, Payload{Kind: kindUpload, RelPath: m.LocalRelPath}, err.Error())
			summary.Errors++

			return
		}

		summary.Uploaded++
	}

	switch {
	case localChanged && !remoteChanged:
		doUpload()
	case remoteChanged && !localChanged:
		doPull()
	default:
		// Both sides changed: the policy breaks the tie. Under
		// bidirectional the newer side wins, with the remote winning exact
		// ties.
		switch e.opts.Direction {
		case config.DirectionLocalWins:
			doUpload()
		case config.DirectionBidirectional:
			if local.Mtime > parseRemoteTime(remote.ModifiedTime) {
				doUpload()
			} else {
				doPull()
			}
		default:
			doPull()
		}
	}
}

// tombstone records a deletion decision, logging rather than failing the run
// when the write itself fails.
func (e *Engine) tombstone(ctx context.Context, side, relPath, remoteToken, reason string) {
	if err := e.store.InsertTombstone(ctx, side, relPath, remoteToken, reason); err != nil {
		e.logger.Error("recording tombstone failed",
			slog.String("path", relPath),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) markDeleted(ctx context.Context, id int64) {
	if err := e.store.MarkMappingDeleted(ctx, id); err != nil {
		e.logger.Error("marking mapping deleted failed", slog.String("error", err.Error()))
	}
}
