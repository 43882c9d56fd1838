package sync

import (
	"context"
	"log/slog"
	"path"
)

// detectRenames finds mappings whose local file vanished while an unmapped
// local file with the identical content hash appeared, and treats the pair
// as a rename: the mapping's path is rewritten and the remote file renamed
// to match. A failed remote rename keeps the mapping change; the next pass
// retries through normal reconciliation.
func (e *Engine) detectRenames(ctx context.Context, localFiles map[string]LocalFile, remoteFiles []RemoteFile, summary *Summary) error {
	mappings, err := e.store.LiveFileMappings(ctx)
	if err != nil {
		return err
	}

	mapByPath := map[string]bool{}
	for _, m := range mappings {
		mapByPath[m.LocalRelPath] = true
	}

	remoteByToken := map[string]RemoteFile{}
	for _, r := range remoteFiles {
		remoteByToken[r.Token] = r
	}

	// Unmapped local files grouped by hash, in deterministic path order.
	unmappedByHash := map[string][]string{}

	for _, rel := range sortedKeys(localFiles) {
		if !mapByPath[rel] {
			f := localFiles[rel]
			unmappedByHash[f.Hash] = append(unmappedByHash[f.Hash], rel)
		}
	}

	for _, m := range mappings {
		if _, stillThere := localFiles[m.LocalRelPath]; stillThere {
			continue
		}

		remote, remoteExists := remoteByToken[m.RemoteToken]
		if !remoteExists || m.LocalHash == "" {
			continue
		}

		candidates := unmappedByHash[m.LocalHash]
		if len(candidates) == 0 {
			continue
		}

		newRel := candidates[0]
		unmappedByHash[m.LocalHash] = candidates[1:]

		if err := e.store.RenameMappingPath(ctx, m.ID, newRel); err != nil {
			return err
		}

		if path.Base(newRel) != remote.Name {
			if err := e.drv.Rename(ctx, remote.Token, path.Base(newRel)); err != nil {
				summary.Errors++
				e.logger.Warn("remote_rename_failed",
					slog.String("token", remote.Token),
					slog.String("new_name", path.Base(newRel)),
					slog.String("error", err.Error()),
				)
			}
		}

		summary.Renamed++
		e.logger.Info("local_rename_detected",
			slog.String("old", m.LocalRelPath),
			slog.String("new", newRel),
		)
	}

	return nil
}
