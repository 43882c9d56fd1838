package sync

import (
	"context"
	"errors"

	"github.com/larksync/larksync/internal/drive"
	"github.com/larksync/larksync/internal/state"
)

// discoverNewLocal processes local files that have no mapping yet. A file
// whose path also exists remotely (with an unmapped token) is a conflict:
// both versions are kept, the remote one under a conflict suffix. Everything
// else is uploaded as new. The returned set names the paths handled as
// conflicts so discoverNewRemote does not process the same collision again.
func (e *Engine) discoverNewLocal(ctx context.Context, rootToken string, localFiles map[string]LocalFile, remoteFiles []RemoteFile, summary *Summary) (map[string]bool, error) {
	mappings, err := e.store.LiveFileMappings(ctx)
	if err != nil {
		return nil, err
	}

	mapByPath := map[string]bool{}
	mapByToken := map[string]bool{}

	for _, m := range mappings {
		mapByPath[m.LocalRelPath] = true
		mapByToken[m.RemoteToken] = true
	}

	remoteByPath := map[string]RemoteFile{}
	for _, r := range remoteFiles {
		remoteByPath[r.Path] = r
	}

	handled := map[string]bool{}

	for _, rel := range sortedKeys(localFiles) {
		if mapByPath[rel] {
			continue
		}

		local := localFiles[rel]

		if remote, ok := remoteByPath[rel]; ok && !mapByToken[remote.Token] {
			handled[rel] = true

			if err := e.createConflictCopy(ctx, rel, remote, &local); err != nil {
				e.enqueueRetry(ctx, Payload{Kind: kindConflictPull, RelPath: rel, Remote: &remote}, err.Error())
				summary.Errors++

				continue
			}

			summary.Conflicts++

			continue
		}

		if err := e.uploadLocalFile(ctx, rootToken, rel, "", ""); err != nil {
			e.enqueueRetry(ctx, Payload{Kind: kindUpload, RelPath: rel}, err.Error())
			summary.Errors++

			continue
		}

		summary.Uploaded++
	}

	return handled, nil
}

// discoverNewRemote processes remote files whose token has no mapping. A
// remote file whose path collides with an existing local file becomes a
// conflict copy; everything else is pulled as new. Paths in handled were
// already processed as conflicts by discoverNewLocal and are skipped.
func (e *Engine) discoverNewRemote(ctx context.Context, localFiles map[string]LocalFile, remoteFiles []RemoteFile, handled map[string]bool, summary *Summary) error {
	mappings, err := e.store.LiveFileMappings(ctx)
	if err != nil {
		return err
	}

	mapByPath := map[string]bool{}
	mapByToken := map[string]bool{}

	for _, m := range mappings {
		mapByPath[m.LocalRelPath] = true
		mapByToken[m.RemoteToken] = true
	}

	for _, remote := range remoteFiles {
		if mapByToken[remote.Token] || mapByPath[remote.Path] || handled[remote.Path] {
			continue
		}

		if local, ok := localFiles[remote.Path]; ok {
			if err := e.createConflictCopy(ctx, remote.Path, remote, &local); err != nil {
				e.enqueueRetry(ctx, Payload{Kind: kindConflictPull, RelPath: remote.Path, Remote: &remote}, err.Error())
				summary.Errors++

				continue
			}

			summary.Conflicts++

			continue
		}

		if err := e.pullRemoteToLocal(ctx, remote.Path, remote); err != nil {
			if errors.Is(err, drive.ErrNotFound) {
				e.tombstone(ctx, state.SideRemote, remote.Path, remote.Token, "remote_404")
				continue
			}

			e.enqueueRetry(ctx, Payload{Kind: kindPull, RelPath: remote.Path, Remote: &remote}, err.Error())
			summary.Errors++

			continue
		}

		summary.Downloaded++
	}

	return nil
}
