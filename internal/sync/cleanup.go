package sync

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/larksync/larksync/internal/drive"
)

// cleanupRemoteDirs removes remote folders that no longer exist locally.
// With only cleanup_empty_remote_dirs set, a folder must be empty to go;
// cleanup_remote_missing_dirs_recursive also removes whole missing subtrees
// (deepest first, so children never orphan their parents mid-pass). The
// recycle folder is never touched. Failures are logged and counted, never
// fatal.
func (e *Engine) cleanupRemoteDirs(ctx context.Context, rootToken string, localDirs []string, summary *Summary) {
	localSet := map[string]bool{}
	for _, d := range localDirs {
		localSet[d] = true
	}

	// Re-list so folders created earlier in the run are not victims.
	_, folders, err := e.listRemoteTree(ctx, rootToken)
	if err != nil {
		summary.Errors++
		e.logger.Error("cleanup listing failed", slog.String("error", err.Error()))

		return
	}

	var missing []string

	for relDir := range folders {
		if relDir == "" || localSet[relDir] || e.inRecycleBin(relDir) {
			continue
		}

		missing = append(missing, relDir)
	}

	// Deepest first.
	sort.Slice(missing, func(i, j int) bool {
		di := strings.Count(missing[i], "/")
		dj := strings.Count(missing[j], "/")

		if di != dj {
			return di > dj
		}

		return missing[i] < missing[j]
	})

	removed := map[string]bool{}

	for _, relDir := range missing {
		// Skip children of a subtree already removed recursively.
		skip := false

		for parent := range removed {
			if strings.HasPrefix(relDir+"/", parent+"/") {
				skip = true
				break
			}
		}

		if skip {
			continue
		}

		token := folders[relDir]

		if !e.opts.CleanupRemoteMissingDirsRecursive {
			empty, err := e.remoteFolderEmpty(ctx, token)
			if err != nil {
				summary.Errors++
				e.logger.Warn("cleanup check failed",
					slog.String("dir", relDir),
					slog.String("error", err.Error()),
				)

				continue
			}

			if !empty {
				continue
			}
		}

		if err := e.softDeleteRemote(ctx, token, drive.TypeFolder, rootToken); err != nil {
			summary.Errors++
			e.logger.Warn("cleanup delete failed",
				slog.String("dir", relDir),
				slog.String("error", err.Error()),
			)

			continue
		}

		removed[relDir] = true
		summary.RemoteSoftDeleted++

		e.logger.Info("remote_dir_cleaned",
			slog.String("dir", relDir),
			slog.Bool("recursive", e.opts.CleanupRemoteMissingDirsRecursive),
		)
	}
}

func (e *Engine) remoteFolderEmpty(ctx context.Context, folderToken string) (bool, error) {
	children, err := e.drv.ListFolder(ctx, folderToken)
	if err != nil {
		return false, err
	}

	return len(children) == 0, nil
}
