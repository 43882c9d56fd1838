package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/larksync/larksync/internal/config"
)

// softDeleteLocal moves a local file into the trash area under a
// per-invocation timestamp directory, preserving its relative path. A
// missing source is not an error (already gone).
func (e *Engine) softDeleteLocal(relPath string) error {
	src := filepath.Join(e.opts.LocalRoot, filepath.FromSlash(relPath))

	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}

	ts := e.now().Format("20060102_150405")
	dest := filepath.Join(e.opts.LocalRoot, e.opts.LocalTrashDir, ts, filepath.FromSlash(relPath))

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating trash directory: %w", err)
	}

	if err := os.Rename(src, dest); err != nil {
		return fmt.Errorf("moving %s to trash: %w", relPath, err)
	}

	return nil
}

// softDeleteRemote removes a remote item according to the configured delete
// mode: move into the recycle folder, or hard-delete.
func (e *Engine) softDeleteRemote(ctx context.Context, remoteToken, remoteType, rootToken string) error {
	if e.opts.RemoteDeleteMode == config.DeleteModeHardDelete {
		return e.drv.Delete(ctx, remoteToken, remoteType)
	}

	recycle, err := e.ensureRecycleBin(ctx, rootToken)
	if err != nil {
		return err
	}

	return e.drv.Move(ctx, remoteToken, remoteType, recycle)
}
