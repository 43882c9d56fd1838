package sync

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/larksync/larksync/internal/drive"
	"github.com/larksync/larksync/internal/state"
)

// uploadLocalFile pushes a local file to the remote parent folder matching
// its relative path and upserts the mapping. When oldRemoteToken names a
// superseded remote file, it is soft-deleted only after the new upload is
// confirmed, so a failed upload never loses the remote copy.
func (e *Engine) uploadLocalFile(ctx context.Context, rootToken, relPath, oldRemoteToken, oldRemoteType string) error {
	fullPath := filepath.Join(e.opts.LocalRoot, filepath.FromSlash(relPath))

	parentRel := path.Dir(relPath)
	if parentRel == "." {
		parentRel = ""
	}

	parentToken, err := e.ensureRemoteFolder(ctx, rootToken, parentRel)
	if err != nil {
		return err
	}

	newToken, err := e.drv.Upload(ctx, fullPath, parentToken, path.Base(relPath))
	if err != nil {
		return err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return fmt.Errorf("stat after upload: %w", err)
	}

	remote := RemoteFile{
		Token:        newToken,
		Name:         path.Base(relPath),
		Type:         drive.TypeFile,
		Size:         info.Size(),
		ModifiedTime: fmt.Sprint(e.now().Unix()),
		FolderToken:  parentToken,
		Path:         relPath,
	}

	// The upload response carries no metadata; re-list the parent so the
	// stored fingerprint matches what the next index pass will compute.
	if children, listErr := e.drv.ListFolder(ctx, parentToken); listErr == nil {
		for _, item := range children {
			if item.Token != newToken {
				continue
			}

			remote.Type = orDefault(item.Type, remote.Type)
			remote.ModifiedTime = orDefault(string(item.ModifiedTime), remote.ModifiedTime)

			if size := parseSize(string(item.Size)); size > 0 {
				remote.Size = size
			}

			break
		}
	}

	if oldRemoteToken != "" && oldRemoteToken != newToken {
		if err := e.softDeleteRemote(ctx, oldRemoteToken, oldRemoteType, rootToken); err != nil {
			return fmt.Errorf("removing superseded remote file: %w", err)
		}
	}

	hash, err := hashFile(fullPath)
	if err != nil {
		return err
	}

	return e.store.UpsertFileMapping(ctx, state.FileMapping{
		LocalRelPath:       relPath,
		RemoteToken:        newToken,
		RemoteType:         remote.Type,
		LocalHash:          hash,
		RemoteHash:         remoteFingerprint(remote),
		LocalMtime:         float64(info.ModTime().UnixNano()) / 1e9,
		RemoteModifiedTime: remote.ModifiedTime,
		Status:             state.StatusSynced,
	})
}

// pullRemoteToLocal downloads a remote file over the local path and upserts
// the mapping. The download lands in a sibling temp file and is renamed into
// place, so an interrupted transfer never corrupts the destination.
func (e *Engine) pullRemoteToLocal(ctx context.Context, relPath string, remote RemoteFile) error {
	fullPath := filepath.Join(e.opts.LocalRoot, filepath.FromSlash(relPath))

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("creating local directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".pull-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmp.Name()
	tmp.Close()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpName)
		}
	}()

	if err := e.drv.Download(ctx, remote.Token, tmpName); err != nil {
		return err
	}

	if err := os.Rename(tmpName, fullPath); err != nil {
		return fmt.Errorf("moving download into place: %w", err)
	}

	success = true

	hash, err := hashFile(fullPath)
	if err != nil {
		return err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return fmt.Errorf("stat after download: %w", err)
	}

	return e.store.UpsertFileMapping(ctx, state.FileMapping{
		LocalRelPath:       relPath,
		RemoteToken:        remote.Token,
		RemoteType:         orDefault(remote.Type, drive.TypeFile),
		LocalHash:          hash,
		RemoteHash:         remoteFingerprint(remote),
		LocalMtime:         float64(info.ModTime().UnixNano()) / 1e9,
		RemoteModifiedTime: remote.ModifiedTime,
		Status:             state.StatusSynced,
	})
}

// createConflictCopy downloads the remote side next to the local file as
// <name>.remote_conflict_<ts> and marks the mapping conflicted, leaving both
// versions for the user to resolve.
func (e *Engine) createConflictCopy(ctx context.Context, relPath string, remote RemoteFile, local *LocalFile) error {
	fullPath := filepath.Join(e.opts.LocalRoot, filepath.FromSlash(relPath))
	ts := e.now().Format("20060102_150405")
	conflictPath := fullPath + ".remote_conflict_" + ts

	if err := os.MkdirAll(filepath.Dir(conflictPath), 0o755); err != nil {
		return fmt.Errorf("creating local directory: %w", err)
	}

	if err := e.drv.Download(ctx, remote.Token, conflictPath); err != nil {
		return err
	}

	m := state.FileMapping{
		LocalRelPath:       relPath,
		RemoteToken:        remote.Token,
		RemoteType:         orDefault(remote.Type, drive.TypeFile),
		RemoteHash:         remoteFingerprint(remote),
		RemoteModifiedTime: remote.ModifiedTime,
		Status:             state.StatusConflict,
		Conflict:           true,
	}

	if local != nil {
		m.LocalHash = local.Hash
		m.LocalMtime = local.Mtime
	}

	return e.store.UpsertFileMapping(ctx, m)
}
