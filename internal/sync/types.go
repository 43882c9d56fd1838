// Package sync implements the reconciliation engine that keeps a local
// directory tree and a remote Drive folder in agreement. Each run walks both
// sides, resolves divergence according to the configured direction policy,
// and records durable path-to-token mappings plus tombstones and retries in
// the state store.
package sync

import (
	"context"

	"github.com/larksync/larksync/internal/config"
	"github.com/larksync/larksync/internal/drive"
)

// Drive is the remote side of the engine. *drive.Client satisfies it; tests
// substitute an in-memory fake.
type Drive interface {
	RootFolderToken(ctx context.Context) (string, error)
	ListFolder(ctx context.Context, folderToken string) ([]drive.Item, error)
	CreateFolder(ctx context.Context, name, parentToken string) (string, error)
	Upload(ctx context.Context, localPath, parentToken, fileName string) (string, error)
	Download(ctx context.Context, fileToken, destPath string) error
	FileMeta(ctx context.Context, fileToken string) (drive.Item, error)
	Rename(ctx context.Context, fileToken, newName string) error
	Move(ctx context.Context, fileToken, fileType, targetFolderToken string) error
	Delete(ctx context.Context, fileToken, fileType string) error
}

// LocalFile is one entry of the local snapshot.
type LocalFile struct {
	RelPath  string
	FullPath string
	Hash     string
	Mtime    float64
	Size     int64
}

// RemoteFile is one entry of the remote snapshot, with its slash-separated
// path materialized relative to the sync root.
type RemoteFile struct {
	Token        string
	Name         string
	Type         string
	Size         int64
	ModifiedTime string
	FolderToken  string
	Path         string
}

// Summary is the per-run counter set, persisted to the run history and the
// sync_runs table.
type Summary struct {
	RunID           int64  `json:"run_id"`
	RunType         string `json:"run_type"`
	LocalRoot       string `json:"local_root"`
	RemoteRootToken string `json:"remote_root_token"`

	LocalTotal  int `json:"local_total"`
	RemoteTotal int `json:"remote_total"`

	Uploaded          int `json:"uploaded"`
	Downloaded        int `json:"downloaded"`
	Renamed           int `json:"renamed"`
	Conflicts         int `json:"conflicts"`
	RemoteSoftDeleted int `json:"remote_soft_deleted"`
	LocalSoftDeleted  int `json:"local_soft_deleted"`
	RetrySuccess      int `json:"retry_success"`
	RetryFailed       int `json:"retry_failed"`
	Errors            int `json:"errors"`

	FatalError   string               `json:"fatal_error,omitempty"`
	Note         string               `json:"note,omitempty"`
	ScopeWarning *config.ScopeWarning `json:"scope_warning,omitempty"`

	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
}
