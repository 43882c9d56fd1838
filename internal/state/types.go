package state

import "time"

// File mapping statuses.
const (
	StatusSynced   = "synced"
	StatusConflict = "conflict"
	StatusDeleted  = "deleted"
)

// Tombstone sides.
const (
	SideLocal  = "local"
	SideRemote = "remote"
)

// Sync run statuses.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunWarning = "warning"
	RunFailed  = "failed"
)

// FileMapping associates a local relative path with a remote file token and
// records the last observed state on both sides.
type FileMapping struct {
	ID                 int64
	LocalRelPath       string
	RemoteToken        string
	RemoteType         string
	LocalHash          string
	RemoteHash         string
	LocalMtime         float64
	RemoteModifiedTime string
	Status             string
	Conflict           bool
	LastSyncedAt       string
	ExtraJSON          string
	UpdatedAt          time.Time
}

// FolderMapping associates a local relative directory with its remote folder
// token. The empty relative dir is the sync root itself.
type FolderMapping struct {
	ID                int64
	LocalRelDir       string
	RemoteFolderToken string
	UpdatedAt         time.Time
}

// Tombstone is an audit record of a deletion decision.
type Tombstone struct {
	ID           int64
	Side         string
	LocalRelPath string
	RemoteToken  string
	Reason       string
	CreatedAt    time.Time
}

// RetryEntry is a deferred operation awaiting another attempt.
type RetryEntry struct {
	ID           int64
	OpType       string
	PayloadJSON  string
	AttemptCount int
	NextRetryAt  time.Time
	LastError    string
}

// SyncRun is one recorded reconciliation run.
type SyncRun struct {
	ID          int64
	RunType     string
	Status      string
	StartedAt   time.Time
	FinishedAt  time.Time
	SummaryJSON string
}
