package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Retry payload kinds.
const (
	kindUpload       = "upload"
	kindPull         = "pull"
	kindConflictPull = "conflict_pull"
	kindDeleteRemote = "delete_remote"
	kindDeleteLocal  = "delete_local"
)

// quarantineDirName is reserved for files set aside by operators; it is
// never synced and retry payloads pointing into it are rejected.
const quarantineDirName = ".sync_quarantine"

// errUnknownKind marks a payload whose kind is not recognized. Such entries
// are discarded rather than retried.
var errUnknownKind = errors.New("unknown retry payload kind")

// Payload is the tagged union persisted in retry_queue.payload_json. Kind
// selects which fields are meaningful.
type Payload struct {
	Kind        string      `json:"kind"`
	RelPath     string      `json:"rel_path,omitempty"`
	RemoteToken string      `json:"remote_token,omitempty"`
	RemoteType  string      `json:"remote_type,omitempty"`
	Remote      *RemoteFile `json:"remote_item,omitempty"`
}

func encodePayload(p Payload) string {
	data, err := json.Marshal(p)
	if err != nil {
		// Payload is a plain struct; marshal cannot fail in practice.
		return "{}"
	}

	return string(data)
}

func decodePayload(raw string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Payload{}, fmt.Errorf("decoding retry payload: %w", err)
	}

	return p, nil
}

// isInternalPath reports whether a relative path points into the local trash
// or quarantine area. Retried operations must never touch those.
func (e *Engine) isInternalPath(rel string) bool {
	return strings.HasPrefix(rel, e.opts.LocalTrashDir+"/") ||
		strings.HasPrefix(rel, quarantineDirName+"/")
}
