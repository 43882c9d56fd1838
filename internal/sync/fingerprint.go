package sync

import (
	"fmt"
	"strconv"
	"time"
)

// remoteFingerprint is the change marker stored in mapping.remote_hash. The
// provider exposes no content hash, so modification time plus size stands in
// for one.
func remoteFingerprint(r RemoteFile) string {
	return fmt.Sprintf("%s:%d", r.ModifiedTime, r.Size)
}

// epochMillisThreshold separates epoch-second from epoch-millisecond
// timestamps. Anything above it (year 33658 in seconds) must be
// milliseconds.
const epochMillisThreshold = 1e12

// parseRemoteTime converts the provider's modified_time into epoch seconds.
// The field arrives as epoch seconds, epoch milliseconds, or an RFC 3339
// string depending on the endpoint. Unparseable values yield 0 so the caller
// treats the remote side as "older than anything known".
func parseRemoteTime(s string) float64 {
	if s == "" {
		return 0
	}

	if v, err := strconv.ParseFloat(s, 64); err == nil {
		if v > epochMillisThreshold {
			return v / 1000
		}

		return v
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return float64(t.UnixNano()) / 1e9
	}

	return 0
}
