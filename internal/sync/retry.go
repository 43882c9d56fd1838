package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/larksync/larksync/internal/drive"
	"github.com/larksync/larksync/internal/state"
)

// Retry queue tuning.
const (
	retryBatchSize       = 50
	enqueueBackoffCap    = 300 * time.Second
	rescheduleBackoffCap = 600 * time.Second
	backoffExponentCap   = 9
)

// retryBackoff computes min(limit, 2^(attempt+1)) seconds.
func retryBackoff(attempt int, limit time.Duration) time.Duration {
	exp := attempt + 1
	if exp > backoffExponentCap {
		exp = backoffExponentCap
	}

	d := time.Duration(math.Pow(2, float64(exp))) * time.Second
	if d > limit {
		return limit
	}

	return d
}

// enqueueRetry defers a failed operation for a later run. The entry starts
// at attempt zero with the delay of its first reattempt (4s).
func (e *Engine) enqueueRetry(ctx context.Context, p Payload, lastError string) {
	next := e.now().Add(retryBackoff(1, enqueueBackoffCap))

	if err := e.store.EnqueueRetry(ctx, p.Kind, encodePayload(p), 0, next, lastError); err != nil {
		e.logger.Error("enqueueing retry failed",
			slog.String("kind", p.Kind),
			slog.String("error", err.Error()),
		)
	}
}

// processDueRetries drains one bounded batch of due retry entries at the
// start of a run. Entries succeed and leave the queue, convert to tombstones
// when the remote side is permanently gone, or reschedule with backoff until
// the attempt budget is exhausted.
func (e *Engine) processDueRetries(ctx context.Context, rootToken string, summary *Summary) {
	rows, err := e.store.DueRetries(ctx, e.now(), retryBatchSize)
	if err != nil {
		summary.Errors++
		e.logger.Error("loading due retries failed", slog.String("error", err.Error()))

		return
	}

	for _, row := range rows {
		err := e.executeRetryEntry(ctx, row, rootToken)
		if err == nil {
			if delErr := e.store.DeleteRetry(ctx, row.ID); delErr != nil {
				e.logger.Error("removing finished retry failed", slog.String("error", delErr.Error()))
			}

			summary.RetrySuccess++

			continue
		}

		// A permanently missing remote file is converted to a tombstone and
		// the entry dropped; retrying cannot bring it back.
		if errors.Is(err, drive.ErrNotFound) {
			payload, _ := decodePayload(row.PayloadJSON)

			token := payload.RemoteToken
			if payload.Remote != nil {
				token = payload.Remote.Token
			}

			if tsErr := e.store.InsertTombstone(ctx, state.SideRemote, payload.RelPath, token, "retry_remote_404"); tsErr != nil {
				e.logger.Error("recording tombstone failed", slog.String("error", tsErr.Error()))
			}

			if delErr := e.store.DeleteRetry(ctx, row.ID); delErr != nil {
				e.logger.Error("removing dead retry failed", slog.String("error", delErr.Error()))
			}

			summary.RetryFailed++

			continue
		}

		// Discarded programmer errors also leave the queue for good.
		if errors.Is(err, errUnknownKind) {
			if delErr := e.store.DeleteRetry(ctx, row.ID); delErr != nil {
				e.logger.Error("removing invalid retry failed", slog.String("error", delErr.Error()))
			}

			summary.RetryFailed++
			e.logger.Error("retry_discarded",
				slog.Int64("id", row.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		e.rescheduleRetry(ctx, row, err)
		summary.RetryFailed++
	}
}

// rescheduleRetry pushes a failed entry out with exponential backoff, or
// discards it once the attempt budget is spent.
func (e *Engine) rescheduleRetry(ctx context.Context, row state.RetryEntry, cause error) {
	attempt := row.AttemptCount + 1

	if attempt >= e.opts.MaxRetry {
		if err := e.store.DeleteRetry(ctx, row.ID); err != nil {
			e.logger.Error("removing exhausted retry failed", slog.String("error", err.Error()))
		}

		e.logger.Error("retry_discarded",
			slog.Int64("id", row.ID),
			slog.String("op_type", row.OpType),
			slog.String("error", cause.Error()),
		)

		return
	}

	next := e.now().Add(retryBackoff(attempt, rescheduleBackoffCap))

	if err := e.store.RescheduleRetry(ctx, row.ID, attempt, next, cause.Error()); err != nil {
		e.logger.Error("rescheduling retry failed", slog.String("error", err.Error()))
	}

	e.logger.Warn("retry_failed",
		slog.Int64("id", row.ID),
		slog.String("op_type", row.OpType),
		slog.Int("attempt", attempt),
		slog.String("error", cause.Error()),
	)
}

// refreshRemoteMeta replaces a queued remote snapshot's metadata with the
// current values, so the stored fingerprint matches the file actually
// downloaded. ErrNotFound propagates so callers can tombstone; any other
// lookup failure keeps the stale snapshot.
func (e *Engine) refreshRemoteMeta(ctx context.Context, remote RemoteFile) (RemoteFile, error) {
	item, err := e.drv.FileMeta(ctx, remote.Token)

	switch {
	case err == nil:
		remote.Name = orDefault(item.Name, remote.Name)
		remote.ModifiedTime = orDefault(string(item.ModifiedTime), remote.ModifiedTime)

		if size := parseSize(string(item.Size)); size > 0 {
			remote.Size = size
		}
	case errors.Is(err, drive.ErrNotFound):
		return remote, err
	}

	return remote, nil
}

// executeRetryEntry decodes and re-attempts one deferred operation.
func (e *Engine) executeRetryEntry(ctx context.Context, row state.RetryEntry, rootToken string) error {
	payload, err := decodePayload(row.PayloadJSON)
	if err != nil {
		return fmt.Errorf("%w: %v", errUnknownKind, err)
	}

	switch payload.Kind {
	case kindUpload:
		if e.isInternalPath(payload.RelPath) {
			return fmt.Errorf("%w: upload into internal path %s", errUnknownKind, payload.RelPath)
		}

		full := filepath.Join(e.opts.LocalRoot, filepath.FromSlash(payload.RelPath))
		if _, statErr := os.Stat(full); os.IsNotExist(statErr) {
			return fmt.Errorf("local file missing: %s", payload.RelPath)
		}

		return e.uploadLocalFile(ctx, rootToken, payload.RelPath, "", "")

	case kindPull:
		if e.isInternalPath(payload.RelPath) {
			return fmt.Errorf("%w: pull into internal path %s", errUnknownKind, payload.RelPath)
		}

		if payload.Remote == nil {
			return fmt.Errorf("%w: pull payload without remote item", errUnknownKind)
		}

		remote, err := e.refreshRemoteMeta(ctx, *payload.Remote)
		if err != nil {
			return err
		}

		return e.pullRemoteToLocal(ctx, payload.RelPath, remote)

	case kindConflictPull:
		if e.isInternalPath(payload.RelPath) {
			return fmt.Errorf("%w: conflict pull into internal path %s", errUnknownKind, payload.RelPath)
		}

		if payload.Remote == nil {
			return fmt.Errorf("%w: conflict pull payload without remote item", errUnknownKind)
		}

		remote, err := e.refreshRemoteMeta(ctx, *payload.Remote)
		if err != nil {
			return err
		}

		// The local twin may have changed or vanished since the collision
		// was queued; re-read it so the conflict mapping carries current
		// values.
		var local *LocalFile

		full := filepath.Join(e.opts.LocalRoot, filepath.FromSlash(payload.RelPath))
		if info, statErr := os.Stat(full); statErr == nil {
			if hash, hashErr := hashFile(full); hashErr == nil {
				local = &LocalFile{
					RelPath:  payload.RelPath,
					FullPath: full,
					Hash:     hash,
					Mtime:    float64(info.ModTime().UnixNano()) / 1e9,
					Size:     info.Size(),
				}
			}
		}

		return e.createConflictCopy(ctx, payload.RelPath, remote, local)

	case kindDeleteRemote:
		return e.softDeleteRemote(ctx, payload.RemoteToken, orDefault(payload.RemoteType, drive.TypeFile), rootToken)

	case kindDeleteLocal:
		if e.isInternalPath(payload.RelPath) {
			return fmt.Errorf("%w: delete of internal path %s", errUnknownKind, payload.RelPath)
		}

		return e.softDeleteLocal(payload.RelPath)

	default:
		return fmt.Errorf("%w: %q", errUnknownKind, payload.Kind)
	}
}
