// Package restore consumes the server-pushed restore queue and writes
// files to disk: chunked ranged downloads for large files, a sidecar
// progress file so a crash mid-download resumes instead of restarting,
// and an atomic rename into place.
package restore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/stormcloud/backup/pkg/events"
	"github.com/stormcloud/backup/pkg/history"
	"github.com/stormcloud/backup/pkg/log"
	"github.com/stormcloud/backup/pkg/transport"
	"github.com/stormcloud/backup/pkg/types"
)

// chunkSize is the range-request granularity for files larger than one
// chunk; files at or below it download in a single request.
const chunkSize = 16 * 1024 * 1024

// Puller is the subset of transport.Client the worker needs, narrowed
// so tests can substitute a fake without spinning up an HTTP server.
type Puller interface {
	Restore(ctx context.Context, clientPath, versionID string, offset, length int64) ([]byte, error)
	RestoreComplete(ctx context.Context, clientPath string) error
}

// Worker pulls queued restores one at a time and writes them to disk.
type Worker struct {
	client  Puller
	history *history.Store
	broker  *events.Broker
}

// New returns a Worker that downloads through client and records
// outcomes in hist.
func New(client Puller, hist *history.Store, broker *events.Broker) *Worker {
	return &Worker{client: client, history: hist, broker: broker}
}

// Item is one queue entry to restore: the target path as it exists on
// the client filesystem, plus an optional requested version.
type Item struct {
	TargetPath string
	VersionID  string
	FileSize   int64
}

// Run processes the queue, logging one FileRecord per item under a
// single Restore operation. It returns after the last item, success or
// failure; callers invoke it once per keepalive cycle that surfaces a
// non-empty queue.
func (w *Worker) Run(ctx context.Context, queue []Item) error {
	if len(queue) == 0 {
		return nil
	}

	opID, err := w.history.StartOperation(types.OperationRestore, types.SourceUser, "")
	if err != nil {
		return fmt.Errorf("starting restore operation: %w", err)
	}

	failed := false
	for _, item := range queue {
		if err := w.restoreOne(ctx, item); err != nil {
			failed = true
			log.Logger.Error().Err(err).Str("path", item.TargetPath).Msg("restore failed")
			if rerr := w.history.AddFileRecord(opID, item.TargetPath, types.StatusFailed, err.Error()); rerr != nil {
				log.Logger.Error().Err(rerr).Msg("recording failed restore")
			}
			continue
		}
		if rerr := w.history.AddFileRecord(opID, item.TargetPath, types.StatusSuccess, ""); rerr != nil {
			log.Logger.Error().Err(rerr).Msg("recording successful restore")
		}
	}

	finalStatus := types.StatusSuccess
	errMsg := ""
	if failed {
		finalStatus = types.StatusFailed
		errMsg = "one or more files failed to restore"
	}
	if err := w.history.CompleteOperation(opID, finalStatus, errMsg); err != nil {
		return fmt.Errorf("completing restore operation: %w", err)
	}
	if failed {
		return fmt.Errorf("restore operation %s: %s", opID, errMsg)
	}
	return nil
}

func (w *Worker) restoreOne(ctx context.Context, item Item) error {
	tmpPath := item.TargetPath + ".tmp"
	progressPath := item.TargetPath + ".temp.progress"

	if err := os.MkdirAll(filepath.Dir(item.TargetPath), 0755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	resumeFrom := readProgress(progressPath)

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("opening temp file: %w", err)
	}
	defer f.Close()

	if resumeFrom == 0 {
		if err := f.Truncate(0); err != nil {
			return fmt.Errorf("truncating temp file: %w", err)
		}
	}

	offset := resumeFrom
	for {
		remaining := item.FileSize - offset
		if item.FileSize > 0 && remaining <= 0 {
			break
		}

		length := int64(chunkSize)
		if item.FileSize > 0 && remaining < length {
			length = remaining
		}

		data, err := w.client.Restore(ctx, item.TargetPath, item.VersionID, offset, length)
		if err != nil {
			return fmt.Errorf("downloading chunk at offset %d: %w", offset, err)
		}
		if len(data) == 0 {
			break
		}

		if _, err := f.WriteAt(data, offset); err != nil {
			return fmt.Errorf("writing chunk at offset %d: %w", offset, err)
		}
		offset += int64(len(data))
		writeProgress(progressPath, offset)

		if len(data) < chunkSize {
			break
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, item.TargetPath); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}

	_ = os.Remove(progressPath)

	if err := w.client.RestoreComplete(ctx, item.TargetPath); err != nil {
		return fmt.Errorf("notifying server of restore completion: %w", err)
	}

	if w.broker != nil {
		w.broker.Publish(&events.Event{
			Type:    events.EventFileProgress,
			Message: fmt.Sprintf("restored %s", item.TargetPath),
			Metadata: map[string]string{
				"path": item.TargetPath,
			},
		})
	}
	return nil
}

// readProgress returns the byte offset already downloaded for path's
// sidecar progress file, or 0 if none exists or it is unreadable.
func readProgress(progressPath string) int64 {
	data, err := os.ReadFile(progressPath)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func writeProgress(progressPath string, offset int64) {
	_ = os.WriteFile(progressPath, []byte(strconv.FormatInt(offset, 10)), 0644)
}
