package agent

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// discoveredFile is one regular file found under a configured backup
// path, with the stat fields the Hash Index needs to make its cheap
// decision without re-reading content.
type discoveredFile struct {
	path  string
	size  int64
	mtime time.Time
}

// discoverFiles walks backupPaths non-recursively (direct children
// only) and recursivePaths depth-first, returning every regular file
// found. Unreadable directories are skipped rather than aborting the
// whole cycle.
func discoverFiles(backupPaths, recursivePaths []string) []discoveredFile {
	var files []discoveredFile

	for _, root := range backupPaths {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			full := filepath.Join(root, e.Name())
			if df, ok := statFile(full); ok {
				files = append(files, df)
			}
		}
	}

	for _, root := range recursivePaths {
		_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil // skip unreadable entries, keep walking siblings
			}
			if d.IsDir() {
				return nil
			}
			if df, ok := statFile(path); ok {
				files = append(files, df)
			}
			return nil
		})
	}

	return files
}

func statFile(path string) (discoveredFile, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return discoveredFile{}, false
	}
	return discoveredFile{path: path, size: info.Size(), mtime: info.ModTime()}, true
}

// computeDigest hashes a file's full content. Only called by the Hash
// Index when the cheap size/mtime comparison is inconclusive.
func computeDigest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s for digest: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("digesting %s: %w", path, err)
	}
	return h.Sum(nil), nil
}

// uploadFile sends f's current content through client, buffering small
// files and streaming large ones so the orchestrator never holds more
// than one big file in memory at a time.
func uploadFile(ctx context.Context, client Uploader, f discoveredFile) error {
	if f.size <= streamThreshold {
		content, err := os.ReadFile(f.path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", f.path, err)
		}
		return client.UploadSmall(ctx, f.path, content)
	}

	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", f.path, err)
	}
	defer file.Close()
	return client.UploadStream(ctx, f.path, file, f.size)
}
