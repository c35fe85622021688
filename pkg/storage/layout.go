package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/stormcloud/backup/pkg/metrics"
)

// DefaultMaxVersions is the highest .SCVER<N> suffix kept per file.
// Prior versions live at .SCVER2 through .SCVER<max>, so max-1 of them
// are kept; anything older is dropped outright.
const DefaultMaxVersions = 3

// scverPattern matches one rotated-version file name, capturing its
// trailing numeric suffix.
var scverPattern = regexp.MustCompile(`^(.+)\.SCVER(\d+)$`)

// ServerPath computes the canonical on-disk location for a client
// file: backslashes normalized to forward slashes, doubled slashes
// collapsed, rooted under the device's storage directory.
func ServerPath(storageRoot, customerID, deviceID, clientPath string) string {
	normalized := strings.ReplaceAll(clientPath, "\\", "/")
	for strings.Contains(normalized, "//") {
		normalized = strings.ReplaceAll(normalized, "//", "/")
	}
	normalized = strings.TrimPrefix(normalized, "/")

	deviceRoot := filepath.Join(storageRoot, customerID, "device", deviceID)
	return filepath.Join(deviceRoot, normalized)
}

// WriteVersioned writes content to path, rotating any existing file at
// path into its .SCVERS sibling directory first. Writes land in a
// temp file and are atomically renamed into place; the canonical path
// never observes a partially-written file.
func WriteVersioned(path string, content io.Reader, maxVersions int) (int64, error) {
	if maxVersions <= 0 {
		maxVersions = DefaultMaxVersions
	}

	if _, err := os.Stat(path); err == nil {
		if err := rotateVersions(path, maxVersions); err != nil {
			return 0, fmt.Errorf("rotating versions for %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return 0, fmt.Errorf("statting %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("creating parent directory: %w", err)
	}

	tmpPath := path + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	size, err := io.Copy(tmp, content)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("writing content: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return 0, fmt.Errorf("renaming into place: %w", err)
	}
	return size, nil
}

// rotateVersions shifts existing .SCVERN siblings of path up by one
// and moves the current file to .SCVER2. Versions that would exceed
// maxVersions after incrementing are dropped rather than renamed.
// Renames always process the highest existing N first so no rename
// ever collides with one not yet processed.
func rotateVersions(path string, maxVersions int) error {
	dir := filepath.Dir(path)
	name := filepath.Base(path)
	versDir := filepath.Join(dir, ".SCVERS")

	if err := os.MkdirAll(versDir, 0755); err != nil {
		return fmt.Errorf("creating version directory: %w", err)
	}

	matches, err := filepath.Glob(filepath.Join(versDir, name+".SCVER*"))
	if err != nil {
		return fmt.Errorf("globbing existing versions: %w", err)
	}

	type versioned struct {
		path    string
		version int
	}
	var existing []versioned
	for _, m := range matches {
		base := filepath.Base(m)
		sub := scverPattern.FindStringSubmatch(base)
		if sub == nil {
			continue
		}
		n, err := strconv.Atoi(sub[2])
		if err != nil {
			continue
		}
		existing = append(existing, versioned{path: m, version: n})
	}

	sort.Slice(existing, func(i, j int) bool { return existing[i].version > existing[j].version })

	for _, v := range existing {
		next := v.version + 1
		if next > maxVersions {
			if err := os.Remove(v.path); err != nil {
				return fmt.Errorf("dropping expired version %s: %w", v.path, err)
			}
			metrics.VersionsDroppedTotal.Inc()
			continue
		}
		newPath := filepath.Join(versDir, fmt.Sprintf("%s.SCVER%d", name, next))
		if err := os.Rename(v.path, newPath); err != nil {
			return fmt.Errorf("renaming %s to %s: %w", v.path, newPath, err)
		}
	}

	newest := filepath.Join(versDir, name+".SCVER2")
	if err := os.Rename(path, newest); err != nil {
		return fmt.Errorf("renaming current file to %s: %w", newest, err)
	}
	metrics.VersionRotationsTotal.Inc()
	return nil
}
