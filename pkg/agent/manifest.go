package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/stormcloud/backup/pkg/types"
)

// manifestTimeLayout is the timestamp part of the original agent's
// file_metadata_*.json naming, down to the second.
const manifestTimeLayout = "20060102_150405"

// snapshotManifest writes the current Hash Index contents as a
// file-metadata manifest and prunes old snapshots beyond MaxManifests.
func (o *Orchestrator) snapshotManifest() error {
	if o.cfg.ManifestDir == "" {
		return nil
	}
	if err := os.MkdirAll(o.cfg.ManifestDir, 0755); err != nil {
		return fmt.Errorf("creating manifest directory: %w", err)
	}

	entries, err := o.hashes.List()
	if err != nil {
		return fmt.Errorf("listing hash index: %w", err)
	}

	manifest := make([]types.ManifestEntry, 0, len(entries))
	for _, e := range entries {
		manifest = append(manifest, types.ManifestEntry{
			ClientFullNameAndPathAsPosix: filepath.ToSlash(e.Path),
			FileSize:                     e.Size,
			LastModified:                 e.Mtime,
			// Versions is left empty: the Hash Index only tracks the
			// last-seen digest, not the server-assigned version chain
			// for a path, so the agent has nothing to report here.
		})
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}

	name := fmt.Sprintf("file_metadata_%s.json", time.Now().Format(manifestTimeLayout))
	path := filepath.Join(o.cfg.ManifestDir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}

	return pruneManifests(o.cfg.ManifestDir, o.cfg.MaxManifests)
}

// pruneManifests keeps only the most recent max manifest files in dir,
// identified by lexical filename order (the timestamp suffix makes
// lexical order equal chronological order).
func pruneManifests(dir string, max int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading manifest directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	if len(names) <= max {
		return nil
	}
	for _, name := range names[:len(names)-max] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("removing old manifest %s: %w", name, err)
		}
	}
	return nil
}
