// Package settings manages the agent's declarative configuration file:
// paths, schedule, mode, and identifiers. Every orchestrator tick
// reloads it from disk so external edits take effect without a
// restart; every in-process mutation (drive-monitor acceptance,
// reconfiguration) goes through the same read -> mutate -> atomic
// write path, so the loop's next reload never observes a
// partially-written file.
package settings

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/stormcloud/backup/pkg/types"
	"gopkg.in/yaml.v3"
)

// DefaultKeepaliveFreqSeconds matches the spec's default when a
// settings file omits the field.
const DefaultKeepaliveFreqSeconds = 60

// Load reads and parses the settings file at path.
func Load(path string) (*types.Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading settings file: %w", err)
	}

	var s types.Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing settings file: %w", err)
	}
	if s.KeepaliveFreqSeconds <= 0 {
		s.KeepaliveFreqSeconds = DefaultKeepaliveFreqSeconds
	}
	return &s, nil
}

// Save atomically writes s to path: marshal, write to a temp file in
// the same directory, then rename over the target. A reader never
// observes a half-written file.
func Save(path string, s *types.Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("creating temp settings file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp settings file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp settings file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp settings file into place: %w", err)
	}
	return nil
}

// Mutate loads path, applies fn to the in-memory Settings, and saves
// the result back atomically. fn's edits are discarded if either the
// load or the save fails.
func Mutate(path string, fn func(*types.Settings)) error {
	s, err := Load(path)
	if err != nil {
		return err
	}
	fn(s)
	return Save(path, s)
}

// AcceptDrive appends root to recursive_backup_paths, the effect of a
// user accepting a Drive Monitor prompt.
func AcceptDrive(path, root string) error {
	return Mutate(path, func(s *types.Settings) {
		for _, existing := range s.RecursiveBackupPaths {
			if existing == root {
				return
			}
		}
		s.RecursiveBackupPaths = append(s.RecursiveBackupPaths, root)
	})
}

// SuppressDriveNotifications disables future Drive Monitor prompts,
// the effect of a user choosing "don't ask again".
func SuppressDriveNotifications(path string) error {
	return Mutate(path, func(s *types.Settings) {
		s.DriveMonitorNotify = false
	})
}
