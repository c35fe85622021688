// Package drivemonitor watches for newly attached volumes and surfaces
// them as a prompt event for the out-of-scope GUI, mirroring the
// Windows drive-letter poll the original agent ran, adapted to the
// Linux mount table (/proc/mounts). Other platforms need their own
// MountLister.
package drivemonitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/stormcloud/backup/pkg/events"
	"github.com/stormcloud/backup/pkg/settings"
)

// pollInterval matches the original's "check every second".
const pollInterval = time.Second

// MountLister enumerates currently mounted filesystem roots worth
// watching for backup purposes (fixed and removable volumes only).
// Parsing /proc/mounts lives behind this interface so other platforms
// can supply their own implementation without touching Monitor.
type MountLister interface {
	ListMounts() ([]string, error)
}

// Monitor polls a MountLister and reports newly seen mount points.
type Monitor struct {
	lister       MountLister
	broker       *events.Broker
	settingsPath string

	mu     sync.Mutex
	known  map[string]bool
	stopCh chan struct{}
}

// New returns a Monitor that publishes drive.detected events to
// broker and consults/updates settingsPath for notification
// preferences and accepted roots.
func New(lister MountLister, broker *events.Broker, settingsPath string) *Monitor {
	return &Monitor{
		lister:       lister,
		broker:       broker,
		settingsPath: settingsPath,
		known:        make(map[string]bool),
		stopCh:       make(chan struct{}),
	}
}

// Start begins polling in the background. A first poll seeds the
// known-mounts set without emitting events for volumes already
// present at startup.
func (m *Monitor) Start() error {
	initial, err := m.lister.ListMounts()
	if err != nil {
		return fmt.Errorf("listing initial mounts: %w", err)
	}
	m.mu.Lock()
	for _, mnt := range initial {
		m.known[mnt] = true
	}
	m.mu.Unlock()

	go m.loop()
	return nil
}

// Stop halts polling.
func (m *Monitor) Stop() { close(m.stopCh) }

func (m *Monitor) loop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.poll()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) poll() {
	current, err := m.lister.ListMounts()
	if err != nil {
		return
	}

	m.mu.Lock()
	var fresh []string
	seen := make(map[string]bool, len(current))
	for _, mnt := range current {
		seen[mnt] = true
		if !m.known[mnt] {
			fresh = append(fresh, mnt)
		}
	}
	m.known = seen
	m.mu.Unlock()

	for _, mnt := range fresh {
		m.handleNewMount(mnt)
	}
}

func (m *Monitor) handleNewMount(mountPoint string) {
	s, err := settings.Load(m.settingsPath)
	if err != nil {
		return
	}

	for _, p := range s.BackupPaths {
		if p == mountPoint {
			return
		}
	}
	for _, p := range s.RecursiveBackupPaths {
		if p == mountPoint {
			return
		}
	}
	if !s.DriveMonitorNotify {
		return
	}

	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:    events.EventDriveDetected,
			Message: fmt.Sprintf("new volume detected at %s", mountPoint),
			Metadata: map[string]string{
				"mount_point": mountPoint,
			},
		})
	}
}

// Accept records the user's choice to back up root, appending it to
// recursive_backup_paths via the Settings Model's atomic write.
func (m *Monitor) Accept(root string) error {
	return settings.AcceptDrive(m.settingsPath, root)
}

// Decline takes no persistent action; the volume is simply re-prompted
// next time it is attached (it is not remembered as known once
// unmounted, since the known set only tracks what's currently present).
func (m *Monitor) Decline(root string) {}

// SuppressFuturePrompts implements the "don't ask again" choice.
func (m *Monitor) SuppressFuturePrompts() error {
	return settings.SuppressDriveNotifications(m.settingsPath)
}
