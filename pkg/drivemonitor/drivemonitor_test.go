package drivemonitor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stormcloud/backup/pkg/events"
	"github.com/stormcloud/backup/pkg/settings"
	"github.com/stormcloud/backup/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	mounts []string
}

func (f *fakeLister) ListMounts() ([]string, error) { return f.mounts, nil }

func writeSettings(t *testing.T, s *types.Settings) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, settings.Save(path, s))
	return path
}

func TestStartDoesNotPromptForAlreadyPresentMounts(t *testing.T) {
	path := writeSettings(t, &types.Settings{DriveMonitorNotify: true})
	lister := &fakeLister{mounts: []string{"/mnt/usb1"}}
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	m := New(lister, broker, path)
	require.NoError(t, m.Start())
	defer m.Stop()

	select {
	case ev := <-sub:
		t.Fatalf("unexpected event for pre-existing mount: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewMountPublishesDriveDetected(t *testing.T) {
	path := writeSettings(t, &types.Settings{DriveMonitorNotify: true})
	lister := &fakeLister{mounts: []string{}}
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	m := New(lister, broker, path)
	require.NoError(t, m.Start())
	defer m.Stop()

	lister.mounts = []string{"/mnt/usb2"}
	m.poll()

	select {
	case ev := <-sub:
		require.Equal(t, events.EventDriveDetected, ev.Type)
		require.Equal(t, "/mnt/usb2", ev.Metadata["mount_point"])
	case <-time.After(time.Second):
		t.Fatal("expected a drive.detected event")
	}
}

func TestKnownBackupPathSkipsPrompt(t *testing.T) {
	path := writeSettings(t, &types.Settings{
		DriveMonitorNotify: true,
		BackupPaths:        []string{"/mnt/usb3"},
	})
	lister := &fakeLister{mounts: []string{}}
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	m := New(lister, broker, path)
	require.NoError(t, m.Start())
	defer m.Stop()

	lister.mounts = []string{"/mnt/usb3"}
	m.poll()

	select {
	case ev := <-sub:
		t.Fatalf("unexpected event for already-configured path: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSuppressedNotificationsSkipPrompt(t *testing.T) {
	path := writeSettings(t, &types.Settings{DriveMonitorNotify: false})
	lister := &fakeLister{mounts: []string{}}
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	m := New(lister, broker, path)
	require.NoError(t, m.Start())
	defer m.Stop()

	lister.mounts = []string{"/mnt/usb4"}
	m.poll()

	select {
	case ev := <-sub:
		t.Fatalf("unexpected event while notifications suppressed: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAcceptAppendsRootToRecursivePaths(t *testing.T) {
	path := writeSettings(t, &types.Settings{DriveMonitorNotify: true})
	m := New(&fakeLister{}, nil, path)

	require.NoError(t, m.Accept("/mnt/usb5"))

	loaded, err := settings.Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"/mnt/usb5"}, loaded.RecursiveBackupPaths)
}

func TestSuppressFuturePromptsPersists(t *testing.T) {
	path := writeSettings(t, &types.Settings{DriveMonitorNotify: true})
	m := New(&fakeLister{}, nil, path)

	require.NoError(t, m.SuppressFuturePrompts())

	loaded, err := settings.Load(path)
	require.NoError(t, err)
	require.False(t, loaded.DriveMonitorNotify)
}
