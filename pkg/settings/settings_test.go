package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stormcloud/backup/pkg/types"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "settings.yaml")
	s := &types.Settings{
		APIKey:               "key1",
		AgentID:              "agent1",
		BackupMode:           types.BackupModeRealtime,
		BackupPaths:          []string{"/home/user/docs"},
		KeepaliveFreqSeconds: 90,
		DriveMonitorNotify:   true,
	}
	require.NoError(t, Save(path, s))
	return path
}

func TestLoadRoundTripsSave(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir)

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "key1", loaded.APIKey)
	require.Equal(t, types.BackupModeRealtime, loaded.BackupMode)
	require.Equal(t, 90, loaded.KeepaliveFreqSeconds)
}

func TestLoadAppliesDefaultKeepaliveFrequency(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_key: k\n"), 0644))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, DefaultKeepaliveFreqSeconds, loaded.KeepaliveFreqSeconds)
}

func TestSaveNeverLeavesTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "settings.yaml", entries[0].Name())
	_ = path
}

func TestAcceptDriveAppendsRootOnce(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir)

	require.NoError(t, AcceptDrive(path, "/mnt/usb1"))
	require.NoError(t, AcceptDrive(path, "/mnt/usb1"))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"/mnt/usb1"}, loaded.RecursiveBackupPaths)
}

func TestSuppressDriveNotificationsDisablesPrompting(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir)

	require.NoError(t, SuppressDriveNotifications(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.False(t, loaded.DriveMonitorNotify)
}

func TestMutateDiscardsEditsOnLoadFailure(t *testing.T) {
	err := Mutate(filepath.Join(t.TempDir(), "missing.yaml"), func(s *types.Settings) {
		s.APIKey = "changed"
	})
	require.Error(t, err)
}
