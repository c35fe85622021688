package drivemonitor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFakeProcMounts(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestListMountsFiltersPseudoFilesystems(t *testing.T) {
	path := writeFakeProcMounts(t, `sysfs /sys sysfs rw,nosuid 0 0
/dev/sda1 / ext4 rw,relatime 0 0
/dev/sdb1 /mnt/usb vfat rw,relatime 0 0
tmpfs /run tmpfs rw,nosuid 0 0
`)

	lister := &ProcMountLister{Path: path}
	mounts, err := lister.ListMounts()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"/", "/mnt/usb"}, mounts)
}

func TestListMountsUnescapesOctalSpaces(t *testing.T) {
	path := writeFakeProcMounts(t, `/dev/sdc1 /mnt/My\040Drive vfat rw 0 0
`)

	lister := &ProcMountLister{Path: path}
	mounts, err := lister.ListMounts()
	require.NoError(t, err)
	require.Equal(t, []string{"/mnt/My Drive"}, mounts)
}

func TestListMountsReturnsErrorWhenFileMissing(t *testing.T) {
	lister := &ProcMountLister{Path: filepath.Join(t.TempDir(), "does-not-exist")}
	_, err := lister.ListMounts()
	require.Error(t, err)
}
