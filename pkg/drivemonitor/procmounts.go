package drivemonitor

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ignoredFilesystems excludes virtual/pseudo filesystems that are
// never backup-worthy volumes.
var ignoredFilesystems = map[string]bool{
	"proc":        true,
	"sysfs":       true,
	"devtmpfs":    true,
	"devpts":      true,
	"tmpfs":       true,
	"cgroup":      true,
	"cgroup2":     true,
	"overlay":     true,
	"squashfs":    true,
	"mqueue":      true,
	"debugfs":     true,
	"tracefs":     true,
	"fusectl":     true,
	"configfs":    true,
	"binfmt_misc": true,
	"autofs":      true,
}

// ProcMountLister reads /proc/mounts, the Linux kernel's live mount
// table, filtering out pseudo filesystems.
type ProcMountLister struct {
	Path string
}

// NewProcMountLister returns a lister reading the standard
// /proc/mounts path.
func NewProcMountLister() *ProcMountLister {
	return &ProcMountLister{Path: "/proc/mounts"}
}

// ListMounts implements MountLister.
func (p *ProcMountLister) ListMounts() ([]string, error) {
	path := p.Path
	if path == "" {
		path = "/proc/mounts"
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var mounts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		mountPoint, fsType := fields[1], fields[2]
		if ignoredFilesystems[fsType] {
			continue
		}
		mounts = append(mounts, unescapeMountField(mountPoint))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return mounts, nil
}

// unescapeMountField reverses the octal escaping /proc/mounts applies
// to spaces, tabs, and backslashes in paths (e.g. "\040" for a space).
func unescapeMountField(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			var octal byte
			valid := true
			for j := 1; j <= 3; j++ {
				c := s[i+j]
				if c < '0' || c > '7' {
					valid = false
					break
				}
				octal = octal*8 + (c - '0')
			}
			if valid {
				b.WriteByte(octal)
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
