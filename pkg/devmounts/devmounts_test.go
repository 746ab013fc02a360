package devmounts_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/srz2/ballen/pkg/devmounts"
	"github.com/stretchr/testify/require"
)

const sampleMountinfo = `22 1 0:21 / /sys rw,nosuid,nodev,noexec,relatime shared:7 - sysfs sysfs rw
98 25 8:1 / /home/pi/ballen/drive rw,relatime shared:50 - vfat /dev/sda1 rw,uid=1000,gid=1000
99 25 8:17 / /media/pi/SD\040CARD rw,relatime - vfat /dev/sdb1 rw
`

func writeTable(t *testing.T, content string) devmounts.Table {
	path := filepath.Join(t.TempDir(), "mountinfo")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return devmounts.Table{Path: path}
}

func TestTableMountPoints(t *testing.T) {
	tab := writeTable(t, sampleMountinfo)

	mps, err := tab.MountPoints("/dev/sda1")
	require.NoError(t, err)
	require.Equal(t, []string{"/home/pi/ballen/drive"}, mps)

	mps, err = tab.MountPoints("/dev/sdb1")
	require.NoError(t, err)
	require.Equal(t, []string{"/media/pi/SD CARD"}, mps)

	mps, err = tab.MountPoints("/dev/sdc1")
	require.NoError(t, err)
	require.Empty(t, mps)

	_, err = devmounts.Table{Path: tab.Path + ".missing"}.MountPoints("/dev/sda1")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestTableMalformed(t *testing.T) {
	tab := writeTable(t, "garbage\n")
	_, err := tab.MountPoints("/dev/sda1")
	require.Error(t, err)
}

func TestTableResolvesSymlinks(t *testing.T) {
	tmp, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	realDir := filepath.Join(tmp, "realDir")
	require.NoError(t, os.MkdirAll(filepath.Join(realDir, "drive"), 0755))
	link := filepath.Join(tmp, "link")
	require.NoError(t, os.Symlink(realDir, link))

	// The kernel lists the resolved target; the device is given by link.
	dev := filepath.Join(tmp, "sda1")
	require.NoError(t, os.WriteFile(dev, nil, 0644))
	devLink := filepath.Join(tmp, "by-label")
	require.NoError(t, os.Symlink(dev, devLink))

	tab := writeTable(t,
		"98 25 8:1 / "+filepath.Join(link, "drive")+" rw - vfat "+dev+" rw\n",
	)
	mps, err := tab.MountPoints(devLink)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(realDir, "drive")}, mps)
	require.Equal(t,
		filepath.Join(realDir, "drive"),
		devmounts.Canonical(filepath.Join(link, "drive")),
	)
}
