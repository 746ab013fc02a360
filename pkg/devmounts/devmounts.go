// Package `devmounts` reads the Linux mount table with `moby/sys/mountinfo`
// to tell where a block device is mounted.
package devmounts

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/moby/sys/mountinfo"
)

// `Table` reads `mountinfo(5)` data from `Path`, or from the mount table
// of the calling thread if `Path` is empty.
type Table struct {
	Path string
}

func (t Table) mounts(filter mountinfo.FilterFunc) ([]*mountinfo.Info, error) {
	if t.Path == "" {
		return mountinfo.GetMounts(filter)
	}
	fp, err := os.Open(t.Path)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	infos, err := mountinfo.GetMountsFromReader(fp, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to parse `%s`: %w", t.Path, err)
	}
	return infos, nil
}

// `MountPoints()` returns the targets at which `device` is mounted.  Device
// and targets are resolved through symlinks, like `/dev/disk/by-label/X`
// or a symlinked working directory, so that they compare equal to
// `Canonical()` paths.
func (t Table) MountPoints(device string) ([]string, error) {
	want := Canonical(device)
	infos, err := t.mounts(func(i *mountinfo.Info) (skip, stop bool) {
		return Canonical(i.Source) != want, false
	})
	if err != nil {
		return nil, err
	}
	mps := make([]string, 0, len(infos))
	for _, i := range infos {
		mps = append(mps, Canonical(i.Mountpoint))
	}
	return mps, nil
}

// `Canonical()` returns `p` cleaned and with symlinks resolved.  Paths
// that cannot be resolved are only cleaned.
func Canonical(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return filepath.Clean(r)
	}
	return filepath.Clean(p)
}
