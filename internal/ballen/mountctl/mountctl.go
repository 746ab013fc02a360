// Package `mountctl` mounts and unmounts the device.
//
// The controller holds no mount state.  Every call re-attempts the
// transition with the external `mount` or `umount` tool and then waits for
// the device to settle.  If a mount table is available, settling polls it
// until the transition is visible; otherwise it sleeps a fixed interval.
//
// An unmount of a device that is not mounted fails like any other unmount.
// Callers decide whether that is fatal.
package mountctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/srz2/ballen/internal/ballen/settle"
	"github.com/srz2/ballen/pkg/execx"
)

var ErrMountFailed = errors.New("mount failed")
var ErrUnmountFailed = errors.New("unmount failed")
var ErrMountedElsewhere = errors.New("device is mounted elsewhere")
var ErrNoMountTable = errors.New("no mount table")

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

// `Runner` executes privileged tools, usually `*privileges.Privileges`.
type Runner interface {
	Run(ctx context.Context, tool *execx.Tool, args ...string) ([]byte, error)
}

// `MountTable` is usually `devmounts.Table`.
type MountTable interface {
	MountPoints(device string) ([]string, error)
}

type Op string

const (
	OpMount   Op = "mount"
	OpUnmount Op = "unmount"
)

type MountError struct {
	Op         Op
	Device     string
	MountPoint string
	Err        error
}

func (e *MountError) Error() string {
	if e.Op == OpMount {
		return fmt.Sprintf(
			"failed to mount `%s` at `%s`: %v",
			e.Device, e.MountPoint, e.Err,
		)
	}
	return fmt.Sprintf("failed to unmount `%s`: %v", e.Device, e.Err)
}

func (e *MountError) Is(target error) bool {
	switch target {
	case ErrMountFailed:
		return e.Op == OpMount
	case ErrUnmountFailed:
		return e.Op == OpUnmount
	}
	return false
}

func (e *MountError) Unwrap() error {
	return e.Err
}

type Tools struct {
	Mount  *execx.Tool
	Umount *execx.Tool
}

// `Owner` is passed as `uid=` and `gid=` mount options, so that the
// unprivileged user owns the files on the FAT volume.
type Owner struct {
	Uid string
	Gid string
}

type Config struct {
	Runner  Runner
	Tools   Tools
	Owner   Owner
	Options []string
	Settler settle.Settler
	// `Table` may be nil, in which case settling is a fixed wait.
	Table MountTable
}

type Controller struct {
	lg      Logger
	runner  Runner
	tools   Tools
	options string
	settler settle.Settler
	table   MountTable
}

func New(lg Logger, cfg Config) *Controller {
	var opts []string
	if cfg.Owner.Uid != "" {
		opts = append(opts, "uid="+cfg.Owner.Uid)
	}
	if cfg.Owner.Gid != "" {
		opts = append(opts, "gid="+cfg.Owner.Gid)
	}
	opts = append(opts, cfg.Options...)

	return &Controller{
		lg:      lg,
		runner:  cfg.Runner,
		tools:   cfg.Tools,
		options: strings.Join(opts, ","),
		settler: cfg.Settler,
		table:   cfg.Table,
	}
}

// `IsMounted()` returns the first mount point of `device`.
func (c *Controller) IsMounted(device string) (string, bool, error) {
	if c.table == nil {
		return "", false, ErrNoMountTable
	}
	mps, err := c.table.MountPoints(device)
	if err != nil {
		return "", false, err
	}
	if len(mps) == 0 {
		return "", false, nil
	}
	return mps[0], true, nil
}

func (c *Controller) Mount(
	ctx context.Context, device, mountPoint string,
) error {
	mountPoint = filepath.Clean(mountPoint)
	fail := func(err error) error {
		return &MountError{
			Op:         OpMount,
			Device:     device,
			MountPoint: mountPoint,
			Err:        err,
		}
	}

	// The mount table lists targets with symlinks resolved.
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return fail(err)
	}
	resolved, err := filepath.EvalSymlinks(mountPoint)
	if err != nil {
		return fail(err)
	}
	mountPoint = resolved

	if c.table != nil {
		mps, err := c.table.MountPoints(device)
		if err != nil {
			return fail(err)
		}
		for _, mp := range mps {
			if mp == mountPoint {
				c.lg.Infow(
					"Device already mounted.",
					"device", device,
					"mountPoint", mountPoint,
				)
				return nil
			}
		}
		if len(mps) > 0 {
			return fail(fmt.Errorf(
				"%w at `%s`", ErrMountedElsewhere, mps[0],
			))
		}
	}

	var args []string
	if c.options != "" {
		args = append(args, "-o", c.options)
	}
	args = append(args, device, mountPoint)

	c.lg.Infow(
		"Mounting device.",
		"device", device,
		"mountPoint", mountPoint,
		"options", c.options,
	)
	if _, err := c.runner.Run(ctx, c.tools.Mount, args...); err != nil {
		c.lg.Errorw(
			"Mount command failed.",
			"device", device,
			"err", err,
		)
		return fail(err)
	}

	if err := c.settle(ctx, device, func(mps []string) bool {
		for _, mp := range mps {
			if mp == mountPoint {
				return true
			}
		}
		return false
	}); err != nil {
		return fail(err)
	}

	c.lg.Infow("Mounted device.", "device", device, "mountPoint", mountPoint)
	return nil
}

func (c *Controller) Unmount(ctx context.Context, device string) error {
	fail := func(err error) error {
		return &MountError{Op: OpUnmount, Device: device, Err: err}
	}

	c.lg.Infow("Unmounting device.", "device", device)
	if _, err := c.runner.Run(ctx, c.tools.Umount, device); err != nil {
		c.lg.Errorw(
			"Unmount command failed.",
			"device", device,
			"err", err,
		)
		return fail(err)
	}

	if err := c.settle(ctx, device, func(mps []string) bool {
		return len(mps) == 0
	}); err != nil {
		return fail(err)
	}

	c.lg.Infow("Unmounted device.", "device", device)
	return nil
}

func (c *Controller) settle(
	ctx context.Context, device string, done func([]string) bool,
) error {
	if c.table == nil {
		return c.settler.Wait(ctx)
	}
	return c.settler.Until(ctx, func() (bool, error) {
		mps, err := c.table.MountPoints(device)
		if err != nil {
			return false, err
		}
		return done(mps), nil
	})
}
