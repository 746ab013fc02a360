// Package `devprep` runs the external tools that operate on the raw device:
// the FAT formatter `mkfs.vfat` and the cluster reorder tool `fatsort`.
//
// Each tool runs between a mandatory unmount and a mandatory remount.  If
// the unmount fails, the tool is not started.  A remount error takes
// precedence over a tool error.
//
// A failed format is fatal, but only after the remount has been attempted.
// A failed reorder is a warning unless `ReorderStrict` is set.
package devprep

import (
	"context"
	"errors"
	"fmt"

	"github.com/srz2/ballen/internal/ballen/settle"
	"github.com/srz2/ballen/pkg/execx"
)

var ErrUnmountFailed = errors.New("unmount before tool failed")
var ErrRemountFailed = errors.New("remount after tool failed")
var ErrFormatToolFailed = errors.New("format tool failed")
var ErrReorderToolFailed = errors.New("reorder tool failed")
var ErrNoTool = errors.New("tool not configured")

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

// `Mounter` is usually `*mountctl.Controller`.
type Mounter interface {
	Mount(ctx context.Context, device, mountPoint string) error
	Unmount(ctx context.Context, device string) error
}

type Runner interface {
	Run(ctx context.Context, tool *execx.Tool, args ...string) ([]byte, error)
}

// `FormatError.Kind` is one of `ErrUnmountFailed`, `ErrRemountFailed`, or
// `ErrFormatToolFailed`.
type FormatError struct {
	Kind   error
	Device string
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format `%s`: %v: %v", e.Device, e.Kind, e.Err)
}

func (e *FormatError) Is(target error) bool {
	return target == e.Kind
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// `ReorderError.Kind` is one of `ErrUnmountFailed`, `ErrRemountFailed`, or
// `ErrReorderToolFailed`.
type ReorderError struct {
	Kind   error
	Device string
	Err    error
}

func (e *ReorderError) Error() string {
	return fmt.Sprintf("reorder `%s`: %v: %v", e.Device, e.Kind, e.Err)
}

func (e *ReorderError) Is(target error) bool {
	return target == e.Kind
}

func (e *ReorderError) Unwrap() error {
	return e.Err
}

// `Tools` that an action does not use may be nil.  Calling an operation
// without its tool fails before the device is touched.
type Tools struct {
	Mkfs    *execx.Tool
	Fatsort *execx.Tool
}

type Config struct {
	Mounter Mounter
	Runner  Runner
	Tools   Tools
	// `MkfsArgs` are passed before the device.
	MkfsArgs []string
	// `MountPoint` is where `FormatDisk()` remounts the device.
	MountPoint    string
	Settler       settle.Settler
	ReorderStrict bool
}

type Preparer struct {
	lg            Logger
	mounter       Mounter
	runner        Runner
	tools         Tools
	mkfsArgs      []string
	mountPoint    string
	settler       settle.Settler
	reorderStrict bool
}

func New(lg Logger, cfg Config) *Preparer {
	return &Preparer{
		lg:            lg,
		mounter:       cfg.Mounter,
		runner:        cfg.Runner,
		tools:         cfg.Tools,
		mkfsArgs:      cfg.MkfsArgs,
		mountPoint:    cfg.MountPoint,
		settler:       cfg.Settler,
		reorderStrict: cfg.ReorderStrict,
	}
}

func (p *Preparer) FormatDisk(ctx context.Context, device string) error {
	fail := func(kind, err error) error {
		return &FormatError{Kind: kind, Device: device, Err: err}
	}
	if p.tools.Mkfs == nil {
		return fail(ErrFormatToolFailed, ErrNoTool)
	}

	if err := p.mounter.Unmount(ctx, device); err != nil {
		p.lg.Errorw("Unmount before format failed.", "device", device)
		return fail(ErrUnmountFailed, err)
	}

	args := make([]string, 0, len(p.mkfsArgs)+1)
	args = append(args, p.mkfsArgs...)
	args = append(args, device)
	p.lg.Infow("Formatting device.", "device", device, "tool", p.tools.Mkfs)
	_, mkfsErr := p.runner.Run(ctx, p.tools.Mkfs, args...)
	if mkfsErr != nil {
		p.lg.Errorw("Format tool failed.", "device", device, "err", mkfsErr)
	}

	if err := p.settler.Wait(ctx); err != nil {
		p.lg.Warnw("Settle wait interrupted.", "err", err)
	}

	if err := p.mounter.Mount(ctx, device, p.mountPoint); err != nil {
		return fail(ErrRemountFailed, err)
	}

	if mkfsErr != nil {
		return fail(ErrFormatToolFailed, mkfsErr)
	}
	p.lg.Infow("Formatted device.", "device", device)
	return nil
}

func (p *Preparer) ReorderClusters(
	ctx context.Context, device, mountPoint string,
) error {
	fail := func(kind, err error) error {
		return &ReorderError{Kind: kind, Device: device, Err: err}
	}
	if p.tools.Fatsort == nil {
		return fail(ErrReorderToolFailed, ErrNoTool)
	}

	if err := p.mounter.Unmount(ctx, device); err != nil {
		p.lg.Errorw("Unmount before reorder failed.", "device", device)
		return fail(ErrUnmountFailed, err)
	}

	p.lg.Infow(
		"Reordering clusters.", "device", device, "tool", p.tools.Fatsort,
	)
	_, toolErr := p.runner.Run(ctx, p.tools.Fatsort, device)
	if toolErr != nil {
		if p.reorderStrict {
			p.lg.Errorw("Reorder tool failed.", "device", device, "err", toolErr)
		} else {
			p.lg.Warnw(
				"Reorder tool failed; ignored.",
				"device", device,
				"err", toolErr,
			)
		}
	}

	if err := p.mounter.Mount(ctx, device, mountPoint); err != nil {
		return fail(ErrRemountFailed, err)
	}

	if toolErr != nil && p.reorderStrict {
		return fail(ErrReorderToolFailed, toolErr)
	}
	if toolErr == nil {
		p.lg.Infow("Reordered clusters.", "device", device)
	}
	return nil
}
