// Package `archive` copies volume content between the mount point, the
// backup folder, and the firmware folder.
//
// Copies preserve file bytes, permission bits, and modification times.
// Symlinks and special files are skipped with a warning; the volume is FAT,
// which has neither.  Attribute updates that the destination filesystem
// rejects are logged as warnings, since FAT cannot represent all permission
// bits.  Content errors abort the copy without rollback.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	cp "github.com/otiai10/copy"
	"github.com/srz2/ballen/pkg/ratecounter"
	"github.com/srz2/ballen/pkg/ratelimit"
)

var ErrIo = errors.New("archive I/O error")
var ErrOverlap = errors.New("source and destination overlap")
var ErrInvalidName = errors.New("invalid file name")

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
}

type IoError struct {
	Op   string
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("%s `%s`: %v", e.Op, e.Path, e.Err)
}

func (e *IoError) Is(target error) bool {
	return target == ErrIo
}

func (e *IoError) Unwrap() error {
	return e.Err
}

type Stats struct {
	Files   int
	Dirs    int
	Bytes   int64
	Skipped int
}

type Config struct {
	// `Limit` is the copy bandwidth in bytes per second; 0 is unlimited.
	Limit uint64
}

type Manager struct {
	lg     Logger
	bucket *ratelimit.Bucket
}

func New(lg Logger, cfg Config) *Manager {
	return &Manager{
		lg:     lg,
		bucket: ratelimit.NewBucket(cfg.Limit),
	}
}

// `Backup()` replaces `dest` with a copy of the tree `source`.  An existing
// `dest` is only removed after `source` has been listed successfully.
func (m *Manager) Backup(
	ctx context.Context, source, dest string,
) (Stats, error) {
	source, err := filepath.Abs(source)
	if err != nil {
		return Stats{}, &IoError{Op: "backup", Path: source, Err: err}
	}
	dest, err = filepath.Abs(dest)
	if err != nil {
		return Stats{}, &IoError{Op: "backup", Path: dest, Err: err}
	}
	if within(source, dest) || within(dest, source) {
		return Stats{}, &IoError{
			Op:   "backup",
			Path: dest,
			Err:  fmt.Errorf("%w: `%s`", ErrOverlap, source),
		}
	}

	if _, err := os.ReadDir(source); err != nil {
		return Stats{}, &IoError{Op: "read", Path: source, Err: err}
	}
	if err := os.RemoveAll(dest); err != nil {
		return Stats{}, &IoError{Op: "remove", Path: dest, Err: err}
	}
	m.lg.Infow("Removed previous backup.", "dest", dest)

	return m.copyTree(ctx, "backup", source, dest)
}

// `Restore()` copies the children of `source` into `dest` without clearing
// `dest` first.
func (m *Manager) Restore(
	ctx context.Context, source, dest string,
) (Stats, error) {
	return m.copyTree(ctx, "restore", filepath.Clean(source), filepath.Clean(dest))
}

// `InstallContent()` is like `Restore()` for the firmware payload.
func (m *Manager) InstallContent(
	ctx context.Context, source, dest string,
) (Stats, error) {
	return m.copyTree(ctx, "install", filepath.Clean(source), filepath.Clean(dest))
}

// `ReplaceFile()` overwrites the file `dst` with the file `src`.
func (m *Manager) ReplaceFile(
	ctx context.Context, src, dst string,
) (Stats, error) {
	info, err := os.Lstat(src)
	if err != nil {
		return Stats{}, &IoError{Op: "stat", Path: src, Err: err}
	}
	if !info.Mode().IsRegular() {
		return Stats{}, &IoError{
			Op: "replace", Path: src, Err: errors.New("not a regular file"),
		}
	}

	c := m.newCopier(ctx)
	if err := c.copy(src, dst); err != nil {
		return c.stats(), err
	}
	st := c.stats()
	st.Files = 1
	m.lg.Infow(
		"Replaced file.",
		"src", src,
		"dst", dst,
		"bytes", st.Bytes,
	)
	return st, nil
}

// `RemoveFiles()` removes `names` relative to `root`.  Missing files are
// ignored.  It returns the names that have been removed.
func (m *Manager) RemoveFiles(
	ctx context.Context, root string, names []string,
) ([]string, error) {
	var removed []string
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		clean := filepath.Clean(name)
		if name == "" || filepath.IsAbs(clean) || clean == "." ||
			clean == ".." || strings.HasPrefix(clean, "../") {
			return removed, &IoError{
				Op: "remove", Path: name, Err: ErrInvalidName,
			}
		}

		path := filepath.Join(root, clean)
		err := os.Remove(path)
		switch {
		case err == nil:
			m.lg.Infow("Removed file.", "path", path)
			removed = append(removed, name)
		case os.IsNotExist(err):
			// Nothing to do.
		default:
			return removed, &IoError{Op: "remove", Path: path, Err: err}
		}
	}
	return removed, nil
}

func (m *Manager) copyTree(
	ctx context.Context, op, source, dest string,
) (Stats, error) {
	m.lg.Infow("Copying tree.", "op", op, "src", source, "dst", dest)

	ents, err := os.ReadDir(source)
	if err != nil {
		return Stats{}, &IoError{Op: "read", Path: source, Err: err}
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return Stats{}, &IoError{Op: "mkdir", Path: dest, Err: err}
	}

	// Children are copied one by one.  The attributes of `dest`, usually
	// the mount point, stay as they are.
	c := m.newCopier(ctx)
	for _, e := range ents {
		src := filepath.Join(source, e.Name())
		info, err := os.Lstat(src)
		if err != nil {
			return c.stats(), &IoError{Op: "stat", Path: src, Err: err}
		}
		skip, err := c.visit(info, src)
		if err != nil {
			return c.stats(), err
		}
		if skip {
			continue
		}
		if err := c.copy(src, filepath.Join(dest, e.Name())); err != nil {
			return c.stats(), err
		}
	}

	st := c.stats()
	m.lg.Infow(
		"Copied tree.",
		"op", op,
		"src", source,
		"dst", dest,
		"files", st.Files,
		"dirs", st.Dirs,
		"bytes", st.Bytes,
		"skipped", st.Skipped,
		"bytesPerSec", c.meter.Rate(),
	)
	return st, nil
}

// `copier` drives `otiai10/copy`.  `visit()` counts entries and skips
// symlinks and special files.  File content is throttled and metered.
// Attribute errors are warnings.
type copier struct {
	ctx    context.Context
	lg     Logger
	bucket *ratelimit.Bucket
	meter  *ratecounter.Meter
	counts Stats
}

func (m *Manager) newCopier(ctx context.Context) *copier {
	return &copier{
		ctx:    ctx,
		lg:     m.lg,
		bucket: m.bucket,
		meter:  ratecounter.NewMeter(time.Second),
	}
}

func (c *copier) stats() Stats {
	st := c.counts
	st.Bytes = c.meter.Total()
	return st
}

func (c *copier) copy(src, dst string) error {
	err := cp.Copy(src, dst, cp.Options{
		Skip: func(info os.FileInfo, path, _ string) (bool, error) {
			return c.visit(info, path)
		},
		PermissionControl: c.permissions,
		PreserveTimes:     true,
		OnError:           c.onError,
		WrapReader: func(r io.Reader) io.Reader {
			return io.TeeReader(ratelimit.Reader(r, c.bucket), c.meter)
		},
	})
	switch {
	case err == nil:
		return nil
	case c.ctx.Err() != nil:
		return c.ctx.Err()
	default:
		return &IoError{Op: "copy", Path: src, Err: err}
	}
}

// `visit()` counts `src` and tells whether to skip it.  It fails if the
// copy has been canceled.
func (c *copier) visit(info os.FileInfo, src string) (bool, error) {
	if err := c.ctx.Err(); err != nil {
		return true, err
	}
	switch mode := info.Mode(); {
	case mode.IsDir():
		c.counts.Dirs++
		return false, nil
	case mode.IsRegular():
		c.counts.Files++
		return false, nil
	default:
		c.lg.Warnw("Skipped non-regular file.", "path", src, "mode", mode)
		c.counts.Skipped++
		return true, nil
	}
}

// `permissions()` creates directories writable and applies the source
// permissions afterwards.  A failed chmod is a warning.
func (c *copier) permissions(
	info fs.FileInfo, dst string,
) (func(*error), error) {
	if info.IsDir() {
		if err := os.MkdirAll(dst, 0755); err != nil {
			return func(*error) {}, err
		}
	}
	return func(*error) {
		if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
			c.lg.Warnw(
				"Failed to preserve permissions.",
				"path", dst,
				"err", err,
			)
		}
	}, nil
}

// `onError()` turns a failed chtimes into a warning.
func (c *copier) onError(src, dst string, err error) error {
	var perr *fs.PathError
	if errors.As(err, &perr) && perr.Op == "chtimes" {
		c.lg.Warnw("Failed to preserve mtime.", "path", dst, "err", err)
		return nil
	}
	return err
}

// `within()` tells whether `p` is `root` or below it.
func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." ||
		(rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
