package archive_test

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/srz2/ballen/internal/ballen/archive"
	"github.com/srz2/ballen/pkg/mulog"
	"github.com/stretchr/testify/require"
)

var quiet = mulog.Printer{W: io.Discard}

func writeTree(t *testing.T, root string, files map[string]string) {
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

// `readTree()` returns regular file contents by relative path; directories
// map to `/`.
func readTree(t *testing.T, root string) map[string]string {
	tree := make(map[string]string)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." {
			return err
		}
		if d.IsDir() {
			tree[rel] = "/"
			return nil
		}
		data, err := os.ReadFile(p)
		tree[rel] = string(data)
		return err
	})
	require.NoError(t, err)
	return tree
}

func TestBackupReplacesPreviousSnapshot(t *testing.T) {
	tmp := t.TempDir()
	drive := filepath.Join(tmp, "drive")
	backups := filepath.Join(tmp, "backups")
	writeTree(t, drive, map[string]string{
		"a.txt":     "alpha",
		"sub/b.txt": "bravo",
	})
	writeTree(t, backups, map[string]string{
		"stale.txt":     "old",
		"sub/stale.txt": "old",
	})

	m := archive.New(quiet, archive.Config{})
	st, err := m.Backup(context.Background(), drive, backups)
	require.NoError(t, err)
	require.Equal(t, archive.Stats{Files: 2, Dirs: 1, Bytes: 10}, st)

	require.Equal(t, readTree(t, drive), readTree(t, backups))
	require.Equal(t, map[string]string{
		"a.txt":     "alpha",
		"sub":       "/",
		"sub/b.txt": "bravo",
	}, readTree(t, backups))
}

func TestBackupTwiceIsStable(t *testing.T) {
	tmp := t.TempDir()
	drive := filepath.Join(tmp, "drive")
	backups := filepath.Join(tmp, "backups")
	writeTree(t, drive, map[string]string{"a.txt": "alpha", "d/e/f": "x"})

	m := archive.New(quiet, archive.Config{})
	ctx := context.Background()
	_, err := m.Backup(ctx, drive, backups)
	require.NoError(t, err)
	first := readTree(t, backups)
	_, err = m.Backup(ctx, drive, backups)
	require.NoError(t, err)
	require.Equal(t, first, readTree(t, backups))
}

func TestRestoreReproducesTree(t *testing.T) {
	tmp := t.TempDir()
	drive := filepath.Join(tmp, "drive")
	backups := filepath.Join(tmp, "backups")
	writeTree(t, drive, map[string]string{
		"a.txt":         "alpha",
		"sub/b.txt":     "bravo",
		"sub/deep/c.gb": "\x00\x01\x02",
	})
	require.NoError(t, os.Chmod(filepath.Join(drive, "a.txt"), 0600))
	mtime := time.Date(2004, 3, 21, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(drive, "sub/b.txt"), mtime, mtime))

	m := archive.New(quiet, archive.Config{Limit: 64 << 20})
	ctx := context.Background()
	_, err := m.Backup(ctx, drive, backups)
	require.NoError(t, err)

	// Simulate the format.
	require.NoError(t, os.RemoveAll(drive))
	require.NoError(t, os.Mkdir(drive, 0755))

	st, err := m.Restore(ctx, backups, drive)
	require.NoError(t, err)
	require.Equal(t, 3, st.Files)
	require.Equal(t, 2, st.Dirs)

	require.Equal(t, map[string]string{
		"a.txt":         "alpha",
		"sub":           "/",
		"sub/b.txt":     "bravo",
		"sub/deep":      "/",
		"sub/deep/c.gb": "\x00\x01\x02",
	}, readTree(t, drive))

	info, err := os.Stat(filepath.Join(drive, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(drive, "sub/b.txt"))
	require.NoError(t, err)
	require.True(t, mtime.Equal(info.ModTime()))
}

func TestRestoreKeepsExistingDest(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "src")
	dst := filepath.Join(tmp, "dst")
	writeTree(t, src, map[string]string{"a": "new"})
	writeTree(t, dst, map[string]string{"a": "old", "other": "keep"})

	m := archive.New(quiet, archive.Config{})
	_, err := m.InstallContent(context.Background(), src, dst)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"a":     "new",
		"other": "keep",
	}, readTree(t, dst))
}

func TestBackupRefusesOverlap(t *testing.T) {
	tmp := t.TempDir()
	drive := filepath.Join(tmp, "drive")
	writeTree(t, drive, map[string]string{"a": "a"})
	m := archive.New(quiet, archive.Config{})
	ctx := context.Background()

	for _, c := range []struct{ src, dst string }{
		{drive, drive},
		{drive, filepath.Join(drive, "backups")},
		{drive, tmp},
	} {
		_, err := m.Backup(ctx, c.src, c.dst)
		require.ErrorIs(t, err, archive.ErrIo)
		require.ErrorIs(t, err, archive.ErrOverlap)
	}
	require.Equal(t, map[string]string{"a": "a"}, readTree(t, drive))
}

func TestBackupUnreadableSourceKeepsSnapshot(t *testing.T) {
	tmp := t.TempDir()
	backups := filepath.Join(tmp, "backups")
	writeTree(t, backups, map[string]string{"a": "previous"})

	m := archive.New(quiet, archive.Config{})
	_, err := m.Backup(context.Background(), filepath.Join(tmp, "missing"), backups)
	require.ErrorIs(t, err, archive.ErrIo)
	require.ErrorIs(t, err, os.ErrNotExist)

	var ioerr *archive.IoError
	require.True(t, errors.As(err, &ioerr))
	require.Equal(t, "read", ioerr.Op)
	require.Equal(t, map[string]string{"a": "previous"}, readTree(t, backups))
}

func TestSymlinksAndSpecialFilesAreSkipped(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "src")
	dst := filepath.Join(tmp, "dst")
	writeTree(t, src, map[string]string{"a": "a", "sub/b": "b"})
	require.NoError(t, os.Symlink("a", filepath.Join(src, "link")))
	require.NoError(t, os.Symlink("b", filepath.Join(src, "sub/link")))
	require.NoError(t, syscall.Mkfifo(filepath.Join(src, "sub/fifo"), 0644))

	m := archive.New(quiet, archive.Config{})
	st, err := m.Restore(context.Background(), src, dst)
	require.NoError(t, err)
	require.Equal(t, archive.Stats{Files: 2, Dirs: 1, Bytes: 2, Skipped: 3}, st)
	require.Equal(t, map[string]string{
		"a":     "a",
		"sub":   "/",
		"sub/b": "b",
	}, readTree(t, dst))
}

func TestCopyCanceled(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "src")
	writeTree(t, src, map[string]string{"a": "a"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := archive.New(quiet, archive.Config{})
	_, err := m.Restore(ctx, src, filepath.Join(tmp, "dst"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestReplaceFile(t *testing.T) {
	tmp := t.TempDir()
	writeTree(t, tmp, map[string]string{
		"fw4/ezkernel.bin":   "new kernel",
		"drive/ezkernel.bin": "old kernel, longer",
	})
	m := archive.New(quiet, archive.Config{})
	ctx := context.Background()

	st, err := m.ReplaceFile(
		ctx,
		filepath.Join(tmp, "fw4/ezkernel.bin"),
		filepath.Join(tmp, "drive/ezkernel.bin"),
	)
	require.NoError(t, err)
	require.Equal(t, int64(10), st.Bytes)
	data, err := os.ReadFile(filepath.Join(tmp, "drive/ezkernel.bin"))
	require.NoError(t, err)
	require.Equal(t, "new kernel", string(data))

	_, err = m.ReplaceFile(
		ctx,
		filepath.Join(tmp, "fw4/missing.bin"),
		filepath.Join(tmp, "drive/ezkernel.bin"),
	)
	require.ErrorIs(t, err, archive.ErrIo)

	_, err = m.ReplaceFile(
		ctx, filepath.Join(tmp, "fw4"), filepath.Join(tmp, "drive/x"),
	)
	require.ErrorIs(t, err, archive.ErrIo)
}

func TestRemoveFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"README.txt":    "placeholder",
		"keep.gba":      "rom",
		"notempty/file": "x",
	})
	m := archive.New(quiet, archive.Config{})
	ctx := context.Background()

	removed, err := m.RemoveFiles(ctx, root, []string{"README.txt", "absent.txt"})
	require.NoError(t, err)
	require.Equal(t, []string{"README.txt"}, removed)
	require.Equal(t, map[string]string{
		"keep.gba":      "rom",
		"notempty":      "/",
		"notempty/file": "x",
	}, readTree(t, root))

	_, err = m.RemoveFiles(ctx, root, []string{"notempty"})
	require.ErrorIs(t, err, archive.ErrIo)

	for _, name := range []string{"", ".", "..", "../x", "/etc/passwd"} {
		_, err = m.RemoveFiles(ctx, root, []string{name})
		require.ErrorIs(t, err, archive.ErrInvalidName, name)
	}
}
