// Package `flock` provides exclusive `flock(2)` locks on lock files.
//
// Locks belong to the open file description.  A second `Open()` of the same
// path conflicts even within the same process.
package flock

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"
)

var ErrNoLock = errors.New("did not acquire lock")

type Flock struct {
	fp *os.File
}

func Open(path string) (*Flock, error) {
	return open(path, os.O_RDONLY)
}

// `Create()` is like `Open()` but creates the lock file if it is missing.
// Lock files are never removed; removing a lock file that another process
// has opened would split the lock.
func Create(path string) (*Flock, error) {
	return open(path, os.O_RDONLY|os.O_CREATE)
}

func open(path string, flag int) (*Flock, error) {
	fp, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, err
	}
	return &Flock{fp: fp}, nil
}

// `Acquire()` creates `path` and locks it, retrying every `retryDelay` until
// `ctx` is done.  Call `Release()` to unlock.
func Acquire(
	ctx context.Context, path string, retryDelay time.Duration,
) (*Flock, error) {
	lk, err := Create(path)
	if err != nil {
		return nil, err
	}
	if err := lk.TryLock(ctx, retryDelay); err != nil {
		lk.Close()
		return nil, err
	}
	return lk, nil
}

func (lk *Flock) Path() string {
	return lk.fp.Name()
}

func (lk *Flock) Close() {
	_ = lk.fp.Close()
}

// `TryLock()` returns `ErrNoLock` if `ctx` is done before the lock could be
// acquired.
func (lk *Flock) TryLock(ctx context.Context, retryDelay time.Duration) error {
	for {
		switch err := lk.flock(syscall.LOCK_EX | syscall.LOCK_NB); err {
		case nil:
			return nil
		case syscall.EWOULDBLOCK:
			// Held by someone else.
		default:
			return err
		}

		select {
		case <-ctx.Done():
			return ErrNoLock
		case <-time.After(retryDelay):
		}
	}
}

func (lk *Flock) Unlock() error {
	return lk.flock(syscall.LOCK_UN)
}

// `Release()` unlocks and closes.
func (lk *Flock) Release() error {
	err := lk.Unlock()
	lk.Close()
	return err
}

func (lk *Flock) flock(how int) error {
	return syscall.Flock(int(lk.fp.Fd()), how)
}
