// Package `settle` waits for a device state transition to become visible.
//
// USB card readers enumerate slowly.  A settle wait is a tolerance margin
// after mount, unmount, and mkfs; success of those operations is decided by
// their exit status alone.
package settle

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

var ErrNotSettled = errors.New("state did not settle before timeout")

const (
	DefaultInterval = 1 * time.Second
	DefaultTimeout  = 20 * time.Second
	// `MinPollInterval` bounds how often `Until()` polls.
	MinPollInterval = 10 * time.Millisecond
)

// `Settler` waits `Interval` after a transition.  `Until()` polls at most
// once per `Interval`, but not more often than `MinPollInterval`, for at
// most `Timeout`.
type Settler struct {
	Interval time.Duration
	Timeout  time.Duration
}

func (s Settler) interval() time.Duration {
	if s.Interval < 0 {
		return 0
	}
	return s.Interval
}

func (s Settler) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

// `Wait()` sleeps the fixed settle interval.
func (s Settler) Wait(ctx context.Context) error {
	d := s.interval()
	if d == 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// `Until()` polls `ready` until it returns true.  It returns
// `ErrNotSettled` after `Timeout`.  Errors from `ready` are returned
// immediately.
func (s Settler) Until(
	ctx context.Context, ready func() (bool, error),
) error {
	tctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	d := s.interval()
	if d < MinPollInterval {
		d = MinPollInterval
	}
	lim := rate.NewLimiter(rate.Every(d), 1)
	for {
		// `Wait()` also fails early if the next token would arrive after
		// the deadline.
		if err := lim.Wait(tctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrNotSettled
		}
		ok, err := ready()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}
