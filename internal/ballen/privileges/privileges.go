// Package `privileges` checks that the process may mount and format devices
// and runs the privileged tools.
//
// If the effective uid is 0, tools are executed directly.  Otherwise,
// `Check()` probes passwordless sudo with `sudo -n true`, and tools are
// executed as `sudo -n <tool> <args>...`.
package privileges

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/srz2/ballen/pkg/execx"
)

var ErrNotPrivileged = errors.New("insufficient privileges")
var ErrNotChecked = errors.New("privileges have not been checked")

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
}

type PrivilegeError struct {
	Euid int
	Err  error
}

func (e *PrivilegeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf(
			"%v: euid %d is not root and sudo is unavailable",
			ErrNotPrivileged, e.Euid,
		)
	}
	return fmt.Sprintf(
		"%v: euid %d is not root and `sudo -n` failed: %v",
		ErrNotPrivileged, e.Euid, e.Err,
	)
}

func (e *PrivilegeError) Is(target error) bool {
	return target == ErrNotPrivileged
}

func (e *PrivilegeError) Unwrap() error {
	return e.Err
}

type Config struct {
	// `Sudo` is nil if sudo is not installed.
	Sudo *execx.Tool
	// `True` is the program used to probe sudo, usually `true`.
	True *execx.Tool
	// `Geteuid` defaults to `os.Geteuid`.
	Geteuid func() int
}

type Privileges struct {
	lg      Logger
	sudo    *execx.Tool
	probe   *execx.Tool
	geteuid func() int
	runner  *execx.Runner
}

func New(lg Logger, cfg Config) *Privileges {
	geteuid := cfg.Geteuid
	if geteuid == nil {
		geteuid = os.Geteuid
	}
	return &Privileges{
		lg:      lg,
		sudo:    cfg.Sudo,
		probe:   cfg.True,
		geteuid: geteuid,
	}
}

// `Check()` determines the execution mode.  It returns a `*PrivilegeError`
// if neither root nor passwordless sudo is available.
func (p *Privileges) Check(ctx context.Context) error {
	euid := p.geteuid()
	if euid == 0 {
		p.runner = &execx.Runner{}
		p.lg.Infow("Running as root.")
		return nil
	}

	if p.sudo == nil || p.probe == nil {
		return &PrivilegeError{Euid: euid}
	}

	sudo := &execx.Runner{Prefix: p.sudo, PrefixArgs: []string{"-n"}}
	if _, err := sudo.Run(ctx, p.probe); err != nil {
		p.lg.Warnw("Passwordless sudo unavailable.", "err", err)
		return &PrivilegeError{Euid: euid, Err: err}
	}

	p.runner = sudo
	p.lg.Infow("Using sudo for privileged commands.", "euid", euid)
	return nil
}

func (p *Privileges) Run(
	ctx context.Context, tool *execx.Tool, args ...string,
) ([]byte, error) {
	if p.runner == nil {
		return nil, ErrNotChecked
	}
	return p.runner.Run(ctx, tool, args...)
}
