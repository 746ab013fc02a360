// vim: sw=8

// Command `ballen` migrates the SD card of an EZ-Flash Junior to new
// firmware in two stages.  See `usage` for details.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/srz2/ballen/internal/ballen/archive"
	"github.com/srz2/ballen/internal/ballen/config"
	"github.com/srz2/ballen/internal/ballen/devprep"
	"github.com/srz2/ballen/internal/ballen/mountctl"
	"github.com/srz2/ballen/internal/ballen/privileges"
	"github.com/srz2/ballen/internal/ballen/settle"
	"github.com/srz2/ballen/internal/ballen/workflow"
	"github.com/srz2/ballen/pkg/devmounts"
	"github.com/srz2/ballen/pkg/mulog"
	"github.com/srz2/ballen/pkg/zap"
)

// `xVersion` and `xBuild` are injected by the `Makefile`.
var (
	xVersion string
	xBuild   string
	version  = fmt.Sprintf("ballen-%s+%s", xVersion, xBuild)
)

// `qqBackticks()` translates double single quote to backtick.
func qqBackticks(s string) string {
	return strings.Replace(s, "''", "`", -1)
}

var usage = qqBackticks(strings.TrimSpace(`
Usage:
  ballen [options] <stage>
  ballen [options] --fatsort-only
  ballen --version
  ballen -h | --help | ? | /?

Options:
  --config=<path>  [default: ballen.yml]
                   Workflow configuration.  Files with extension ''.hcl'' are
                   parsed as HCL, all others as YAML.
  --log=<logger>   [default: mu]
                   Logger ''mu'', ''dev'', or ''prod''.
  --fw-dir=<dir>   Firmware folder; overrides ''fw_folder''.
  --limit=<bandwidth>  Copy bandwidth limit in bytes per second.  ''k'',
                   ''m'', ... can be used, which are interpreted as binary SI;
                   overrides ''copy_limit''.
  --fatsort-only   Only reorder the FAT clusters of the device.

''ballen 1'' backs up the content of ''mount_folder'' to ''backup_folder'',
formats ''dev_drive'' with ''mkfs.vfat'', and copies ''fw_folder'' to the
device.  Then put the SD card in the EZ-Flash Junior and update the firmware.

''ballen 2'' copies ''backup_folder'' back to the device, overwrites
''seed_file'' on the device with the one from ''fw_folder'', removes
''placeholder_files'', and reorders the clusters with ''fatsort''.  With
''clear_before_restore: true'', the device is formatted before the restore.

''ballen --fatsort-only'' only runs ''fatsort'' on the device.

The device is mounted before and unmounted after each run.  Mount, umount,
mkfs, and fatsort require root; if ''ballen'' is not run as root, it uses
''sudo -n''.

Exit codes: 0 success; 1 workflow failure; 2 invalid arguments; 3
insufficient privileges; 4 configuration or startup error.

Configuration keys: ''dev_drive'', ''mount_folder'', ''backup_folder''
(required); ''fw_folder'', ''seed_file'', ''placeholder_files'',
''clear_before_restore'', ''mount_uid'', ''mount_gid'', ''mount_options'',
''settle_interval'', ''settle_timeout'', ''mkfs_program'', ''mkfs_args'',
''fatsort_program'', ''reorder_strict'', ''copy_limit'', ''lock_dir''
(optional).
`))

const (
	exitOk        = 0
	exitFailure   = 1
	exitInput     = 2
	exitPrivilege = 3
	exitStartup   = 4
)

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(argv []string, stdout, stderr io.Writer) int {
	args, err := argparse(argv)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n\n%s\n", err, usage)
		return exitInput
	}
	switch args.action {
	case actionHelp:
		fmt.Fprintln(stdout, usage)
		return exitOk
	case actionVersion:
		fmt.Fprintln(stdout, version)
		return exitOk
	}

	lg, err := newLogger(args.log, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitStartup
	}

	cfg, err := loadConfig(args)
	if err != nil {
		lg.Errorw("Failed to load config.", "config", args.config, "err", err)
		return exitStartup
	}

	o, err := newOrchestrator(lg, cfg, needsFor(args, cfg))
	if err != nil {
		lg.Errorw("Failed to initialize.", "err", err)
		return exitStartup
	}

	ctx := context.Background()
	var out *workflow.StageOutcome
	if args.action == actionReorderOnly {
		out, err = o.RunReorderOnly(ctx)
	} else {
		out, err = o.Run(ctx, args.stage)
	}
	if err != nil {
		lg.Errorw("Run failed.", "err", err)
		return exitCode(err)
	}

	lg.Infow(
		"Run succeeded.",
		"run", out.RunID,
		"steps", strings.Join(out.Steps, ","),
	)
	printBanner(stdout, out.Stage)
	return exitOk
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOk
	case errors.Is(err, workflow.ErrInvalidInput):
		return exitInput
	case errors.Is(err, privileges.ErrNotPrivileged):
		return exitPrivilege
	default:
		return exitFailure
	}
}

func newLogger(name string, w io.Writer) (Logger, error) {
	switch name {
	case "prod":
		return zap.NewProduction()
	case "dev":
		return zap.NewDevelopment()
	case "mu":
		return mulog.Printer{W: w}, nil
	default:
		return nil, fmt.Errorf("invalid --log option")
	}
}

func loadConfig(args *cliArgs) (config.Config, error) {
	cfg, err := config.Load(args.config)
	if err != nil {
		return cfg, err
	}
	if args.fwDir != "" {
		if cfg, err = cfg.WithFwFolder(args.fwDir); err != nil {
			return cfg, err
		}
	}
	if args.hasLimit {
		cfg = cfg.WithCopyLimit(args.limit)
	}
	return cfg, cfg.Validate()
}

func newOrchestrator(
	lg Logger, cfg config.Config, need toolNeeds,
) (*workflow.Orchestrator, error) {
	t, err := lookTools(cfg, need)
	if err != nil {
		return nil, err
	}

	privs := privileges.New(lg, privileges.Config{
		Sudo: t.sudo,
		True: t.probe,
	})

	settler := settle.Settler{
		Interval: cfg.SettleInterval,
		Timeout:  cfg.SettleTimeout,
	}

	mounter := mountctl.New(lg, mountctl.Config{
		Runner: privs,
		Tools: mountctl.Tools{
			Mount:  t.mount,
			Umount: t.umount,
		},
		Owner: mountctl.Owner{
			Uid: cfg.MountUid,
			Gid: cfg.MountGid,
		},
		Options: cfg.MountOptions,
		Settler: settler,
		Table:   devmounts.Table{},
	})

	preparer := devprep.New(lg, devprep.Config{
		Mounter: mounter,
		Runner:  privs,
		Tools: devprep.Tools{
			Mkfs:    t.mkfs,
			Fatsort: t.fatsort,
		},
		MkfsArgs:      cfg.MkfsArgs,
		MountPoint:    cfg.MountFolder,
		Settler:       settler,
		ReorderStrict: cfg.ReorderStrict,
	})

	return workflow.New(lg, workflow.Config{
		Settings: cfg,
		Checker:  privs,
		Mounter:  mounter,
		Archiver: archive.New(lg, archive.Config{Limit: cfg.CopyLimit}),
		Preparer: preparer,
	})
}

func printBanner(w io.Writer, stage workflow.Stage) {
	var lines []string
	switch stage {
	case workflow.Stage1:
		lines = []string{
			"**********************",
			"***STAGE 1 Complete***",
			"**********************",
			"Please put the SD card",
			"in the EZ-Flash Junior",
			"and update the firmware!",
		}
	case workflow.Stage2:
		lines = []string{
			"**********************",
			"***STAGE 2 Complete***",
			"**********************",
			"Everything has been reloaded.",
			"Replace your SD card and",
			"enjoy playing!",
		}
	default:
		lines = []string{
			"**********************",
			"***FATSORT Complete***",
			"**********************",
		}
	}
	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}
