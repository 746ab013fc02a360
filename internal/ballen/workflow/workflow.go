// Package `workflow` sequences the two stages of the SD card migration.
//
// Stage 1 backs up the mounted volume, formats the device, and installs the
// firmware folder.  The operator then updates the firmware with the
// external updater.  Stage 2 restores the backup, overwrites the seed file
// with the updated one from the firmware folder, removes placeholder files,
// and reorders the FAT clusters.
//
// A run validates the stage, checks privileges, takes the device lock,
// mounts the device, and executes the steps in order.  The first failing
// step stops the stage.  If the initial mount succeeded, the device is
// unmounted exactly once when the run ends, whatever the outcome.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/srz2/ballen/internal/ballen/archive"
	"github.com/srz2/ballen/internal/ballen/config"
	"github.com/srz2/ballen/pkg/flock"
	"github.com/srz2/ballen/pkg/ulid"
	"github.com/srz2/ballen/pkg/uuid"
	"golang.org/x/sync/semaphore"
)

var ErrInvalidInput = errors.New("invalid input")
var ErrStepFailed = errors.New("workflow step failed")
var ErrInitialMountFailed = errors.New("initial mount failed")
var ErrBusy = errors.New("another run is using the device")
var ErrPreflightFailed = errors.New("preflight check failed")

const (
	StepFormat  = "format"
	StepBackup  = "backup"
	StepInstall = "install"
	StepRestore = "restore"
	StepSeed    = "seed"
	StepClean   = "clean"
	StepReorder = "reorder"
)

const DefaultLockWait = 2 * time.Second

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

// `Checker` is usually `*privileges.Privileges`.
type Checker interface {
	Check(ctx context.Context) error
}

// `Mounter` is usually `*mountctl.Controller`.
type Mounter interface {
	Mount(ctx context.Context, device, mountPoint string) error
	Unmount(ctx context.Context, device string) error
}

// `Archiver` is usually `*archive.Manager`.
type Archiver interface {
	Backup(ctx context.Context, source, dest string) (archive.Stats, error)
	Restore(ctx context.Context, source, dest string) (archive.Stats, error)
	InstallContent(ctx context.Context, source, dest string) (archive.Stats, error)
	ReplaceFile(ctx context.Context, src, dst string) (archive.Stats, error)
	RemoveFiles(ctx context.Context, root string, names []string) ([]string, error)
}

// `Preparer` is usually `*devprep.Preparer`.
type Preparer interface {
	FormatDisk(ctx context.Context, device string) error
	ReorderClusters(ctx context.Context, device, mountPoint string) error
}

type Stage int

const (
	// `ReorderOnly` is the pseudo stage of `RunReorderOnly()`.
	ReorderOnly Stage = 0
	Stage1      Stage = 1
	Stage2      Stage = 2
)

func (s Stage) Valid() bool {
	return s == Stage1 || s == Stage2
}

func (s Stage) String() string {
	if s == ReorderOnly {
		return "reorder-only"
	}
	return fmt.Sprintf("stage %d", int(s))
}

type InputError struct {
	Arg string
	Err error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input `%s`: %v", e.Arg, e.Err)
}

func (e *InputError) Is(target error) bool {
	return target == ErrInvalidInput
}

func (e *InputError) Unwrap() error {
	return e.Err
}

func ParseStage(arg string) (Stage, error) {
	switch arg {
	case "1":
		return Stage1, nil
	case "2":
		return Stage2, nil
	}
	return 0, &InputError{Arg: arg, Err: errors.New("must be 1 or 2")}
}

type StepError struct {
	Stage Stage
	Step  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s step `%s` failed: %v", e.Stage, e.Step, e.Err)
}

func (e *StepError) Is(target error) bool {
	return target == ErrStepFailed
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type StageOutcome struct {
	Stage    Stage
	RunID    ulid.I
	Steps    []string
	Started  time.Time
	Finished time.Time
}

type Config struct {
	Settings config.Config
	Checker  Checker
	Mounter  Mounter
	Archiver Archiver
	Preparer Preparer
	// `LockWait` bounds how long a run waits for the device lock.
	LockWait time.Duration
}

type Orchestrator struct {
	lg       Logger
	cfg      config.Config
	checker  Checker
	mounter  Mounter
	archiver Archiver
	preparer Preparer
	lockWait time.Duration
	sem      *semaphore.Weighted
}

type step struct {
	name string
	run  func(ctx context.Context) error
}

func New(lg Logger, cfg Config) (*Orchestrator, error) {
	if cfg.Checker == nil || cfg.Mounter == nil ||
		cfg.Archiver == nil || cfg.Preparer == nil {
		return nil, errors.New("incomplete workflow config")
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	lockWait := cfg.LockWait
	if lockWait <= 0 {
		lockWait = DefaultLockWait
	}
	return &Orchestrator{
		lg:       lg,
		cfg:      cfg.Settings,
		checker:  cfg.Checker,
		mounter:  cfg.Mounter,
		archiver: cfg.Archiver,
		preparer: cfg.Preparer,
		lockWait: lockWait,
		sem:      semaphore.NewWeighted(1),
	}, nil
}

func (o *Orchestrator) Run(ctx context.Context, stage Stage) (*StageOutcome, error) {
	if !stage.Valid() {
		return nil, &InputError{
			Arg: fmt.Sprintf("%d", int(stage)),
			Err: errors.New("must be 1 or 2"),
		}
	}
	return o.run(ctx, stage, o.stageSteps(stage))
}

// `RunReorderOnly()` runs only the cluster reorder, with the same framing
// as `Run()`.
func (o *Orchestrator) RunReorderOnly(ctx context.Context) (*StageOutcome, error) {
	return o.run(ctx, ReorderOnly, []step{o.reorderStep()})
}

// `Steps()` returns the step names of `stage` in execution order.
func (o *Orchestrator) Steps(stage Stage) []string {
	var names []string
	for _, s := range o.stageSteps(stage) {
		names = append(names, s.name)
	}
	return names
}

func (o *Orchestrator) run(
	ctx context.Context, stage Stage, steps []step,
) (*StageOutcome, error) {
	id, err := ulid.New()
	if err != nil {
		return nil, err
	}
	out := &StageOutcome{
		Stage:   stage,
		RunID:   id,
		Started: time.Now(),
	}
	device := o.cfg.DevDrive
	mountPoint := o.cfg.MountFolder

	o.lg.Infow(
		"Starting run.",
		"run", id,
		"stage", stage,
		"device", device,
		"mountPoint", mountPoint,
	)

	if err := o.checker.Check(ctx); err != nil {
		o.lg.Errorw("Privilege check failed.", "run", id, "err", err)
		return nil, err
	}

	if err := o.preflight(stage); err != nil {
		o.lg.Errorw("Preflight check failed.", "run", id, "err", err)
		return nil, err
	}

	if !o.sem.TryAcquire(1) {
		return nil, ErrBusy
	}
	defer o.sem.Release(1)

	lk, err := o.lockDevice(ctx, device)
	if err != nil {
		o.lg.Errorw("Failed to lock device.", "run", id, "err", err)
		return nil, err
	}
	defer func() { _ = lk.Release() }()

	if err := o.mounter.Mount(ctx, device, mountPoint); err != nil {
		o.lg.Errorw("Initial mount failed.", "run", id, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrInitialMountFailed, err)
	}
	defer o.cleanup(ctx, id, device)

	for _, s := range steps {
		o.lg.Infow("Starting step.", "run", id, "stage", stage, "step", s.name)
		if err := s.run(ctx); err != nil {
			o.lg.Errorw(
				"Step failed.",
				"run", id,
				"stage", stage,
				"step", s.name,
				"err", err,
			)
			return nil, &StepError{Stage: stage, Step: s.name, Err: err}
		}
		out.Steps = append(out.Steps, s.name)
	}

	out.Finished = time.Now()
	o.lg.Infow(
		"Completed run.",
		"run", id,
		"stage", stage,
		"duration", out.Finished.Sub(out.Started),
	)
	return out, nil
}

// `cleanup()` unmounts even if `ctx` has been canceled.  A failure is only
// logged; it does not change the outcome.
func (o *Orchestrator) cleanup(ctx context.Context, id ulid.I, device string) {
	ctx = context.WithoutCancel(ctx)
	if err := o.mounter.Unmount(ctx, device); err != nil {
		o.lg.Warnw(
			"Cleanup unmount failed; device may still be mounted.",
			"run", id,
			"device", device,
			"err", err,
		)
	}
}

// `preflight()` checks that the folders and files a stage reads exist before
// the device is touched.
func (o *Orchestrator) preflight(stage Stage) error {
	var dirs, files []string
	switch stage {
	case Stage1:
		dirs = append(dirs, o.cfg.FwFolder)
	case Stage2:
		dirs = append(dirs, o.cfg.BackupFolder)
		files = append(files, filepath.Join(o.cfg.FwFolder, o.cfg.SeedFile))
	}

	for _, d := range dirs {
		fi, err := os.Stat(d)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPreflightFailed, err)
		}
		if !fi.IsDir() {
			return fmt.Errorf(
				"%w: `%s` is not a directory", ErrPreflightFailed, d,
			)
		}
	}
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPreflightFailed, err)
		}
		if !fi.Mode().IsRegular() {
			return fmt.Errorf(
				"%w: `%s` is not a regular file", ErrPreflightFailed, f,
			)
		}
	}
	return nil
}

// `lockDevice()` locks a file whose name is derived from the device path,
// so that concurrent processes do not operate on the same device.
func (o *Orchestrator) lockDevice(
	ctx context.Context, device string,
) (*flock.Flock, error) {
	name := fmt.Sprintf("ballen-%s.lock", uuid.DeviceKey(device))
	path := filepath.Join(o.cfg.LockDir, name)

	ctx, cancel := context.WithTimeout(ctx, o.lockWait)
	defer cancel()
	lk, err := flock.Acquire(ctx, path, o.lockWait/4)
	switch {
	case err == flock.ErrNoLock:
		return nil, fmt.Errorf("%w: `%s`", ErrBusy, path)
	case err != nil:
		return nil, err
	}
	return lk, nil
}

func (o *Orchestrator) stageSteps(stage Stage) []step {
	switch stage {
	case Stage1:
		return []step{
			o.backupStep(),
			o.formatStep(),
			o.installStep(),
		}
	case Stage2:
		var steps []step
		if o.cfg.ClearBeforeRestore {
			steps = append(steps, o.formatStep())
		}
		return append(steps,
			o.restoreStep(),
			o.seedStep(),
			o.cleanStep(),
			o.reorderStep(),
		)
	case ReorderOnly:
		return []step{o.reorderStep()}
	}
	return nil
}

func (o *Orchestrator) backupStep() step {
	return step{StepBackup, func(ctx context.Context) error {
		_, err := o.archiver.Backup(ctx, o.cfg.MountFolder, o.cfg.BackupFolder)
		return err
	}}
}

func (o *Orchestrator) formatStep() step {
	return step{StepFormat, func(ctx context.Context) error {
		return o.preparer.FormatDisk(ctx, o.cfg.DevDrive)
	}}
}

func (o *Orchestrator) installStep() step {
	return step{StepInstall, func(ctx context.Context) error {
		_, err := o.archiver.InstallContent(ctx, o.cfg.FwFolder, o.cfg.MountFolder)
		return err
	}}
}

func (o *Orchestrator) restoreStep() step {
	return step{StepRestore, func(ctx context.Context) error {
		_, err := o.archiver.Restore(ctx, o.cfg.BackupFolder, o.cfg.MountFolder)
		return err
	}}
}

func (o *Orchestrator) seedStep() step {
	return step{StepSeed, func(ctx context.Context) error {
		_, err := o.archiver.ReplaceFile(
			ctx,
			filepath.Join(o.cfg.FwFolder, o.cfg.SeedFile),
			filepath.Join(o.cfg.MountFolder, o.cfg.SeedFile),
		)
		return err
	}}
}

func (o *Orchestrator) cleanStep() step {
	return step{StepClean, func(ctx context.Context) error {
		_, err := o.archiver.RemoveFiles(
			ctx, o.cfg.MountFolder, o.cfg.PlaceholderFiles,
		)
		return err
	}}
}

func (o *Orchestrator) reorderStep() step {
	return step{StepReorder, func(ctx context.Context) error {
		return o.preparer.ReorderClusters(
			ctx, o.cfg.DevDrive, o.cfg.MountFolder,
		)
	}}
}
