// Package `config` loads the workflow configuration.
//
// The configuration is read once at startup from a YAML file or, if the file
// name ends with `.hcl`, from an HCL file.  Example `ballen.yml`:
//
//     dev_drive: /dev/sda1
//     mount_folder: drive
//     backup_folder: backups
//     fw_folder: fw4
//     placeholder_files: [ "README.txt" ]
//
// The same as `ballen.hcl`:
//
//     dev_drive = "/dev/sda1"
//     mount_folder = "drive"
//     backup_folder = "backups"
//
// `Config` is passed by value.  Nothing modifies it after `Load()`; the
// `With...()` functions return modified copies for CLI overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl"
	yaml "gopkg.in/yaml.v2"
)

var ErrMissingKey = errors.New("missing required config key")
var ErrBackupInsideMount = errors.New(
	"backup_folder must not be mount_folder or inside it",
)

const (
	DefaultFwFolder       = "fw4"
	DefaultSeedFile       = "ezkernel.bin"
	DefaultMkfsProgram    = "mkfs.vfat"
	DefaultFatsortProgram = "fatsort"
	DefaultSettleInterval = time.Second
	DefaultSettleTimeout  = 20 * time.Second
)

type Config struct {
	DevDrive     string
	MountFolder  string
	BackupFolder string
	FwFolder     string

	// `SeedFile` is copied from `FwFolder` over the restored content
	// during stage 2.  `PlaceholderFiles` are then removed from the
	// mount folder if present.  Both are relative to the folders.
	SeedFile         string
	PlaceholderFiles []string

	// If `ClearBeforeRestore`, stage 2 formats the device before
	// restoring, so that firmware files from stage 1 are gone.
	ClearBeforeRestore bool

	MountUid     string
	MountGid     string
	MountOptions []string

	SettleInterval time.Duration
	SettleTimeout  time.Duration

	MkfsProgram    string
	MkfsArgs       []string
	FatsortProgram string
	ReorderStrict  bool

	// `CopyLimit` is bytes per second; 0 means unlimited.
	CopyLimit uint64

	LockDir string
}

// `fileConfig` is the on-disk representation.  Durations and sizes are
// strings, so that YAML and HCL accept `1s` and `4m`.
type fileConfig struct {
	DevDrive           string   `yaml:"dev_drive" hcl:"dev_drive"`
	MountFolder        string   `yaml:"mount_folder" hcl:"mount_folder"`
	BackupFolder       string   `yaml:"backup_folder" hcl:"backup_folder"`
	FwFolder           string   `yaml:"fw_folder" hcl:"fw_folder"`
	SeedFile           string   `yaml:"seed_file" hcl:"seed_file"`
	PlaceholderFiles   []string `yaml:"placeholder_files" hcl:"placeholder_files"`
	ClearBeforeRestore bool     `yaml:"clear_before_restore" hcl:"clear_before_restore"`
	MountUid           string   `yaml:"mount_uid" hcl:"mount_uid"`
	MountGid           string   `yaml:"mount_gid" hcl:"mount_gid"`
	MountOptions       []string `yaml:"mount_options" hcl:"mount_options"`
	SettleInterval     string   `yaml:"settle_interval" hcl:"settle_interval"`
	SettleTimeout      string   `yaml:"settle_timeout" hcl:"settle_timeout"`
	MkfsProgram        string   `yaml:"mkfs_program" hcl:"mkfs_program"`
	MkfsArgs           []string `yaml:"mkfs_args" hcl:"mkfs_args"`
	FatsortProgram     string   `yaml:"fatsort_program" hcl:"fatsort_program"`
	ReorderStrict      bool     `yaml:"reorder_strict" hcl:"reorder_strict"`
	CopyLimit          string   `yaml:"copy_limit" hcl:"copy_limit"`
	LockDir            string   `yaml:"lock_dir" hcl:"lock_dir"`
}

// `Env` looks up environment variables, usually `os.Getenv`.
type Env func(key string) string

func Load(path string) (Config, error) {
	return LoadEnv(path, os.Getenv)
}

func LoadEnv(path string, env Env) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		err = hcl.Unmarshal(data, &fc)
	default:
		err = yaml.UnmarshalStrict(data, &fc)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse config `%s`: %w", path, err)
	}

	return fc.resolve(env)
}

func (fc *fileConfig) resolve(env Env) (Config, error) {
	for _, kv := range []struct{ k, v string }{
		{"dev_drive", fc.DevDrive},
		{"mount_folder", fc.MountFolder},
		{"backup_folder", fc.BackupFolder},
	} {
		if strings.TrimSpace(kv.v) == "" {
			return Config{}, fmt.Errorf("%w `%s`", ErrMissingKey, kv.k)
		}
	}

	cfg := Config{
		DevDrive:           filepath.Clean(fc.DevDrive),
		SeedFile:           orDefault(fc.SeedFile, DefaultSeedFile),
		PlaceholderFiles:   fc.PlaceholderFiles,
		ClearBeforeRestore: fc.ClearBeforeRestore,
		MountUid:           fc.MountUid,
		MountGid:           fc.MountGid,
		MountOptions:       fc.MountOptions,
		MkfsProgram:        orDefault(fc.MkfsProgram, DefaultMkfsProgram),
		MkfsArgs:           fc.MkfsArgs,
		FatsortProgram:     orDefault(fc.FatsortProgram, DefaultFatsortProgram),
		ReorderStrict:      fc.ReorderStrict,
		LockDir:            orDefault(fc.LockDir, os.TempDir()),
	}

	var err error
	if cfg.MountFolder, err = filepath.Abs(fc.MountFolder); err != nil {
		return Config{}, err
	}
	if cfg.BackupFolder, err = filepath.Abs(fc.BackupFolder); err != nil {
		return Config{}, err
	}
	fw := orDefault(fc.FwFolder, DefaultFwFolder)
	if cfg.FwFolder, err = filepath.Abs(fw); err != nil {
		return Config{}, err
	}

	if cfg.SettleInterval, err = parseDuration(
		"settle_interval", fc.SettleInterval, DefaultSettleInterval,
	); err != nil {
		return Config{}, err
	}
	if cfg.SettleTimeout, err = parseDuration(
		"settle_timeout", fc.SettleTimeout, DefaultSettleTimeout,
	); err != nil {
		return Config{}, err
	}

	if fc.CopyLimit != "" {
		if cfg.CopyLimit, err = ParseBandwidth(fc.CopyLimit); err != nil {
			return Config{}, fmt.Errorf("invalid copy_limit: %w", err)
		}
	}

	if cfg.MountUid == "" {
		cfg.MountUid = orDefault(env("SUDO_UID"), strconv.Itoa(os.Getuid()))
	}
	if cfg.MountGid == "" {
		cfg.MountGid = orDefault(env("SUDO_GID"), strconv.Itoa(os.Getgid()))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// `Validate()` checks the invariants that `Load()` guarantees.  It must be
// called again after `With...()` overrides.
func (cfg Config) Validate() error {
	switch {
	case cfg.DevDrive == "" || cfg.DevDrive == ".":
		return fmt.Errorf("%w `dev_drive`", ErrMissingKey)
	case cfg.MountFolder == "":
		return fmt.Errorf("%w `mount_folder`", ErrMissingKey)
	case cfg.BackupFolder == "":
		return fmt.Errorf("%w `backup_folder`", ErrMissingKey)
	}
	if IsWithin(cfg.MountFolder, cfg.BackupFolder) {
		return ErrBackupInsideMount
	}
	if cfg.SettleInterval < 0 || cfg.SettleTimeout < 0 {
		return errors.New("settle durations must not be negative")
	}
	return nil
}

func (cfg Config) WithFwFolder(dir string) (Config, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return cfg, err
	}
	cfg.FwFolder = abs
	return cfg, nil
}

func (cfg Config) WithCopyLimit(bytesPerSec uint64) Config {
	cfg.CopyLimit = bytesPerSec
	return cfg
}

// `IsWithin()` tells whether `p` is `root` or below it.  Both must be
// absolute.
func IsWithin(root, p string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(p))
	if err != nil {
		return false
	}
	return rel == "." ||
		(rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

var siMap = map[string]uint64{
	"k": 1 << 10,
	"m": 1 << 20,
	"g": 1 << 30,
	"t": 1 << 40,
}

// `ParseBandwidth()` parses a byte count with optional binary SI suffix
// `k`, `m`, `g`, or `t`.
func ParseBandwidth(s string) (uint64, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	m := uint64(1)
	for suf, mult := range siMap {
		if strings.HasSuffix(s, suf) {
			m = mult
			s = s[0 : len(s)-len(suf)]
			break
		}
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("must be positive, got %d", v)
	}

	return uint64(v) * m, nil
}

func parseDuration(key, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
