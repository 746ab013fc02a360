package main

import (
	"path/filepath"
	"strings"

	"github.com/srz2/ballen/internal/ballen/config"
	"github.com/srz2/ballen/internal/ballen/workflow"
	"github.com/srz2/ballen/pkg/execx"
)

// `sbinDirs` are searched if a program is not on `PATH`.
var sbinDirs = []string{"/usr/local/sbin", "/usr/sbin", "/sbin"}

type tools struct {
	mount   *execx.Tool
	umount  *execx.Tool
	mkfs    *execx.Tool
	fatsort *execx.Tool
	sudo    *execx.Tool
	probe   *execx.Tool
}

// `toolNeeds` tells which device tools an action runs.
type toolNeeds struct {
	mkfs    bool
	fatsort bool
}

func needsFor(args *cliArgs, cfg config.Config) toolNeeds {
	switch {
	case args.action == actionReorderOnly:
		return toolNeeds{fatsort: true}
	case args.action != actionStage:
		return toolNeeds{}
	case args.stage == workflow.Stage1:
		return toolNeeds{mkfs: true}
	default:
		return toolNeeds{mkfs: cfg.ClearBeforeRestore, fatsort: true}
	}
}

// `lookTools()` resolves mount tools and the device tools in `need`.  Tools
// that are not needed stay nil.
func lookTools(cfg config.Config, need toolNeeds) (*tools, error) {
	type slot struct {
		dst  **execx.Tool
		spec execx.ToolSpec
	}
	var t tools
	specs := []slot{
		{&t.mount, execx.ToolSpec{Program: "mount"}},
		{&t.umount, execx.ToolSpec{Program: "umount"}},
		{&t.probe, execx.ToolSpec{Program: "true"}},
	}
	if need.mkfs {
		specs = append(specs, slot{&t.mkfs, execx.ToolSpec{Program: cfg.MkfsProgram}})
	}
	if need.fatsort {
		specs = append(specs, slot{&t.fatsort, execx.ToolSpec{Program: cfg.FatsortProgram}})
	}

	for _, x := range specs {
		tool, err := lookSbinTool(x.spec)
		if err != nil {
			return nil, err
		}
		*x.dst = tool
	}

	// sudo is optional; `privileges` reports its absence if needed.
	t.sudo, _ = execx.LookTool(execx.ToolSpec{
		Program:   "sudo",
		CheckArgs: []string{"--version"},
		CheckText: "Sudo version",
	})

	return &t, nil
}

// `lookSbinTool()` is `execx.LookTool()` with fallback to `sbinDirs`.
func lookSbinTool(spec execx.ToolSpec) (*execx.Tool, error) {
	t, err := execx.LookTool(spec)
	if err == nil || strings.Contains(spec.Program, "/") {
		return t, err
	}
	for _, d := range sbinDirs {
		s := spec
		s.Program = filepath.Join(d, spec.Program)
		if t, err2 := execx.LookTool(s); err2 == nil {
			return t, nil
		}
	}
	return nil, err
}
