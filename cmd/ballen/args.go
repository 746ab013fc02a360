package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/docopt/docopt-go"
	"github.com/srz2/ballen/internal/ballen/config"
	"github.com/srz2/ballen/internal/ballen/workflow"
)

type action int

const (
	actionHelp action = iota
	actionVersion
	actionStage
	actionReorderOnly
)

type cliArgs struct {
	action action
	stage  workflow.Stage
	config string
	log    string
	fwDir  string
	// `limit` is only valid if `hasLimit`.
	limit    uint64
	hasLimit bool
}

// `isHelpArg()` also accepts the DOS-style `?` and `/?`.
func isHelpArg(a string) bool {
	switch a {
	case "-h", "--help", "?", "/?":
		return true
	}
	return false
}

// `argparse()` handles help and version before docopt, so that docopt never
// prints or exits.  Errors are input errors.
func argparse(argv []string) (*cliArgs, error) {
	if len(argv) == 0 {
		return &cliArgs{action: actionHelp}, nil
	}
	for _, a := range argv {
		if isHelpArg(a) {
			return &cliArgs{action: actionHelp}, nil
		}
	}
	if len(argv) == 1 && argv[0] == "--version" {
		return &cliArgs{action: actionVersion}, nil
	}

	parser := &docopt.Parser{
		HelpHandler:   docopt.NoHelpHandler,
		SkipHelpFlags: true,
	}
	opts, err := parser.ParseArgs(usage, argv, "")
	if err != nil {
		return nil, &workflow.InputError{
			Arg: strings.Join(argv, " "),
			Err: errors.New("invalid arguments"),
		}
	}

	args := &cliArgs{
		config: opts["--config"].(string),
		log:    opts["--log"].(string),
	}

	switch args.log {
	case "prod", "dev", "mu":
		break // ok
	default:
		return nil, &workflow.InputError{
			Arg: args.log, Err: errors.New("invalid --log"),
		}
	}

	if v, ok := opts["--fw-dir"].(string); ok {
		args.fwDir = v
	}

	if v, ok := opts["--limit"].(string); ok {
		lim, err := config.ParseBandwidth(v)
		if err != nil {
			return nil, &workflow.InputError{
				Arg: v, Err: fmt.Errorf("invalid --limit: %w", err),
			}
		}
		args.limit = lim
		args.hasLimit = true
	}

	stageArg, hasStage := opts["<stage>"].(string)
	reorderOnly, _ := opts["--fatsort-only"].(bool)
	switch {
	case reorderOnly && hasStage:
		return nil, &workflow.InputError{
			Arg: stageArg,
			Err: errors.New("--fatsort-only does not take a stage"),
		}
	case reorderOnly:
		args.action = actionReorderOnly
	case hasStage:
		stage, err := workflow.ParseStage(stageArg)
		if err != nil {
			return nil, err
		}
		args.action = actionStage
		args.stage = stage
	default:
		return nil, &workflow.InputError{
			Arg: strings.Join(argv, " "), Err: errors.New("missing stage"),
		}
	}

	return args, nil
}
