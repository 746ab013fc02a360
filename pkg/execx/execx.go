// Package `execx` provides utility functions that supplement the stdlib
// package `os/exec`.
//
// `LookTool()` locates external command line tools during program startup.
// `Runner` executes them as blocking calls and reports a non-zero exit as
// `*ExitError`, which carries the combined output for diagnostics.
package execx

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// `ToolSpec` is used to tell `LookTool()` how to look for an external tool.
// If `CheckArgs` is empty, the tool is only located on `PATH`, which is
// necessary for tools like `mkfs.vfat` that have no reliable version flag.
type ToolSpec struct {
	Program   string
	CheckArgs []string
	CheckText string
}

type Tool struct {
	Path string
}

func (t *Tool) String() string {
	return t.Path
}

func LookTool(s ToolSpec) (*Tool, error) {
	path, err := exec.LookPath(s.Program)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to find path of `%s`: %v", s.Program, err,
		)
	}

	if len(s.CheckArgs) == 0 {
		return &Tool{path}, nil
	}

	o, err := exec.Command(path, s.CheckArgs...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf(
			"failed to execute `%s %s`: %v", path,
			strings.Join(s.CheckArgs, " "), err,
		)
	}
	if !strings.Contains(string(o), s.CheckText) {
		return nil, fmt.Errorf(
			"`%s %s` did not print `%s`", s.Program,
			strings.Join(s.CheckArgs, " "), s.CheckText,
		)
	}

	return &Tool{path}, nil
}

// `ExitError` is returned by `Runner.Run()` if the program could not be
// started or exited with a non-zero status.
type ExitError struct {
	Program string
	Args    []string
	Output  []byte
	Err     error
}

func (e *ExitError) Error() string {
	out := strings.TrimSpace(string(e.Output))
	if out == "" {
		return fmt.Sprintf("`%s` failed: %v", e.Command(), e.Err)
	}
	return fmt.Sprintf(
		"`%s` failed: %v; output: %s", e.Command(), e.Err, out,
	)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// `Command()` returns the command line for log messages.
func (e *ExitError) Command() string {
	return strings.Join(append([]string{e.Program}, e.Args...), " ")
}

// `ExitCode()` returns the exit status, or -1 if the program did not run to
// completion.
func (e *ExitError) ExitCode() int {
	if xe, ok := e.Err.(*exec.ExitError); ok {
		return xe.ExitCode()
	}
	return -1
}

// `Runner` runs tools, optionally through a `Prefix` tool such as `sudo -n`.
type Runner struct {
	Prefix     *Tool
	PrefixArgs []string
}

func (r *Runner) Run(
	ctx context.Context, tool *Tool, args ...string,
) ([]byte, error) {
	program := tool.Path
	argv := args
	if r != nil && r.Prefix != nil {
		program = r.Prefix.Path
		argv = make([]string, 0, len(r.PrefixArgs)+1+len(args))
		argv = append(argv, r.PrefixArgs...)
		argv = append(argv, tool.Path)
		argv = append(argv, args...)
	}

	// #nosec G204 -- programs come from `LookTool()`.
	cmd := exec.CommandContext(ctx, program, argv...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, &ExitError{
			Program: program,
			Args:    argv,
			Output:  out,
			Err:     err,
		}
	}
	return out, nil
}
