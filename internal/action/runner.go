// Package action executes external build and deploy commands. Every
// invocation is echoed before it runs and streams its output live; a
// non-zero exit aborts the caller with the child's exit code. Retries are a
// target-level policy, never applied here.
package action

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/fatih/color"
)

// Exec is the surface the target graph and deployment backends invoke
// external commands through. Tests substitute a recording implementation.
type Exec interface {
	// Run streams the command's stdout and stderr and returns an *ExitError
	// when the command exits non-zero.
	Run(ctx context.Context, name string, args ...string) error
	// Output captures the command's stdout while still streaming stderr.
	Output(ctx context.Context, name string, args ...string) (string, error)
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Command string
	Code    int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited with code %d", e.Command, e.Code)
}

// Runner executes commands against the host, echoing each command line for
// auditability before it starts.
type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	// Dir optionally overrides the child's working directory.
	Dir string
}

// NewRunner returns a Runner wired to the process's own streams.
func NewRunner() *Runner {
	return &Runner{Stdout: os.Stdout, Stderr: os.Stderr}
}

var _ Exec = (*Runner)(nil)

// Run executes the command, streaming both output channels unbuffered.
func (r *Runner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	r.echo(name, args)
	return r.wrap(cmd.Run(), name, args)
}

// Output executes the command and returns its trimmed stdout. Stderr still
// streams so failures stay visible to the operator.
func (r *Runner) Output(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = r.Stderr
	r.echo(name, args)
	if err := r.wrap(cmd.Run(), name, args); err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (r *Runner) echo(name string, args []string) {
	line := commandLine(name, args)
	fmt.Fprintln(r.Stderr, color.New(color.Faint).Sprintf("> %s", line))
}

func (r *Runner) wrap(err error, name string, args []string) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Command: commandLine(name, args), Code: exitErr.ExitCode()}
	}
	return fmt.Errorf("run %q: %w", commandLine(name, args), err)
}

func commandLine(name string, args []string) string {
	parts := append([]string{name}, args...)
	return strings.Join(parts, " ")
}
