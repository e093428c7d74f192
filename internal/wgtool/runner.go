// Package wgtool runs the WireGuard userland tools (wg, wg-quick) and
// reports every invocation as a structured Result instead of a panic or a
// bare error string.
package wgtool

import (
	"bytes"
	"context"
	stderrors "errors"
	"os/exec"
	"strings"
	"time"

	"github.com/nigping/relay-agent/internal/errors"
)

// Runner executes an external command. Implementations never panic; every
// outcome, including a missing binary or a timeout, is carried in Result.
type Runner interface {
	Run(ctx context.Context, name string, args []string, stdin []byte) Result
}

// Result is the captured outcome of one command.
type Result struct {
	Command  string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Err      error
}

// OK reports whether the command ran and exited zero.
func (r Result) OK() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Output returns trimmed stdout.
func (r Result) Output() string {
	return strings.TrimSpace(string(r.Stdout))
}

// AsError converts a failed Result into a ToolError carrying stderr.
// It returns nil for a successful Result.
func (r Result) AsError() error {
	if r.OK() {
		return nil
	}
	cause := r.Err
	if cause == nil {
		cause = stderrors.New("non-zero exit")
	}
	return errors.ToolError(r.Command, r.ExitCode, string(r.Stderr), cause)
}

// ExecRunner runs commands with os/exec. Timeout bounds each call; zero
// leaves only the caller's context as the bound.
type ExecRunner struct {
	Timeout time.Duration
}

// Run implements Runner.
func (e ExecRunner) Run(ctx context.Context, name string, args []string, stdin []byte) Result {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, name, args...)
	command.Stdout = &stdout
	command.Stderr = &stderr
	if stdin != nil {
		command.Stdin = bytes.NewReader(stdin)
	}

	err := command.Run()
	res := Result{
		Command: strings.TrimSpace(name + " " + strings.Join(args, " ")),
		Stdout:  stdout.Bytes(),
		Stderr:  stderr.Bytes(),
	}
	if err == nil {
		return res
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		res.Err = ctxErr
		return res
	}

	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		res.Err = err
		return res
	}

	// binary missing, permission denied, ...
	res.ExitCode = -1
	res.Err = err
	return res
}
