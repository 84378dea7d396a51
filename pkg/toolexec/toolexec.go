// Package toolexec runs the external flashing and build tools a board session
// depends on (make, tockloader, openocd) with explicit working directories and
// bounded runtimes.
package toolexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds any tool invocation that does not carry its own
// timeout. Kernel builds on a cold cache are the slowest expected step.
const DefaultTimeout = 15 * time.Minute

// killGrace bounds how long Run waits for output pipes after the tool was
// killed. Descendants that left the process group can hold them open.
const killGrace = 3 * time.Second

// ErrTimeout reports a tool that did not finish within its time bound.
var ErrTimeout = errors.New("toolexec: timed out")

// Command describes a single tool invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to the harness environment
	Timeout time.Duration
}

// String renders the command line for diagnostics.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result captures the outcome of a finished command.
type Result struct {
	Output   []byte
	Duration time.Duration
}

// ExitError is returned when a tool exits with a non-zero status.
type ExitError struct {
	Command  Command
	ExitCode int
	Output   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("toolexec: %q exited with status %d", e.Command.String(), e.ExitCode)
	if out := lastLines(e.Output, 20); out != "" {
		msg += ": " + out
	}
	return msg
}

// Runner executes tool commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands as child processes.
type ExecRunner struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewExecRunner returns an ExecRunner bounded by timeout (DefaultTimeout when zero).
func NewExecRunner(timeout time.Duration, logger *slog.Logger) *ExecRunner {
	return &ExecRunner{Timeout: timeout, Logger: logger}
}

// Run executes cmd, capturing stdout and stderr together.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.WaitDelay = killGrace
	killProcessGroup(c)
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	logger.Info("running tool", "cmd", cmd.String(), "dir", cmd.Dir)
	start := time.Now()
	err := c.Run()
	res := Result{Output: out.Bytes(), Duration: time.Since(start)}
	logger.Debug("tool output", "cmd", cmd.Name, "duration", res.Duration, "output", out.String())

	if err == nil {
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("%w after %s: %s: %s", ErrTimeout, timeout, cmd.String(), lastLines(out.String(), 20))
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, &ExitError{Command: cmd, ExitCode: exitErr.ExitCode(), Output: out.String()}
	}
	return res, fmt.Errorf("toolexec: %s: %w", cmd.String(), err)
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
