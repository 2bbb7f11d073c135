package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Response delimiters the driver emits around its final answer. When absent,
// ExtractResponse falls back to the stdout tail.
const (
	ResponseStartMarker = "AGENT_RESPONSE_START"
	ResponseEndMarker   = "AGENT_RESPONSE_END"

	// maxResponseTail bounds the marker-less fallback at 64 KiB.
	maxResponseTail = 64 * 1024

	// DefaultKillGrace is how long a signalled driver gets before SIGKILL.
	DefaultKillGrace = 10 * time.Second
)

// ErrTimeout indicates the driver exceeded its wall-clock budget.
var ErrTimeout = errors.New("driver execution timed out")

// Error kinds carried by ExecError.
const (
	KindDriverInit    = "driver_init"
	KindDriverRuntime = "driver_runtime"
	KindDriverAuth    = "driver_auth"
)

// ExecError classifies a driver failure. Kind is one of the Kind* constants.
type ExecError struct {
	Kind string
	Err  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("driver failure (%s): %v", e.Kind, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Result is the outcome of one driver invocation
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Driver runs one task to completion inside a working directory. The worker
// only ever sees this interface; the concrete command line stays here.
type Driver interface {
	Run(ctx context.Context, taskText, workdir string, timeout time.Duration) (*Result, error)
}

// SubprocessDriver invokes an external command per task. The task text is
// passed both as the final argument and as TASK_DESCRIPTION in the
// environment; the process runs with workdir as its current directory and is
// expected to drop screenshots under workdir/screenshots/.
type SubprocessDriver struct {
	// Command is the argv prefix, e.g. ["python3", "run_task.py"].
	Command []string

	// KillGrace is the window between SIGTERM and SIGKILL on timeout or
	// cancellation. Zero means DefaultKillGrace.
	KillGrace time.Duration
}

// NewSubprocessDriver creates a driver for the given argv prefix
func NewSubprocessDriver(command []string) (*SubprocessDriver, error) {
	if len(command) == 0 {
		return nil, &ExecError{Kind: KindDriverInit, Err: errors.New("empty driver command")}
	}
	return &SubprocessDriver{Command: command, KillGrace: DefaultKillGrace}, nil
}

// Run executes the driver once. The wall clock is bounded by timeout; on
// expiry the process receives SIGTERM, then SIGKILL after KillGrace, and the
// call returns ErrTimeout. Other failures come back as *ExecError.
func (d *SubprocessDriver) Run(ctx context.Context, taskText, workdir string, timeout time.Duration) (*Result, error) {
	if info, err := os.Stat(workdir); err != nil || !info.IsDir() {
		return nil, &ExecError{Kind: KindDriverInit, Err: fmt.Errorf("workdir %s not usable: %v", workdir, err)}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := append(append([]string{}, d.Command[1:]...), taskText)
	cmd := exec.CommandContext(runCtx, d.Command[0], args...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), "TASK_DESCRIPTION="+taskText)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	grace := d.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	// Ask nicely first; CommandContext defaults to an immediate SIGKILL.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err == nil {
		return res, nil
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("driver exceeded %s: %w", timeout, ErrTimeout)
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, &ExecError{Kind: classifyExit(res), Err: fmt.Errorf("exit code %d: %s", res.ExitCode, tail(res.Stderr, 512))}
	}
	// The process never started: missing binary, permissions, bad workdir.
	return res, &ExecError{Kind: KindDriverInit, Err: err}
}

// classifyExit inspects a failed run's output for credential failures; every
// other non-zero exit is a runtime failure.
func classifyExit(res *Result) string {
	combined := strings.ToLower(res.Stderr + "\n" + res.Stdout)
	for _, marker := range []string{"unauthorized", "authentication failed", "invalid credentials", "permission denied (auth)", "401", "403"} {
		if strings.Contains(combined, marker) {
			return KindDriverAuth
		}
	}
	return KindDriverRuntime
}

// ExtractResponse pulls the driver's final answer out of its stdout. The
// region between the response markers wins; without both markers the last
// 64 KiB of stdout are returned as-is.
func ExtractResponse(stdout string) string {
	start := strings.Index(stdout, ResponseStartMarker)
	if start >= 0 {
		rest := stdout[start+len(ResponseStartMarker):]
		if end := strings.Index(rest, ResponseEndMarker); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}
	return strings.TrimSpace(tail(stdout, maxResponseTail))
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
