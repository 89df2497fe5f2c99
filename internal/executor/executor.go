package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrCLINotFound means the CLI binary is not installed or not on PATH.
	// Surfaced separately from execution failures so the caller can print
	// installation guidance.
	ErrCLINotFound = errors.New("claude CLI not found")

	// ErrTimeout means the command outlived its deadline. The child receives
	// SIGTERM, then SIGKILL after the wait delay.
	ErrTimeout = errors.New("command timed out")
)

const (
	defaultRunTimeout = 60 * time.Second
	killWaitDelay     = 5 * time.Second
	streamChunkSize   = 4096
)

type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Err      error
}

type RunOptions struct {
	Timeout    time.Duration
	WorkingDir string
	Env        []string
	OnStdout   func(chunk string)
	OnStderr   func(chunk string)
}

// Executor spawns one CLI child process per Run call and streams its output.
// Termination escalates: SIGTERM on timeout, SIGKILL if the process is still
// alive after killWaitDelay.
type Executor struct {
	logger    *slog.Logger
	waitDelay time.Duration
}

func New(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Executor{logger: logger, waitDelay: killWaitDelay}
}

// SetWaitDelay overrides the SIGTERM→SIGKILL grace period. Used by tests.
func (e *Executor) SetWaitDelay(d time.Duration) {
	if d > 0 {
		e.waitDelay = d
	}
}

func (e *Executor) Run(ctx context.Context, command string, opts RunOptions) Result {
	started := time.Now()
	argv, err := Tokenize(command)
	if err != nil {
		return Result{ExitCode: -1, Duration: time.Since(started), Err: err}
	}
	if len(argv) == 0 {
		return Result{ExitCode: -1, Duration: time.Since(started), Err: errors.New("empty command")}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	if strings.TrimSpace(opts.WorkingDir) != "" {
		cmd.Dir = opts.WorkingDir
	}
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.waitDelay

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1, Duration: time.Since(started), Err: err}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{ExitCode: -1, Duration: time.Since(started), Err: err}
	}

	if err := cmd.Start(); err != nil {
		duration := time.Since(started)
		if errors.Is(err, exec.ErrNotFound) {
			e.logger.Warn("cli binary not found", "binary", argv[0])
			return Result{ExitCode: -1, Duration: duration, Err: fmt.Errorf("%w: %s", ErrCLINotFound, argv[0])}
		}
		return Result{ExitCode: -1, Duration: duration, Err: err}
	}

	var (
		wg     sync.WaitGroup
		stdout strings.Builder
		stderr strings.Builder
	)
	wg.Add(2)
	go pumpStream(&wg, stdoutPipe, &stdout, opts.OnStdout)
	go pumpStream(&wg, stderrPipe, &stderr, opts.OnStderr)
	wg.Wait()

	waitErr := cmd.Wait()
	duration := time.Since(started)
	result := Result{
		ExitCode: normalizeExitCode(cmd),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}
	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		e.logger.Warn("command timed out", "command", argv[0], "timeout", timeout, "duration", duration)
		result.Err = fmt.Errorf("%w after %s", ErrTimeout, duration.Round(time.Millisecond))
		return result
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			// Non-zero exit is reported via ExitCode, not Err.
			return result
		}
		result.Err = waitErr
	}
	return result
}

// pumpStream forwards chunks to the callback as they arrive, with no extra
// buffering beyond the OS pipe.
func pumpStream(wg *sync.WaitGroup, r io.Reader, acc *strings.Builder, onChunk func(string)) {
	defer wg.Done()
	buf := make([]byte, streamChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			acc.WriteString(chunk)
			if onChunk != nil {
				onChunk(chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

// normalizeExitCode maps an unavailable exit status to 0, matching the
// transport contract.
func normalizeExitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return 0
	}
	code := cmd.ProcessState.ExitCode()
	if code < 0 {
		return 0
	}
	return code
}
