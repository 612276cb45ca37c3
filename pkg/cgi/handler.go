// Package cgi runs CGI-like scripts: a local executable is started with at most
// one literal argument, its standard output is captured through a pipe and
// handed back verbatim. No CGI environment is built and no headers are parsed.
package cgi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Prefix is the request path prefix under which scripts live.
const Prefix = "/cgi-like/"

var (
	ErrBadScriptPath  = errors.New("cgi: script path outside " + Prefix)
	ErrStart          = errors.New("cgi: unable to start script")
	ErrTimeout        = errors.New("cgi: script timed out")
	ErrCanceled       = errors.New("cgi: script canceled")
	ErrOutputTooLarge = errors.New("cgi: script output too large")
	ErrStopped        = errors.New("cgi: runner stopped")
)

// Job describes a single script invocation.
type Job struct {
	// Path is the request path of the script, e.g. "/cgi-like/date".
	Path string
	// Arg is passed as the only command line argument when HasArg is set.
	// It is not split, decoded or interpreted by a shell.
	Arg    string
	HasArg bool
}

// Result is what a finished script left behind.
type Result struct {
	Output   []byte
	ExitCode int
	Pid      int
	Duration time.Duration
}

// Runner starts scripts below Root and supervises them until they exit.
// Every started child is waited on by the goroutine that started it, so no
// zombie outlives a call to Run.
type Runner struct {
	// Root is the directory request paths are resolved against. It is also
	// the working directory of every script. Defaults to ".". A relative Root
	// is made absolute against the working directory on first use.
	Root string

	// Env holds extra KEY=VALUE pairs appended to the server's environment.
	Env    []string
	Stderr io.Writer

	// Timeout bounds a single run. Zero means scripts may run forever.
	Timeout time.Duration

	// OutputHandler drains the script's stdout. Defaults to ReadAll.
	OutputHandler OutputHandler

	Logger *zerolog.Logger

	once     sync.Once
	children children
}

func (h *Runner) init() {
	h.once.Do(func() {
		h.children.init()
		if h.Root == "" {
			h.Root = "."
		}
		if abs, err := filepath.Abs(h.Root); err == nil {
			h.Root = abs
		}
		if h.Stderr == nil {
			h.Stderr = os.Stderr
		}
		if h.OutputHandler == nil {
			h.OutputHandler = ReadAll
		}
	})
}

func (h *Runner) logger() *zerolog.Logger {
	if h.Logger == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return h.Logger
}

// Run executes job and blocks until the script has exited and been reaped.
// A script that runs and exits non-zero is not an error; its exit code is
// reported in the Result.
func (h *Runner) Run(ctx context.Context, job Job) (*Result, error) {
	h.init()

	if !strings.HasPrefix(job.Path, Prefix) {
		return nil, fmt.Errorf("%w: %q", ErrBadScriptPath, job.Path)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	release, err := h.children.enter(cancel)
	if err != nil {
		return nil, err
	}
	defer release()

	var timeout context.CancelFunc = func() {}
	if h.Timeout > 0 {
		ctx, timeout = context.WithTimeout(ctx, h.Timeout)
	}
	defer timeout()

	rel := strings.TrimPrefix(job.Path, "/")
	var args []string
	if job.HasArg {
		args = append(args, job.Arg)
	}

	cmd := exec.CommandContext(ctx, filepath.Join(h.Root, rel), args...)
	cmd.Args[0] = rel
	cmd.Dir = h.Root
	cmd.Env = append(os.Environ(), h.Env...)
	cmd.Stderr = h.Stderr
	setProcessGroup(cmd)

	stdoutRead, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStart, err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return nil, ErrCanceled
		}
		return nil, fmt.Errorf("%w: %v", ErrStart, err)
	}
	pid := cmd.Process.Pid
	h.logger().Debug().Int("pid", pid).Str("script", rel).Msg("script started")

	output, readErr := h.OutputHandler(stdoutRead)
	if readErr != nil {
		cancel()
	}
	waitErr := cmd.Wait()

	res := &Result{
		Output:   output,
		Pid:      pid,
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if readErr != nil {
		return res, readErr
	}
	// A child that exited on its own keeps its result even if ctx expired
	// while it was being reaped.
	exited := cmd.ProcessState != nil && cmd.ProcessState.Exited()
	if err := interrupted(exited, ctx.Err(), h.Timeout); err != nil {
		return res, err
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !exited && !errors.As(waitErr, &exitErr) {
		return res, fmt.Errorf("cgi: wait for %s: %w", rel, waitErr)
	}
	if res.ExitCode != 0 {
		h.logger().Warn().Int("pid", pid).Str("script", rel).Int("exit", res.ExitCode).
			Msg("script exited with non-zero status")
	}
	return res, nil
}

// interrupted maps a done context onto the run's error when the child did not
// exit by itself.
func interrupted(exited bool, ctxErr error, timeout time.Duration) error {
	switch {
	case exited || ctxErr == nil:
		return nil
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	default:
		return ErrCanceled
	}
}

// Running reports how many scripts are currently alive.
func (h *Runner) Running() int {
	h.init()
	return h.children.count()
}

// Shutdown kills every live script and waits until all of them are reaped or
// ctx is done. Run fails with ErrStopped afterwards.
func (h *Runner) Shutdown(ctx context.Context) error {
	h.init()
	if n := h.children.stop(); n > 0 {
		h.logger().Info().Int("scripts", n).Msg("killing running scripts")
	}
	return h.children.wait(ctx)
}
