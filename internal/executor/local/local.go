//go:build unix

// Package local runs commands directly on the host. It gives no isolation
// beyond a process group and exists for development and tests; production
// deployments use the docker backend.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/sakif/codeexec/internal/executor"
)

// exitNotFound mirrors what a shell reports for a missing command.
const exitNotFound = 127

// Config bounds what one host process may produce.
type Config struct {
	MaxOutputBytes int
	// KillGrace bounds how long Wait may block on pipes held open by
	// orphaned grandchildren after the group is killed.
	KillGrace time.Duration
}

// DefaultConfig caps each stream at 1 MiB.
func DefaultConfig() Config {
	return Config{MaxOutputBytes: 1 << 20, KillGrace: time.Second}
}

// Sandbox implements executor.Sandbox with host processes. Each command
// gets its own process group, and the whole group is killed on timeout.
type Sandbox struct {
	config Config
	logger *slog.Logger
}

var _ executor.Sandbox = (*Sandbox)(nil)

func New(cfg Config, logger *slog.Logger) *Sandbox {
	logger.Warn("local sandbox enabled: code runs on the host without isolation")
	return &Sandbox{config: cfg, logger: logger}
}

func (s *Sandbox) Ping(context.Context) error { return nil }

// Cleanup has nothing to do: programs run as the server's own user, so the
// host removal of the workspace can delete whatever they created.
func (s *Sandbox) Cleanup(context.Context, string) error { return nil }

func (s *Sandbox) Run(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	if len(cmd.Argv) == 0 {
		return nil, errors.New("local sandbox: empty command")
	}

	runCtx, cancel := context.WithTimeout(ctx, cmd.Timeout)
	defer cancel()

	c := exec.CommandContext(runCtx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.Env...)
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		// Negative pid signals the whole process group.
		return syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
	}
	c.WaitDelay = s.config.KillGrace

	stdout := executor.NewCappedBuffer(s.config.MaxOutputBytes)
	stderr := executor.NewCappedBuffer(s.config.MaxOutputBytes)
	c.Stdout = stdout
	c.Stderr = stderr

	if cmd.StdinFile != "" {
		f, err := os.Open(cmd.StdinFile)
		if err != nil {
			return nil, fmt.Errorf("opening stdin file: %w", err)
		}
		defer f.Close()
		c.Stdin = f
	}

	start := time.Now()
	err := c.Run()
	elapsed := time.Since(start)

	res := &executor.Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  elapsed,
		Status:    executor.StatusCompleted,
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.Status = executor.StatusTimedOut
		res.ExitCode = executor.ExitTimedOut
		res.Detail = fmt.Sprintf("execution exceeded %s", cmd.Timeout)
		return res, nil
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode < 0 {
			// killed by a signal the program raised itself
			res.ExitCode = 128 + int(exitErr.Sys().(syscall.WaitStatus).Signal())
		}
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		res.ExitCode = exitNotFound
		res.Stderr += err.Error() + "\n"
	default:
		res.Status = executor.StatusFailed
		res.Detail = err.Error()
	}
	return res, nil
}
