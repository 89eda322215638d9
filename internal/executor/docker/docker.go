package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sakif/codeexec/internal/apperror"
	"github.com/sakif/codeexec/internal/executor"
)

// exitKilled is what a shell reports for SIGKILL (128 + 9).
const exitKilled = 137

// Sandbox implements executor.Sandbox with execs inside one long-lived,
// network-less runtime container. Per-request isolation comes from the
// workspace directory each exec is pointed at.
type Sandbox struct {
	cli     dockerAPI
	config  Config
	runtime *Runtime
	logger  *slog.Logger
}

var _ executor.Sandbox = (*Sandbox)(nil)

// New connects to the Docker daemon and starts runtime supervision.
func New(cfg Config, logger *slog.Logger) (*Sandbox, error) {
	if cfg.ManageContainer && cfg.MountSource == "" {
		return nil, errors.New("docker sandbox: mount source is required when managing the container")
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	s := newSandbox(cli, cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	s.runtime.Start(ctx)

	return s, nil
}

func newSandbox(cli dockerAPI, cfg Config, logger *slog.Logger) *Sandbox {
	return &Sandbox{
		cli:     cli,
		config:  cfg,
		runtime: newRuntime(cli, cfg, logger),
		logger:  logger,
	}
}

// Close stops supervision and the docker client.
func (s *Sandbox) Close() error {
	s.runtime.Stop()
	return s.cli.Close()
}

// Ping checks the daemon and the runtime container.
func (s *Sandbox) Ping(ctx context.Context) error {
	if _, err := s.cli.Ping(ctx); err != nil {
		return apperror.SandboxUnavailable(err)
	}
	if _, err := s.runtime.Ensure(ctx); err != nil {
		return apperror.SandboxUnavailable(err)
	}
	return nil
}

// Run executes cmd inside the runtime container.
//
// The time budget is enforced twice. Inside the container, coreutils
// timeout kills the program's process group. On the host, a deadline of
// Timeout+KillGrace abandons the stream if that fails and reaps whatever
// still references the workspace.
func (s *Sandbox) Run(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	execID, err := s.createExec(ctx, cmd)
	if err != nil {
		return nil, err
	}

	attach, err := s.cli.ContainerExecAttach(ctx, execID, container.ExecStartOptions{})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperror.SandboxUnavailable(fmt.Errorf("attaching to exec: %w", err))
	}
	defer attach.Close()

	start := time.Now()
	stdout := executor.NewCappedBuffer(s.config.MaxOutputBytes)
	stderr := executor.NewCappedBuffer(s.config.MaxOutputBytes)

	done := make(chan error, 1)
	go func() {
		// Use stdcopy to demultiplex stdout from stderr
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- err
	}()

	waitCtx, cancel := context.WithTimeout(ctx, cmd.Timeout+s.config.KillGrace)
	defer cancel()

	var streamErr error
	abandoned := false
	select {
	case streamErr = <-done:
	case <-waitCtx.Done():
		// Closing the connection unblocks StdCopy; waiting for it means
		// the buffers are no longer written to when we read them.
		attach.Close()
		<-done
		abandoned = true
	}
	elapsed := time.Since(start)

	res := &executor.Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  elapsed,
	}

	if abandoned {
		s.reap(cmd.Dir)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		markTimedOut(res, cmd.Timeout)
		return res, nil
	}

	if streamErr != nil {
		s.reap(cmd.Dir)
		res.Status = executor.StatusFailed
		res.Detail = "reading program output: " + streamErr.Error()
		return res, nil
	}

	code, err := s.exitCode(ctx, execID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		res.Status = executor.StatusFailed
		res.Detail = "reading exit status: " + err.Error()
		return res, nil
	}

	res.ExitCode = code
	// timeout(1) exits 124 or 137, but a program can exit with either on
	// its own. Only the host clock tells them apart: the in-container limit
	// cannot fire before cmd.Timeout has passed here.
	if (code == executor.ExitTimedOut || code == exitKilled) && elapsed >= cmd.Timeout {
		s.reap(cmd.Dir)
		markTimedOut(res, cmd.Timeout)
		return res, nil
	}

	res.Status = executor.StatusCompleted
	return res, nil
}

func markTimedOut(res *executor.Result, limit time.Duration) {
	res.Status = executor.StatusTimedOut
	res.ExitCode = executor.ExitTimedOut
	res.Detail = fmt.Sprintf("execution exceeded %s", limit)
}

// createExec creates the exec, retrying once against a freshly ensured
// container when the cached one has gone away.
func (s *Sandbox) createExec(ctx context.Context, cmd executor.Command) (string, error) {
	opts := container.ExecOptions{
		Cmd:          wrap(cmd),
		Env:          append([]string{"HOME=/tmp"}, cmd.Env...),
		WorkingDir:   cmd.Dir,
		User:         s.config.User,
		AttachStdout: true,
		AttachStderr: true,
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		containerID, err := s.runtime.ContainerID(ctx)
		if err != nil {
			return "", apperror.SandboxUnavailable(err)
		}
		resp, err := s.cli.ContainerExecCreate(ctx, containerID, opts)
		if err == nil {
			return resp.ID, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		s.runtime.Invalidate()
	}
	return "", apperror.SandboxUnavailable(fmt.Errorf("creating exec: %w", lastErr))
}

// exitCode waits for the exec to be reported as finished. The stream can
// close a moment before the daemon records the exit status.
func (s *Sandbox) exitCode(ctx context.Context, execID string) (int, error) {
	for i := 0; i < 50; i++ {
		info, err := s.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, err
		}
		if !info.Running {
			return info.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return 0, errors.New("exec still running after its output closed")
}

// reap kills every process whose command line mentions dir. Each workspace
// path is unique, so this never touches another request's processes.
func (s *Sandbox) reap(dir string) {
	if dir == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// pkill exits 1 when nothing matched, which is the usual case.
	if _, err := s.helper(ctx, []string{"pkill", "-KILL", "-f", dir}); err != nil {
		s.logger.Warn("cannot reap workspace processes", slog.String("dir", dir), slog.String("error", err.Error()))
	}
}

// Cleanup deletes everything inside dir as the sandbox user. The directory
// itself sits in a staging root the sandbox user cannot write, so the host
// removes it afterwards.
func (s *Sandbox) Cleanup(ctx context.Context, dir string) error {
	root := strings.TrimSuffix(s.config.SandboxRoot, "/") + "/"
	if !strings.HasPrefix(dir, root) || path.Clean(dir) != dir || dir == root {
		return fmt.Errorf("docker sandbox: refusing to clean %q outside %s", dir, root)
	}

	code, err := s.helper(ctx, []string{"find", dir, "-mindepth", "1", "-delete"})
	if err != nil {
		return fmt.Errorf("cleaning %s: %w", dir, err)
	}
	if code != 0 {
		return fmt.Errorf("cleaning %s: find exited %d", dir, code)
	}
	return nil
}

// helper runs a short housekeeping command as the sandbox user and returns
// its exit code. Output is discarded.
func (s *Sandbox) helper(ctx context.Context, argv []string) (int, error) {
	containerID, err := s.runtime.ContainerID(ctx)
	if err != nil {
		return 0, err
	}
	resp, err := s.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          argv,
		User:         s.config.User,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, err
	}
	attach, err := s.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, attach.Reader)
	attach.Close()
	return s.exitCode(ctx, resp.ID)
}

// wrap puts the in-container time limit, and the stdin redirect when there
// is one, in front of the program's argv. The redirect script is constant;
// the stdin path and argv reach it as positional parameters.
func wrap(cmd executor.Command) []string {
	secs := int(math.Ceil(cmd.Timeout.Seconds()))
	if secs < 1 {
		secs = 1
	}
	argv := []string{"timeout", "-k", "1", strconv.Itoa(secs)}
	if cmd.StdinFile != "" {
		argv = append(argv, "sh", "-c", `exec "$@" < "$0"`, cmd.StdinFile)
	}
	return append(argv, cmd.Argv...)
}
