package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"

	"github.com/sakif/codeexec/internal/metrics"
)

var errRuntimeNotRunning = errors.New("runtime container is not running")

// Runtime keeps the long-lived runtime container alive. Every exec runs
// inside it; a background supervisor recreates or restarts it when it dies.
type Runtime struct {
	cli    dockerAPI
	config Config
	logger *slog.Logger

	mu          sync.Mutex
	containerID string

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func newRuntime(cli dockerAPI, cfg Config, logger *slog.Logger) *Runtime {
	if cfg.SuperviseInterval <= 0 {
		cfg.SuperviseInterval = DefaultConfig().SuperviseInterval
	}
	return &Runtime{
		cli:    cli,
		config: cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start brings the container up and launches the supervisor. A failure to
// bring it up is logged, not returned: the supervisor keeps trying and
// requests fail as unavailable in the meantime.
func (r *Runtime) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		if _, err := r.Ensure(ctx); err != nil {
			r.logger.Warn("runtime container not ready at startup",
				slog.String("container", r.config.ContainerName),
				slog.String("error", err.Error()),
			)
		}
		r.wg.Add(1)
		go r.supervise()
	})
}

// Stop halts the supervisor. The container itself is left running so the
// next process can reuse it.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

// ContainerID returns the cached container ID, ensuring the container when
// nothing is cached.
func (r *Runtime) ContainerID(ctx context.Context) (string, error) {
	r.mu.Lock()
	id := r.containerID
	r.mu.Unlock()
	if id != "" {
		return id, nil
	}
	return r.Ensure(ctx)
}

// Invalidate drops the cached ID so the next caller re-inspects.
func (r *Runtime) Invalidate() {
	r.mu.Lock()
	r.containerID = ""
	r.mu.Unlock()
}

// Ensure inspects the runtime container and, when allowed, creates or
// starts it. It returns the ID of a running container.
func (r *Runtime) Ensure(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := r.cli.ContainerInspect(ctx, r.config.ContainerName)
	switch {
	case err == nil && info.State != nil && info.State.Running:
		r.containerID = info.ID
		return info.ID, nil

	case err == nil:
		r.containerID = ""
		if !r.config.ManageContainer {
			return "", fmt.Errorf("%s: %w", r.config.ContainerName, errRuntimeNotRunning)
		}
		r.logger.Warn("restarting stopped runtime container", slog.String("container", r.config.ContainerName))
		if err := r.cli.ContainerStart(ctx, info.ID, container.StartOptions{}); err != nil {
			return "", fmt.Errorf("starting runtime container: %w", err)
		}
		metrics.RuntimeRestarts.Inc()
		r.containerID = info.ID
		return info.ID, nil

	case cerrdefs.IsNotFound(err):
		r.containerID = ""
		if !r.config.ManageContainer {
			return "", fmt.Errorf("runtime container %s does not exist", r.config.ContainerName)
		}
		id, err := r.create(ctx)
		if err != nil {
			return "", err
		}
		metrics.RuntimeRestarts.Inc()
		r.containerID = id
		return id, nil

	default:
		r.containerID = ""
		return "", fmt.Errorf("inspecting runtime container: %w", err)
	}
}

// create starts a container running `sleep infinity` with the staging
// directory mounted. Every exec inherits its isolation settings.
func (r *Runtime) create(ctx context.Context) (string, error) {
	start := time.Now()
	pids := r.config.PidsLimit

	cfg := &container.Config{
		Image: r.config.Image,
		Cmd:   []string{"sleep", "infinity"},
		User:  r.config.User,
	}
	hostConfig := &container.HostConfig{
		NetworkMode: "none",
		Binds:       []string{r.config.MountSource + ":" + r.config.SandboxRoot},
		Resources: container.Resources{
			Memory:    r.config.MemoryLimit,
			NanoCPUs:  int64(r.config.CPULimit * 1e9),
			PidsLimit: &pids,
		},
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,exec,nosuid,size=256m"},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		RestartPolicy:  container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostConfig, nil, nil, r.config.ContainerName)
	if cerrdefs.IsNotFound(err) {
		if pullErr := r.pull(ctx); pullErr != nil {
			return "", pullErr
		}
		resp, err = r.cli.ContainerCreate(ctx, cfg, hostConfig, nil, nil, r.config.ContainerName)
	}
	if err != nil {
		return "", fmt.Errorf("creating runtime container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("starting runtime container: %w", err)
	}

	r.logger.Info("runtime container created",
		slog.String("container", r.config.ContainerName),
		slog.String("id", resp.ID),
		slog.Duration("took", time.Since(start)),
	)
	return resp.ID, nil
}

func (r *Runtime) pull(ctx context.Context) error {
	r.logger.Info("pulling runtime image", slog.String("image", r.config.Image))
	reader, err := r.cli.ImagePull(ctx, r.config.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling runtime image: %w", err)
	}
	defer reader.Close()
	// Read everything to block until the pull is complete
	_, err = io.Copy(io.Discard, reader)
	return err
}

// supervise periodically re-ensures the container.
func (r *Runtime) supervise() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.SuperviseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			if _, err := r.Ensure(ctx); err != nil {
				r.logger.Error("runtime container check failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}
