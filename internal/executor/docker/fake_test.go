package docker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// script describes what a fake exec prints and how it ends.
type script struct {
	stdout   string
	stderr   string
	exitCode int
	hang     bool // keep the stream open until the client closes it
}

// fakeDocker is an in-memory dockerAPI. Execs are answered from scripts in
// order; pkill execs are recorded as reaps and find execs as cleanups.
type fakeDocker struct {
	mu sync.Mutex

	state       *container.State // nil means the container does not exist
	inspectErr  error
	createErr   []error // consumed one per ContainerCreate call
	pulls       int
	creates     int
	starts      int
	execFails   int // ContainerExecCreate failures before succeeding
	scripts     []script
	execs       map[string]container.ExecOptions
	exitCodes   map[string]int
	reaped      []string
	cleaned     []string
	cleanExit   int
	stop        chan struct{}
	nextExecNum int
}

func newFakeDocker(scripts ...script) *fakeDocker {
	return &fakeDocker{
		state:     &container.State{Running: true},
		scripts:   scripts,
		execs:     map[string]container.ExecOptions{},
		exitCodes: map[string]int{},
		stop:      make(chan struct{}),
	}
}

func (f *fakeDocker) Ping(context.Context) (types.Ping, error) {
	return types.Ping{}, nil
}

func (f *fakeDocker) ContainerInspect(_ context.Context, name string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectErr != nil {
		return container.InspectResponse{}, f.inspectErr
	}
	if f.state == nil {
		return container.InspectResponse{}, fmt.Errorf("no such container %s: %w", name, cerrdefs.ErrNotFound)
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{ID: "runtime-1", Name: name, State: f.state},
	}, nil
}

func (f *fakeDocker) ContainerCreate(context.Context, *container.Config, *container.HostConfig, *network.NetworkingConfig, *ocispec.Platform, string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if len(f.createErr) > 0 {
		err := f.createErr[0]
		f.createErr = f.createErr[1:]
		if err != nil {
			return container.CreateResponse{}, err
		}
	}
	f.state = &container.State{}
	return container.CreateResponse{ID: "runtime-1"}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.state = &container.State{Running: true}
	return nil
}

func (f *fakeDocker) ContainerExecCreate(_ context.Context, _ string, opts container.ExecOptions) (container.ExecCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execFails > 0 {
		f.execFails--
		return container.ExecCreateResponse{}, errors.New("container gone")
	}
	f.nextExecNum++
	id := fmt.Sprintf("exec-%d", f.nextExecNum)
	f.execs[id] = opts
	return container.ExecCreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerExecAttach(_ context.Context, execID string, _ container.ExecStartOptions) (types.HijackedResponse, error) {
	f.mu.Lock()
	opts := f.execs[execID]
	var sc script
	switch {
	case len(opts.Cmd) > 0 && opts.Cmd[0] == "pkill":
		f.reaped = append(f.reaped, opts.Cmd[len(opts.Cmd)-1])
		sc.exitCode = 1
	case len(opts.Cmd) > 1 && opts.Cmd[0] == "find":
		f.cleaned = append(f.cleaned, opts.Cmd[1])
		sc.exitCode = f.cleanExit
	case len(f.scripts) > 0:
		sc = f.scripts[0]
		f.scripts = f.scripts[1:]
	}
	f.exitCodes[execID] = sc.exitCode
	f.mu.Unlock()

	server, client := net.Pipe()
	go func() {
		defer server.Close()
		if sc.stdout != "" {
			_, _ = io.WriteString(stdcopy.NewStdWriter(server, stdcopy.Stdout), sc.stdout)
		}
		if sc.stderr != "" {
			_, _ = io.WriteString(stdcopy.NewStdWriter(server, stdcopy.Stderr), sc.stderr)
		}
		if sc.hang {
			<-f.stop
		}
	}()

	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(client)}, nil
}

func (f *fakeDocker) ContainerExecInspect(_ context.Context, execID string) (container.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return container.ExecInspect{ExecID: execID, ExitCode: f.exitCodes[execID]}, nil
}

func (f *fakeDocker) ImagePull(context.Context, string, image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeDocker) Close() error {
	select {
	case <-f.stop:
	default:
		close(f.stop)
	}
	return nil
}

func (f *fakeDocker) execOptions() []container.ExecOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]container.ExecOptions, 0, len(f.execs))
	for i := 1; i <= f.nextExecNum; i++ {
		out = append(out, f.execs[fmt.Sprintf("exec-%d", i)])
	}
	return out
}

func (f *fakeDocker) cleanedDirs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cleaned...)
}

func (f *fakeDocker) reapedDirs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reaped...)
}
