package docker

import (
	"time"
)

// Config holds the configuration for the Docker sandbox.
type Config struct {
	// Image is the runtime image carrying every supported toolchain.
	Image string
	// ContainerName identifies the long-lived runtime container.
	ContainerName string
	// ManageContainer lets the sandbox create and (re)start the runtime
	// container. When false the container must be provisioned externally.
	ManageContainer bool
	// MountSource is the host staging directory bind-mounted into the
	// container at SandboxRoot.
	MountSource string
	// SandboxRoot is where MountSource appears inside the container.
	SandboxRoot string
	// User runs every exec. Must be able to write into workspace directories.
	User string
	// MemoryLimit is the container memory cap in bytes.
	MemoryLimit int64
	// CPULimit is the number of CPUs the container can use.
	CPULimit float64
	// PidsLimit caps processes in the container; stops fork bombs.
	PidsLimit int64
	// MaxOutputBytes caps each of stdout and stderr per exec.
	MaxOutputBytes int
	// KillGrace is how long past its timeout an exec may run before the
	// host gives up on it and reaps it.
	KillGrace time.Duration
	// SuperviseInterval is how often the runtime container is checked.
	SuperviseInterval time.Duration
}

// DefaultConfig provides defaults matching the runtime image under deploy/runtime.
func DefaultConfig() Config {
	return Config{
		Image:           "codeexec-runtime:latest",
		ContainerName:   "code-exec",
		ManageContainer: true,
		SandboxRoot:     "/code",
		User:            "nobody",
		// 512 MB: javac and rustc need headroom
		MemoryLimit:       512 * 1024 * 1024,
		CPULimit:          1,
		PidsLimit:         256,
		MaxOutputBytes:    1 << 20,
		KillGrace:         2 * time.Second,
		SuperviseInterval: 15 * time.Second,
	}
}
