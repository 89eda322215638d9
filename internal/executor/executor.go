// Package executor defines the Sandbox a single command runs in and the
// Bridge that sequences a language's compile and run steps over a staged
// workspace. Captured output is bounded by CappedBuffer.
//
// Backends live in subpackages: docker for the persistent runtime
// container, local for host processes during development.
package executor

import (
	"context"
	"time"
)

// Status is the terminal state of one execution.
type Status string

const (
	// StatusCompleted means the program ran to exit, whatever its exit code.
	StatusCompleted Status = "completed"
	// StatusTimedOut means the program was killed for exceeding its budget.
	StatusTimedOut Status = "timed_out"
	// StatusFailed means the sandbox could not run or observe the program;
	// Detail says why.
	StatusFailed Status = "failed"
)

// ExitTimedOut is the exit code reported for killed programs, matching
// coreutils timeout(1).
const ExitTimedOut = 124

// Command is one process to run inside the sandbox. Argv is passed as a
// vector, never through a shell.
type Command struct {
	Argv      []string
	Env       []string
	Dir       string
	StdinFile string // sandbox path; empty means no stdin
	Timeout   time.Duration
}

// Result is the captured outcome of an execution.
type Result struct {
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exitCode"`
	Status    Status        `json:"status"`
	Detail    string        `json:"detail,omitempty"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated"`
}

// TimedOut reports whether the program was killed for exceeding its budget,
// as opposed to exiting on its own with any code.
func (r *Result) TimedOut() bool {
	return r.Status == StatusTimedOut
}

// Sandbox runs commands in an isolated runtime.
//
// Run returns an error only when the runtime itself cannot be reached
// (wrapped apperror.ErrSandboxUnavailable) or ctx ends; everything that
// happens to the program is described by the Result.
//
// Cleanup empties a workspace directory (a sandbox path) as the user
// programs run as, so files they created can be removed. It leaves the
// directory itself for the host to delete.
type Sandbox interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
	Ping(ctx context.Context) error
	Cleanup(ctx context.Context, dir string) error
}
